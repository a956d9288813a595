// Package partition decides when the system is redistributed over ranks and
// does the redistribution: whole molecules are assigned to ranks, every
// change bumps the partition generation and the halo exchange gathers the
// coordinates each rank needs for its forces.
package partition

import "github.com/san-kum/mdloop/internal/schedule"

type Reason string

const (
	ReasonFirstStep     Reason = "first-step"
	ReasonSearch        Reason = "search-step"
	ReasonBoxCorrection Reason = "box-correction"
	ReasonExchange      Reason = "exchange"
	ReasonSwap          Reason = "swap"
)

// Controller decides whether a step repartitions. With one rank only the
// first step, a corrected box and replaced state require it; with several
// ranks every search step does.
type Controller struct {
	multiRank bool
	swapped   bool
}

func NewController(ranks int) *Controller {
	return &Controller{multiRank: ranks > 1}
}

// MarkSwapped records that the previous step swapped coordinates, so the
// exchange flag of the next step is attributed to the swap.
func (c *Controller) MarkSwapped() { c.swapped = true }

func (c *Controller) Required(sc schedule.StepContext, boxCorrected bool) (Reason, bool) {
	swapped := c.swapped
	c.swapped = false
	switch {
	case sc.First:
		return ReasonFirstStep, true
	case sc.Exchanged && swapped:
		return ReasonSwap, true
	case sc.Exchanged:
		return ReasonExchange, true
	case boxCorrected:
		return ReasonBoxCorrection, true
	case c.multiRank && sc.Search:
		return ReasonSearch, true
	}
	return "", false
}

package mdrun

import (
	"time"

	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/force"
	"github.com/san-kum/mdloop/internal/partition"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/schedule"
)

// StepReport is handed to observers after every step, on the coordinating
// rank of each simulation.
type StepReport struct {
	Replica int
	Step    int64
	Time    float64
	Plan    schedule.StepContext

	Energies reduce.EnergyAccumulator
	// HaveEnergies is set on steps whose energies were reduced.
	HaveEnergies bool

	Repartitioned partition.Reason
	Exchanged     bool
	Checkpointed  bool
}

type Observer interface {
	OnStep(r StepReport)
}

type ObserverFunc func(StepReport)

func (f ObserverFunc) OnStep(r StepReport) { f(r) }

// Counters are the wall-clock timings of the step phases. The
// reset-counters signal zeroes them.
type Counters struct {
	Since  int64
	Steps  int64
	Force  time.Duration
	Update time.Duration
	Reduce time.Duration
	Comm   time.Duration
	Output time.Duration
	Total  time.Duration
}

// NsPerDay is the simulated time per wall-clock day, in ns.
func (c Counters) NsPerDay(dt float64) float64 {
	if c.Total <= 0 {
		return 0
	}
	ps := float64(c.Steps) * dt
	return ps / 1000 / c.Total.Hours() * 24
}

type Result struct {
	Replica   int
	StepsDone int64
	LastStep  int64
	// Stopped is set when an agreed stop ended the run before nsteps.
	Stopped bool

	// Final is the state after the last step.
	Final    *dynamo.GlobalSnapshot
	Energies reduce.EnergyAccumulator
	Averages map[string]reduce.Stat
	Metrics  map[string]float64

	Repartitions map[partition.Reason]int
	Exchanges    int
	Acceptance   []float64
	LongRange    force.LongRangeSetup
	Counters     Counters
}

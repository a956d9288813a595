package partition

import (
	"context"
	"fmt"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// Halo gathers the coordinates of all atoms from their owners. Non-home
// slots are zero before the sum, so one all-reduce suffices.
type Halo struct {
	natoms int
	buf    []float64
	x      []dynamo.Vec3
}

func NewHalo(natoms int) *Halo {
	return &Halo{natoms: natoms, buf: make([]float64, 3*natoms), x: make([]dynamo.Vec3, natoms)}
}

// Exchange returns the full coordinate array. The slice is reused by the
// next call.
func (h *Halo) Exchange(ctx context.Context, c comm.Communicator, ls *dynamo.LocalState) ([]dynamo.Vec3, error) {
	if c.Size() == 1 && ls.NumAtoms() == h.natoms {
		for li, gi := range ls.Home {
			h.x[gi] = ls.X[li]
		}
		return h.x, nil
	}
	for i := range h.buf {
		h.buf[i] = 0
	}
	for li, gi := range ls.Home {
		copy(h.buf[3*gi:3*gi+3], ls.X[li][:])
	}
	if err := c.AllReduceSum(ctx, h.buf); err != nil {
		return nil, fmt.Errorf("halo: %w", err)
	}
	for i := range h.x {
		h.x[i] = dynamo.Vec3{h.buf[3*i], h.buf[3*i+1], h.buf[3*i+2]}
	}
	return h.x, nil
}

// Collect assembles the full state into dst on every rank. Positions and
// velocities travel in one all-reduce; the replicated scalars are copied
// from the local state.
func Collect(ctx context.Context, c comm.Communicator, dst *dynamo.GlobalSnapshot, ls *dynamo.LocalState) error {
	n := len(dst.X)
	if c.Size() == 1 {
		dynamo.Collect(dst, ls)
		return nil
	}
	buf := make([]float64, 6*n)
	for li, gi := range ls.Home {
		copy(buf[6*gi:6*gi+3], ls.X[li][:])
		copy(buf[6*gi+3:6*gi+6], ls.V[li][:])
	}
	if err := c.AllReduceSum(ctx, buf); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	dynamo.Collect(dst, ls)
	for i := 0; i < n; i++ {
		dst.X[i] = dynamo.Vec3{buf[6*i], buf[6*i+1], buf[6*i+2]}
		dst.V[i] = dynamo.Vec3{buf[6*i+3], buf[6*i+4], buf[6*i+5]}
	}
	return nil
}

// Apply replaces ls with the home atoms a assigns to rank, taken from g.
// The virial history is rank-local and survives.
func Apply(ls *dynamo.LocalState, g *dynamo.GlobalSnapshot, a Assignment, rank int) {
	svir, fvir := ls.SVirPrev, ls.FVirPrev
	*ls = *dynamo.Distribute(g, a.Home[rank], a.Generation)
	ls.SVirPrev, ls.FVirPrev = svir, fvir
}

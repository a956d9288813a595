package partition

import (
	"fmt"
	"sort"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// Assignment lists the home atoms of every rank for one generation.
type Assignment struct {
	Home       [][]int
	Generation uint64
}

// Owner returns the rank owning global atom gi, or -1.
func (a Assignment) Owner(gi int) int {
	for r, home := range a.Home {
		for _, h := range home {
			if h == gi {
				return r
			}
		}
	}
	return -1
}

type Partitioner interface {
	Repartition(g *dynamo.GlobalSnapshot, nranks int) (Assignment, error)
}

// Slab orders molecules by the wrapped x coordinate of their first atom and
// cuts the order into nranks slabs of equal molecule count. The result is a
// pure function of the snapshot, so every rank computes the same one.
type Slab struct {
	top        *dynamo.Topology
	generation uint64
}

// NewSlab starts counting generations after start.
func NewSlab(top *dynamo.Topology, start uint64) *Slab {
	return &Slab{top: top, generation: start}
}

func (s *Slab) Generation() uint64 { return s.generation }

func (s *Slab) Repartition(g *dynamo.GlobalSnapshot, nranks int) (Assignment, error) {
	mols := s.top.Molecules
	if nranks < 1 || nranks > len(mols) {
		return Assignment{}, fmt.Errorf("%w: %d ranks for %d molecules", dynamo.ErrInvalidState, nranks, len(mols))
	}
	if len(g.X) != s.top.NumAtoms() {
		return Assignment{}, fmt.Errorf("%w: snapshot has %d atoms, topology %d", dynamo.ErrInvalidState, len(g.X), s.top.NumAtoms())
	}
	order := make([]int, len(mols))
	key := make([]float64, len(mols))
	for mi, m := range mols {
		order[mi] = mi
		key[mi] = g.Box.Wrap(g.X[m.Start])[0]
	}
	sort.SliceStable(order, func(a, b int) bool { return key[order[a]] < key[order[b]] })

	s.generation++
	a := Assignment{Home: make([][]int, nranks), Generation: s.generation}
	for k, mi := range order {
		r := k * nranks / len(mols)
		for i := mols[mi].Start; i < mols[mi].End; i++ {
			a.Home[r] = append(a.Home[r], i)
		}
	}
	for _, home := range a.Home {
		sort.Ints(home)
	}
	return a, nil
}

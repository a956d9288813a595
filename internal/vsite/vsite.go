// Package vsite constructs massless virtual interaction sites from their
// constructing atoms and spreads the forces acting on them back.
package vsite

import (
	"fmt"

	"github.com/san-kum/mdloop/internal/dynamo"
)

type site struct {
	site, i, j int
	a          float64
}

// Handler owns the local site list of one rank.
type Handler struct {
	top   *dynamo.Topology
	sites []site
	n     int
}

func New(top *dynamo.Topology) *Handler {
	return &Handler{top: top}
}

// SetNumAtoms rebuilds the local site list after the home atom set changed.
func (h *Handler) SetNumAtoms(ls *dynamo.LocalState) {
	idx := dynamo.IndexOf(ls.Home)
	h.sites = h.sites[:0]
	for _, v := range h.top.VSites {
		s, ok0 := idx[v.Site]
		i, ok1 := idx[v.I]
		j, ok2 := idx[v.J]
		if ok0 && ok1 && ok2 {
			h.sites = append(h.sites, site{site: s, i: i, j: j, a: v.A})
		}
	}
	h.n = len(ls.Home)
}

func (h *Handler) Count() int { return len(h.sites) }

func (h *Handler) check(n int) error {
	if n != h.n {
		return fmt.Errorf("%w: virtual sites built for %d atoms, got %d", dynamo.ErrInvalidState, h.n, n)
	}
	return nil
}

// Construct places every site on the line between its constructing atoms.
// With v non-nil and dt > 0 the site velocity is its displacement over dt.
func (h *Handler) Construct(x, v []dynamo.Vec3, box dynamo.Box, dt float64) error {
	if err := h.check(len(x)); err != nil {
		return err
	}
	for _, s := range h.sites {
		old := x[s.site]
		dij := box.MinImage(x[s.j].Sub(x[s.i]))
		x[s.site] = x[s.i].Add(dij.Scale(s.a))
		if v != nil && dt > 0 {
			v[s.site] = box.MinImage(x[s.site].Sub(old)).Scale(1 / dt)
		}
	}
	return nil
}

// Spread moves the force on every site onto its constructing atoms and
// clears it. For linear two-atom sites the virial is unchanged.
func (h *Handler) Spread(f []dynamo.Vec3) error {
	if err := h.check(len(f)); err != nil {
		return err
	}
	for _, s := range h.sites {
		fs := f[s.site]
		f[s.i] = f[s.i].Add(fs.Scale(1 - s.a))
		f[s.j] = f[s.j].Add(fs.Scale(s.a))
		f[s.site] = dynamo.Vec3{}
	}
	return nil
}

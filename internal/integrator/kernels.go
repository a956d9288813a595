package integrator

import (
	"fmt"

	"github.com/san-kum/mdloop/internal/dynamo"
)

const minChunk = 256

// Kernels are the per-atom update loops. They keep the inverse masses and
// freeze masks of the local atoms and must be rebuilt on every repartition.
type Kernels struct {
	top        *dynamo.Topology
	invMass    []float64
	frozen     [][3]bool
	generation uint64
	n          int
}

func NewKernels(top *dynamo.Topology) *Kernels {
	return &Kernels{top: top}
}

func (k *Kernels) SetNumAtoms(ls *dynamo.LocalState) {
	n := len(ls.Home)
	if cap(k.invMass) < n {
		k.invMass = make([]float64, n)
		k.frozen = make([][3]bool, n)
	}
	k.invMass = k.invMass[:n]
	k.frozen = k.frozen[:n]
	for li, gi := range ls.Home {
		a := k.top.Atoms[gi]
		if a.PType != dynamo.ParticleAtom {
			k.invMass[li] = 0
			k.frozen[li] = [3]bool{true, true, true}
			continue
		}
		k.invMass[li] = 1 / a.Mass
		k.frozen[li] = [3]bool{}
		if a.Freeze >= 0 {
			k.frozen[li] = k.top.FreezeGroups[a.Freeze]
		}
	}
	k.n = n
	k.generation = ls.Generation
}

func (k *Kernels) check(ls *dynamo.LocalState) error {
	if ls.NumAtoms() != k.n || ls.Generation != k.generation {
		return fmt.Errorf("%w: update kernels built for %d atoms (generation %d), state has %d (generation %d)",
			dynamo.ErrInvalidState, k.n, k.generation, ls.NumAtoms(), ls.Generation)
	}
	return nil
}

// isVSite reports whether the local atom is moved by construction only.
func (k *Kernels) isVSite(li int) bool {
	return k.invMass[li] == 0 && k.frozen[li] == [3]bool{true, true, true}
}

// UpdateVelocities sets v = scale*v + dt*f/m on every free dimension.
func (k *Kernels) UpdateVelocities(ls *dynamo.LocalState, dt, scale float64) {
	dynamo.ParallelFor(len(ls.V), minChunk, func(start, end int) {
		for i := start; i < end; i++ {
			w := k.invMass[i] * dt
			for d := 0; d < 3; d++ {
				if k.frozen[i][d] {
					if !k.isVSite(i) {
						ls.V[i][d] = 0
					}
					continue
				}
				ls.V[i][d] = scale*ls.V[i][d] + w*ls.F[i][d]
			}
		}
	})
}

// UpdatePositions writes xp = xscale*(xscale*x + vscale*dt*v). Frozen
// dimensions and virtual sites keep their positions.
func (k *Kernels) UpdatePositions(ls *dynamo.LocalState, xp []dynamo.Vec3, dt, xscale, vscale float64) {
	dynamo.ParallelFor(len(ls.X), minChunk, func(start, end int) {
		for i := start; i < end; i++ {
			for d := 0; d < 3; d++ {
				if k.frozen[i][d] {
					xp[i][d] = ls.X[i][d]
					continue
				}
				xp[i][d] = xscale * (xscale*ls.X[i][d] + vscale*dt*ls.V[i][d])
			}
		}
	})
}

// LeapFrog is the combined update: v' = (lambda*v + dt*f/m - fNH*v)/(1+fNH),
// then xp = x + dt*v'.
func (k *Kernels) LeapFrog(ls *dynamo.LocalState, xp []dynamo.Vec3, dt, lambda, fNH float64) {
	dynamo.ParallelFor(len(ls.X), minChunk, func(start, end int) {
		for i := start; i < end; i++ {
			w := k.invMass[i] * dt
			for d := 0; d < 3; d++ {
				if k.frozen[i][d] {
					if !k.isVSite(i) {
						ls.V[i][d] = 0
					}
					xp[i][d] = ls.X[i][d]
					continue
				}
				v := ls.V[i][d]
				v = (lambda*v + w*ls.F[i][d] - fNH*v) / (1 + fNH)
				ls.V[i][d] = v
				xp[i][d] = ls.X[i][d] + dt*v
			}
		}
	})
}

// ScaleVelocities multiplies the free velocity components by s.
func (k *Kernels) ScaleVelocities(ls *dynamo.LocalState, s float64) {
	for i := range ls.V {
		for d := 0; d < 3; d++ {
			if !k.frozen[i][d] {
				ls.V[i][d] *= s
			}
		}
	}
}

// ScalePositions multiplies the free coordinates by mu.
func (k *Kernels) ScalePositions(ls *dynamo.LocalState, mu float64) {
	for i := range ls.X {
		for d := 0; d < 3; d++ {
			if !k.frozen[i][d] || k.isVSite(i) {
				ls.X[i][d] *= mu
			}
		}
	}
}

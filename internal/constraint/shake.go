// Package constraint holds the holonomic bond-length constraint solver used
// by the update phases: SHAKE for positions and RATTLE for velocities.
package constraint

import (
	"fmt"
	"math"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// Solver constrains the local atoms of one rank. SetNumAtoms must be called
// whenever the home atom set changes.
type Solver interface {
	SetNumAtoms(ls *dynamo.LocalState)
	NumLocal() int
	// Positions moves xp so that every constraint holds, using x as the
	// reference geometry. When v is non-nil the displacement divided by dt
	// is added to it. The returned virial is the constraint contribution.
	Positions(x, xp, v []dynamo.Vec3, box dynamo.Box, dt float64) (Result, error)
	// Velocities removes the velocity components along the constraints.
	Velocities(x, v []dynamo.Vec3, box dynamo.Box, dt float64) (Result, error)
}

type Result struct {
	Virial     dynamo.Tensor
	Iterations int
	// RMSDev is the relative RMS deviation from the constraint lengths after solving.
	RMSDev float64
}

type local struct {
	i, j   int
	length float64
}

// Shake is an iterative SHAKE/RATTLE solver.
type Shake struct {
	top     *dynamo.Topology
	tol     float64
	maxIter int

	cons       []local
	invMass    []float64
	generation uint64
}

func NewShake(top *dynamo.Topology, tolerance float64, maxIter int) *Shake {
	if tolerance <= 0 {
		tolerance = 1e-6
	}
	if maxIter <= 0 {
		maxIter = 500
	}
	return &Shake{top: top, tol: tolerance, maxIter: maxIter}
}

// SetNumAtoms rebuilds the local constraint list. Molecules never straddle
// ranks, so every constraint of a home atom is local.
func (s *Shake) SetNumAtoms(ls *dynamo.LocalState) {
	idx := dynamo.IndexOf(ls.Home)
	s.cons = s.cons[:0]
	for _, c := range s.top.Constraints {
		li, ok1 := idx[c.I]
		lj, ok2 := idx[c.J]
		if ok1 && ok2 {
			s.cons = append(s.cons, local{i: li, j: lj, length: c.Length})
		}
	}
	s.invMass = make([]float64, len(ls.Home))
	for li, gi := range ls.Home {
		a := s.top.Atoms[gi]
		if a.PType == dynamo.ParticleAtom && a.Freeze < 0 {
			s.invMass[li] = 1 / a.Mass
		}
	}
	s.generation = ls.Generation
}

func (s *Shake) NumLocal() int { return len(s.cons) }

func (s *Shake) Positions(x, xp, v []dynamo.Vec3, box dynamo.Box, dt float64) (Result, error) {
	var res Result
	if len(s.cons) == 0 {
		return res, nil
	}
	if len(x) != len(s.invMass) || len(xp) != len(x) {
		return res, fmt.Errorf("%w: constraint solver built for %d atoms, got %d", dynamo.ErrInvalidState, len(s.invMass), len(x))
	}
	before := append([]dynamo.Vec3(nil), xp...)
	ref := make([]dynamo.Vec3, len(s.cons))
	g := make([]float64, len(s.cons))
	for k, c := range s.cons {
		ref[k] = box.MinImage(x[c.i].Sub(x[c.j]))
	}

	converged := false
	for res.Iterations = 0; res.Iterations < s.maxIter; res.Iterations++ {
		done := true
		for k, c := range s.cons {
			d := box.MinImage(xp[c.i].Sub(xp[c.j]))
			diff := c.length*c.length - d.Norm2()
			if math.Abs(diff) <= 2*s.tol*c.length*c.length {
				continue
			}
			done = false
			wi, wj := s.invMass[c.i], s.invMass[c.j]
			denom := 2 * (wi + wj) * ref[k].Dot(d)
			if denom == 0 || math.IsNaN(denom) {
				return res, fmt.Errorf("%w: constraint %d-%d has a degenerate geometry", dynamo.ErrNonConvergence, c.i, c.j)
			}
			acor := diff / denom
			g[k] += acor
			xp[c.i] = xp[c.i].Add(ref[k].Scale(acor * wi))
			xp[c.j] = xp[c.j].Sub(ref[k].Scale(acor * wj))
		}
		if done {
			converged = true
			break
		}
	}
	res.RMSDev = s.rmsDev(xp, box)

	if v != nil && dt > 0 {
		for li := range xp {
			v[li] = v[li].Add(xp[li].Sub(before[li]).Scale(1 / dt))
		}
	}
	if dt > 0 {
		for k := range s.cons {
			// F_ij = g r_ij / dt^2, virial = -1/2 sum r_ij (x) F_ij
			res.Virial = res.Virial.Sub(dynamo.Outer(ref[k], ref[k]).Scale(0.5 * g[k] / (dt * dt)))
		}
	}
	if !converged {
		return res, fmt.Errorf("%w: SHAKE did not converge in %d iterations (rms deviation %.3g)",
			dynamo.ErrNonConvergence, s.maxIter, res.RMSDev)
	}
	return res, nil
}

func (s *Shake) Velocities(x, v []dynamo.Vec3, box dynamo.Box, dt float64) (Result, error) {
	var res Result
	if len(s.cons) == 0 {
		return res, nil
	}
	if len(x) != len(s.invMass) || len(v) != len(x) {
		return res, fmt.Errorf("%w: constraint solver built for %d atoms, got %d", dynamo.ErrInvalidState, len(s.invMass), len(x))
	}
	ref := make([]dynamo.Vec3, len(s.cons))
	g := make([]float64, len(s.cons))
	for k, c := range s.cons {
		ref[k] = box.MinImage(x[c.i].Sub(x[c.j]))
	}

	converged := false
	for res.Iterations = 0; res.Iterations < s.maxIter; res.Iterations++ {
		done := true
		for k, c := range s.cons {
			wi, wj := s.invMass[c.i], s.invMass[c.j]
			r2 := ref[k].Norm2()
			rv := ref[k].Dot(v[c.i].Sub(v[c.j]))
			if math.Abs(rv) <= s.tol*r2/math.Max(dt, 1e-12) {
				continue
			}
			done = false
			if wi+wj == 0 {
				continue
			}
			kk := -rv / (r2 * (wi + wj))
			g[k] += kk
			v[c.i] = v[c.i].Add(ref[k].Scale(kk * wi))
			v[c.j] = v[c.j].Sub(ref[k].Scale(kk * wj))
		}
		if done {
			converged = true
			break
		}
	}
	if dt > 0 {
		// the velocity correction acts over half a step
		for k := range s.cons {
			res.Virial = res.Virial.Sub(dynamo.Outer(ref[k], ref[k]).Scale(0.5 * g[k] / (0.5 * dt)))
		}
	}
	if !converged {
		return res, fmt.Errorf("%w: RATTLE did not converge in %d iterations", dynamo.ErrNonConvergence, s.maxIter)
	}
	return res, nil
}

func (s *Shake) rmsDev(xp []dynamo.Vec3, box dynamo.Box) float64 {
	if len(s.cons) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range s.cons {
		d := box.MinImage(xp[c.i].Sub(xp[c.j])).Norm()
		rel := (d - c.length) / c.length
		sum += rel * rel
	}
	return math.Sqrt(sum / float64(len(s.cons)))
}

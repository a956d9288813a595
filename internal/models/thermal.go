package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// thermalize draws Maxwell-Boltzmann velocities for the real atoms,
// makes every constraint rigid, removes the centre-of-mass motion and
// scales to exactly temp. Virtual sites follow their constructing atoms.
func thermalize(top *dynamo.Topology, g *dynamo.GlobalSnapshot, temp float64, seed int64) error {
	if temp < 0 {
		return fmt.Errorf("%w: negative generation temperature %g", dynamo.ErrConfig, temp)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6d646c6f6f70))
	for i, a := range top.Atoms {
		if a.PType != dynamo.ParticleAtom {
			continue
		}
		s := math.Sqrt(dynamo.Boltzmann * temp / a.Mass)
		g.V[i] = dynamo.Vec3{s * rng.NormFloat64(), s * rng.NormFloat64(), s * rng.NormFloat64()}
	}

	for _, c := range top.Constraints {
		u := g.X[c.J].Sub(g.X[c.I])
		u = u.Scale(1 / u.Norm())
		mi, mj := top.Atoms[c.I].Mass, top.Atoms[c.J].Mass
		d := g.V[c.J].Sub(g.V[c.I]).Dot(u)
		g.V[c.I] = g.V[c.I].Add(u.Scale(d * mj / (mi + mj)))
		g.V[c.J] = g.V[c.J].Sub(u.Scale(d * mi / (mi + mj)))
	}

	var p dynamo.Vec3
	for i, a := range top.Atoms {
		if a.PType == dynamo.ParticleAtom {
			p = p.Add(g.V[i].Scale(a.Mass))
		}
	}
	vcm := p.Scale(1 / top.TotalMass())
	ekin := 0.0
	for i, a := range top.Atoms {
		if a.PType != dynamo.ParticleAtom {
			continue
		}
		g.V[i] = g.V[i].Sub(vcm)
		ekin += 0.5 * a.Mass * g.V[i].Norm2()
	}

	if ekin > 0 {
		current := 2 * ekin / (top.DegreesOfFreedom(true) * dynamo.Boltzmann)
		f := math.Sqrt(temp / current)
		for i, a := range top.Atoms {
			if a.PType == dynamo.ParticleAtom {
				g.V[i] = g.V[i].Scale(f)
			}
		}
	}

	for _, vs := range top.VSites {
		g.X[vs.Site] = g.X[vs.I].Scale(1 - vs.A).Add(g.X[vs.J].Scale(vs.A))
		g.V[vs.Site] = g.V[vs.I].Scale(1 - vs.A).Add(g.V[vs.J].Scale(vs.A))
	}
	return nil
}

// KineticTemperature is the instantaneous temperature of a snapshot,
// counting only real atoms.
func KineticTemperature(top *dynamo.Topology, g *dynamo.GlobalSnapshot, comRemoval bool) float64 {
	ekin := 0.0
	for i, a := range top.Atoms {
		if a.PType == dynamo.ParticleAtom {
			ekin += 0.5 * a.Mass * g.V[i].Norm2()
		}
	}
	return 2 * ekin / (top.DegreesOfFreedom(comRemoval) * dynamo.Boltzmann)
}

package models

import (
	"fmt"
	"math"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// Argon Lennard-Jones parameters in nm, kJ/mol and amu.
const (
	ArgonMass    = 39.948
	ArgonSigma   = 0.3405
	ArgonEpsilon = 0.996
)

// LJFluid places argon atoms on a simple cubic lattice in a cubic box
// sized for the requested number density. Each atom is its own molecule.
type LJFluid struct {
	Sigma   float64
	Epsilon float64
	Mass    float64
}

func NewLJFluid() *LJFluid {
	return &LJFluid{
		Sigma:   ArgonSigma,
		Epsilon: ArgonEpsilon,
		Mass:    ArgonMass,
	}
}

func (l *LJFluid) Name() string { return "lj-fluid" }

func (l *LJFluid) Build(sys config.SystemConfig, seed int64) (*dynamo.Topology, *dynamo.GlobalSnapshot, error) {
	n := sys.Molecules
	if n <= 0 || sys.Density <= 0 {
		return nil, nil, fmt.Errorf("%w: lj-fluid needs positive molecules and density", dynamo.ErrConfig)
	}

	top := &dynamo.Topology{Name: l.Name()}
	for i := 0; i < n; i++ {
		top.Atoms = append(top.Atoms, dynamo.Atom{
			Name:     "AR",
			Mass:     l.Mass,
			Sigma:    l.Sigma,
			Epsilon:  l.Epsilon,
			EpsilonB: l.Epsilon,
			Freeze:   -1,
		})
		top.Molecules = append(top.Molecules, dynamo.Molecule{Start: i, End: i + 1})
	}

	side, sites := cubicLattice(n, sys.Density)
	g := dynamo.NewGlobalSnapshot(n)
	g.Box = dynamo.RectBox(side, side, side)
	copy(g.X, sites)
	if err := thermalize(top, g, sys.GenTemp, seed); err != nil {
		return nil, nil, err
	}
	return top, g, nil
}

// cubicLattice returns the box edge for n sites at the given density and
// the centres of the first n cells of a simple cubic lattice filling it.
func cubicLattice(n int, density float64) (float64, []dynamo.Vec3) {
	side := math.Cbrt(float64(n) / density)
	perSide := int(math.Ceil(math.Cbrt(float64(n)) - 1e-9))
	a := side / float64(perSide)
	sites := make([]dynamo.Vec3, 0, n)
	for ix := 0; ix < perSide && len(sites) < n; ix++ {
		for iy := 0; iy < perSide && len(sites) < n; iy++ {
			for iz := 0; iz < perSide && len(sites) < n; iz++ {
				sites = append(sites, dynamo.Vec3{
					(float64(ix) + 0.5) * a,
					(float64(iy) + 0.5) * a,
					(float64(iz) + 0.5) * a,
				})
			}
		}
	}
	return side, sites
}

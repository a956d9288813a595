package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// Diatomic builds rigid nitrogen-like molecules: two Lennard-Jones sites
// joined by a constraint, with an optional massless charge site on the
// bond. Without the site the molecule is neutral.
type Diatomic struct {
	Sigma   float64
	Epsilon float64
	Mass    float64
	// Charge sits on each atom; the virtual site carries -2*Charge.
	Charge float64
}

func NewDiatomic() *Diatomic {
	return &Diatomic{
		Sigma:   0.331,
		Epsilon: 0.299,
		Mass:    14.007,
		Charge:  -0.482,
	}
}

func (d *Diatomic) Name() string { return "diatomic" }

func (d *Diatomic) Build(sys config.SystemConfig, seed int64) (*dynamo.Topology, *dynamo.GlobalSnapshot, error) {
	n := sys.Molecules
	if n <= 0 || sys.Density <= 0 {
		return nil, nil, fmt.Errorf("%w: diatomic needs positive molecules and density", dynamo.ErrConfig)
	}
	if sys.BondLength <= 0 {
		return nil, nil, fmt.Errorf("%w: diatomic bond length %g", dynamo.ErrConfig, sys.BondLength)
	}
	w := sys.VSiteWeight
	withSite := w > 0
	if w < 0 || w >= 1 {
		return nil, nil, fmt.Errorf("%w: virtual site weight %g outside [0,1)", dynamo.ErrConfig, w)
	}

	side, centres := cubicLattice(n, sys.Density)
	if spacing := side / math.Ceil(math.Cbrt(float64(n))-1e-9); sys.BondLength >= spacing {
		return nil, nil, fmt.Errorf("%w: bond length %g does not fit the lattice spacing %g", dynamo.ErrConfig, sys.BondLength, spacing)
	}

	per := 2
	charge := 0.0
	if withSite {
		per = 3
		charge = d.Charge
	}
	top := &dynamo.Topology{Name: d.Name()}
	g := dynamo.NewGlobalSnapshot(n * per)
	g.Box = dynamo.RectBox(side, side, side)
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6469617430))

	for m, c := range centres {
		i := m * per
		for k := 0; k < 2; k++ {
			top.Atoms = append(top.Atoms, dynamo.Atom{
				Name:     "N",
				Mass:     d.Mass,
				Charge:   charge,
				Sigma:    d.Sigma,
				Epsilon:  d.Epsilon,
				EpsilonB: d.Epsilon,
				Freeze:   -1,
			})
		}
		half := randomDirection(rng).Scale(sys.BondLength / 2)
		g.X[i] = c.Sub(half)
		g.X[i+1] = c.Add(half)
		top.Constraints = append(top.Constraints, dynamo.Constraint{I: i, J: i + 1, Length: sys.BondLength})
		if withSite {
			top.Atoms = append(top.Atoms, dynamo.Atom{
				Name:   "MW",
				Charge: -2 * charge,
				Freeze: -1,
				PType:  dynamo.ParticleVSite,
			})
			top.VSites = append(top.VSites, dynamo.VSite{Site: i + 2, I: i, J: i + 1, A: w})
		}
		top.Molecules = append(top.Molecules, dynamo.Molecule{Start: i, End: i + per})
	}

	if err := thermalize(top, g, sys.GenTemp, seed); err != nil {
		return nil, nil, err
	}
	return top, g, nil
}

func randomDirection(rng *rand.Rand) dynamo.Vec3 {
	for {
		v := dynamo.Vec3{2*rng.Float64() - 1, 2*rng.Float64() - 1, 2*rng.Float64() - 1}
		if n2 := v.Norm2(); n2 > 1e-6 && n2 <= 1 {
			return v.Scale(1 / math.Sqrt(n2))
		}
	}
}

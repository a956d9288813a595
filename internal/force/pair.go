package force

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// coulombFactor is 1/(4 pi eps0) in kJ mol^-1 nm e^-2.
const coulombFactor = 138.935458

// ewaldRTol is the relative real-space potential left at the cutoff.
const ewaldRTol = 1e-5

const pairMinChunk = 64

// PairProvider evaluates Lennard-Jones and Coulomb interactions within a
// shifted cutoff plus harmonic bonds. Pairs inside one molecule are
// excluded. LJ epsilon is interpolated between the A and B states by the
// vdw lambda component.
type PairProvider struct {
	lrType  string
	cutoff  float64
	setup   LongRangeSetup
	ewaldB  float64
	top     *dynamo.Topology
	molOf   []int
	charged bool

	// per home atom partials, reused between calls
	ljA, ljB, coul []float64
	vir            []dynamo.Tensor
}

func NewPair(cfg config.LongRangeConfig) *PairProvider {
	cutoff := cfg.Cutoff
	if cutoff <= 0 {
		cutoff = config.DefaultCutoff
	}
	grid := cfg.GridSpacing
	if grid <= 0 {
		grid = config.DefaultGridSpacing
	}
	p := &PairProvider{
		lrType: cfg.Type,
		cutoff: cutoff,
		setup:  LongRangeSetup{CutoffScale: 1, GridSpacing: grid},
	}
	p.ewaldB = ewaldCoefficient(p.rc(), ewaldRTol)
	return p
}

func (p *PairProvider) Name() string { return "pair" }

func (p *PairProvider) Init(_ context.Context, top *dynamo.Topology) error {
	if top == nil || top.NumAtoms() == 0 {
		return fmt.Errorf("%w: empty topology", dynamo.ErrProvider)
	}
	p.top = top
	p.molOf = make([]int, top.NumAtoms())
	for i := range p.molOf {
		p.molOf[i] = -1
	}
	for mi, m := range top.Molecules {
		for i := m.Start; i < m.End; i++ {
			p.molOf[i] = mi
		}
	}
	p.charged = false
	for _, a := range top.Atoms {
		if a.Charge != 0 {
			p.charged = true
			break
		}
	}
	return nil
}

func (p *PairProvider) Shutdown() error { return nil }

func (p *PairProvider) LongRange() LongRangeSetup { return p.setup }

// SetLongRange changes the Coulomb real-space cutoff. The Ewald splitting
// follows it so the real-space tolerance stays fixed. The LJ cutoff is not
// tuned.
func (p *PairProvider) SetLongRange(s LongRangeSetup) {
	if s.CutoffScale <= 0 {
		s.CutoffScale = 1
	}
	p.setup = s
	p.ewaldB = ewaldCoefficient(p.rc(), ewaldRTol)
}

// rc is the Coulomb real-space cutoff.
func (p *PairProvider) rc() float64 { return p.cutoff * p.setup.CutoffScale }

func (p *PairProvider) excluded(i, j int) bool {
	return p.molOf[i] >= 0 && p.molOf[i] == p.molOf[j]
}

// ljTerms returns the unit-epsilon shifted LJ potential and the scalar
// force factor -dV/dr / r for unit epsilon.
func ljTerms(sigma, r2, rc2 float64) (u, fscal float64) {
	s2 := sigma * sigma / r2
	s6 := s2 * s2 * s2
	c2 := sigma * sigma / rc2
	c6 := c2 * c2 * c2
	u = 4*(s6*s6-s6) - 4*(c6*c6-c6)
	fscal = 24 * (2*s6*s6 - s6) / r2
	return u, fscal
}

// coulombTerms returns the shifted pair potential and force factor for
// unit charges.
func (p *PairProvider) coulombTerms(r2, rc float64) (u, fscal float64) {
	r := math.Sqrt(r2)
	if p.lrType == config.LongRangePME {
		b := p.ewaldB
		erfcr := math.Erfc(b * r)
		u = coulombFactor * (erfcr/r - math.Erfc(b*rc)/rc)
		fscal = coulombFactor * (erfcr/r + 2*b/math.SqrtPi*math.Exp(-b*b*r2)) / r2
		return u, fscal
	}
	u = coulombFactor * (1/r - 1/rc)
	fscal = coulombFactor / (r2 * r)
	return u, fscal
}

func (p *PairProvider) Compute(ctx context.Context, req Request) (Output, error) {
	if p.top == nil {
		return Output{}, fmt.Errorf("%w: compute before init", dynamo.ErrProvider)
	}
	n := p.top.NumAtoms()
	if len(req.X) != n {
		return Output{}, fmt.Errorf("%w: %d coordinates for %d atoms", dynamo.ErrProvider, len(req.X), n)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	nh := len(req.Home)
	out := Output{F: make([]dynamo.Vec3, nh)}
	p.ljA = resize(p.ljA, nh)
	p.ljB = resize(p.ljB, nh)
	p.coul = resize(p.coul, nh)
	if cap(p.vir) >= nh {
		p.vir = p.vir[:nh]
	} else {
		p.vir = make([]dynamo.Tensor, nh)
	}

	rvdw2 := p.cutoff * p.cutoff
	rc := p.rc()
	rc2 := rc * rc
	rlist2 := math.Max(rvdw2, rc2)
	lv := req.Lambda[dynamo.LambdaVdw]
	atoms := p.top.Atoms
	dynamo.ParallelFor(nh, pairMinChunk, func(start, end int) {
		for li := start; li < end; li++ {
			gi := req.Home[li]
			ai := atoms[gi]
			var f dynamo.Vec3
			var vir dynamo.Tensor
			var ea, eb, ec float64
			for gj := 0; gj < n; gj++ {
				if gj == gi || p.excluded(gi, gj) {
					continue
				}
				d := req.Box.MinImage(req.X[gj].Sub(req.X[gi]))
				r2 := d.Norm2()
				if r2 >= rlist2 || r2 == 0 {
					continue
				}
				aj := atoms[gj]
				fscal := 0.0
				epsA := math.Sqrt(ai.Epsilon * aj.Epsilon)
				epsB := math.Sqrt(ai.EpsilonB * aj.EpsilonB)
				if (epsA != 0 || epsB != 0) && r2 < rvdw2 {
					u, fs := ljTerms(0.5*(ai.Sigma+aj.Sigma), r2, rvdw2)
					ea += 0.5 * epsA * u
					eb += 0.5 * epsB * u
					fscal += ((1-lv)*epsA + lv*epsB) * fs
				}
				if qq := ai.Charge * aj.Charge; qq != 0 && r2 < rc2 {
					u, fs := p.coulombTerms(r2, rc)
					ec += 0.5 * qq * u
					fscal += qq * fs
				}
				// force on i points away from j for repulsion
				fi := d.Scale(-fscal)
				f = f.Add(fi)
				vir = vir.Add(dynamo.Outer(d, fi).Scale(0.25))
			}
			out.F[li] = f
			p.vir[li] = vir
			p.ljA[li], p.ljB[li], p.coul[li] = ea, eb, ec
		}
	})

	for _, v := range p.vir {
		out.Virial = out.Virial.Add(v)
	}
	sumA, sumB := floats.Sum(p.ljA), floats.Sum(p.ljB)
	out.Energy.LJ = (1-lv)*sumA + lv*sumB
	out.Energy.Coulomb = floats.Sum(p.coul)
	if req.DoFEP {
		out.Energy.DVDL = sumB - sumA
	}

	bonds, bondVir := p.bonds(req, out.F)
	out.Energy.Bonds = bonds
	out.Virial = out.Virial.Add(bondVir)

	if len(req.Foreign) > 0 {
		rest := out.Energy.Coulomb + out.Energy.Bonds
		out.Energy.Foreign = make([]float64, len(req.Foreign))
		for k, l := range req.Foreign {
			fl := l[dynamo.LambdaVdw]
			out.Energy.Foreign[k] = rest + (1-fl)*sumA + fl*sumB
		}
	}
	out.BondedCount = bondedCount(p.top, req.Home)
	if !req.CalcVirial {
		out.Virial = dynamo.Tensor{}
	}
	return out, nil
}

// bonds adds harmonic bond forces to the home atoms in f. Energy and
// virial of a bond are counted by the owner of its first atom.
func (p *PairProvider) bonds(req Request, f []dynamo.Vec3) (float64, dynamo.Tensor) {
	if len(p.top.Bonds) == 0 {
		return 0, dynamo.Tensor{}
	}
	local := dynamo.IndexOf(req.Home)
	var e float64
	var vir dynamo.Tensor
	for _, b := range p.top.Bonds {
		li, iHome := local[b.I]
		lj, jHome := local[b.J]
		if !iHome && !jHome {
			continue
		}
		d := req.Box.MinImage(req.X[b.J].Sub(req.X[b.I]))
		r := d.Norm()
		if r == 0 {
			continue
		}
		dr := r - b.B0
		// force on i along d
		fi := d.Scale(b.K * dr / r)
		if iHome {
			f[li] = f[li].Add(fi)
			e += 0.5 * b.K * dr * dr
			vir = vir.Add(dynamo.Outer(d, fi).Scale(0.5))
		}
		if jHome {
			f[lj] = f[lj].Sub(fi)
		}
	}
	return e, vir
}

// ewaldCoefficient finds beta with erfc(beta*rc) = rtol by bisection.
func ewaldCoefficient(rc, rtol float64) float64 {
	lo, hi := 0.0, 5.0
	for math.Erfc(hi*rc) > rtol {
		hi *= 2
	}
	for i := 0; i < 60; i++ {
		mid := 0.5 * (lo + hi)
		if math.Erfc(mid*rc) > rtol {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

func resize(s []float64, n int) []float64 {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]float64, n)
}

package force

import (
	"context"
	"fmt"
	"math"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// ModelEvaluator is an external potential working in eV and Angstrom. It
// sees the whole system and returns the total energy and one force per atom.
type ModelEvaluator interface {
	Evaluate(ctx context.Context, x []dynamo.Vec3, box dynamo.Box) (energy float64, f []dynamo.Vec3, err error)
}

// ExternalModel adapts a ModelEvaluator to the Provider contract,
// converting to nm and kJ/mol. The energy is attributed to ranks in
// proportion to their home atoms so the reduced sum is the model energy.
type ExternalModel struct {
	name string
	eval ModelEvaluator
	top  *dynamo.Topology
	xAng []dynamo.Vec3
}

func NewExternal(name string, eval ModelEvaluator) *ExternalModel {
	return &ExternalModel{name: name, eval: eval}
}

func (m *ExternalModel) Name() string { return m.name }

func (m *ExternalModel) Init(_ context.Context, top *dynamo.Topology) error {
	if m.eval == nil {
		return fmt.Errorf("%w: %s has no evaluator", dynamo.ErrProvider, m.name)
	}
	m.top = top
	return nil
}

func (m *ExternalModel) Shutdown() error { return nil }

func (m *ExternalModel) Compute(ctx context.Context, req Request) (Output, error) {
	n := m.top.NumAtoms()
	if len(req.X) != n {
		return Output{}, fmt.Errorf("%w: %d coordinates for %d atoms", dynamo.ErrProvider, len(req.X), n)
	}
	if cap(m.xAng) >= n {
		m.xAng = m.xAng[:n]
	} else {
		m.xAng = make([]dynamo.Vec3, n)
	}
	for i, x := range req.X {
		m.xAng[i] = x.Scale(dynamo.Nm2Ang)
	}
	var boxAng dynamo.Box
	for i := range req.Box {
		boxAng[i] = dynamo.Vec3(req.Box[i]).Scale(dynamo.Nm2Ang)
	}

	e, f, err := m.eval.Evaluate(ctx, m.xAng, boxAng)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", dynamo.ErrProvider, m.name, err)
	}
	if len(f) != n {
		return Output{}, fmt.Errorf("%w: %s returned %d forces for %d atoms", dynamo.ErrProvider, m.name, len(f), n)
	}
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return Output{}, fmt.Errorf("%w: %s returned energy %g", dynamo.ErrProvider, m.name, e)
	}

	out := Output{F: make([]dynamo.Vec3, len(req.Home))}
	for li, gi := range req.Home {
		if !f[gi].IsValid() {
			return Output{}, fmt.Errorf("%w: %s returned a non-finite force on atom %d", dynamo.ErrProvider, m.name, gi)
		}
		fi := f[gi].Scale(dynamo.EVAng2KJNm)
		out.F[li] = fi
		out.Virial = out.Virial.Add(dynamo.Outer(req.X[gi], fi).Scale(-0.5))
	}
	out.Energy.External = e * dynamo.EV2KJ * float64(len(req.Home)) / float64(n)
	if len(req.Foreign) > 0 {
		out.Energy.Foreign = make([]float64, len(req.Foreign))
		for k := range out.Energy.Foreign {
			out.Energy.Foreign[k] = out.Energy.External
		}
	}
	out.BondedCount = bondedCount(m.top, req.Home)
	return out, nil
}

// LJEvaluator is a plain Lennard-Jones fluid in eV and Angstrom with a
// truncated, shifted potential. It stands in for an external model.
type LJEvaluator struct {
	Epsilon float64
	Sigma   float64
	Cutoff  float64
}

// ArgonEvaluator returns argon parameters.
func ArgonEvaluator() *LJEvaluator {
	return &LJEvaluator{Epsilon: 0.0104, Sigma: 3.4, Cutoff: 8.5}
}

func (l *LJEvaluator) Evaluate(ctx context.Context, x []dynamo.Vec3, box dynamo.Box) (float64, []dynamo.Vec3, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	f := make([]dynamo.Vec3, len(x))
	rc2 := l.Cutoff * l.Cutoff
	e := 0.0
	for i := 0; i < len(x); i++ {
		for j := i + 1; j < len(x); j++ {
			d := box.MinImage(x[j].Sub(x[i]))
			r2 := d.Norm2()
			if r2 >= rc2 || r2 == 0 {
				continue
			}
			u, fs := ljTerms(l.Sigma, r2, rc2)
			e += l.Epsilon * u
			fi := d.Scale(-l.Epsilon * fs)
			f[i] = f[i].Add(fi)
			f[j] = f[j].Sub(fi)
		}
	}
	return e, f, nil
}

package integrator

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/reduce"
)

// oscillators is a set of independent atoms on harmonic springs.
type oscillators struct {
	top    *dynamo.Topology
	anchor []dynamo.Vec3
	k      float64
}

func newOscillators(n int) (*oscillators, *dynamo.GlobalSnapshot) {
	o := &oscillators{top: &dynamo.Topology{}, k: 100}
	g := dynamo.NewGlobalSnapshot(n)
	g.Box = dynamo.RectBox(10, 10, 10)
	for i := 0; i < n; i++ {
		o.top.Atoms = append(o.top.Atoms, dynamo.Atom{Mass: 1 + float64(i%3), Freeze: -1})
		o.top.Molecules = append(o.top.Molecules, dynamo.Molecule{Start: i, End: i + 1})
		a := dynamo.Vec3{1 + float64(i), 5, 5}
		o.anchor = append(o.anchor, a)
		g.X[i] = a.Add(dynamo.Vec3{0.05 * math.Sin(float64(i)), 0.03, -0.02 * float64(i%2)})
		g.V[i] = dynamo.Vec3{0.4 * math.Cos(float64(i)), -0.3, 0.2 * float64(i%3)}
	}
	return o, g
}

func (o *oscillators) forces(ls *dynamo.LocalState) float64 {
	e := 0.0
	for li, gi := range ls.Home {
		d := ls.X[li].Sub(o.anchor[gi])
		ls.F[li] = d.Scale(-o.k)
		e += 0.5 * o.k * d.Norm2()
	}
	return e
}

// drive runs steps with the reductions of a single rank and returns the
// conserved quantity of every step.
func drive(t *testing.T, cfg *config.RunConfig, o *oscillators, g *dynamo.GlobalSnapshot, steps int) []float64 {
	t.Helper()
	ctx := context.Background()
	home := make([]int, o.top.NumAtoms())
	for i := range home {
		home[i] = i
	}
	ls := dynamo.Distribute(g, home, 1)
	ndf := o.top.DegreesOfFreedom(false)
	it, err := New(cfg, o.top, ndf, ls.Box.Volume())
	require.NoError(t, err)
	it.SetNumAtoms(ls)
	red := reduce.New(comm.Self{}, o.top, ndf, 0, reduce.WithPhaseGuard(it.Machine()))

	verlet := it.Kind().IsVerlet()
	setup := reduce.GStat | reduce.Temperature
	if verlet {
		setup |= reduce.FullStepKE
	}
	last, err := red.Reduce(ctx, reduce.Input{Step: -1, State: ls}, setup)
	require.NoError(t, err)

	var out []float64
	for step := int64(0); step < int64(steps); step++ {
		require.NoError(t, it.Begin(step, step == 0, ls, &last))
		epot := o.forces(ls)
		conserved := 0.0
		if verlet {
			require.NoError(t, it.HalfStep())
			require.NoError(t, it.EnterGlobalSync())
			ekin := last.Ekin
			var mid *reduce.Totals
			if step > 0 {
				tot, err := red.Reduce(ctx, reduce.Input{Step: step, State: ls}, reduce.GStat|reduce.Temperature|reduce.FullStepKE)
				require.NoError(t, err)
				mid = &tot
			}
			s, err := it.HalfStepCouple(mid)
			require.NoError(t, err)
			if s != 1 {
				red.ScaleFullStepKE(s)
			}
			if mid != nil {
				ekin = mid.Ekin
				last = *mid
			}
			conserved = epot + ekin + it.ConservedOffset(ls)
		}
		require.NoError(t, it.Update())
		require.NoError(t, it.EnterFinalSync())
		var fin *reduce.Totals
		if !verlet || it.Kind() == KindVelocityVerletAvek {
			tot, err := red.Reduce(ctx, reduce.Input{Step: step, State: ls}, reduce.GStat|reduce.Temperature)
			require.NoError(t, err)
			fin = &tot
			if !verlet {
				conserved = epot + tot.Ekin + it.ConservedOffset(ls)
				last = tot
			}
		}
		_, err := it.Finish(fin)
		require.NoError(t, err)
		out = append(out, conserved)
	}
	return out
}

func maxDeviation(xs []float64) float64 {
	dev := 0.0
	for _, x := range xs {
		dev = math.Max(dev, math.Abs(x-xs[0]))
	}
	return dev
}

func TestEnergyConservation(t *testing.T) {
	tests := []struct {
		name       string
		integrator string
		tol        float64
	}{
		{"leap-frog", config.IntegratorMD, 5e-3},
		{"velocity verlet", config.IntegratorVV, 1e-3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, g := newOscillators(8)
			cfg := config.DefaultConfig()
			cfg.Integrator = tt.integrator
			cfg.Dt = 0.002

			e := drive(t, cfg, o, g, 2000)
			require.NotEmpty(t, e)
			assert.Greater(t, e[0], 0.0)
			assert.Less(t, maxDeviation(e)/e[0], tt.tol)
		})
	}
}

func TestNoseHooverChainConservesExtendedEnergy(t *testing.T) {
	for _, chain := range []int{1, 3} {
		o, g := newOscillators(8)
		cfg := config.DefaultConfig()
		cfg.Integrator = config.IntegratorVV
		cfg.Coupling.Thermostat = config.ThermostatNoseHoov
		cfg.Coupling.NHChainLength = chain
		cfg.Coupling.TauT = 0.5
		cfg.Coupling.RefT = 50
		cfg.Intervals.NstTCouple = 1

		e := drive(t, cfg, o, g, 2000)
		scale := 0.5 * o.top.DegreesOfFreedom(false) * dynamo.Boltzmann * cfg.Coupling.RefT
		assert.Less(t, maxDeviation(e)/scale, 1e-2, "chain length %d", chain)
	}
}

func TestBerendsenThermostatApproachesReference(t *testing.T) {
	o, g := newOscillators(8)
	cfg := config.DefaultConfig()
	cfg.Coupling.Thermostat = config.ThermostatBerend
	cfg.Coupling.RefT = 5
	cfg.Coupling.TauT = 0.05
	cfg.Intervals.NstTCouple = 1

	ndf := o.top.DegreesOfFreedom(false)
	c := NewCoupling(cfg, ndf, 1000)
	var ext dynamo.Extended
	hot := c.BerendsenLambda(&ext, 50)
	assert.Less(t, hot, 1.0)
	assert.Greater(t, ext.ThermIntegral, 0.0, "removed energy is booked positive")
	assert.Equal(t, 1.0, c.BerendsenLambda(&ext, 0))
	assert.Equal(t, berendsenLambdaMax, c.BerendsenLambda(&ext, 1e-6))

	e := drive(t, cfg, o, g, 10)
	assert.Len(t, e, 10)
}

func TestVerletInitStepRestoresVelocities(t *testing.T) {
	o, g := newOscillators(4)
	cfg := config.DefaultConfig()
	cfg.Integrator = config.IntegratorVV
	home := []int{0, 1, 2, 3}
	ls := dynamo.Distribute(g, home, 1)
	it, err := New(cfg, o.top, o.top.DegreesOfFreedom(false), ls.Box.Volume())
	require.NoError(t, err)
	it.SetNumAtoms(ls)

	before := append([]dynamo.Vec3(nil), ls.V...)
	require.NoError(t, it.Begin(0, true, ls, nil))
	o.forces(ls)
	require.NoError(t, it.HalfStep())
	assert.NotEqual(t, before, ls.V)
	require.NoError(t, it.EnterGlobalSync())
	_, err = it.HalfStepCouple(nil)
	require.NoError(t, err)
	assert.Equal(t, before, ls.V)
}

func TestConstraintsHoldDuringDynamics(t *testing.T) {
	top := &dynamo.Topology{
		Atoms:       []dynamo.Atom{{Mass: 14, Freeze: -1}, {Mass: 14, Freeze: -1}},
		Molecules:   []dynamo.Molecule{{Start: 0, End: 2}},
		Constraints: []dynamo.Constraint{{I: 0, J: 1, Length: 0.11}},
	}
	g := dynamo.NewGlobalSnapshot(2)
	g.Box = dynamo.RectBox(4, 4, 4)
	g.X[0], g.X[1] = dynamo.Vec3{2, 2, 2}, dynamo.Vec3{2.1, 2.02, 2}
	g.V[0], g.V[1] = dynamo.Vec3{0.3, -0.2, 0.1}, dynamo.Vec3{-0.5, 0.4, 0}

	for _, name := range []string{config.IntegratorMD, config.IntegratorVV} {
		cfg := config.DefaultConfig()
		cfg.Integrator = name
		cfg.Constraints.Tolerance = 1e-8
		ls := dynamo.Distribute(g, []int{0, 1}, 1)
		it, err := New(cfg, top, top.DegreesOfFreedom(false), ls.Box.Volume())
		require.NoError(t, err)
		it.SetNumAtoms(ls)
		require.NoError(t, it.ConstrainStart(0, ls))
		assert.InDelta(t, 0.11, ls.X[1].Sub(ls.X[0]).Norm(), 1e-6, name)

		for step := int64(0); step < 50; step++ {
			require.NoError(t, it.Begin(step, step == 0, ls, nil))
			ls.F[0], ls.F[1] = dynamo.Vec3{1, 0, 0}, dynamo.Vec3{-1, 2, 0}
			require.NoError(t, it.HalfStep())
			require.NoError(t, it.EnterGlobalSync())
			_, err := it.HalfStepCouple(nil)
			require.NoError(t, err)
			require.NoError(t, it.Update())
			require.NoError(t, it.EnterFinalSync())
			_, err = it.Finish(nil)
			require.NoError(t, err)
			assert.InDelta(t, 0.11, ls.X[1].Sub(ls.X[0]).Norm(), 1e-6, "%s step %d", name, step)
		}
		assert.NotZero(t, it.ConstraintVirial().Trace(), name)
	}
}

func TestFrozenDimensionsStayPut(t *testing.T) {
	o, g := newOscillators(2)
	o.top.FreezeGroups = [][3]bool{{true, false, true}}
	o.top.Atoms[0].Freeze = 0
	ls := dynamo.Distribute(g, []int{0, 1}, 1)
	k := NewKernels(o.top)
	k.SetNumAtoms(ls)
	o.forces(ls)

	x0 := ls.X[0]
	xp := make([]dynamo.Vec3, 2)
	k.LeapFrog(ls, xp, 0.002, 1, 0)
	assert.Equal(t, x0[0], xp[0][0])
	assert.Equal(t, x0[2], xp[0][2])
	assert.NotEqual(t, x0[1], xp[0][1])
	assert.Zero(t, ls.V[0][0])
}

func TestStaleCachesAreRejected(t *testing.T) {
	o, g := newOscillators(3)
	cfg := config.DefaultConfig()
	ls := dynamo.Distribute(g, []int{0, 1, 2}, 1)
	it, err := New(cfg, o.top, 9, ls.Box.Volume())
	require.NoError(t, err)
	it.SetNumAtoms(ls)

	moved := dynamo.Distribute(g, []int{0, 1}, 2)
	err = it.Begin(0, true, moved, nil)
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
}

func TestUpdateWithRequiresLeapFrog(t *testing.T) {
	o, g := newOscillators(2)
	cfg := config.DefaultConfig()
	cfg.Integrator = config.IntegratorVV
	ls := dynamo.Distribute(g, []int{0, 1}, 1)
	it, err := New(cfg, o.top, 6, ls.Box.Volume())
	require.NoError(t, err)
	it.SetNumAtoms(ls)
	require.NoError(t, it.Begin(0, false, ls, nil))
	err = it.UpdateWith(func(DeviceParams) (dynamo.Tensor, error) { return dynamo.Tensor{}, nil })
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
}

func TestUpdateWithSolverPolicy(t *testing.T) {
	vir := dynamo.Tensor{{1, 0, 0}, {0, 2, 0}, {0, 0, 3}}
	failed := fmt.Errorf("%w: device SHAKE gave up", dynamo.ErrNonConvergence)
	for _, relaxed := range []bool{false, true} {
		o, g := newOscillators(2)
		cfg := config.DefaultConfig()
		cfg.Constraints.Relaxed = relaxed
		ls := dynamo.Distribute(g, []int{0, 1}, 1)
		it, err := New(cfg, o.top, 6, ls.Box.Volume())
		require.NoError(t, err)
		it.SetNumAtoms(ls)
		require.NoError(t, it.Begin(7, false, ls, nil))
		err = it.UpdateWith(func(DeviceParams) (dynamo.Tensor, error) { return vir, failed })
		if relaxed {
			require.NoError(t, err)
			assert.Equal(t, vir, it.ConstraintVirial())
			continue
		}
		var se *dynamo.StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, dynamo.ProtoConstraint, se.Protocol)
		assert.Equal(t, int64(7), se.Step)
		assert.ErrorIs(t, err, dynamo.ErrNonConvergence)
	}
}

func TestTrotterSequences(t *testing.T) {
	vv := TrotterSequences(KindVelocityVerlet, true, true)
	assert.Equal(t, []TrotterOp{TrotterBaroV, TrotterThermo}, vv[TrotterSeq2])
	assert.Equal(t, []TrotterOp{TrotterThermo, TrotterBaroV}, vv[TrotterSeq3])
	assert.Empty(t, vv[TrotterSeq4])

	avek := TrotterSequences(KindVelocityVerletAvek, true, false)
	assert.Equal(t, []TrotterOp{TrotterThermo}, avek[TrotterSeq1])
	assert.Equal(t, []TrotterOp{TrotterThermo}, avek[TrotterSeq4])

	assert.True(t, TrotterSequences(KindLeapFrog, true, true).Empty())
	assert.True(t, TrotterSequences(KindVelocityVerlet, false, false).Empty())
}

func TestKindFor(t *testing.T) {
	k, err := KindFor(config.IntegratorVVAvek)
	require.NoError(t, err)
	assert.Equal(t, KindVelocityVerletAvek, k)
	assert.True(t, k.IsVerlet())

	_, err = KindFor("sd")
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}

package reduce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/signals"
)

func testTopology(n int) *dynamo.Topology {
	top := &dynamo.Topology{}
	for i := 0; i < n; i++ {
		top.Atoms = append(top.Atoms, dynamo.Atom{Mass: 1 + float64(i%3), Freeze: -1})
		top.Molecules = append(top.Molecules, dynamo.Molecule{Start: i, End: i + 1})
	}
	return top
}

func testState(top *dynamo.Topology, home []int, drift dynamo.Vec3) *dynamo.LocalState {
	g := dynamo.NewGlobalSnapshot(top.NumAtoms())
	g.Box = dynamo.RectBox(3, 3, 3)
	for i := range g.V {
		g.V[i] = dynamo.Vec3{0.1 * float64(i%5), -0.2 * float64(i%2), 0.05 * float64(i)}.Add(drift)
		g.X[i] = dynamo.Vec3{0.1 * float64(i), 0.2, 0.3}
	}
	return dynamo.Distribute(g, home, 1)
}

func allAtoms(n int) []int {
	home := make([]int, n)
	for i := range home {
		home[i] = i
	}
	return home
}

type phase struct{ ok bool }

func (p phase) AtSyncBoundary() bool { return p.ok }

func TestTwoPassCOMRemoval(t *testing.T) {
	top := testTopology(12)
	drift := dynamo.Vec3{0.7, -0.3, 0.2}
	ctx := context.Background()
	ndf := top.DegreesOfFreedom(true)

	single := testState(top, allAtoms(12), drift)
	one := New(comm.Self{}, top, ndf, 0)
	t1, err := one.Reduce(ctx, Input{Step: 0, State: single}, GStat|Temperature|StopCM)
	require.NoError(t, err)
	require.True(t, t1.COMRemoved)

	twoPass := testState(top, allAtoms(12), drift)
	two := New(comm.Self{}, top, ndf, 0)
	p1, err := two.Reduce(ctx, Input{Step: 0, State: twoPass}, GStat|StopCM)
	require.NoError(t, err)
	require.True(t, p1.COMRemoved)
	assert.False(t, p1.HaveEkin)
	p2, err := two.Reduce(ctx, Input{Step: 0, State: twoPass}, GStat|Temperature)
	require.NoError(t, err)

	bulk := 0.5 * top.TotalMass() * t1.VCM.Norm2()
	assert.InDelta(t, t1.Ekin-bulk, p2.Ekin, 1e-9)
	assert.Less(t, p2.Temperature, t1.Temperature)

	// after removal the momentum is zero
	var mom dynamo.Vec3
	for li, gi := range twoPass.Home {
		mom = mom.Add(twoPass.V[li].Scale(top.Atoms[gi].Mass))
	}
	assert.InDelta(t, 0, mom.Norm(), 1e-12)
}

func TestHalfStepCarry(t *testing.T) {
	top := testTopology(6)
	ctx := context.Background()
	ls := testState(top, allAtoms(6), dynamo.Vec3{})

	t.Run("stale carry is rejected", func(t *testing.T) {
		r := New(comm.Self{}, top, top.DegreesOfFreedom(false), 0)
		_, err := r.Reduce(ctx, Input{Step: 0, State: ls}, GStat|Temperature)
		require.NoError(t, err)
		_, err = r.Reduce(ctx, Input{Step: 2, State: ls}, GStat|Temperature)
		require.Error(t, err)
		assert.ErrorIs(t, err, dynamo.ErrInvalidState)
		var se *dynamo.StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, int64(2), se.Step)
	})

	t.Run("look-ahead keeps the carry valid", func(t *testing.T) {
		r := New(comm.Self{}, top, top.DegreesOfFreedom(false), 0)
		_, err := r.Reduce(ctx, Input{Step: 0, State: ls}, GStat|Temperature)
		require.NoError(t, err)
		r.ComputeHalfStepKE(1, ls)
		require.True(t, r.HalfStepAvailable(1))
		tot, err := r.Reduce(ctx, Input{Step: 2, State: ls}, GStat|Temperature)
		require.NoError(t, err)
		assert.Greater(t, tot.Temperature, 0.0)
	})

	t.Run("average of two half steps", func(t *testing.T) {
		r := New(comm.Self{}, top, top.DegreesOfFreedom(false), 0)
		a, err := r.Reduce(ctx, Input{Step: 0, State: ls}, GStat|Temperature)
		require.NoError(t, err)
		scaled := testState(top, allAtoms(6), dynamo.Vec3{})
		for i := range scaled.V {
			scaled.V[i] = scaled.V[i].Scale(2)
		}
		b, err := r.Reduce(ctx, Input{Step: 1, State: scaled}, GStat|Temperature)
		require.NoError(t, err)
		assert.InDelta(t, 0.5*(a.Ekin+4*a.Ekin), b.Ekin, 1e-9)
	})
}

func TestMultiRankMatchesSingleRank(t *testing.T) {
	const n = 10
	top := testTopology(n)
	ndf := top.DegreesOfFreedom(true)
	ctx := context.Background()

	ref := New(comm.Self{}, top, ndf, 0)
	refState := testState(top, allAtoms(n), dynamo.Vec3{0.1, 0, 0})
	_, err := ref.Reduce(ctx, Input{Step: 0, State: refState}, GStat|Temperature)
	require.NoError(t, err)
	ref.ComputeHalfStepKE(1, refState)
	want, err := ref.Reduce(ctx, Input{Step: 2, State: refState, ForceVirial: dynamo.Tensor{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}},
		GStat|Temperature|Pressure|StopCM)
	require.NoError(t, err)

	homes := [][]int{{0, 2, 4, 6, 8}, {1, 3, 5, 7, 9}}
	got := make([]Totals, 2)
	g := comm.NewGroup(2, 5*time.Second)
	eg, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < 2; rank++ {
		c := g.Member(rank)
		eg.Go(func() error {
			r := New(c, top, ndf, 0)
			ls := testState(top, homes[rank], dynamo.Vec3{0.1, 0, 0})
			if _, err := r.Reduce(gctx, Input{Step: 0, State: ls}, GStat|Temperature); err != nil {
				return err
			}
			r.ComputeHalfStepKE(1, ls)
			vir := dynamo.Tensor{{0.5, 0, 0}, {0, 0.5, 0}, {0, 0, 0.5}}
			tot, err := r.Reduce(gctx, Input{Step: 2, State: ls, ForceVirial: vir}, GStat|Temperature|Pressure|StopCM)
			got[rank] = tot
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for rank, tot := range got {
		assert.InDelta(t, want.Ekin, tot.Ekin, 1e-9, "rank %d", rank)
		assert.InDelta(t, want.PresScalar, tot.PresScalar, 1e-6, "rank %d", rank)
		assert.InDelta(t, want.VCM[0], tot.VCM[0], 1e-12, "rank %d", rank)
	}
	assert.Equal(t, got[0].Ekin, got[1].Ekin)
}

func TestSignalsPiggyback(t *testing.T) {
	top := testTopology(2)
	set := signals.NewSet()
	set[signals.Stop].Sig = 1
	s := signals.NewSignaller(set, comm.Self{}, nil, false)
	r := New(comm.Self{}, top, 3, 0)
	_, err := r.Reduce(context.Background(), Input{Step: 3, State: testState(top, allAtoms(2), dynamo.Vec3{}), Signaller: s}, GStat|Energy)
	require.NoError(t, err)
	assert.Equal(t, 1, set[signals.Stop].Set)
}

func TestBondedCountMismatch(t *testing.T) {
	top := testTopology(2)
	top.Molecules = []dynamo.Molecule{{Start: 0, End: 2}}
	top.Bonds = []dynamo.Bond{{I: 0, J: 1, B0: 0.1, K: 1000}}
	r := New(comm.Self{}, top, 3, 0)
	ls := testState(top, allAtoms(2), dynamo.Vec3{})

	_, err := r.Reduce(context.Background(), Input{Step: 7, State: ls, BondedCount: 1}, GStat|CheckBondeds)
	require.NoError(t, err)

	_, err = r.Reduce(context.Background(), Input{Step: 7, State: ls, BondedCount: 0}, GStat|CheckBondeds)
	require.Error(t, err)
	assert.ErrorIs(t, err, dynamo.ErrBondedCount)
}

func TestReduceRejectsMidPhase(t *testing.T) {
	top := testTopology(2)
	r := New(comm.Self{}, top, 3, 0, WithPhaseGuard(phase{ok: false}))
	_, err := r.Reduce(context.Background(), Input{Step: 1, State: testState(top, allAtoms(2), dynamo.Vec3{})}, GStat|Energy)
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
}

func TestCommunicationFailureIsAttributed(t *testing.T) {
	top := testTopology(2)
	g := comm.NewGroup(2, 20*time.Millisecond)
	r := New(g.Member(0), top, 3, 0)
	_, err := r.Reduce(context.Background(), Input{Step: 11, State: testState(top, []int{0}, dynamo.Vec3{})}, GStat|Energy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dynamo.ErrCommunication))
	var se *dynamo.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, dynamo.ProtoReduction, se.Protocol)
	assert.Contains(t, err.Error(), "step 11: global reduction")
}

func TestAveragesSummary(t *testing.T) {
	var av Averages
	for _, temp := range []float64{290, 300, 310} {
		av.Add(EnergyAccumulator{Temperature: temp, Etot: -10})
	}
	sum := av.Summary()
	assert.InDelta(t, 300, sum["temperature"].Mean, 1e-12)
	assert.InDelta(t, 10, sum["temperature"].StdDev, 1e-12)
	assert.Equal(t, 3, av.Len())
}

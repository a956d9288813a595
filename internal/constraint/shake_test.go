package constraint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mdloop/internal/dynamo"
)

func dimer(length float64) (*dynamo.Topology, *dynamo.LocalState) {
	top := &dynamo.Topology{
		Atoms: []dynamo.Atom{
			{Mass: 16, Freeze: -1},
			{Mass: 1, Freeze: -1},
		},
		Molecules:   []dynamo.Molecule{{Start: 0, End: 2}},
		Constraints: []dynamo.Constraint{{I: 0, J: 1, Length: length}},
	}
	g := dynamo.NewGlobalSnapshot(2)
	g.Box = dynamo.RectBox(3, 3, 3)
	g.X[0] = dynamo.Vec3{1, 1, 1}
	g.X[1] = dynamo.Vec3{1 + length, 1, 1}
	return top, dynamo.Distribute(g, []int{0, 1}, 1)
}

func TestShakeRestoresLength(t *testing.T) {
	top, ls := dimer(0.1)
	s := NewShake(top, 1e-8, 100)
	s.SetNumAtoms(ls)
	require.Equal(t, 1, s.NumLocal())

	xp := []dynamo.Vec3{{1.001, 1.002, 1}, {1.11, 1.004, 1.001}}
	v := make([]dynamo.Vec3, 2)
	res, err := s.Positions(ls.X, xp, v, ls.Box, 0.002)
	require.NoError(t, err)

	d := xp[0].Sub(xp[1]).Norm()
	assert.InDelta(t, 0.1, d, 1e-7)
	assert.Less(t, res.RMSDev, 1e-7)
	assert.Greater(t, res.Iterations, 0)

	// the correction conserves momentum
	p := v[0].Scale(16).Add(v[1].Scale(1))
	assert.InDelta(t, 0, p.Norm(), 1e-9)
}

func TestShakeAcrossPeriodicBoundary(t *testing.T) {
	top, ls := dimer(0.1)
	ls.X[0] = dynamo.Vec3{2.97, 1, 1}
	ls.X[1] = dynamo.Vec3{0.07, 1, 1}
	s := NewShake(top, 1e-8, 100)
	s.SetNumAtoms(ls)

	xp := []dynamo.Vec3{{2.975, 1, 1}, {0.09, 1, 1}}
	_, err := s.Positions(ls.X, xp, nil, ls.Box, 0.002)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, ls.Box.MinImage(xp[1].Sub(xp[0])).Norm(), 1e-7)
}

func TestShakeNonConvergence(t *testing.T) {
	top, ls := dimer(0.1)
	s := NewShake(top, 1e-12, 1)
	s.SetNumAtoms(ls)
	xp := []dynamo.Vec3{{1, 1, 1}, {1.3, 1.05, 1}}
	_, err := s.Positions(ls.X, xp, nil, ls.Box, 0.002)
	assert.ErrorIs(t, err, dynamo.ErrNonConvergence)
}

func TestRattleRemovesBondVelocity(t *testing.T) {
	top, ls := dimer(0.1)
	s := NewShake(top, 1e-10, 100)
	s.SetNumAtoms(ls)

	v := []dynamo.Vec3{{0.5, 0.1, 0}, {-1, 0.3, 0.2}}
	_, err := s.Velocities(ls.X, v, ls.Box, 0.002)
	require.NoError(t, err)

	r := ls.X[0].Sub(ls.X[1])
	assert.InDelta(t, 0, r.Dot(v[0].Sub(v[1])), 1e-9)
	// perpendicular components are untouched
	assert.InDelta(t, 0.1, v[0][1], 1e-12)
	assert.InDelta(t, 0.3, v[1][1], 1e-12)
}

func TestStaleAtomCountIsRejected(t *testing.T) {
	top, ls := dimer(0.1)
	s := NewShake(top, 1e-8, 10)
	s.SetNumAtoms(ls)
	_, err := s.Positions(ls.X[:1], ls.X[:1], nil, ls.Box, 0.002)
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
}

func TestVirialSign(t *testing.T) {
	top, ls := dimer(0.1)
	s := NewShake(top, 1e-10, 100)
	s.SetNumAtoms(ls)
	// atoms flying apart: the constraint pulls inward, like an attractive bond
	xp := []dynamo.Vec3{{0.999, 1, 1}, {1.111, 1, 1}}
	res, err := s.Positions(ls.X, xp, nil, ls.Box, 0.002)
	require.NoError(t, err)
	assert.Greater(t, res.Virial[0][0], 0.0)
	assert.False(t, math.IsNaN(res.Virial.Trace()))
}

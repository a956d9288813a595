package integrator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/constraint"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/vsite"
)

// Kind tags the integrator family.
type Kind uint8

const (
	KindLeapFrog Kind = iota
	KindVelocityVerlet
	// KindVelocityVerletAvek reports kinetic energy as the half-step average.
	KindVelocityVerletAvek
)

func KindFor(name string) (Kind, error) {
	switch name {
	case config.IntegratorMD:
		return KindLeapFrog, nil
	case config.IntegratorVV:
		return KindVelocityVerlet, nil
	case config.IntegratorVVAvek:
		return KindVelocityVerletAvek, nil
	}
	return 0, fmt.Errorf("%w: unknown integrator %q", dynamo.ErrConfig, name)
}

func (k Kind) String() string {
	switch k {
	case KindLeapFrog:
		return config.IntegratorMD
	case KindVelocityVerlet:
		return config.IntegratorVV
	case KindVelocityVerletAvek:
		return config.IntegratorVVAvek
	}
	return "unknown"
}

func (k Kind) IsVerlet() bool { return k != KindLeapFrog }

// Update is the working set of one step, shared by the family hooks.
type Update struct {
	Step int64
	// Init marks the first step of a new simulation.
	Init  bool
	State *dynamo.LocalState
	// Last holds the most recent reduced totals.
	Last *reduce.Totals
	// XPrime receives the updated positions.
	XPrime []dynamo.Vec3

	lambda  float64
	fNH     float64
	kinetic dynamo.Tensor
	virial  dynamo.Tensor
	haveKin bool
}

// Family is the integrator variant. It is chosen once per run; the step
// loop only calls the hooks.
type Family interface {
	Kind() Kind
	// HalfStep brings velocities to full step (Verlet only).
	HalfStep(u *Update) error
	// HalfStepCouple applies the coupling sequences that need the full-step
	// kinetic energy in t and returns the velocity scale it applied.
	HalfStepCouple(u *Update, t *reduce.Totals) (float64, error)
	// PreUpdate applies coupling decided before the second update.
	PreUpdate(u *Update) error
	// PostUpdate moves velocities and writes the new positions to u.XPrime.
	PostUpdate(u *Update) error
	// Finish applies the coupling that follows the final reduction and
	// returns the velocity scale it applied.
	Finish(u *Update, t *reduce.Totals) (float64, error)
}

// newFamily builds the variant for kind.
func newFamily(kind Kind, s *shared) Family {
	if kind == KindLeapFrog {
		return &LeapFrog{shared: s}
	}
	nh := s.coupling.thermostat == config.ThermostatNoseHoov
	mttk := s.coupling.barostat == config.BarostatMTTK
	return &VelocityVerlet{
		shared: s,
		avek:   kind == KindVelocityVerletAvek,
		seq:    TrotterSequences(kind, nh, mttk),
	}
}

// shared is the machinery every family works with.
type shared struct {
	machine  *Machine
	kernels  *Kernels
	coupling *Coupling
	cons     constraint.Solver
	vsites   *vsite.Handler
	relaxed  bool
	dt       float64
	logger   *slog.Logger

	constrVir dynamo.Tensor
}

// solverError decides whether a constraint failure ends the run.
func (s *shared) solverError(step int64, err error) error {
	if err == nil {
		return nil
	}
	if s.relaxed && errors.Is(err, dynamo.ErrNonConvergence) {
		s.logger.Warn("constraint solver did not converge, continuing", slog.Int64("step", step), slog.Any("error", err))
		return nil
	}
	return dynamo.Fatal(step, dynamo.ProtoConstraint, err)
}

func (s *shared) constrainVelocities(u *Update) error {
	if err := s.machine.Enter(ConstrainVelocity); err != nil {
		return err
	}
	if s.cons == nil || s.cons.NumLocal() == 0 {
		return nil
	}
	ls := u.State
	res, err := s.cons.Velocities(ls.X, ls.V, ls.Box, s.dt)
	s.constrVir = s.constrVir.Add(res.Virial)
	return s.solverError(u.Step, err)
}

// settle constrains u.XPrime against the current positions, adopts them
// and rebuilds the virtual sites.
func (s *shared) settle(u *Update, correctVelocities bool) error {
	ls := u.State
	if s.cons != nil && s.cons.NumLocal() > 0 {
		var v []dynamo.Vec3
		if correctVelocities {
			v = ls.V
		}
		res, err := s.cons.Positions(ls.X, u.XPrime, v, ls.Box, s.dt)
		if correctVelocities {
			s.constrVir = s.constrVir.Add(res.Virial)
		}
		if err := s.solverError(u.Step, err); err != nil {
			return err
		}
	}
	copy(ls.X, u.XPrime)
	return nil
}

func (s *shared) constructVSites(u *Update) error {
	if s.vsites == nil || s.vsites.Count() == 0 {
		return nil
	}
	ls := u.State
	if err := s.vsites.Construct(ls.X, ls.V, ls.Box, s.dt); err != nil {
		return dynamo.Fatal(u.Step, dynamo.ProtoVirtualSites, err)
	}
	return nil
}

// berendsenPressure scales coordinates and box on Berendsen coupling steps.
func (s *shared) berendsenPressure(u *Update, t *reduce.Totals) {
	if t == nil || !t.HavePres || !s.coupling.PCoupleStep(u.Step) {
		return
	}
	ls := u.State
	mu := s.coupling.BerendsenMu(&ls.Ext, t.PresScalar, t.Virial)
	s.kernels.ScalePositions(ls, mu)
	ls.Box = ls.Box.Scale(dynamo.Tensor{{mu, 0, 0}, {0, mu, 0}, {0, 0, mu}})
}

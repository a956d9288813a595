// Package integrator advances positions and velocities by one step. An
// explicit phase machine orders the sub-steps of the chosen family so that
// global reductions only ever observe a consistent state.
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

type Option func(*Integrator)

func WithLogger(l *slog.Logger) Option { return func(it *Integrator) { it.optLogger = l } }

// WithConstraints replaces the solver built from the topology.
func WithConstraints(s constraint.Solver) Option { return func(it *Integrator) { it.optCons = s } }

// Integrator drives one family through the phases of a step.
type Integrator struct {
	family Family
	*shared

	u Update

	optCons   constraint.Solver
	optLogger *slog.Logger
}

// New picks the family for cfg.Integrator. vol0 is the reference volume
// of the MTTK barostat mass.
func New(cfg *config.RunConfig, top *dynamo.Topology, ndf, vol0 float64, opts ...Option) (*Integrator, error) {
	kind, err := KindFor(cfg.Integrator)
	if err != nil {
		return nil, err
	}
	it := &Integrator{}
	for _, opt := range opts {
		opt(it)
	}
	s := &shared{
		machine:  NewMachine(kind),
		kernels:  NewKernels(top),
		coupling: NewCoupling(cfg, ndf, vol0),
		cons:     it.optCons,
		relaxed:  cfg.Constraints.Relaxed,
		dt:       cfg.Dt,
		logger:   it.optLogger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cons == nil && len(top.Constraints) > 0 {
		s.cons = constraint.NewShake(top, cfg.Constraints.Tolerance, cfg.Constraints.MaxIter)
	}
	if len(top.VSites) > 0 {
		s.vsites = vsite.New(top)
	}
	it.shared = s
	it.family = newFamily(kind, s)
	return it, nil
}

func (it *Integrator) Kind() Kind { return it.family.Kind() }

// Machine is the phase guard handed to the reducer.
func (it *Integrator) Machine() *Machine { return it.machine }

func (it *Integrator) Coupling() *Coupling { return it.coupling }

func (it *Integrator) Constraints() constraint.Solver { return it.cons }

func (it *Integrator) VSites() *vsite.Handler { return it.vsites }

// ConstraintVirial is the local constraint virial of the current step.
func (it *Integrator) ConstraintVirial() dynamo.Tensor { return it.constrVir }

func (it *Integrator) TrotterTable() (TrotterTable, bool) {
	if vv, ok := it.family.(*VelocityVerlet); ok {
		return vv.seq, true
	}
	return TrotterTable{}, false
}

// SetNumAtoms rebuilds every per-atom cache after a repartition.
func (it *Integrator) SetNumAtoms(ls *dynamo.LocalState) {
	it.kernels.SetNumAtoms(ls)
	if it.cons != nil {
		it.cons.SetNumAtoms(ls)
	}
	if it.vsites != nil {
		it.vsites.SetNumAtoms(ls)
	}
	it.coupling.InitExtended(&ls.Ext)
}

// ConstrainStart makes the starting configuration satisfy the constraints
// and removes velocity components along them.
func (it *Integrator) ConstrainStart(step int64, ls *dynamo.LocalState) error {
	if it.cons == nil || it.cons.NumLocal() == 0 {
		return nil
	}
	xp := append([]dynamo.Vec3(nil), ls.X...)
	if _, err := it.cons.Positions(ls.X, xp, nil, ls.Box, 0); err != nil {
		if err := it.solverError(step, err); err != nil {
			return err
		}
	}
	copy(ls.X, xp)
	_, err := it.cons.Velocities(ls.X, ls.V, ls.Box, it.dt)
	return it.solverError(step, err)
}

// ConstructVSites places the virtual sites without touching velocities.
func (it *Integrator) ConstructVSites(step int64, ls *dynamo.LocalState) error {
	if it.vsites == nil || it.vsites.Count() == 0 {
		return nil
	}
	if err := it.vsites.Construct(ls.X, nil, ls.Box, 0); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoVirtualSites, err)
	}
	return nil
}

// SpreadForces moves the forces on virtual sites to their constructing atoms.
func (it *Integrator) SpreadForces(step int64, f []dynamo.Vec3) error {
	if it.vsites == nil || it.vsites.Count() == 0 {
		return nil
	}
	if err := it.vsites.Spread(f); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoVirtualSites, err)
	}
	return nil
}

// Begin opens a step. last is the latest reduced totals, read by the
// coupling decisions.
func (it *Integrator) Begin(step int64, init bool, ls *dynamo.LocalState, last *reduce.Totals) error {
	if err := it.kernels.check(ls); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoRepartition, err)
	}
	if err := it.machine.Begin(step); err != nil {
		return err
	}
	if len(it.u.XPrime) != ls.NumAtoms() {
		it.u.XPrime = make([]dynamo.Vec3, ls.NumAtoms())
	}
	it.u = Update{Step: step, Init: init, State: ls, Last: last, XPrime: it.u.XPrime}
	it.constrVir = dynamo.Tensor{}
	return nil
}

// HalfStep is the Verlet first half step with velocity constraints.
func (it *Integrator) HalfStep() error {
	if !it.Kind().IsVerlet() {
		return nil
	}
	return it.family.HalfStep(&it.u)
}

// EnterGlobalSync marks the mid-step reduction boundary of Verlet families.
func (it *Integrator) EnterGlobalSync() error {
	if !it.Kind().IsVerlet() {
		return nil
	}
	return it.machine.Enter(GlobalSync)
}

// HalfStepCouple runs the coupling on the full-step kinetic energy. t may
// be nil on steps without a reduction. The returned factor scaled the
// velocities.
func (it *Integrator) HalfStepCouple(t *reduce.Totals) (float64, error) {
	return it.family.HalfStepCouple(&it.u, t)
}

// Update is the second update: coupling, velocities, positions,
// constraints and virtual sites.
func (it *Integrator) Update() error {
	if err := it.family.PreUpdate(&it.u); err != nil {
		return err
	}
	if err := it.family.PostUpdate(&it.u); err != nil {
		return err
	}
	return it.constrainAndConstruct()
}

func (it *Integrator) constrainAndConstruct() error {
	if err := it.machine.Enter(ConstrainPosition); err != nil {
		return err
	}
	if err := it.settle(&it.u, true); err != nil {
		return err
	}
	if err := it.machine.Enter(VirtualSiteReconstruction); err != nil {
		return err
	}
	return it.constructVSites(&it.u)
}

// DeviceParams is what an accelerator needs for the leap-frog update.
type DeviceParams struct {
	Dt     float64
	Lambda float64
}

// UpdateWith runs the coupling decisions on the host and hands the leap-frog
// update and position constraints to fn. fn returns the constraint virial;
// a solver that did not converge goes through the same relaxed policy as
// the host path.
func (it *Integrator) UpdateWith(fn func(DeviceParams) (dynamo.Tensor, error)) error {
	if it.Kind() != KindLeapFrog {
		return dynamo.Fatal(it.u.Step, dynamo.ProtoAccelerator,
			fmt.Errorf("%w: accelerated update requires %s", dynamo.ErrInvalidState, KindLeapFrog))
	}
	if err := it.family.PreUpdate(&it.u); err != nil {
		return err
	}
	if it.u.fNH != 0 {
		return dynamo.Fatal(it.u.Step, dynamo.ProtoAccelerator,
			fmt.Errorf("%w: Nose-Hoover friction on the accelerated path", dynamo.ErrInvalidState))
	}
	if err := it.machine.Enter(PositionUpdate); err != nil {
		return err
	}
	vir, err := fn(DeviceParams{Dt: it.dt, Lambda: it.u.lambda})
	if errors.Is(err, dynamo.ErrNonConvergence) {
		err = it.solverError(it.u.Step, err)
	}
	if err != nil {
		return err
	}
	if err := it.machine.Enter(ConstrainPosition); err != nil {
		return err
	}
	it.constrVir = it.constrVir.Add(vir)
	return it.machine.Enter(VirtualSiteReconstruction)
}

// EnterFinalSync marks the end-of-step reduction boundary.
func (it *Integrator) EnterFinalSync() error {
	return it.machine.Enter(GlobalSyncFinal)
}

// Finish applies the coupling that follows the final reduction and closes
// the step. The returned factor scaled the velocities.
func (it *Integrator) Finish(t *reduce.Totals) (float64, error) {
	s, err := it.family.Finish(&it.u, t)
	if err != nil {
		return s, err
	}
	return s, it.machine.End()
}

// Abort abandons a step after a fatal error.
func (it *Integrator) Abort() { it.machine.Reset() }

// ConservedOffset is added to the total energy to form the conserved quantity.
func (it *Integrator) ConservedOffset(ls *dynamo.LocalState) float64 {
	return it.coupling.ConservedOffset(ls.Ext, ls.Box)
}

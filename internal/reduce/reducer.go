// Package reduce turns per-rank partial sums into run-wide totals: kinetic
// energy (with the half-step carry of averaging integrators), center-of-mass
// motion, potential energy terms, virial and pressure, the bonded interaction
// count and the consensus signal slots. Everything requested in one call
// travels in a single all-reduce round.
package reduce

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/signals"
)

// Flags select the quantities of one reduction. The subset matters: it picks
// the kinetic energy estimator.
type Flags uint16

const (
	// GStat communicates; without it only local partials are computed.
	GStat Flags = 1 << iota
	Energy
	Temperature
	Pressure
	Constraint
	StopCM
	// ReadEkin uses the stored kinetic energy tensors instead of recomputing them.
	ReadEkin
	// ScaleEkin rescales the stored tensors by Input.EkinScale instead of recomputing them.
	ScaleEkin
	CheckBondeds
	// FullStepKE computes the kinetic energy from full-step velocities.
	FullStepKE
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// PhaseGuard reports whether the integrator sits at a boundary where a
// reduction may observe local data.
type PhaseGuard interface {
	AtSyncBoundary() bool
}

// Input is the local view handed to one reduction.
type Input struct {
	Step  int64
	State *dynamo.LocalState
	// Energy is the local potential energy partial.
	Energy      dynamo.EnergyTerms
	ForceVirial dynamo.Tensor
	// ConstraintVirial is the local constraint virial partial.
	ConstraintVirial dynamo.Tensor
	BondedCount      int
	EkinScale        float64
	// Signaller is packed into the same round when non-nil.
	Signaller *signals.Signaller
	InterSim  bool
}

// Totals is the run-wide result of one reduction.
type Totals struct {
	Step    int64
	Reduced bool

	EkinTensor  dynamo.Tensor
	Ekin        float64
	Temperature float64
	HaveEkin    bool

	Energy      dynamo.EnergyTerms
	Epot        float64
	HaveEnergy  bool
	DVDL        float64
	Virial      dynamo.Tensor
	ConstrVir   dynamo.Tensor
	Pressure    dynamo.Tensor
	PresScalar  float64
	HavePres    bool
	VCM         dynamo.Vec3
	COMRemoved  bool
	BondedCount int
}

// EkinState is the kinetic energy bookkeeping carried between steps.
type EkinState struct {
	Ekinh          dynamo.Tensor `json:"ekinh"`
	EkinhOld       dynamo.Tensor `json:"ekinh_old"`
	Ekinf          dynamo.Tensor `json:"ekinf"`
	EkinhStep      int64         `json:"ekinh_step"`
	EkinhOldStep   int64         `json:"ekinh_old_step"`
	EkinhSummed    bool          `json:"ekinh_summed"`
	EkinhOldSummed bool          `json:"ekinh_old_summed"`
	HaveEkinh      bool          `json:"have_ekinh"`
	HaveEkinhOld   bool          `json:"have_ekinh_old"`
}

type Reducer struct {
	comm     comm.Communicator
	top      *dynamo.Topology
	ndf      float64
	nForeign int
	guard    PhaseGuard
	logger   *slog.Logger

	ekin     EkinState
	lastEkin dynamo.Tensor
	// observer is told about every completed round.
	observer func(flags Flags)
}

type Option func(*Reducer)

func WithPhaseGuard(g PhaseGuard) Option { return func(r *Reducer) { r.guard = g } }

func WithLogger(l *slog.Logger) Option { return func(r *Reducer) { r.logger = l } }

// WithObserver registers a callback invoked after every communicated round.
func WithObserver(fn func(Flags)) Option { return func(r *Reducer) { r.observer = fn } }

func New(c comm.Communicator, top *dynamo.Topology, ndf float64, nForeign int, opts ...Option) *Reducer {
	if c == nil {
		c = comm.Self{}
	}
	r := &Reducer{comm: c, top: top, ndf: ndf, nForeign: nForeign}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Reducer) DegreesOfFreedom() float64 { return r.ndf }

func (r *Reducer) EkinState() EkinState { return r.ekin }

func (r *Reducer) RestoreEkinState(s EkinState) { r.ekin = s }

// HalfStepAvailable reports whether a half-step kinetic energy for step is stored.
func (r *Reducer) HalfStepAvailable(step int64) bool {
	return r.ekin.HaveEkinh && r.ekin.EkinhStep == step
}

// ScaleFullStepKE multiplies the stored full-step tensor by s^2 after
// velocities were scaled by s.
func (r *Reducer) ScaleFullStepKE(s float64) {
	r.ekin.Ekinf = r.ekin.Ekinf.Scale(s * s)
}

func (r *Reducer) localKE(ls *dynamo.LocalState) dynamo.Tensor {
	var ke dynamo.Tensor
	for li, gi := range ls.Home {
		a := r.top.Atoms[gi]
		if a.PType != dynamo.ParticleAtom {
			continue
		}
		ke = ke.Add(dynamo.Outer(ls.V[li], ls.V[li]).Scale(0.5 * a.Mass))
	}
	return ke
}

func (r *Reducer) localMomentum(ls *dynamo.LocalState) (dynamo.Vec3, float64) {
	var p dynamo.Vec3
	m := 0.0
	for li, gi := range ls.Home {
		a := r.top.Atoms[gi]
		if a.PType != dynamo.ParticleAtom || a.Freeze >= 0 {
			continue
		}
		p = p.Add(ls.V[li].Scale(a.Mass))
		m += a.Mass
	}
	return p, m
}

func (r *Reducer) removeCOM(ls *dynamo.LocalState, vcm dynamo.Vec3) {
	for li, gi := range ls.Home {
		a := r.top.Atoms[gi]
		if a.PType != dynamo.ParticleAtom || a.Freeze >= 0 {
			continue
		}
		ls.V[li] = ls.V[li].Sub(vcm)
	}
}

// Reduce performs one reduction. Communication failures are fatal and
// attributed to the global reduction protocol.
func (r *Reducer) Reduce(ctx context.Context, in Input, flags Flags) (Totals, error) {
	if r.guard != nil && !r.guard.AtSyncBoundary() {
		return Totals{}, dynamo.Fatal(in.Step, dynamo.ProtoReduction,
			fmt.Errorf("%w: reduction requested between integrator phases", dynamo.ErrInvalidState))
	}
	t := Totals{Step: in.Step}
	ls := in.State

	fullStep := flags.Has(FullStepKE)
	computeKE := flags.Has(Temperature) && !flags.Has(ReadEkin) && !flags.Has(ScaleEkin)
	if computeKE && !flags.Has(GStat) && r.comm.Size() > 1 {
		return t, dynamo.Fatal(in.Step, dynamo.ProtoReduction,
			fmt.Errorf("%w: temperature requested without communication on %d ranks", dynamo.ErrInvalidState, r.comm.Size()))
	}
	sumOld := false
	if computeKE {
		ke := r.localKE(ls)
		if fullStep {
			r.ekin.Ekinf = ke
		} else {
			r.storeHalfStep(in.Step, ke)
		}
		sumOld = !fullStep && r.ekin.HaveEkinhOld && !r.ekin.EkinhOldSummed
	}

	var p dynamo.Vec3
	var mass float64
	if flags.Has(StopCM) {
		p, mass = r.localMomentum(ls)
	}

	if flags.Has(GStat) {
		buf := make([]float64, 0, 64)
		if computeKE {
			if fullStep {
				buf = r.ekin.Ekinf.Flatten(buf)
			} else {
				buf = r.ekin.Ekinh.Flatten(buf)
			}
			if sumOld {
				buf = r.ekin.EkinhOld.Flatten(buf)
			}
		}
		if flags.Has(StopCM) {
			buf = append(buf, p[0], p[1], p[2], mass)
		}
		if flags.Has(Energy) {
			buf = in.Energy.Pack(buf, r.nForeign)
		}
		if flags.Has(Pressure) {
			buf = in.ForceVirial.Flatten(buf)
		}
		if flags.Has(Constraint) {
			buf = in.ConstraintVirial.Flatten(buf)
		}
		if flags.Has(CheckBondeds) {
			buf = append(buf, float64(in.BondedCount))
		}
		sigAt := len(buf)
		if in.Signaller != nil {
			buf = in.Signaller.Pack(buf)
		}

		if err := r.comm.AllReduceSum(ctx, buf); err != nil {
			return t, dynamo.Fatal(in.Step, dynamo.ProtoReduction, err)
		}
		t.Reduced = true
		r.logger.Debug("global reduction", slog.Int64("step", in.Step), slog.Int("values", len(buf)))

		rest := buf
		if computeKE {
			if fullStep {
				r.ekin.Ekinf, rest = dynamo.TensorFrom(rest), rest[9:]
			} else {
				r.ekin.Ekinh, rest = dynamo.TensorFrom(rest), rest[9:]
				r.ekin.EkinhSummed = true
			}
			if sumOld {
				r.ekin.EkinhOld, rest = dynamo.TensorFrom(rest), rest[9:]
				r.ekin.EkinhOldSummed = true
			}
		}
		if flags.Has(StopCM) {
			p, mass, rest = dynamo.Vec3{rest[0], rest[1], rest[2]}, rest[3], rest[4:]
		}
		if flags.Has(Energy) {
			in.Energy, rest = dynamo.UnpackEnergyTerms(rest, r.nForeign)
		}
		if flags.Has(Pressure) {
			in.ForceVirial, rest = dynamo.TensorFrom(rest), rest[9:]
		}
		if flags.Has(Constraint) {
			in.ConstraintVirial, rest = dynamo.TensorFrom(rest), rest[9:]
		}
		if flags.Has(CheckBondeds) {
			in.BondedCount = int(rest[0] + 0.5)
		}
		if in.Signaller != nil {
			if err := in.Signaller.Unpack(ctx, buf[sigAt:], in.InterSim); err != nil {
				return t, dynamo.Fatal(in.Step, dynamo.ProtoSignal, err)
			}
		}
		if r.observer != nil {
			r.observer(flags)
		}
	}

	if flags.Has(Temperature) {
		ek, err := r.kineticTensor(in, flags)
		if err != nil {
			return t, err
		}
		r.lastEkin = ek
		t.EkinTensor = ek
		t.Ekin = ek.Trace()
		t.Temperature = 2 * t.Ekin / (r.ndf * dynamo.Boltzmann)
		t.HaveEkin = true
	}

	if flags.Has(StopCM) && mass > 0 {
		t.VCM = p.Scale(1 / mass)
		r.removeCOM(ls, t.VCM)
		t.COMRemoved = true
	}

	if flags.Has(Energy) {
		t.Energy = in.Energy
		t.Epot = in.Energy.Potential()
		t.DVDL = in.Energy.DVDL
		if flags.Has(Constraint) {
			t.DVDL += in.Energy.DVDLConstr
		}
		t.HaveEnergy = true
	}

	if flags.Has(Pressure) {
		vir := in.ForceVirial
		if flags.Has(Constraint) {
			vir = vir.Add(in.ConstraintVirial)
			t.ConstrVir = in.ConstraintVirial
		}
		t.Virial = vir
		vol := ls.Box.Volume()
		if vol > 0 {
			t.Pressure = r.lastEkin.Sub(vir).Scale(2 * dynamo.PresFac / vol)
			t.PresScalar = t.Pressure.Trace() / 3
			t.HavePres = true
		}
	}

	if flags.Has(CheckBondeds) {
		t.BondedCount = in.BondedCount
		if want := r.top.NumBondeds(); in.BondedCount != want {
			return t, dynamo.Fatal(in.Step, dynamo.ProtoBondedCounter,
				fmt.Errorf("%w: %d interactions assigned, topology has %d", dynamo.ErrBondedCount, in.BondedCount, want))
		}
	}
	return t, nil
}

// storeHalfStep shifts the current half-step tensor into the carry slot
// and stores ke as the value for step. Recomputing the same step replaces
// the value without shifting.
func (r *Reducer) storeHalfStep(step int64, ke dynamo.Tensor) {
	if r.ekin.HaveEkinh && r.ekin.EkinhStep != step {
		r.ekin.EkinhOld = r.ekin.Ekinh
		r.ekin.EkinhOldStep = r.ekin.EkinhStep
		r.ekin.EkinhOldSummed = r.ekin.EkinhSummed
		r.ekin.HaveEkinhOld = true
	}
	r.ekin.Ekinh = ke
	r.ekin.EkinhStep = step
	r.ekin.EkinhSummed = r.comm.Size() == 1
	r.ekin.HaveEkinh = true
}

// ComputeHalfStepKE stores the local half-step kinetic energy of step
// without communicating. The next reduction sums it as the carried value.
func (r *Reducer) ComputeHalfStepKE(step int64, ls *dynamo.LocalState) {
	r.storeHalfStep(step, r.localKE(ls))
}

// kineticTensor picks the estimator: full-step, stored/scaled, or the
// average of the previous and current half-step tensors.
func (r *Reducer) kineticTensor(in Input, flags Flags) (dynamo.Tensor, error) {
	if flags.Has(FullStepKE) {
		if flags.Has(ScaleEkin) {
			r.ekin.Ekinf = r.ekin.Ekinf.Scale(in.EkinScale * in.EkinScale)
		}
		return r.ekin.Ekinf, nil
	}
	if !r.ekin.HaveEkinh {
		return dynamo.Tensor{}, dynamo.Fatal(in.Step, dynamo.ProtoReduction,
			fmt.Errorf("%w: no half-step kinetic energy stored", dynamo.ErrInvalidState))
	}
	if flags.Has(ScaleEkin) {
		r.ekin.Ekinh = r.ekin.Ekinh.Scale(in.EkinScale * in.EkinScale)
	}
	if !r.ekin.HaveEkinhOld {
		// The first half-step value of a run stands in for its predecessor.
		r.ekin.EkinhOld = r.ekin.Ekinh
		r.ekin.EkinhOldStep = r.ekin.EkinhStep - 1
		r.ekin.EkinhOldSummed = r.ekin.EkinhSummed
		r.ekin.HaveEkinhOld = true
	}
	if r.ekin.EkinhOldStep != r.ekin.EkinhStep-1 {
		return dynamo.Tensor{}, dynamo.Fatal(in.Step, dynamo.ProtoReduction,
			fmt.Errorf("%w: half-step kinetic energy carried from step %d, want %d",
				dynamo.ErrInvalidState, r.ekin.EkinhOldStep, r.ekin.EkinhStep-1))
	}
	if !r.ekin.EkinhSummed || !r.ekin.EkinhOldSummed {
		return dynamo.Tensor{}, dynamo.Fatal(in.Step, dynamo.ProtoReduction,
			fmt.Errorf("%w: half-step kinetic energy used before it was reduced", dynamo.ErrInvalidState))
	}
	return r.ekin.EkinhOld.Add(r.ekin.Ekinh).Scale(0.5), nil
}

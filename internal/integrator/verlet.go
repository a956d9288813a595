package integrator

import (
	"fmt"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/reduce"
)

// VelocityVerlet holds velocities at v(t-dt/2) between steps. The first
// half step brings them to v(t), the second to v(t+dt/2) before the
// position update. Nose-Hoover and MTTK coupling run as Trotter sequences.
type VelocityVerlet struct {
	*shared
	avek bool
	seq  TrotterTable

	vbuf  []dynamo.Vec3
	xsave []dynamo.Vec3
}

func (v *VelocityVerlet) Kind() Kind {
	if v.avek {
		return KindVelocityVerletAvek
	}
	return KindVelocityVerlet
}

// restoresInitVelocities reports whether the init step's first half is
// taken only for the constraint virial.
func (v *VelocityVerlet) restoresInitVelocities(u *Update) bool {
	return u.Init && !v.avek
}

func (v *VelocityVerlet) halfKick(u *Update) {
	mv1, mv2 := v.coupling.VelocityFactors(u.State.Ext.Veta)
	v.kernels.UpdateVelocities(u.State, 0.5*v.dt*mv1*mv2, mv1*mv1)
}

func (v *VelocityVerlet) HalfStep(u *Update) error {
	if err := v.machine.Enter(HalfStepVelocity); err != nil {
		return err
	}
	if v.restoresInitVelocities(u) {
		v.vbuf = append(v.vbuf[:0], u.State.V...)
	}
	v.halfKick(u)
	return v.constrainVelocities(u)
}

func (v *VelocityVerlet) HalfStepCouple(u *Update, t *reduce.Totals) (float64, error) {
	if v.restoresInitVelocities(u) {
		copy(u.State.V, v.vbuf)
		// the setup reduction holds the kinetic energy of the restored velocities
		if u.Last != nil && u.Last.HaveEkin {
			u.kinetic, u.virial, u.haveKin = u.Last.EkinTensor, u.Last.Virial, true
		}
		return 1, nil
	}
	if t != nil && t.HaveEkin {
		u.kinetic, u.virial, u.haveKin = t.EkinTensor, t.Virial, true
	}
	scale := 1.0
	for _, pos := range []int{TrotterSeq1, TrotterSeq2} {
		s, err := v.trotter(u, pos, t)
		if err != nil {
			return scale, err
		}
		scale *= s
	}
	if scale != 1 && t != nil && t.HaveEkin {
		t.EkinTensor = t.EkinTensor.Scale(scale * scale)
		t.Ekin *= scale * scale
		t.Temperature *= scale * scale
	}
	return scale, nil
}

// trotter applies the operators at one sequence position. Operators that
// are not due this step are skipped.
func (v *VelocityVerlet) trotter(u *Update, pos int, t *reduce.Totals) (float64, error) {
	scale := 1.0
	ls := u.State
	for _, op := range v.seq[pos] {
		switch op {
		case TrotterThermo:
			if !v.coupling.TrotterThermoStep(u.Step) {
				continue
			}
			ekin, err := v.kineticFor(u, pos, t)
			if err != nil {
				return scale, err
			}
			s := v.coupling.NHCHalfStep(&ls.Ext, ekin)
			v.kernels.ScaleVelocities(ls, s)
			scale *= s
			if pos != TrotterSeq4 {
				u.kinetic = u.kinetic.Scale(s * s)
			}
		case TrotterBaroV:
			if !v.coupling.TrotterBaroStep(u.Step) {
				continue
			}
			if !u.haveKin || (pos == TrotterSeq2 && (t == nil || !t.HavePres)) {
				return scale, dynamo.Fatal(u.Step, dynamo.ProtoCoupling,
					fmt.Errorf("%w: barostat step without reduced pressure", dynamo.ErrInvalidState))
			}
			if pos == TrotterSeq2 {
				u.virial = t.Virial
			}
			v.coupling.BaroVHalfStep(&ls.Ext, u.kinetic, u.virial, ls.Box)
		}
	}
	return scale, nil
}

// kineticFor picks the kinetic energy a thermostat operator works on: the
// full-step value for the first three positions, the reduced average for
// the last.
func (v *VelocityVerlet) kineticFor(u *Update, pos int, t *reduce.Totals) (float64, error) {
	if pos == TrotterSeq4 {
		if t == nil || !t.HaveEkin {
			return 0, dynamo.Fatal(u.Step, dynamo.ProtoCoupling,
				fmt.Errorf("%w: thermostat step without averaged kinetic energy", dynamo.ErrInvalidState))
		}
		return t.Ekin, nil
	}
	if !u.haveKin {
		return 0, dynamo.Fatal(u.Step, dynamo.ProtoCoupling,
			fmt.Errorf("%w: thermostat step without full-step kinetic energy", dynamo.ErrInvalidState))
	}
	return u.kinetic.Trace(), nil
}

func (v *VelocityVerlet) PreUpdate(u *Update) error {
	if err := v.machine.Enter(PressureCoupleAdjust); err != nil {
		return err
	}
	if _, err := v.trotter(u, TrotterSeq3, nil); err != nil {
		return err
	}
	if v.coupling.thermostat == config.ThermostatBerend && u.haveKin && isVerletCoupleStep(v.coupling, u.Step) {
		temp := 2 * u.kinetic.Trace() / (v.coupling.ndf * dynamo.Boltzmann)
		lambda := v.coupling.BerendsenLambda(&u.State.Ext, temp)
		v.kernels.ScaleVelocities(u.State, lambda)
	}
	return nil
}

func isVerletCoupleStep(c *Coupling, step int64) bool {
	return c.nstT > 0 && step%c.nstT == 0
}

func (v *VelocityVerlet) PostUpdate(u *Update) error {
	if err := v.machine.Enter(PositionUpdate); err != nil {
		return err
	}
	v.halfKick(u)
	if v.avek && len(v.seq[TrotterSeq4]) > 0 {
		v.xsave = append(v.xsave[:0], u.State.X...)
	}
	mr1, mr2 := v.coupling.PositionFactors(u.State.Ext.Veta)
	v.kernels.UpdatePositions(u.State, u.XPrime, v.dt, mr1, mr2)
	return nil
}

// Finish runs the averaged-kinetic-energy thermostat of the avek variant,
// recomputing positions from the rescaled velocities, then the box update.
func (v *VelocityVerlet) Finish(u *Update, t *reduce.Totals) (float64, error) {
	scale := 1.0
	ls := u.State
	if v.avek && v.coupling.TrotterThermoStep(u.Step) && len(v.seq[TrotterSeq4]) > 0 {
		s, err := v.trotter(u, TrotterSeq4, t)
		if err != nil {
			return 1, err
		}
		scale = s
		if s != 1 && len(v.xsave) == len(ls.X) {
			copy(ls.X, v.xsave)
			mr1, mr2 := v.coupling.PositionFactors(ls.Ext.Veta)
			v.kernels.UpdatePositions(ls, u.XPrime, v.dt, mr1, mr2)
			if err := v.settle(u, false); err != nil {
				return scale, err
			}
			if err := v.constructVSites(u); err != nil {
				return scale, err
			}
		}
	}
	if v.coupling.barostat == config.BarostatMTTK {
		mu := v.coupling.MTTKBoxScale(ls.Ext.Veta)
		ls.Box = ls.Box.Scale(dynamo.Tensor{{mu, 0, 0}, {0, mu, 0}, {0, 0, mu}})
	}
	v.berendsenPressure(u, t)
	return scale, nil
}

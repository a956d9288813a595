package integrator

import (
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/reduce"
)

// LeapFrog integrates with velocities at half steps. Its kinetic energy
// is the average of the two half-step values around each full step.
type LeapFrog struct {
	*shared
}

func (l *LeapFrog) Kind() Kind { return KindLeapFrog }

func (l *LeapFrog) HalfStep(*Update) error { return nil }

func (l *LeapFrog) HalfStepCouple(*Update, *reduce.Totals) (float64, error) { return 1, nil }

// PreUpdate decides the thermostat action from the temperature of the
// previous reduction.
func (l *LeapFrog) PreUpdate(u *Update) error {
	if err := l.machine.Enter(PressureCoupleAdjust); err != nil {
		return err
	}
	u.lambda, u.fNH = 1, 0
	if !l.coupling.TCoupleStep(u.Step) || u.Last == nil || !u.Last.HaveEkin {
		return nil
	}
	ext := &u.State.Ext
	switch l.coupling.thermostat {
	case config.ThermostatBerend:
		u.lambda = l.coupling.BerendsenLambda(ext, u.Last.Temperature)
	case config.ThermostatNoseHoov:
		u.fNH = l.coupling.NoseHooverLeapFrog(ext, u.Last.Temperature)
	}
	return nil
}

func (l *LeapFrog) PostUpdate(u *Update) error {
	if err := l.machine.Enter(PositionUpdate); err != nil {
		return err
	}
	l.kernels.LeapFrog(u.State, u.XPrime, l.dt, u.lambda, u.fNH)
	return nil
}

func (l *LeapFrog) Finish(u *Update, t *reduce.Totals) (float64, error) {
	l.berendsenPressure(u, t)
	return 1, nil
}

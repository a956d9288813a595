package integrator

import (
	"fmt"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// Phase is a position inside one integration step.
type Phase uint8

const (
	Idle Phase = iota
	HalfStepVelocity
	ConstrainVelocity
	GlobalSync
	PressureCoupleAdjust
	PositionUpdate
	ConstrainPosition
	VirtualSiteReconstruction
	GlobalSyncFinal
)

var phaseNames = [...]string{
	Idle:                      "idle",
	HalfStepVelocity:          "half-step-velocity",
	ConstrainVelocity:         "constrain-velocity",
	GlobalSync:                "global-sync",
	PressureCoupleAdjust:      "pressure-couple-adjust",
	PositionUpdate:            "position-update",
	ConstrainPosition:         "constrain-position",
	VirtualSiteReconstruction: "vsite-reconstruction",
	GlobalSyncFinal:           "global-sync-final",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

// Machine tracks the phase of the current step. Phases only move forward;
// optional phases may be skipped but the position update may not.
type Machine struct {
	kind   Kind
	phase  Phase
	step   int64
	active bool
}

func NewMachine(kind Kind) *Machine {
	return &Machine{kind: kind}
}

func (m *Machine) Phase() Phase { return m.phase }

func (m *Machine) Step() int64 { return m.step }

// Begin opens step. The previous step must have ended.
func (m *Machine) Begin(step int64) error {
	if m.active {
		return fmt.Errorf("%w: step %d begun while step %d is in phase %s",
			dynamo.ErrInvalidState, step, m.step, m.phase)
	}
	m.active = true
	m.step = step
	m.phase = Idle
	return nil
}

// Enter moves to p, rejecting backwards moves, phases foreign to the
// integrator family and skipping the position update.
func (m *Machine) Enter(p Phase) error {
	switch {
	case !m.active:
		return m.illegal(p, "no step in progress")
	case p == Idle || p <= m.phase:
		return m.illegal(p, "out of order")
	case p <= GlobalSync && !m.kind.IsVerlet():
		return m.illegal(p, "not part of "+m.kind.String())
	case p > PositionUpdate && m.phase < PositionUpdate:
		return m.illegal(p, "position update skipped")
	}
	m.phase = p
	return nil
}

// End closes the step after the position update.
func (m *Machine) End() error {
	if !m.active || m.phase < PositionUpdate {
		return m.illegal(Idle, "step ended before the position update")
	}
	m.active = false
	m.phase = Idle
	return nil
}

// Reset abandons the current step.
func (m *Machine) Reset() {
	m.active = false
	m.phase = Idle
}

// AtSyncBoundary reports whether reductions may observe local data now.
func (m *Machine) AtSyncBoundary() bool {
	switch m.phase {
	case Idle, GlobalSync, GlobalSyncFinal:
		return true
	}
	return false
}

func (m *Machine) illegal(to Phase, why string) error {
	return fmt.Errorf("%w: step %d: %s -> %s: %s", dynamo.ErrInvalidState, m.step, m.phase, to, why)
}

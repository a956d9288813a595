package signals

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Clock reports elapsed wall time since the run started.
type Clock func() time.Duration

// SinceClock returns a Clock anchored at start.
func SinceClock(start time.Time) Clock {
	return func() time.Duration { return time.Since(start) }
}

// wallTimeFraction leaves a margin for the final output before max-hours.
const wallTimeFraction = 0.99

// StopHandler proposes stop signals and decides whether an agreed stop
// ends the run after the current step.
type StopHandler struct {
	sig          *Signal
	nstList      int64
	reproducible bool
	maxHours     float64
	clock        Clock
	master       bool
	logger       *slog.Logger

	interrupts atomic.Int32
	handled    int32
	timedOut   bool
}

func NewStopHandler(set *Set, nstList int64, reproducible bool, maxHours float64, master bool, clock Clock, logger *slog.Logger) *StopHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopHandler{
		sig:          &set[Stop],
		nstList:      nstList,
		reproducible: reproducible,
		maxHours:     maxHours,
		clock:        clock,
		master:       master,
		logger:       logger,
	}
}

// Interrupt records a user interrupt. It is safe to call from any goroutine.
// The first interrupt stops at the next search step, the second at the next step.
func (h *StopHandler) Interrupt() {
	h.interrupts.Add(1)
}

// Propose sets the local stop proposal from pending interrupts and the
// wall-time limit.
func (h *StopHandler) Propose(step int64) {
	if n := h.interrupts.Load(); n > h.handled {
		h.handled = n
		sig := 1
		if n > 1 && !h.reproducible {
			sig = -1
		}
		if sig < h.sig.Sig || h.sig.Sig == 0 {
			h.sig.Sig = sig
		}
		when := "at the next neighbor search step"
		if sig < 0 {
			when = "at the next step"
		}
		h.logger.Info("received interrupt, stopping "+when, slog.Int64("step", step))
	}

	if h.master && h.maxHours > 0 && !h.timedOut && h.sig.Sig == 0 && h.sig.Set == 0 && h.clock != nil {
		limit := time.Duration(h.maxHours * wallTimeFraction * float64(time.Hour))
		if h.clock() > limit {
			h.timedOut = true
			h.sig.Sig = 1
			h.logger.Warn("run time exceeded max-hours, stopping at the next neighbor search step",
				slog.Int64("step", step),
				slog.Float64("max_hours", h.maxHours),
			)
		}
	}
}

// StoppingAfterCurrentStep reports whether the agreed stop ends the run
// after a step with the given search flag.
func (h *StopHandler) StoppingAfterCurrentStep(search bool) bool {
	set := h.sig.Set
	return set < 0 || (set > 0 && (search || h.nstList == 0))
}

// Agreed returns the current agreed stop value.
func (h *StopHandler) Agreed() int { return h.sig.Set }

// CheckpointHandler proposes periodic checkpoints and decides whether the
// current step writes one.
type CheckpointHandler struct {
	sig         *Signal
	periodMin   float64
	nstList     int64
	writeFinal  bool
	clock       Clock
	master      bool
	next        int
	active      bool
	checkpointN bool
}

// NewCheckpointHandler creates a handler. A period of 0 checkpoints at every
// signalling step, a negative period disables periodic checkpoints.
func NewCheckpointHandler(set *Set, periodMinutes float64, nstList int64, writeFinal, master bool, clock Clock) *CheckpointHandler {
	return &CheckpointHandler{
		sig:        &set[Checkpoint],
		periodMin:  periodMinutes,
		nstList:    nstList,
		writeFinal: writeFinal,
		clock:      clock,
		master:     master,
		next:       1,
		active:     periodMinutes >= 0,
	}
}

// Propose raises the local checkpoint proposal when the period elapsed.
// Callers only propose on steps whose signals are communicated.
func (h *CheckpointHandler) Propose() {
	if !h.active || !h.master || h.sig.Sig != 0 || h.sig.Set != 0 {
		return
	}
	if h.periodMin == 0 {
		h.sig.Sig = 1
		return
	}
	if h.clock == nil {
		return
	}
	due := time.Duration(float64(h.next) * h.periodMin * float64(time.Minute))
	if h.clock() >= due {
		h.sig.Sig = 1
		h.next++
	}
}

// Decide reports whether this step writes a checkpoint and consumes the
// agreed signal when it does. The first step never checkpoints.
func (h *CheckpointHandler) Decide(search, first, last bool) bool {
	h.checkpointN = ((h.sig.Set != 0 && (search || h.nstList == 0)) || (last && h.writeFinal)) && !first
	if h.checkpointN {
		h.sig.Set = 0
	}
	return h.checkpointN
}

// ThisStep returns the last decision.
func (h *CheckpointHandler) ThisStep() bool { return h.checkpointN }

// ResetHandler resets performance counters once, halfway through the run.
type ResetHandler struct {
	sig      *Signal
	halfway  bool
	nsteps   int64
	maxHours float64
	clock    Clock
	master   bool
	done     bool
	logger   *slog.Logger
}

func NewResetHandler(set *Set, halfway bool, nsteps int64, maxHours float64, master bool, clock Clock, logger *slog.Logger) *ResetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResetHandler{
		sig:      &set[ResetCounters],
		halfway:  halfway,
		nsteps:   nsteps,
		maxHours: maxHours,
		clock:    clock,
		master:   master,
		logger:   logger,
	}
}

// Propose raises the reset proposal once the run passes its midpoint in
// steps or in wall time.
func (h *ResetHandler) Propose(stepRel int64) {
	if !h.halfway || h.done || !h.master || h.sig.Sig != 0 || h.sig.Set != 0 {
		return
	}
	byStep := h.nsteps > 0 && stepRel >= h.nsteps/2
	byTime := h.maxHours > 0 && h.clock != nil &&
		h.clock() > time.Duration(0.5*h.maxHours*float64(time.Hour))
	if byStep || byTime {
		h.sig.Sig = 1
	}
}

// ResetIfAgreed calls reset once when the reset signal was agreed.
func (h *ResetHandler) ResetIfAgreed(step int64, reset func()) bool {
	if h.done || h.sig.Set == 0 {
		return false
	}
	h.sig.Set = 0
	h.done = true
	reset()
	h.logger.Info("reset performance counters", slog.Int64("step", step))
	return true
}

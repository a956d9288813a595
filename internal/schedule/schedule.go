// Package schedule decides, for every step, which optional sub-computations
// are due. Scheduler.Due is a pure function of the step index, the static
// parameters and the small Carry passed from the previous step.
package schedule

import "github.com/san-kum/mdloop/internal/config"

// MinSignalInterval is the floor on the inter-simulation signalling period in steps.
const MinSignalInterval = 200

// DoPerStep reports whether step is a multiple of a positive interval.
func DoPerStep(step, n int64) bool {
	return n > 0 && step%n == 0
}

// Params is the static schedule derived once from the run configuration.
type Params struct {
	NSteps   int64
	InitStep int64

	NstList       int64
	NstCalcEnergy int64
	NstEnergy     int64
	NstLog        int64
	NstComm       int64
	NstPCouple    int64
	NstGlobalComm int64
	NstXOut       int64
	NstVOut       int64
	NstFEP        int64
	NstDHDL       int64
	NstExpanded   int64
	ReplexPeriod  int64
	NstSwap       int64
	NstSignalComm int64
	Verbose       int64

	Verlet bool
	// HalfStepAverage marks integrators whose kinetic energy is the average
	// of two half-step values.
	HalfStepAverage bool
	NoseHoover      bool
	Barostat        bool
	COMRemoval      bool
	FEP             bool
	Expanded        bool
	NewSimulation   bool
	ShareState      bool
}

// FromConfig derives the schedule. shareState reports whether signals are
// shared between cooperating simulations.
func FromConfig(cfg *config.RunConfig, shareState bool) Params {
	iv := cfg.Intervals
	nstglobalcomm := GlobalCommPeriod(cfg)
	p := Params{
		NSteps:          cfg.NSteps,
		InitStep:        cfg.InitStep,
		NstList:         iv.NstList,
		NstCalcEnergy:   iv.NstCalcEnergy,
		NstEnergy:       iv.NstEnergy,
		NstLog:          iv.NstLog,
		NstComm:         iv.NstComm,
		NstPCouple:      iv.NstPCouple,
		NstGlobalComm:   nstglobalcomm,
		NstXOut:         iv.NstXOut,
		NstVOut:         iv.NstVOut,
		NstDHDL:         cfg.FreeEnergy.NstDHDL,
		NstSwap:         cfg.Swap.NstSwap,
		Verbose:         cfg.Verbose,
		Verlet:          cfg.IsVerlet(),
		HalfStepAverage: cfg.Integrator == config.IntegratorMD || cfg.Integrator == config.IntegratorVVAvek,
		NoseHoover:      cfg.Coupling.Thermostat == config.ThermostatNoseHoov,
		Barostat:        cfg.Coupling.Barostat != config.BarostatNone,
		COMRemoval:      cfg.CommMode != config.CommModeNone,
		FEP:             cfg.UsesFEP(),
		Expanded:        cfg.Expanded.Enabled,
		NewSimulation:   !cfg.Continuation,
		ShareState:      shareState,
		NstSignalComm:   SignalInterval(nstglobalcomm, shareState),
	}
	if cfg.Expanded.Enabled {
		p.NstExpanded = cfg.Expanded.NstExpanded
	}
	if cfg.UsesReplicaExchange() {
		p.ReplexPeriod = cfg.ReplicaExchange.Interval
	}
	if p.FEP {
		p.NstFEP = gcd(gcd(p.NstDHDL, p.NstExpanded), p.ReplexPeriod)
	}
	return p
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// GlobalCommPeriod returns nstglobalcomm: the explicit setting when positive,
// otherwise the largest common divisor of the active periodic intervals.
func GlobalCommPeriod(cfg *config.RunConfig) int64 {
	iv := cfg.Intervals
	if iv.NstGlobalComm > 0 {
		return iv.NstGlobalComm
	}
	var n int64
	n = gcd(n, max(iv.NstCalcEnergy, 0))
	n = gcd(n, max(iv.NstList, 0))
	if cfg.Coupling.Thermostat != config.ThermostatNone {
		n = gcd(n, max(iv.NstTCouple, 0))
	}
	if cfg.Coupling.Barostat != config.BarostatNone {
		n = gcd(n, max(iv.NstPCouple, 0))
	}
	if n == 0 {
		n = 10
		if iv.NstEnergy > 0 && iv.NstEnergy < n {
			n = iv.NstEnergy
		}
	}
	return n
}

// SignalInterval is the period of inter-simulation signalling: the signal
// floor rounded up to a multiple of nstglobalcomm when simulations share
// state, otherwise nstglobalcomm itself.
func SignalInterval(nstglobalcomm int64, shareState bool) int64 {
	if nstglobalcomm <= 0 {
		nstglobalcomm = 1
	}
	if !shareState {
		return nstglobalcomm
	}
	return (MinSignalInterval + nstglobalcomm - 1) / nstglobalcomm * nstglobalcomm
}

// Carry holds the few values the schedule needs from the previous step.
type Carry struct {
	// Exchanged is set when the previous step ended with a replica exchange
	// or a coordinate swap.
	Exchanged       bool
	NeedRepartition bool
	// StopSignal is the agreed stop value from the last completed reduction.
	StopSignal int
}

// StepContext is the per-step plan. It is recomputed every iteration.
type StepContext struct {
	Step    int64
	StepRel int64
	Time    float64

	First             bool
	Last              bool
	Search            bool
	NStList           bool
	Log               bool
	Energy            bool
	CalcEnerStep      bool
	CalcEnergy        bool
	CalcVirial        bool
	GlobalReduction   bool
	StopCM            bool
	DoFEP             bool
	DoDHDL            bool
	DoExpanded        bool
	DoReplicaExchange bool
	DoSwap            bool
	NeedHalfStepKE    bool
	InterSimSignal    bool
	WriteCoordinates  bool
	WriteVelocities   bool
	TuneLongRange     bool
	Verbose           bool
	Exchanged         bool

	// Checkpoint is decided by the checkpoint handler after Due returns.
	Checkpoint bool
}

type Scheduler struct {
	p  Params
	dt float64
}

func New(p Params, dt float64) *Scheduler {
	return &Scheduler{p: p, dt: dt}
}

func (s *Scheduler) Params() Params { return s.p }

// stoppingAfter reports whether an agreed stop value ends the run after a
// step with the given search flag.
func (s *Scheduler) stoppingAfter(stop int, search bool) bool {
	return stop < 0 || (stop > 0 && (search || s.p.NstList == 0))
}

// Due computes the plan for stepRel steps after the initial step.
func (s *Scheduler) Due(stepRel int64, carry Carry) StepContext {
	ctx := s.plan(stepRel, carry, stepRel == 0)
	ctx.NeedHalfStepKE = s.p.HalfStepAverage && s.GlobalReductionDue(stepRel+1, carry.StopSignal)
	return ctx
}

// GlobalReductionDue evaluates the predictable reduction triggers of a
// future step: periodic intervals, the last step and an already agreed stop.
func (s *Scheduler) GlobalReductionDue(stepRel int64, stop int) bool {
	if s.p.NSteps >= 0 && stepRel > s.p.NSteps {
		return false
	}
	return s.plan(stepRel, Carry{StopSignal: stop}, stepRel == 0).GlobalReduction
}

func (s *Scheduler) plan(stepRel int64, carry Carry, first bool) StepContext {
	p := s.p
	step := p.InitStep + stepRel
	c := StepContext{
		Step:      step,
		StepRel:   stepRel,
		Time:      float64(step) * s.dt,
		First:     first,
		Exchanged: carry.Exchanged,
	}

	c.NStList = DoPerStep(step, p.NstList)
	c.Search = first || c.NStList || carry.Exchanged || carry.NeedRepartition
	c.Last = (p.NSteps >= 0 && stepRel == p.NSteps) || s.stoppingAfter(carry.StopSignal, c.Search)

	c.Log = DoPerStep(step, p.NstLog) || (first && p.NewSimulation) || c.Last
	c.Energy = DoPerStep(step, p.NstEnergy) || c.Last
	c.Verbose = p.Verbose > 0 && (DoPerStep(step, p.Verbose) || first || c.Last)

	c.DoReplicaExchange = p.ReplexPeriod > 0 && step > 0 && !c.Last && DoPerStep(step, p.ReplexPeriod)
	c.DoExpanded = p.Expanded && step > 0 && p.NewSimulation && DoPerStep(step, p.NstExpanded)
	c.DoSwap = p.NstSwap > 0 && step > 0 && !c.Last && DoPerStep(step, p.NstSwap)
	c.DoFEP = p.FEP && DoPerStep(step, p.NstFEP)
	c.DoDHDL = p.FEP && DoPerStep(step, p.NstDHDL)

	c.CalcEnerStep = DoPerStep(step, p.NstCalcEnergy)
	c.CalcVirial = c.CalcEnerStep || (p.Barostat && DoPerStep(step, p.NstPCouple))
	if p.Verlet && !first {
		c.CalcVirial = c.CalcVirial || (p.Barostat && DoPerStep(step-1, p.NstPCouple))
	}
	c.CalcEnergy = c.CalcEnerStep || c.DoExpanded || c.DoDHDL
	if c.Energy || c.Log || c.DoReplicaExchange {
		c.CalcVirial = true
		c.CalcEnergy = true
	}

	c.StopCM = p.COMRemoval && DoPerStep(step, p.NstComm)
	c.GlobalReduction = c.CalcVirial || c.CalcEnergy || c.StopCM ||
		DoPerStep(step, p.NstGlobalComm) ||
		(p.Verlet && p.NoseHoover && DoPerStep(step-1, p.NstGlobalComm))

	c.InterSimSignal = p.ShareState && DoPerStep(step, p.NstSignalComm)
	c.WriteCoordinates = DoPerStep(step, p.NstXOut)
	c.WriteVelocities = DoPerStep(step, p.NstVOut)
	c.TuneLongRange = c.NStList
	return c
}

// StoppingAfterCurrentStep reports whether an agreed stop ends the run after this step.
func (s *Scheduler) StoppingAfterCurrentStep(stop int, search bool) bool {
	return s.stoppingAfter(stop, search)
}

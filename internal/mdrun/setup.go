// Package mdrun drives a molecular dynamics run. New builds the step
// components of one rank from a configuration; Runner.Run executes the
// step loop. RunRanks and RunReplicas run several ranks, and several
// cooperating simulations, concurrently in-process.
package mdrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/san-kum/mdloop/internal/accel"
	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/constraint"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/ensemble"
	"github.com/san-kum/mdloop/internal/force"
	"github.com/san-kum/mdloop/internal/integrator"
	"github.com/san-kum/mdloop/internal/loadbal"
	"github.com/san-kum/mdloop/internal/metrics"
	"github.com/san-kum/mdloop/internal/partition"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/schedule"
	"github.com/san-kum/mdloop/internal/signals"
	"github.com/san-kum/mdloop/internal/storage"
	"github.com/san-kum/mdloop/internal/telemetry"
)

// largeOutput is the trajectory size above which setup warns.
const largeOutput = 1 << 30

// Output receives what the coordinating rank writes. *storage.Run
// implements it.
type Output interface {
	WriteEnergy(a reduce.EnergyAccumulator) error
	WriteFrame(g *dynamo.GlobalSnapshot) error
	WriteCheckpoint(cp *storage.Checkpoint) error
	WriteConfout(g *dynamo.GlobalSnapshot) error
}

// Setup is everything one rank needs to run.
type Setup struct {
	Config   *config.RunConfig
	Topology *dynamo.Topology
	// Initial is the full starting state; every rank gets the same one.
	Initial *dynamo.GlobalSnapshot
	// InitialEkin restores the kinetic energy bookkeeping of a continued run.
	InitialEkin *reduce.EkinState
	// Provider is owned by the run: Init in New, Shutdown when Run returns.
	Provider force.Provider

	Comm comm.Communicator
	// Multi connects the coordinating ranks of cooperating simulations. It
	// is nil on the other ranks and for a lone simulation.
	Multi   comm.Communicator
	Replica int

	// Device runs the offloaded update; nil picks one.
	Device accel.Device
	// Swapper, Steering and EssentialDynamics default to no-ops. All ranks
	// of a simulation must get steering sessions with the same publishing
	// period; sharing one *ensemble.Session is the usual way.
	Swapper           ensemble.Swapper
	Steering          ensemble.Steering
	EssentialDynamics ensemble.EssentialDynamics

	// Output is written by the coordinating rank only; nil writes nothing.
	Output    Output
	Observers []Observer
	Metrics   []metrics.Metric
	// Interrupts requests a graceful stop per received value.
	Interrupts <-chan struct{}

	Clock  signals.Clock
	Logger *slog.Logger
}

// Runner owns the components of one rank for one run.
type Runner struct {
	cfg         *config.RunConfig
	top         *dynamo.Topology
	initial     *dynamo.GlobalSnapshot
	initialEkin *reduce.EkinState
	provider    force.Provider
	comm        comm.Communicator
	multi       comm.Communicator
	replica     int
	master      bool
	output      Output
	interrupts  <-chan struct{}
	logger      *slog.Logger

	sched     *schedule.Scheduler
	signaller *signals.Signaller
	stop      *signals.StopHandler
	cpt       *signals.CheckpointHandler
	reset     *signals.ResetHandler
	integ     *integrator.Integrator
	reducer   *reduce.Reducer
	ctrl      *partition.Controller
	slab      *partition.Slab
	halo      *partition.Halo
	balancer  *loadbal.Balancer
	replex    *ensemble.ReplicaExchange
	expanded  *ensemble.ExpandedEnsemble
	swapper   ensemble.Swapper
	steering  ensemble.Steering
	ed        ensemble.EssentialDynamics
	pipeline  *accel.Pipeline
	foreign   []dynamo.Lambda

	metrics   []metrics.Metric
	observers []Observer

	ls      *dynamo.LocalState
	global  *dynamo.GlobalSnapshot
	pending *dynamo.GlobalSnapshot
	last    reduce.Totals
	acc     reduce.EnergyAccumulator
	avg     reduce.Averages

	counters     Counters
	vOnHost      bool
	prevReduced  bool
	checkBondeds bool
	lastSearch   time.Time
	ran          bool
	result       *Result
}

// New validates the setup, builds the components and initialises the
// force provider.
func New(ctx context.Context, s Setup) (*Runner, error) {
	ctx, span := telemetry.StartSpan(ctx, "mdrun.setup", attribute.Int("replica", s.Replica))
	defer span.End()
	r, err := newRunner(ctx, s)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return r, nil
}

func newRunner(ctx context.Context, s Setup) (*Runner, error) {
	if s.Config == nil || s.Topology == nil || s.Initial == nil || s.Provider == nil {
		return nil, fmt.Errorf("%w: a run needs a config, a topology, an initial state and a force provider", dynamo.ErrConfig)
	}
	c := s.Comm
	if c == nil {
		c = comm.Self{}
	}
	cfg := *s.Config
	cfg.Ranks = c.Size()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	top := s.Topology
	if err := cfg.ValidateSystem(top); err != nil {
		return nil, err
	}
	if n := top.NumAtoms(); len(s.Initial.X) != n || len(s.Initial.V) != n {
		return nil, fmt.Errorf("%w: initial state has %d atoms, the topology %d",
			dynamo.ErrInvalidState, len(s.Initial.X), n)
	}
	if !s.Initial.Box.IsValid() {
		return nil, fmt.Errorf("%w: initial box is not a valid triclinic box", dynamo.ErrInvalidState)
	}

	master := comm.IsMaster(c)
	replex := cfg.UsesReplicaExchange()
	if replex {
		if s.Replica < 0 || s.Replica >= cfg.Replicas() {
			return nil, fmt.Errorf("%w: replica %d of %d", dynamo.ErrConfig, s.Replica, cfg.Replicas())
		}
		if master && s.Multi == nil {
			return nil, fmt.Errorf("%w: replica exchange needs a multi-simulation communicator", dynamo.ErrConfig)
		}
		cfg.Coupling.RefT = cfg.ReplicaExchange.Temperatures[s.Replica]
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.Int("rank", c.Rank()))
	if cfg.Replicas() > 1 {
		logger = logger.With(slog.Int("replica", s.Replica))
	}

	r := &Runner{
		cfg:         &cfg,
		top:         top,
		initial:     s.Initial,
		initialEkin: s.InitialEkin,
		provider:    s.Provider,
		comm:        c,
		replica:     s.Replica,
		master:      master,
		output:      s.Output,
		interrupts:  s.Interrupts,
		logger:      logger,
		metrics:     append([]metrics.Metric(nil), s.Metrics...),
		observers:   append([]Observer(nil), s.Observers...),
	}
	if master {
		r.multi = s.Multi
	}

	shareState := ensemble.ShareState(replex, cfg.EnsembleRestr, cfg.SharedBias)
	r.sched = schedule.New(schedule.FromConfig(&cfg, shareState), cfg.Dt)

	clock := s.Clock
	if clock == nil {
		clock = signals.SinceClock(time.Now())
	}
	set := signals.NewSet()
	nstList := cfg.Intervals.NstList
	r.signaller = signals.NewSignaller(set, c, r.multi, shareState)
	r.stop = signals.NewStopHandler(set, nstList, cfg.Reproducible, cfg.MaxHours, master, clock, logger)
	r.cpt = signals.NewCheckpointHandler(set, cfg.CheckpointPeriod, nstList, cfg.CheckpointPeriod >= 0, master, clock)
	r.reset = signals.NewResetHandler(set, cfg.ResetHalfway, cfg.NSteps, cfg.MaxHours, master, clock, logger)

	ndf := top.DegreesOfFreedom(cfg.CommMode != config.CommModeNone)
	integ, err := integrator.New(&cfg, top, ndf, s.Initial.Box.Volume(), integrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	r.integ = integ

	nForeign := 0
	if cfg.UsesFEP() {
		nForeign = len(cfg.FreeEnergy.Lambdas)
		r.foreign = ensemble.ForeignLambdas(cfg.FreeEnergy.Lambdas)
	}
	r.reducer = reduce.New(c, top, ndf, nForeign,
		reduce.WithPhaseGuard(integ.Machine()),
		reduce.WithLogger(logger),
		reduce.WithObserver(func(f reduce.Flags) {
			telemetry.ReductionsTotal.WithLabelValues(reductionKind(f)).Inc()
		}),
	)

	r.ctrl = partition.NewController(c.Size())
	r.slab = partition.NewSlab(top, 0)
	r.halo = partition.NewHalo(top.NumAtoms())

	if tun, ok := s.Provider.(force.Tunable); ok && loadbal.Active(&cfg) {
		r.balancer = loadbal.New(&cfg, c, tun,
			loadbal.WithLogger(logger),
			loadbal.WithStateHook(func(st loadbal.State) { telemetry.LoadBalanceState.Set(float64(st)) }),
		)
	}

	if replex && master {
		r.replex, err = ensemble.NewReplicaExchange(r.multi, cfg.ReplicaExchange.Temperatures, cfg.Seed, logger)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Expanded.Enabled {
		r.expanded, err = ensemble.NewExpandedEnsemble(&cfg, cfg.Seed, logger)
		if err != nil {
			return nil, err
		}
	}

	r.swapper = s.Swapper
	if r.swapper == nil {
		if cfg.Swap.NstSwap > 0 {
			r.swapper = &ensemble.CompartmentSwapper{Top: top, Requested: cfg.Swap.Requested, Threshold: cfg.Swap.Threshold}
		} else {
			r.swapper = ensemble.NoSwap{}
		}
	}
	r.steering = s.Steering
	if r.steering == nil {
		r.steering = ensemble.NoSteering{}
	}
	r.ed = s.EssentialDynamics
	if r.ed == nil {
		r.ed = ensemble.NoEssentialDynamics{}
	}

	if cfg.Offload.Update {
		dev := s.Device
		if dev == nil {
			dev = accel.AutoSelect()
		}
		var cons constraint.Solver
		if len(top.Constraints) > 0 {
			cons = constraint.NewShake(top, cfg.Constraints.Tolerance, cfg.Constraints.MaxIter)
		}
		r.pipeline = accel.NewPipeline(dev, top, cons,
			accel.WithLogger(logger),
			accel.WithReinitHook(func(int) { telemetry.BufferReinitsTotal.Inc() }),
		)
	}

	if err := s.Provider.Init(ctx, top); err != nil {
		if r.pipeline != nil {
			r.pipeline.Close()
		}
		return nil, fmt.Errorf("init provider %s: %w", s.Provider.Name(), err)
	}
	return r, nil
}

func reductionKind(f reduce.Flags) string {
	switch {
	case f.Has(reduce.Energy):
		return "energy"
	case f.Has(reduce.Temperature):
		return "temperature"
	case f.Has(reduce.StopCM):
		return "com"
	}
	return "signals"
}

func (r *Runner) AddMetric(m metrics.Metric) { r.metrics = append(r.metrics, m) }

func (r *Runner) AddObserver(o Observer) { r.observers = append(r.observers, o) }

// Config is the effective configuration of this rank.
func (r *Runner) Config() *config.RunConfig { return r.cfg }

// Interrupt asks the run to stop at the next search step; a second call
// stops at the next step. Safe from any goroutine.
func (r *Runner) Interrupt() { r.stop.Interrupt() }

// setupState distributes the initial state and runs the setup reductions.
func (r *Runner) setupState(ctx context.Context) error {
	cfg := r.cfg
	step := cfg.InitStep

	g := r.initial.Clone()
	g.Step, g.Time = step, float64(step)*cfg.Dt
	if cfg.UsesFEP() && !cfg.Continuation {
		g.FEPState = cfg.FreeEnergy.InitState
		g.Lambda = ensemble.LambdaVector(cfg.FreeEnergy.Lambdas, g.FEPState)
	}
	if cfg.Expanded.Enabled && len(g.DF.Visits) == 0 {
		ensemble.InitHistory(&g.DF, len(cfg.FreeEnergy.Lambdas), cfg.Expanded.Weights)
	}
	a, err := r.slab.Repartition(g, r.comm.Size())
	if err != nil {
		return dynamo.Fatal(step, dynamo.ProtoRepartition, err)
	}
	r.ls = &dynamo.LocalState{}
	partition.Apply(r.ls, g, a, r.comm.Rank())
	r.integ.SetNumAtoms(r.ls)
	r.global = dynamo.NewGlobalSnapshot(r.top.NumAtoms())
	r.vOnHost = true

	if !cfg.Continuation {
		if err := r.integ.ConstrainStart(step, r.ls); err != nil {
			return err
		}
	}
	if err := r.integ.ConstructVSites(step, r.ls); err != nil {
		return err
	}

	// Two passes: the temperature is computed after the COM motion is gone.
	in := reduce.Input{Step: step - 1, State: r.ls}
	if r.sched.Params().COMRemoval {
		if _, err := r.reducer.Reduce(ctx, in, reduce.GStat|reduce.StopCM); err != nil {
			return err
		}
	}
	flags := reduce.GStat | reduce.Temperature
	switch r.integ.Kind() {
	case integrator.KindVelocityVerlet:
		flags |= reduce.FullStepKE
	case integrator.KindVelocityVerletAvek:
		if r.restoreEkin(step) {
			flags |= reduce.ReadEkin
		}
	}
	t, err := r.reducer.Reduce(ctx, in, flags)
	if err != nil {
		return err
	}
	r.last = t
	r.prevReduced = true
	r.checkBondeds = true

	if r.master {
		r.logger.Info("initial temperature", slog.Float64("temperature", t.Temperature))
		if iv := cfg.Intervals.NstXOut; iv > 0 && cfg.NSteps > 0 {
			// a frame is roughly 2 vectors of 3 numbers of 20 characters per atom
			size := (cfg.NSteps/iv + 1) * int64(r.top.NumAtoms()) * 120
			if size > largeOutput {
				r.logger.Warn("the trajectory output will be large",
					slog.Int64("estimated_bytes", size),
					slog.Int64("nstxout", iv))
			}
		}
		if err := ensemble.CheckStepCounts(ctx, r.multi, cfg.NSteps, cfg.InitStep, r.logger); err != nil {
			return dynamo.Fatal(step, dynamo.ProtoSignal, err)
		}
	}
	return nil
}

// restoreEkin reinstates the half-step kinetic energy of the step before a
// continuation. Leap-frog and plain velocity Verlet recompute it exactly
// from the restored velocities; the averaging integrator needs the stored
// value, and only a reduced value of step-1 is usable.
func (r *Runner) restoreEkin(step int64) bool {
	if r.initialEkin == nil {
		return false
	}
	ek := *r.initialEkin
	if !ek.HaveEkinh || !ek.EkinhSummed || ek.EkinhStep != step-1 {
		r.logger.Warn("stored kinetic energy does not match the restart step, recomputing it",
			slog.Int64("step", step),
			slog.Int64("stored_step", ek.EkinhStep))
		return false
	}
	ek.HaveEkinhOld = false
	r.reducer.RestoreEkinState(ek)
	return true
}

// Package experiment turns a run configuration into a running simulation:
// it builds the system, creates one force provider per rank and dispatches
// to the single, multi-rank or replica runner.
package experiment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/reduce"
)

type Config struct {
	Run *config.RunConfig
	// Initial replaces the built starting state, for continuations. The
	// topology is still built from Run.System.
	Initial     *dynamo.GlobalSnapshot
	InitialEkin *reduce.EkinState

	// Output returns the writer of one replica; nil writes nothing.
	Output     func(replica int) mdrun.Output
	Observers  []mdrun.Observer
	Interrupts <-chan struct{}
	Logger     *slog.Logger
}

type Experiment struct {
	cfg      Config
	registry *Registry
	top      *dynamo.Topology
	initial  *dynamo.GlobalSnapshot
}

func New(reg *Registry, cfg Config) *Experiment {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Experiment{cfg: cfg, registry: reg}
}

// Setup builds and checks the system. Run calls it when needed.
func (e *Experiment) Setup() error {
	rc := e.cfg.Run
	if rc == nil {
		return fmt.Errorf("%w: experiment has no run configuration", dynamo.ErrConfig)
	}
	if err := rc.Validate(); err != nil {
		return err
	}
	b, err := e.registry.GetModel(rc.Model)
	if err != nil {
		return err
	}
	if _, err := e.registry.GetProvider(rc); err != nil {
		return err
	}
	top, initial, err := b.Build(rc.System, rc.Seed)
	if err != nil {
		return err
	}
	if e.cfg.Initial != nil {
		if len(e.cfg.Initial.X) != top.NumAtoms() {
			return fmt.Errorf("%w: initial state has %d atoms, %s has %d",
				dynamo.ErrInvalidState, len(e.cfg.Initial.X), rc.Model, top.NumAtoms())
		}
		initial = e.cfg.Initial
	}
	if err := rc.ValidateSystem(top); err != nil {
		return err
	}
	e.top, e.initial = top, initial
	return nil
}

// SetOutput sets the writer factory; fn is called once per replica.
func (e *Experiment) SetOutput(fn func(replica int) mdrun.Output) { e.cfg.Output = fn }

func (e *Experiment) AddObserver(o mdrun.Observer) {
	e.cfg.Observers = append(e.cfg.Observers, o)
}

func (e *Experiment) SetInterrupts(ch <-chan struct{}) { e.cfg.Interrupts = ch }

func (e *Experiment) Topology() *dynamo.Topology { return e.top }

func (e *Experiment) Initial() *dynamo.GlobalSnapshot { return e.initial }

// Replicas is the number of cooperating simulations the configuration asks for.
func (e *Experiment) Replicas() int { return e.cfg.Run.Replicas() }

// Run executes the experiment and returns the result of every simulation,
// in replica order.
func (e *Experiment) Run(ctx context.Context) ([]*mdrun.Result, error) {
	if e.top == nil {
		if err := e.Setup(); err != nil {
			return nil, err
		}
	}
	ranks := e.cfg.Run.Ranks
	if ranks < 1 {
		ranks = 1
	}
	n := e.Replicas()
	e.cfg.Logger.Info("starting experiment",
		slog.String("model", e.cfg.Run.Model),
		slog.String("provider", e.cfg.Run.Provider),
		slog.Int("atoms", e.top.NumAtoms()),
		slog.Int("ranks", ranks),
		slog.Int("replicas", n))

	if n == 1 {
		res, err := mdrun.RunRanks(ctx, ranks, func(rank int, _ comm.Communicator) (mdrun.Setup, error) {
			return e.setup(0, rank)
		})
		if err != nil {
			return nil, err
		}
		return []*mdrun.Result{res}, nil
	}
	return mdrun.RunReplicas(ctx, n, ranks, func(replica, rank int, _, _ comm.Communicator) (mdrun.Setup, error) {
		return e.setup(replica, rank)
	})
}

func (e *Experiment) setup(replica, rank int) (mdrun.Setup, error) {
	rc := e.cfg.Run
	p, err := e.registry.GetProvider(rc)
	if err != nil {
		return mdrun.Setup{}, err
	}
	s := mdrun.Setup{
		Config:      rc,
		Topology:    e.top,
		Initial:     e.initial,
		InitialEkin: e.cfg.InitialEkin,
		Provider:    p,
		Observers:   e.cfg.Observers,
		Metrics:     e.registry.DefaultMetrics(rc),
		Logger:      e.cfg.Logger,
	}
	if rank == 0 {
		if e.cfg.Output != nil {
			s.Output = e.cfg.Output(replica)
		}
		// one rank receives the interrupts; the stop is agreed by signalling
		if replica == 0 {
			s.Interrupts = e.cfg.Interrupts
		}
	}
	return s, nil
}

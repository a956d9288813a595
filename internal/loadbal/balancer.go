// Package loadbal tunes the long-range cutoff and grid spacing of a
// tunable force provider. Each candidate setup is timed over a few search
// intervals; the slowest rank's time counts. The cheapest setup wins and
// stays for the rest of the run.
package loadbal

import (
	"context"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/force"
)

type State uint8

const (
	Inactive State = iota
	Tuning
	Converged
)

func (s State) String() string {
	switch s {
	case Tuning:
		return "tuning"
	case Converged:
		return "converged"
	}
	return "inactive"
}

// DefaultScales are the cutoff multipliers tried in order.
var DefaultScales = []float64{1.0, 1.1, 1.2, 1.3}

const defaultStagesPerSetup = 2

// Active reports whether a run tunes its long-range setup.
func Active(cfg *config.RunConfig) bool {
	return cfg.LongRange.Tune && cfg.LongRange.Type == config.LongRangePME &&
		cfg.Offload.PME && !cfg.Reproducible
}

type Option func(*Balancer)

func WithLogger(l *slog.Logger) Option { return func(b *Balancer) { b.logger = l } }

func WithScales(s ...float64) Option { return func(b *Balancer) { b.scales = s } }

func WithStagesPerSetup(n int) Option { return func(b *Balancer) { b.stages = n } }

// WithStateHook is called on every state transition.
func WithStateHook(fn func(State)) Option { return func(b *Balancer) { b.onState = fn } }

type Balancer struct {
	c      comm.Communicator
	target force.Tunable
	logger *slog.Logger

	scales     []float64
	stages     int
	candidates []force.LongRangeSetup
	cost       []float64
	samples    []int
	cur        int
	started    bool
	state      State
	onState    func(State)
}

// New returns an inactive balancer unless the run tunes and target is
// non-nil.
func New(cfg *config.RunConfig, c comm.Communicator, target force.Tunable, opts ...Option) *Balancer {
	b := &Balancer{c: c, target: target, scales: DefaultScales, stages: defaultStagesPerSetup}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.stages < 1 {
		b.stages = 1
	}
	if !Active(cfg) || target == nil || len(b.scales) == 0 {
		return b
	}
	base := target.LongRange()
	for _, s := range b.scales {
		b.candidates = append(b.candidates, force.LongRangeSetup{
			CutoffScale: base.CutoffScale * s,
			GridSpacing: base.GridSpacing * s,
		})
	}
	b.cost = make([]float64, len(b.candidates))
	b.samples = make([]int, len(b.candidates))
	b.state = Tuning
	return b
}

func (b *Balancer) State() State { return b.state }

// Setup is the setup currently applied to the provider.
func (b *Balancer) Setup() force.LongRangeSetup {
	if b.target == nil {
		return force.LongRangeSetup{}
	}
	return b.target.LongRange()
}

func (b *Balancer) transition(s State) {
	if s == b.state {
		return
	}
	b.state = s
	if b.onState != nil {
		b.onState(s)
	}
}

// Step feeds the wall time spent since the previous search step. It only
// acts on search steps and must be called by every rank on the same steps.
func (b *Balancer) Step(ctx context.Context, step int64, searchStep bool, cost time.Duration) error {
	if b.state != Tuning || !searchStep {
		return nil
	}
	if !b.started {
		// the interval before the first search step includes setup
		b.started = true
		b.target.SetLongRange(b.candidates[0])
		return nil
	}
	buf := []float64{cost.Seconds()}
	if err := b.c.AllReduceMax(ctx, buf); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoLoadBalance, err)
	}
	b.cost[b.cur] += buf[0]
	b.samples[b.cur]++
	if b.samples[b.cur] < b.stages {
		return nil
	}

	b.cur++
	if b.cur < len(b.candidates) {
		b.target.SetLongRange(b.candidates[b.cur])
		b.logger.Debug("trying long-range setup",
			slog.Int64("step", step),
			slog.Float64("cutoff_scale", b.candidates[b.cur].CutoffScale))
		return nil
	}

	avg := make([]float64, len(b.cost))
	for i := range avg {
		avg[i] = b.cost[i] / float64(b.samples[i])
	}
	best := floats.MinIdx(avg)
	b.target.SetLongRange(b.candidates[best])
	b.transition(Converged)
	b.logger.Info("long-range tuning converged",
		slog.Int64("step", step),
		slog.Float64("cutoff_scale", b.candidates[best].CutoffScale),
		slog.Float64("grid_spacing", b.candidates[best].GridSpacing),
		slog.Float64("seconds_per_interval", avg[best]))
	return nil
}

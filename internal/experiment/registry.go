package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/force"
	"github.com/san-kum/mdloop/internal/metrics"
	"github.com/san-kum/mdloop/internal/models"
)

// Builder creates the topology and starting state of a system.
type Builder interface {
	Name() string
	Build(sys config.SystemConfig, seed int64) (*dynamo.Topology, *dynamo.GlobalSnapshot, error)
}

type Registry struct {
	models    map[string]func() Builder
	providers map[string]func(cfg *config.RunConfig) force.Provider
}

func NewRegistry() *Registry {
	r := &Registry{
		models:    make(map[string]func() Builder),
		providers: make(map[string]func(*config.RunConfig) force.Provider),
	}

	r.models["lj-fluid"] = func() Builder { return models.NewLJFluid() }
	r.models["diatomic"] = func() Builder { return models.NewDiatomic() }

	r.providers["pair"] = func(cfg *config.RunConfig) force.Provider {
		return force.NewPair(cfg.LongRange)
	}
	r.providers["external-lj"] = func(*config.RunConfig) force.Provider {
		return force.NewExternal("external-lj", force.ArgonEvaluator())
	}

	return r
}

// RegisterModel adds or replaces a system builder.
func (r *Registry) RegisterModel(name string, fn func() Builder) {
	r.models[name] = fn
}

// RegisterProvider adds or replaces a force provider. The factory is
// called once per rank.
func (r *Registry) RegisterProvider(name string, fn func(cfg *config.RunConfig) force.Provider) {
	r.providers[name] = fn
}

func (r *Registry) GetModel(name string) (Builder, error) {
	fn, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model: %s", dynamo.ErrConfig, name)
	}
	return fn(), nil
}

func (r *Registry) GetProvider(cfg *config.RunConfig) (force.Provider, error) {
	fn, ok := r.providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider: %s", dynamo.ErrConfig, cfg.Provider)
	}
	return fn(cfg), nil
}

func (r *Registry) ListModels() []string {
	return sortedKeys(r.models)
}

func (r *Registry) ListProviders() []string {
	return sortedKeys(r.providers)
}

// DefaultMetrics is a fresh metric set for one rank.
func (r *Registry) DefaultMetrics(cfg *config.RunConfig) []metrics.Metric {
	ms := []metrics.Metric{
		metrics.NewEnergy(),
		metrics.NewConservedDrift(),
		metrics.NewStability(1e6),
	}
	if cfg.Coupling.Thermostat != config.ThermostatNone {
		ms = append(ms, metrics.NewTemperatureDeviation(cfg.Coupling.RefT))
	}
	return ms
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

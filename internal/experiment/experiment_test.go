package experiment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func smallRun(nsteps int64) *config.RunConfig {
	cfg := config.DefaultConfig()
	cfg.NSteps = nsteps
	cfg.System.Molecules = 27
	cfg.LongRange.Cutoff = 0.6
	cfg.Intervals.NstCalcEnergy = 5
	cfg.Intervals.NstEnergy = 5
	cfg.Intervals.NstLog = 0
	cfg.CheckpointPeriod = -1
	cfg.WriteConfout = false
	return cfg
}

type energyLog struct {
	mu    sync.Mutex
	steps map[int][]int64
}

type replicaLog struct {
	log     *energyLog
	replica int
}

func (r replicaLog) WriteEnergy(a reduce.EnergyAccumulator) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.log.steps[r.replica] = append(r.log.steps[r.replica], a.Step)
	return nil
}

func (replicaLog) WriteFrame(*dynamo.GlobalSnapshot) error   { return nil }
func (replicaLog) WriteCheckpoint(*storage.Checkpoint) error { return nil }
func (replicaLog) WriteConfout(*dynamo.GlobalSnapshot) error { return nil }

func TestRegistryLists(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"diatomic", "lj-fluid"}, reg.ListModels())
	assert.Equal(t, []string{"external-lj", "pair"}, reg.ListProviders())

	_, err := reg.GetModel("pendulum")
	assert.ErrorIs(t, err, dynamo.ErrConfig)

	cfg := config.DefaultConfig()
	cfg.Provider = "nope"
	_, err = reg.GetProvider(cfg)
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}

func TestProviderPerRank(t *testing.T) {
	reg := NewRegistry()
	cfg := config.DefaultConfig()
	a, err := reg.GetProvider(cfg)
	require.NoError(t, err)
	b, err := reg.GetProvider(cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, "pair", a.Name())
}

func TestDefaultMetrics(t *testing.T) {
	reg := NewRegistry()
	cfg := config.DefaultConfig()
	assert.Len(t, reg.DefaultMetrics(cfg), 3)

	cfg.Coupling.Thermostat = config.ThermostatBerend
	names := []string{}
	for _, m := range reg.DefaultMetrics(cfg) {
		names = append(names, m.Name())
	}
	assert.Contains(t, names, "temperature_deviation")
}

func TestRunSingle(t *testing.T) {
	e := New(NewRegistry(), Config{Run: smallRun(20), Logger: quiet})
	require.NoError(t, e.Setup())
	assert.Equal(t, 27, e.Topology().NumAtoms())
	assert.Equal(t, 1, e.Replicas())

	results, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, int64(20), res.LastStep)
	assert.Contains(t, res.Metrics, "energy")
	assert.Contains(t, res.Metrics, "conserved_drift")
	assert.Equal(t, 1.0, res.Metrics["stability"])
}

func TestRunRanksMatchesSingle(t *testing.T) {
	one, err := New(NewRegistry(), Config{Run: smallRun(20), Logger: quiet}).Run(context.Background())
	require.NoError(t, err)

	cfg := smallRun(20)
	cfg.Ranks = 2
	two, err := New(NewRegistry(), Config{Run: cfg, Logger: quiet}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, two[0].Final.X, len(one[0].Final.X))
	for i := range one[0].Final.X {
		assert.InDelta(t, 0, one[0].Final.X[i].Sub(two[0].Final.X[i]).Norm(), 1e-9, "atom %d", i)
	}
}

func TestRunReplicasWritesPerReplica(t *testing.T) {
	cfg := smallRun(20)
	cfg.ReplicaExchange = config.ReplexConfig{Interval: 10, Temperatures: []float64{300, 310}}
	log := &energyLog{steps: map[int][]int64{}}

	e := New(NewRegistry(), Config{
		Run:    cfg,
		Logger: quiet,
		Output: func(replica int) mdrun.Output { return replicaLog{log: log, replica: replica} },
	})
	results, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, res := range results {
		assert.Equal(t, i, res.Replica)
		assert.Equal(t, []int64{0, 5, 10, 15, 20}, log.steps[i])
	}
}

func TestSetupRejectsMismatchedInitial(t *testing.T) {
	e := New(NewRegistry(), Config{
		Run:     smallRun(10),
		Initial: dynamo.NewGlobalSnapshot(5),
		Logger:  quiet,
	})
	assert.ErrorIs(t, e.Setup(), dynamo.ErrInvalidState)
}

func TestSetupRejectsUnknownModel(t *testing.T) {
	cfg := smallRun(10)
	cfg.Model = "cartpole"
	assert.ErrorIs(t, New(NewRegistry(), Config{Run: cfg, Logger: quiet}).Setup(), dynamo.ErrConfig)
}

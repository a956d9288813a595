package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mdloop/internal/dynamo"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Integrator != IntegratorMD {
		t.Errorf("expected integrator md, got %s", cfg.Integrator)
	}
	if cfg.Dt <= 0 {
		t.Error("dt should be positive")
	}
	require.NoError(t, cfg.Validate())
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range ListPresets() {
		t.Run(name, func(t *testing.T) {
			cfg := GetPreset(name)
			require.NotNil(t, cfg)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestGetPreset_NotFound(t *testing.T) {
	if cfg := GetPreset("nonexistent"); cfg != nil {
		t.Error("expected nil for nonexistent preset")
	}
}

func TestGetPreset_Independent(t *testing.T) {
	a := GetPreset("remd")
	a.ReplicaExchange.Temperatures[0] = 1
	b := GetPreset("remd")
	assert.Equal(t, 300.0, b.ReplicaExchange.Temperatures[0])
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	cfg := GetPreset("npt-leapfrog")
	cfg.NSteps = 42
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		field string
		mut   func(c *RunConfig)
	}{
		{"bad integrator", "integrator", func(c *RunConfig) { c.Integrator = "sd" }},
		{"zero dt", "dt", func(c *RunConfig) { c.Dt = 0 }},
		{"nstenergy alignment", "intervals.nstenergy", func(c *RunConfig) { c.Intervals.NstEnergy = 150 }},
		{"mttk leapfrog", "coupling.barostat", func(c *RunConfig) { c.Coupling.Barostat = BarostatMTTK }},
		{"expanded without lambdas", "expanded.enabled", func(c *RunConfig) {
			c.Expanded = ExpandedConfig{Enabled: true, NstExpanded: 100}
		}},
		{"gpu update with fep", "offload.update", func(c *RunConfig) {
			c.LongRange.Type = LongRangePME
			c.Offload = OffloadConfig{PME: true, Update: true}
			c.FreeEnergy.Lambdas = []float64{0, 1}
		}},
		{"gpu update with verlet", "offload.update", func(c *RunConfig) {
			c.Integrator = IntegratorVV
			c.LongRange.Type = LongRangePME
			c.Offload = OffloadConfig{PME: true, Update: true}
		}},
		{"gpu update multi rank", "offload.update", func(c *RunConfig) {
			c.Ranks = 2
			c.LongRange.Type = LongRangePME
			c.Offload = OffloadConfig{PME: true, Update: true}
		}},
		{"buffer ops without nonbonded", "offload.buffer_ops", func(c *RunConfig) {
			c.Offload.BufferOps = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, dynamo.ErrConfig))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateSystemRejectsGPUUpdateWithVSites(t *testing.T) {
	cfg := GetPreset("gpu-update")
	top := &dynamo.Topology{
		Atoms: []dynamo.Atom{
			{Mass: 1, Freeze: -1},
			{Mass: 1, Freeze: -1},
			{Freeze: -1, PType: dynamo.ParticleVSite},
		},
		Molecules: []dynamo.Molecule{{Start: 0, End: 3}},
		VSites:    []dynamo.VSite{{Site: 2, I: 0, J: 1, A: 0.5}},
	}

	err := cfg.ValidateSystem(top)
	require.Error(t, err)
	assert.ErrorIs(t, err, dynamo.ErrConfig)
	assert.Contains(t, err.Error(), "virtual sites")
}

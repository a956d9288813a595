package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/mdloop/internal/dynamo"
)

const (
	DefaultDt            = 0.002
	DefaultNSteps        = 1000
	DefaultNstList       = 10
	DefaultNstCalcEnergy = 100
	DefaultNstEnergy     = 1000
	DefaultNstLog        = 1000
	DefaultNstComm       = 100
	DefaultNstCouple     = 10
	DefaultRefT          = 300.0
	DefaultTauT          = 0.1
	DefaultRefP          = 1.0
	DefaultTauP          = 1.0
	DefaultCompress      = 4.5e-5
	DefaultCutoff        = 1.0
	DefaultGridSpacing   = 0.12
	DefaultShakeTol      = 1e-4
	DefaultShakeIter     = 1000
)

// Integrator names.
const (
	IntegratorMD       = "md"
	IntegratorVV       = "md-vv"
	IntegratorVVAvek   = "md-vv-avek"
	ThermostatNone     = "no"
	ThermostatBerend   = "berendsen"
	ThermostatNoseHoov = "nose-hoover"
	BarostatNone       = "no"
	BarostatBerend     = "berendsen"
	BarostatMTTK       = "mttk"
	CommModeLinear     = "linear"
	CommModeNone       = "none"
	LongRangePME       = "pme"
	LongRangeCutoff    = "cutoff"
)

type RunConfig struct {
	Model            string           `yaml:"model"`
	Provider         string           `yaml:"provider"`
	Integrator       string           `yaml:"integrator"`
	NSteps           int64            `yaml:"nsteps"`
	InitStep         int64            `yaml:"init_step"`
	Dt               float64          `yaml:"dt"`
	Seed             int64            `yaml:"seed"`
	Continuation     bool             `yaml:"continuation"`
	Ranks            int              `yaml:"ranks"`
	System           SystemConfig     `yaml:"system"`
	Intervals        IntervalConfig   `yaml:"intervals"`
	Coupling         CouplingConfig   `yaml:"coupling"`
	CommMode         string           `yaml:"comm_mode"`
	FreeEnergy       FreeEnergyConfig `yaml:"free_energy"`
	Expanded         ExpandedConfig   `yaml:"expanded"`
	ReplicaExchange  ReplexConfig     `yaml:"replica_exchange"`
	Swap             SwapConfig       `yaml:"swap"`
	Constraints      ConstraintConfig `yaml:"constraints"`
	Offload          OffloadConfig    `yaml:"offload"`
	LongRange        LongRangeConfig  `yaml:"long_range"`
	Reproducible     bool             `yaml:"reproducible"`
	MaxHours         float64          `yaml:"max_hours"`
	CheckpointPeriod float64          `yaml:"checkpoint_period"`
	ResetHalfway     bool             `yaml:"reset_halfway"`
	WriteConfout     bool             `yaml:"write_confout"`
	Verbose          int64            `yaml:"verbose"`
	Steering         bool             `yaml:"steering"`
	EssentialDyn     bool             `yaml:"essential_dynamics"`
	EnsembleRestr    bool             `yaml:"ensemble_restraints"`
	SharedBias       bool             `yaml:"shared_bias"`
}

type SystemConfig struct {
	Molecules   int     `yaml:"molecules"`
	Density     float64 `yaml:"density"`
	GenTemp     float64 `yaml:"gen_temp"`
	BondLength  float64 `yaml:"bond_length"`
	VSiteWeight float64 `yaml:"vsite_weight"`
}

type IntervalConfig struct {
	NstList       int64 `yaml:"nstlist"`
	NstCalcEnergy int64 `yaml:"nstcalcenergy"`
	NstEnergy     int64 `yaml:"nstenergy"`
	NstLog        int64 `yaml:"nstlog"`
	NstComm       int64 `yaml:"nstcomm"`
	NstTCouple    int64 `yaml:"nsttcouple"`
	NstPCouple    int64 `yaml:"nstpcouple"`
	NstXOut       int64 `yaml:"nstxout"`
	NstVOut       int64 `yaml:"nstvout"`
	NstGlobalComm int64 `yaml:"nstglobalcomm"`
}

type CouplingConfig struct {
	Thermostat      string  `yaml:"thermostat"`
	TauT            float64 `yaml:"tau_t"`
	RefT            float64 `yaml:"ref_t"`
	Barostat        string  `yaml:"barostat"`
	TauP            float64 `yaml:"tau_p"`
	RefP            float64 `yaml:"ref_p"`
	Compressibility float64 `yaml:"compressibility"`
	NHChainLength   int     `yaml:"nh_chain_length"`
}

type FreeEnergyConfig struct {
	Lambdas     []float64 `yaml:"lambdas,omitempty"`
	InitState   int       `yaml:"init_state"`
	DeltaLambda float64   `yaml:"delta_lambda"`
	NstDHDL     int64     `yaml:"nstdhdl"`
}

type ExpandedConfig struct {
	Enabled     bool      `yaml:"enabled"`
	NstExpanded int64     `yaml:"nstexpanded"`
	Weights     []float64 `yaml:"weights,omitempty"`
}

type ReplexConfig struct {
	Interval     int64     `yaml:"interval"`
	Temperatures []float64 `yaml:"temperatures,omitempty"`
}

type SwapConfig struct {
	NstSwap   int64 `yaml:"nstswap"`
	Requested int   `yaml:"requested"`
	Threshold int   `yaml:"threshold"`
}

type ConstraintConfig struct {
	Tolerance float64 `yaml:"tolerance"`
	MaxIter   int     `yaml:"max_iter"`
	Relaxed   bool    `yaml:"relaxed"`
}

type OffloadConfig struct {
	PME       bool `yaml:"pme"`
	Nonbonded bool `yaml:"nonbonded"`
	BufferOps bool `yaml:"buffer_ops"`
	Update    bool `yaml:"update"`
}

type LongRangeConfig struct {
	Type        string  `yaml:"type"`
	Cutoff      float64 `yaml:"cutoff"`
	GridSpacing float64 `yaml:"grid_spacing"`
	Tune        bool    `yaml:"tune"`
}

func DefaultConfig() *RunConfig {
	return &RunConfig{
		Model:      "lj-fluid",
		Provider:   "pair",
		Integrator: IntegratorMD,
		NSteps:     DefaultNSteps,
		Dt:         DefaultDt,
		Seed:       1,
		Ranks:      1,
		System: SystemConfig{
			Molecules:   64,
			Density:     25.0,
			GenTemp:     DefaultRefT,
			BondLength:  0.1,
			VSiteWeight: 0.5,
		},
		Intervals: IntervalConfig{
			NstList:       DefaultNstList,
			NstCalcEnergy: DefaultNstCalcEnergy,
			NstEnergy:     DefaultNstEnergy,
			NstLog:        DefaultNstLog,
			NstComm:       DefaultNstComm,
			NstTCouple:    DefaultNstCouple,
			NstPCouple:    DefaultNstCouple,
		},
		Coupling: CouplingConfig{
			Thermostat:      ThermostatNone,
			TauT:            DefaultTauT,
			RefT:            DefaultRefT,
			Barostat:        BarostatNone,
			TauP:            DefaultTauP,
			RefP:            DefaultRefP,
			Compressibility: DefaultCompress,
			NHChainLength:   1,
		},
		CommMode: CommModeLinear,
		Constraints: ConstraintConfig{
			Tolerance: DefaultShakeTol,
			MaxIter:   DefaultShakeIter,
		},
		LongRange: LongRangeConfig{
			Type:        LongRangeCutoff,
			Cutoff:      DefaultCutoff,
			GridSpacing: DefaultGridSpacing,
		},
		CheckpointPeriod: 15,
		WriteConfout:     true,
	}
}

func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *RunConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *RunConfig) IsVerlet() bool {
	return c.Integrator == IntegratorVV || c.Integrator == IntegratorVVAvek
}

func (c *RunConfig) UsesFEP() bool { return len(c.FreeEnergy.Lambdas) > 0 }

func (c *RunConfig) UsesReplicaExchange() bool {
	return c.ReplicaExchange.Interval > 0 && len(c.ReplicaExchange.Temperatures) > 1
}

// Replicas is the number of cooperating simulations.
func (c *RunConfig) Replicas() int {
	if c.UsesReplicaExchange() {
		return len(c.ReplicaExchange.Temperatures)
	}
	return 1
}

// LongRangeOnDevice reports whether long-range electrostatics is evaluated on the accelerator.
func (c *RunConfig) LongRangeOnDevice() bool {
	return c.LongRange.Type == LongRangePME && c.Offload.PME
}

// ValidationError reports an incompatible or out-of-range setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return dynamo.ErrConfig }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate rejects settings that cannot run. Combinations involving the
// topology (virtual sites, constraints) are checked by ValidateSystem.
func (c *RunConfig) Validate() error {
	switch c.Integrator {
	case IntegratorMD, IntegratorVV, IntegratorVVAvek:
	default:
		return invalid("integrator", "unknown integrator %q", c.Integrator)
	}
	if c.Dt <= 0 {
		return invalid("dt", "must be positive, got %g", c.Dt)
	}
	if c.NSteps < -1 {
		return invalid("nsteps", "must be -1 (unbounded) or non-negative, got %d", c.NSteps)
	}
	if c.Ranks < 1 {
		return invalid("ranks", "must be at least 1, got %d", c.Ranks)
	}
	switch c.CommMode {
	case CommModeLinear, CommModeNone:
	default:
		return invalid("comm_mode", "unknown mode %q", c.CommMode)
	}
	iv := c.Intervals
	if iv.NstCalcEnergy > 0 {
		if iv.NstEnergy > 0 && iv.NstEnergy%iv.NstCalcEnergy != 0 {
			return invalid("intervals.nstenergy", "%d is not a multiple of nstcalcenergy %d", iv.NstEnergy, iv.NstCalcEnergy)
		}
		if c.FreeEnergy.NstDHDL > 0 && c.FreeEnergy.NstDHDL%iv.NstCalcEnergy != 0 {
			return invalid("free_energy.nstdhdl", "%d is not a multiple of nstcalcenergy %d", c.FreeEnergy.NstDHDL, iv.NstCalcEnergy)
		}
	}

	cp := c.Coupling
	switch cp.Thermostat {
	case ThermostatNone, ThermostatBerend, ThermostatNoseHoov:
	default:
		return invalid("coupling.thermostat", "unknown thermostat %q", cp.Thermostat)
	}
	switch cp.Barostat {
	case BarostatNone, BarostatBerend:
	case BarostatMTTK:
		if !c.IsVerlet() {
			return invalid("coupling.barostat", "mttk requires a velocity-Verlet integrator")
		}
		if cp.Thermostat != ThermostatNoseHoov {
			return invalid("coupling.barostat", "mttk requires nose-hoover temperature coupling")
		}
	default:
		return invalid("coupling.barostat", "unknown barostat %q", cp.Barostat)
	}
	if cp.Thermostat != ThermostatNone && (cp.TauT <= 0 || cp.RefT <= 0) {
		return invalid("coupling.tau_t", "temperature coupling needs positive tau_t and ref_t")
	}
	if cp.Barostat != BarostatNone && (cp.TauP <= 0 || cp.Compressibility <= 0) {
		return invalid("coupling.tau_p", "pressure coupling needs positive tau_p and compressibility")
	}
	if cp.Thermostat == ThermostatNoseHoov && cp.NHChainLength < 1 {
		return invalid("coupling.nh_chain_length", "must be at least 1")
	}

	fe := c.FreeEnergy
	if c.UsesFEP() {
		if fe.InitState < 0 || fe.InitState >= len(fe.Lambdas) {
			return invalid("free_energy.init_state", "%d outside the %d lambda states", fe.InitState, len(fe.Lambdas))
		}
	}
	if c.Expanded.Enabled {
		if !c.UsesFEP() {
			return invalid("expanded.enabled", "expanded ensemble requires free_energy.lambdas")
		}
		if c.Expanded.NstExpanded <= 0 {
			return invalid("expanded.nstexpanded", "must be positive")
		}
		if iv.NstCalcEnergy > 0 && c.Expanded.NstExpanded%iv.NstCalcEnergy != 0 {
			return invalid("expanded.nstexpanded", "%d is not a multiple of nstcalcenergy %d", c.Expanded.NstExpanded, iv.NstCalcEnergy)
		}
		if len(c.Expanded.Weights) > 0 && len(c.Expanded.Weights) != len(fe.Lambdas) {
			return invalid("expanded.weights", "%d weights for %d lambda states", len(c.Expanded.Weights), len(fe.Lambdas))
		}
	}
	if c.ReplicaExchange.Interval > 0 && len(c.ReplicaExchange.Temperatures) < 2 {
		return invalid("replica_exchange.temperatures", "replica exchange needs at least two replicas")
	}

	if c.Constraints.MaxIter <= 0 || c.Constraints.Tolerance <= 0 {
		return invalid("constraints", "tolerance and max_iter must be positive")
	}
	switch c.LongRange.Type {
	case LongRangePME, LongRangeCutoff:
	default:
		return invalid("long_range.type", "unknown long-range type %q", c.LongRange.Type)
	}
	if c.LongRange.Cutoff <= 0 {
		return invalid("long_range.cutoff", "must be positive")
	}

	return c.validateOffload()
}

func (c *RunConfig) validateOffload() error {
	o := c.Offload
	if o.BufferOps && !o.Nonbonded {
		return invalid("offload.buffer_ops", "buffer operations offload requires nonbonded offload")
	}
	if o.PME && c.LongRange.Type != LongRangePME {
		return invalid("offload.pme", "pme offload requires long_range.type pme")
	}
	if !o.Update {
		return nil
	}
	switch {
	case c.Integrator != IntegratorMD:
		return invalid("offload.update", "update offload is only supported with the leap-frog integrator")
	case c.Ranks > 1:
		return invalid("offload.update", "update offload is not supported with multiple ranks")
	case !o.PME && !(o.Nonbonded && o.BufferOps):
		return invalid("offload.update", "update offload requires pme offload or nonbonded with buffer-ops offload")
	case c.UsesFEP():
		return invalid("offload.update", "update offload is not supported with free-energy perturbation")
	case c.Coupling.Thermostat == ThermostatNoseHoov:
		return invalid("offload.update", "update offload is not supported with nose-hoover temperature coupling")
	case c.Coupling.Barostat != BarostatNone && c.Coupling.Barostat != BarostatBerend:
		return invalid("offload.update", "update offload only supports berendsen pressure coupling")
	case c.EssentialDyn:
		return invalid("offload.update", "update offload is not supported with essential dynamics")
	case c.Swap.NstSwap > 0:
		return invalid("offload.update", "update offload is not supported with coordinate swapping")
	case c.Steering:
		return invalid("offload.update", "update offload is not supported with interactive steering")
	}
	return nil
}

// ValidateSystem checks settings that depend on the topology.
func (c *RunConfig) ValidateSystem(top *dynamo.Topology) error {
	if err := top.Validate(); err != nil {
		return invalid("system", "%v", err)
	}
	if c.Offload.Update && len(top.VSites) > 0 {
		return invalid("offload.update", "update offload is not supported with virtual sites (%d present)", len(top.VSites))
	}
	if c.Coupling.Barostat == BarostatMTTK && len(top.Constraints) > 0 {
		return invalid("coupling.barostat", "mttk is not supported with constraints")
	}
	if c.Ranks > len(top.Molecules) {
		return invalid("ranks", "%d ranks for %d molecules", c.Ranks, len(top.Molecules))
	}
	return nil
}

package config

import "sort"

// Presets apply on top of DefaultConfig.
var Presets = map[string]func(c *RunConfig){
	"nve-verlet": func(c *RunConfig) {
		c.Integrator = IntegratorVV
		c.Dt = 0.001
		c.NSteps = 2000
		c.Intervals.NstCalcEnergy = 10
		c.Intervals.NstEnergy = 100
		c.Intervals.NstLog = 100
	},
	"nvt-leapfrog": func(c *RunConfig) {
		c.Integrator = IntegratorMD
		c.Coupling.Thermostat = ThermostatBerend
		c.Intervals.NstCalcEnergy = 10
		c.Intervals.NstEnergy = 100
		c.Intervals.NstLog = 100
	},
	"npt-leapfrog": func(c *RunConfig) {
		c.Integrator = IntegratorMD
		c.Coupling.Thermostat = ThermostatBerend
		c.Coupling.Barostat = BarostatBerend
		c.Intervals.NstCalcEnergy = 10
		c.Intervals.NstEnergy = 100
		c.Intervals.NstLog = 100
	},
	"nvt-vv-nh": func(c *RunConfig) {
		c.Integrator = IntegratorVV
		c.Coupling.Thermostat = ThermostatNoseHoov
		c.Coupling.TauT = 0.5
		c.Coupling.NHChainLength = 4
		c.Intervals.NstCalcEnergy = 10
		c.Intervals.NstEnergy = 100
		c.Intervals.NstLog = 100
	},
	"gpu-update": func(c *RunConfig) {
		c.Integrator = IntegratorMD
		c.Model = "diatomic"
		c.System.VSiteWeight = 0
		c.LongRange.Type = LongRangePME
		c.Offload = OffloadConfig{PME: true, Nonbonded: true, BufferOps: true, Update: true}
		c.Coupling.Thermostat = ThermostatBerend
		c.LongRange.Tune = true
	},
	"remd": func(c *RunConfig) {
		c.Integrator = IntegratorMD
		c.Coupling.Thermostat = ThermostatBerend
		c.ReplicaExchange = ReplexConfig{Interval: 100, Temperatures: []float64{300, 310, 320, 330}}
		c.Intervals.NstCalcEnergy = 10
		c.Intervals.NstEnergy = 100
		c.Intervals.NstLog = 100
	},
}

func GetPreset(name string) *RunConfig {
	apply, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	apply(cfg)
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package integrator

import (
	"math"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/schedule"
)

const (
	berendsenLambdaMin = 0.8
	berendsenLambdaMax = 1.25
)

// Coupling holds the thermostat and barostat parameters and the operations
// on the extended variables in LocalState.Ext.
type Coupling struct {
	thermostat string
	barostat   string
	nstT, nstP int64
	dt         float64
	refT, tauT float64
	refP, tauP float64
	compress   float64
	ndf        float64
	chain      int

	// q holds the Nose-Hoover chain masses.
	q []float64
	// winv is the inverse MTTK barostat mass.
	winv float64
}

func NewCoupling(cfg *config.RunConfig, ndf, vol0 float64) *Coupling {
	cc := cfg.Coupling
	c := &Coupling{
		thermostat: cc.Thermostat,
		barostat:   cc.Barostat,
		nstT:       max(cfg.Intervals.NstTCouple, 1),
		nstP:       max(cfg.Intervals.NstPCouple, 1),
		dt:         cfg.Dt,
		refT:       cc.RefT,
		tauT:       cc.TauT,
		refP:       cc.RefP,
		tauP:       cc.TauP,
		compress:   cc.Compressibility,
		ndf:        ndf,
		chain:      1,
	}
	if c.thermostat == config.ThermostatNoseHoov && cfg.IsVerlet() && cc.NHChainLength > 1 {
		c.chain = cc.NHChainLength
	}
	if c.thermostat == config.ThermostatNoseHoov {
		kT := dynamo.Boltzmann * c.refT
		w := c.tauT * c.tauT / (4 * math.Pi * math.Pi)
		c.q = make([]float64, c.chain)
		for j := range c.q {
			c.q[j] = kT * w
		}
		c.q[0] *= ndf
	}
	if c.barostat == config.BarostatMTTK && vol0 > 0 {
		tp := c.tauP / (2 * math.Pi)
		c.winv = dynamo.PresFac * 3 * c.compress * dynamo.Boltzmann * c.refT / (3 * vol0 * tp * tp)
	}
	return c
}

// InitExtended sizes the chain variables of a fresh state.
func (c *Coupling) InitExtended(ext *dynamo.Extended) {
	if c.thermostat != config.ThermostatNoseHoov {
		return
	}
	if len(ext.Xi) != c.chain {
		ext.Xi = make([]float64, c.chain)
		ext.VXi = make([]float64, c.chain)
	}
}

// TCoupleStep reports whether step applies the leap-frog thermostat.
func (c *Coupling) TCoupleStep(step int64) bool {
	return c.thermostat != config.ThermostatNone && schedule.DoPerStep(step+c.nstT-1, c.nstT)
}

// PCoupleStep reports whether step applies Berendsen pressure scaling.
func (c *Coupling) PCoupleStep(step int64) bool {
	return c.barostat == config.BarostatBerend && schedule.DoPerStep(step, c.nstP)
}

// TrotterThermoStep and TrotterBaroStep gate the Trotter operations.
func (c *Coupling) TrotterThermoStep(step int64) bool {
	return c.thermostat == config.ThermostatNoseHoov && schedule.DoPerStep(step, c.nstT)
}

func (c *Coupling) TrotterBaroStep(step int64) bool {
	return c.barostat == config.BarostatMTTK && schedule.DoPerStep(step, c.nstP)
}

// BerendsenLambda returns the velocity scaling factor for the measured
// temperature and books the added energy in the thermostat integral.
func (c *Coupling) BerendsenLambda(ext *dynamo.Extended, temp float64) float64 {
	if c.tauT <= 0 || temp <= 0 {
		return 1
	}
	dtc := float64(c.nstT) * c.dt
	l2 := 1 + dtc/c.tauT*(c.refT/temp-1)
	lambda := math.Sqrt(math.Max(l2, 0))
	lambda = math.Max(berendsenLambdaMin, math.Min(berendsenLambdaMax, lambda))
	ekin := 0.5 * c.ndf * dynamo.Boltzmann * temp
	ext.ThermIntegral -= (lambda*lambda - 1) * ekin
	return lambda
}

// NoseHooverLeapFrog advances the single-variable leap-frog thermostat
// and returns the friction factor for the coupled update.
func (c *Coupling) NoseHooverLeapFrog(ext *dynamo.Extended, temp float64) float64 {
	c.InitExtended(ext)
	dtc := float64(c.nstT) * c.dt
	old := ext.VXi[0]
	ext.VXi[0] += dtc * (temp - c.refT) * c.massQinv()
	ext.Xi[0] += dtc * 0.5 * (old + ext.VXi[0])
	return 0.5 * dtc * ext.VXi[0]
}

// massQinv is the leap-frog Nose-Hoover inverse mass per degree of freedom.
func (c *Coupling) massQinv() float64 {
	if c.tauT <= 0 || c.refT <= 0 {
		return 0
	}
	w := c.tauT / (2 * math.Pi)
	return 1 / (w * w * c.refT)
}

// BerendsenMu returns the isotropic coordinate scaling factor for the
// scalar pressure and books the barostat work.
func (c *Coupling) BerendsenMu(ext *dynamo.Extended, pres float64, virial dynamo.Tensor) float64 {
	if c.tauP <= 0 {
		return 1
	}
	dtc := float64(c.nstP) * c.dt
	mu := 1 - c.compress*dtc/c.tauP*(c.refP-pres)/3
	ext.BarosIntegral -= 2 * (mu - 1) * virial.Trace()
	return mu
}

// NHCHalfStep propagates the Nose-Hoover chain over half a coupling
// interval for kinetic energy ekin and returns the velocity scale factor.
func (c *Coupling) NHCHalfStep(ext *dynamo.Extended, ekin float64) float64 {
	c.InitExtended(ext)
	m := c.chain
	kT := dynamo.Boltzmann * c.refT
	dt2 := 0.5 * float64(c.nstT) * c.dt
	dt4, dt8 := 0.5*dt2, 0.25*dt2
	vxi, xi := ext.VXi, ext.Xi

	g := make([]float64, m)
	g[0] = (2*ekin - c.ndf*kT) / c.q[0]
	for j := 1; j < m; j++ {
		g[j] = (c.q[j-1]*vxi[j-1]*vxi[j-1] - kT) / c.q[j]
	}

	vxi[m-1] += dt4 * g[m-1]
	for j := m - 2; j >= 0; j-- {
		aa := math.Exp(-dt8 * vxi[j+1])
		vxi[j] = vxi[j]*aa*aa + dt4*g[j]*aa
	}

	scale := math.Exp(-dt2 * vxi[0])
	ekin *= scale * scale
	for j := range xi {
		xi[j] += dt2 * vxi[j]
	}

	g[0] = (2*ekin - c.ndf*kT) / c.q[0]
	for j := 0; j < m-1; j++ {
		aa := math.Exp(-dt8 * vxi[j+1])
		vxi[j] = vxi[j]*aa*aa + dt4*g[j]*aa
		g[j+1] = (c.q[j]*vxi[j]*vxi[j] - kT) / c.q[j+1]
	}
	vxi[m-1] += dt4 * g[m-1]
	return scale
}

// alpha is the MTTK kinetic coupling factor 1 + 3/ndf.
func (c *Coupling) alpha() float64 { return 1 + 3/c.ndf }

// BaroVHalfStep advances the MTTK barostat velocity over half a coupling
// interval from the full-step kinetic tensor and total virial.
func (c *Coupling) BaroVHalfStep(ext *dynamo.Extended, ekin, virial dynamo.Tensor, box dynamo.Box) {
	vol := box.Volume()
	if vol <= 0 || c.winv == 0 {
		return
	}
	pres := ekin.Scale(c.alpha()).Sub(virial).Scale(2 * dynamo.PresFac / vol)
	pscal := pres.Trace() / 3
	gw := vol * (c.winv / dynamo.PresFac) * (3*pscal - 3*c.refP)
	ext.Veta += 0.5 * float64(c.nstP) * c.dt * gw
}

// VelocityFactors are the MTTK exponential factors of a velocity half step.
func (c *Coupling) VelocityFactors(veta float64) (mv1, mv2 float64) {
	if c.barostat != config.BarostatMTTK {
		return 1, 1
	}
	g := 0.25 * c.dt * veta * c.alpha()
	return math.Exp(-g), sinhx(g)
}

// PositionFactors are the MTTK exponential factors of the position update.
func (c *Coupling) PositionFactors(veta float64) (mr1, mr2 float64) {
	if c.barostat != config.BarostatMTTK {
		return 1, 1
	}
	g := 0.5 * c.dt * veta
	return math.Exp(g), sinhx(g)
}

// MTTKBoxScale is the box edge scale factor of one step.
func (c *Coupling) MTTKBoxScale(veta float64) float64 {
	return math.Exp(veta * c.dt)
}

// sinhx is sinh(x)/x with a series near zero.
func sinhx(x float64) float64 {
	if math.Abs(x) < 1e-4 {
		x2 := x * x
		return 1 + x2/6 + x2*x2/120
	}
	return math.Sinh(x) / x
}

// ConservedOffset is the energy stored in the coupling: thermostat and
// barostat work for Berendsen, extended-variable energies for Nose-Hoover
// and MTTK.
func (c *Coupling) ConservedOffset(ext dynamo.Extended, box dynamo.Box) float64 {
	e := ext.ThermIntegral + ext.BarosIntegral
	kT := dynamo.Boltzmann * c.refT
	if c.thermostat == config.ThermostatNoseHoov && len(ext.Xi) > 0 {
		for j := 0; j < len(ext.Xi) && j < len(c.q); j++ {
			e += 0.5 * c.q[j] * ext.VXi[j] * ext.VXi[j]
			if j == 0 {
				e += c.ndf * kT * ext.Xi[0]
			} else {
				e += kT * ext.Xi[j]
			}
		}
	}
	if c.barostat == config.BarostatMTTK && c.winv > 0 {
		e += 0.5 * ext.Veta * ext.Veta / c.winv
		e += box.Volume() * c.refP / dynamo.PresFac
	}
	return e
}

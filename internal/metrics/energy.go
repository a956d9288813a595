package metrics

import (
	"math"

	"github.com/san-kum/mdloop/internal/reduce"
)

// Energy is the mean total energy.
type Energy struct {
	name    string
	samples int
	total   float64
}

func NewEnergy() *Energy {
	return &Energy{name: "energy"}
}

func (e *Energy) Name() string { return e.name }

func (e *Energy) Observe(a reduce.EnergyAccumulator) {
	e.total += a.Etot
	e.samples++
}

func (e *Energy) Value() float64 {
	if e.samples == 0 {
		return 0
	}
	return e.total / float64(e.samples)
}

func (e *Energy) Reset() {
	e.total = 0
	e.samples = 0
}

// ConservedDrift is the largest relative deviation of the conserved
// quantity from its first sample.
type ConservedDrift struct {
	name     string
	initial  float64
	current  float64
	maxDrift float64
	samples  int
}

func NewConservedDrift() *ConservedDrift {
	return &ConservedDrift{name: "conserved_drift"}
}

func (c *ConservedDrift) Name() string { return c.name }

func (c *ConservedDrift) Observe(a reduce.EnergyAccumulator) {
	if c.samples == 0 {
		c.initial = a.Conserved
	}
	c.current = a.Conserved
	c.samples++

	if c.initial != 0 {
		drift := math.Abs(a.Conserved-c.initial) / math.Abs(c.initial)
		c.maxDrift = math.Max(c.maxDrift, drift)
	}
}

func (c *ConservedDrift) Value() float64 {
	return c.maxDrift
}

func (c *ConservedDrift) Reset() {
	c.initial = 0
	c.current = 0
	c.maxDrift = 0
	c.samples = 0
}

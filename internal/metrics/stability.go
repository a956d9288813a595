package metrics

import (
	"math"

	"github.com/san-kum/mdloop/internal/reduce"
)

// Stability is the fraction of samples with finite energies and a
// temperature below the threshold.
type Stability struct {
	name       string
	threshold  float64
	violations int
	samples    int
}

func NewStability(threshold float64) *Stability {
	return &Stability{
		name:      "stability",
		threshold: threshold,
	}
}

func (s *Stability) Name() string {
	return s.name
}

func (s *Stability) Observe(a reduce.EnergyAccumulator) {
	s.samples++
	for _, v := range []float64{a.Epot, a.Ekin, a.Conserved} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.violations++
			return
		}
	}
	if a.Temperature > s.threshold {
		s.violations++
	}
}

func (s *Stability) Value() float64 {
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *Stability) Reset() {
	s.violations = 0
	s.samples = 0
}

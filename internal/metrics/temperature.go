package metrics

import (
	"math"

	"github.com/san-kum/mdloop/internal/reduce"
)

// TemperatureDeviation is the mean absolute distance of the temperature
// from the coupling reference.
type TemperatureDeviation struct {
	name    string
	refT    float64
	sum     float64
	samples int
}

func NewTemperatureDeviation(refT float64) *TemperatureDeviation {
	return &TemperatureDeviation{
		name: "temperature_deviation",
		refT: refT,
	}
}

func (t *TemperatureDeviation) Name() string {
	return t.name
}

func (t *TemperatureDeviation) Observe(a reduce.EnergyAccumulator) {
	t.sum += math.Abs(a.Temperature - t.refT)
	t.samples++
}

func (t *TemperatureDeviation) Value() float64 {
	if t.samples == 0 {
		return 0
	}
	return t.sum / float64(t.samples)
}

func (t *TemperatureDeviation) Reset() {
	t.sum = 0
	t.samples = 0
}

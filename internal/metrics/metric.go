// Package metrics summarises a run from its energy records. A metric sees
// every energy step of the coordinating rank and reports one number.
package metrics

import "github.com/san-kum/mdloop/internal/reduce"

type Metric interface {
	Name() string
	Observe(a reduce.EnergyAccumulator)
	Value() float64
	Reset()
}

package reduce

import (
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// EnergyAccumulator is the step-scoped energy record handed to output.
type EnergyAccumulator struct {
	Step        int64              `json:"step"`
	Time        float64            `json:"time"`
	Terms       dynamo.EnergyTerms `json:"-"`
	Epot        float64            `json:"epot"`
	Ekin        float64            `json:"ekin"`
	Etot        float64            `json:"etot"`
	Conserved   float64            `json:"conserved"`
	Temperature float64            `json:"temperature"`
	Pressure    dynamo.Tensor      `json:"-"`
	PresScalar  float64            `json:"pressure"`
	DVDL        float64            `json:"dvdl"`
	FEPState    int                `json:"fep_state"`
	Volume      float64            `json:"volume"`
}

// Apply copies the quantities present in t. Absent quantities keep their
// last value.
func (a *EnergyAccumulator) Apply(t Totals) {
	if t.HaveEkin {
		a.Ekin = t.Ekin
		a.Temperature = t.Temperature
	}
	if t.HaveEnergy {
		a.Terms = t.Energy
		a.Epot = t.Epot
		a.DVDL = t.DVDL
	}
	if t.HavePres {
		a.Pressure = t.Pressure
		a.PresScalar = t.PresScalar
	}
	a.Etot = a.Epot + a.Ekin
}

// Averages collects energy samples for run-end statistics.
type Averages struct {
	Temperature []float64
	Etot        []float64
	Conserved   []float64
	Pressure    []float64
}

func (av *Averages) Add(a EnergyAccumulator) {
	av.Temperature = append(av.Temperature, a.Temperature)
	av.Etot = append(av.Etot, a.Etot)
	av.Conserved = append(av.Conserved, a.Conserved)
	av.Pressure = append(av.Pressure, a.PresScalar)
}

func (av *Averages) Len() int { return len(av.Etot) }

type Stat struct {
	Mean, StdDev float64
}

func meanStd(x []float64) Stat {
	if len(x) == 0 {
		return Stat{}
	}
	if len(x) == 1 {
		return Stat{Mean: x[0]}
	}
	m, s := stat.MeanStdDev(x, nil)
	return Stat{Mean: m, StdDev: s}
}

// Summary returns mean and standard deviation per quantity.
func (av *Averages) Summary() map[string]Stat {
	return map[string]Stat{
		"temperature": meanStd(av.Temperature),
		"etot":        meanStd(av.Etot),
		"conserved":   meanStd(av.Conserved),
		"pressure":    meanStd(av.Pressure),
	}
}

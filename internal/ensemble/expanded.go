package ensemble

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// ExpandedEnsemble moves one simulation between discrete lambda states.
// A move proposes a neighbouring state and accepts it with the Metropolis
// rule on the reduced foreign energy difference minus the weight
// difference. The caller applies the returned state at the start of the
// next step.
type ExpandedEnsemble struct {
	lambdas []float64
	kT      float64
	rng     *rand.Rand
	logger  *slog.Logger
}

func NewExpandedEnsemble(cfg *config.RunConfig, seed int64, logger *slog.Logger) (*ExpandedEnsemble, error) {
	if !cfg.UsesFEP() {
		return nil, fmt.Errorf("%w: expanded ensemble without lambda states", dynamo.ErrConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpandedEnsemble{
		lambdas: append([]float64(nil), cfg.FreeEnergy.Lambdas...),
		kT:      dynamo.Boltzmann * cfg.Coupling.RefT,
		rng:     rand.New(rand.NewPCG(uint64(seed), 0x2545f4914f6cdd1d)),
		logger:  logger,
	}, nil
}

// InitHistory sizes the visit counts and seeds the weights of a new run.
func InitHistory(df *dynamo.DFHistory, nstates int, weights []float64) {
	if len(df.Visits) == nstates && len(df.Weights) == nstates {
		return
	}
	df.Visits = make([]int64, nstates)
	df.Weights = make([]float64, nstates)
	copy(df.Weights, weights)
}

// LambdaVector is the coupling vector of state s: every component takes
// the state's lambda value.
func LambdaVector(lambdas []float64, s int) dynamo.Lambda {
	var l dynamo.Lambda
	for i := range l {
		l[i] = lambdas[s]
	}
	return l
}

// ForeignLambdas lists the coupling vectors of every state, in order.
func ForeignLambdas(lambdas []float64) []dynamo.Lambda {
	out := make([]dynamo.Lambda, len(lambdas))
	for s := range lambdas {
		out[s] = LambdaVector(lambdas, s)
	}
	return out
}

// Move proposes a new state from the reduced foreign energies (one per
// state) and records the visit to the state the simulation ends up in.
func (e *ExpandedEnsemble) Move(step int64, cur int, foreign []float64, df *dynamo.DFHistory) (int, error) {
	n := len(e.lambdas)
	if len(foreign) != n || len(df.Weights) != n || len(df.Visits) != n {
		return cur, dynamo.Fatal(step, dynamo.ProtoExpanded,
			fmt.Errorf("%w: %d foreign energies, %d weights for %d states", dynamo.ErrInvalidState, len(foreign), len(df.Weights), n))
	}
	next := cur
	if n > 1 {
		cand := cur + 1
		if e.rng.IntN(2) == 0 {
			cand = cur - 1
		}
		if cand >= 0 && cand < n {
			delta := (foreign[cand]-foreign[cur])/e.kT - (df.Weights[cand] - df.Weights[cur])
			if delta <= 0 || e.rng.Float64() < math.Exp(-delta) {
				next = cand
			}
		}
	}
	df.Visits[next]++
	if next != cur {
		e.logger.Debug("expanded ensemble move",
			slog.Int64("step", step),
			slog.Int("from", cur),
			slog.Int("to", next))
	}
	return next, nil
}

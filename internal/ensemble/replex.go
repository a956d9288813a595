// Package ensemble holds the coordinators that act across simulations or
// across the discrete lambda states of one simulation: replica exchange,
// expanded ensemble, multi-simulation state sharing and the optional
// coordinate swapping, steering and essential dynamics hooks.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// ReplicaExchange swaps configurations between neighbouring temperatures.
// Every replica draws from the same seeded stream, so all of them reach
// the same decisions without extra communication.
type ReplicaExchange struct {
	multi  comm.Communicator
	temps  []float64
	index  int
	rng    *rand.Rand
	round  int64
	logger *slog.Logger

	attempts []int64
	accepts  []int64
}

// NewReplicaExchange is called on the coordinating rank of every replica.
// multi connects those ranks; its rank is the replica index.
func NewReplicaExchange(multi comm.Communicator, temps []float64, seed int64, logger *slog.Logger) (*ReplicaExchange, error) {
	if len(temps) != multi.Size() {
		return nil, fmt.Errorf("%w: %d temperatures for %d replicas", dynamo.ErrConfig, len(temps), multi.Size())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicaExchange{
		multi:    multi,
		temps:    append([]float64(nil), temps...),
		index:    multi.Rank(),
		rng:      rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15)),
		logger:   logger,
		attempts: make([]int64, len(temps)-1),
		accepts:  make([]int64, len(temps)-1),
	}, nil
}

func (r *ReplicaExchange) Temperature() float64 { return r.temps[r.index] }

// acceptance is the Metropolis probability of swapping the configurations
// of replicas i and j with potential energies ei and ej.
func (r *ReplicaExchange) acceptance(i, j int, ei, ej float64) float64 {
	bi := 1 / (dynamo.Boltzmann * r.temps[i])
	bj := 1 / (dynamo.Boltzmann * r.temps[j])
	delta := (bi - bj) * (ei - ej)
	if delta >= 0 {
		return 1
	}
	return math.Exp(delta)
}

// partners decides this round's swaps. Even rounds pair (0,1),(2,3)...,
// odd rounds (1,2),(3,4)... partner[i] is -1 for replicas that keep their
// configuration.
func (r *ReplicaExchange) partners(energies []float64) []int {
	n := len(r.temps)
	partner := make([]int, n)
	for i := range partner {
		partner[i] = -1
	}
	for i := int(r.round % 2); i+1 < n; i += 2 {
		p := r.acceptance(i, i+1, energies[i], energies[i+1])
		u := r.rng.Float64()
		r.attempts[i]++
		if u < p {
			r.accepts[i]++
			partner[i], partner[i+1] = i+1, i
		}
	}
	r.round++
	return partner
}

// Exchange attempts one round. epot is this replica's potential energy and
// g its full state; on success g holds the partner's configuration with
// velocities rescaled to this replica's temperature.
func (r *ReplicaExchange) Exchange(ctx context.Context, step int64, epot float64, g *dynamo.GlobalSnapshot) (bool, error) {
	all, err := r.multi.AllGather(ctx, []float64{epot})
	if err != nil {
		return false, dynamo.Fatal(step, dynamo.ProtoReplicaEx, err)
	}
	energies := make([]float64, len(all))
	for i, e := range all {
		energies[i] = e[0]
	}
	partner := r.partners(energies)

	states, err := r.multi.AllGather(ctx, packConfiguration(g))
	if err != nil {
		return false, dynamo.Fatal(step, dynamo.ProtoReplicaEx, err)
	}
	p := partner[r.index]
	if p < 0 {
		return false, nil
	}
	if err := unpackConfiguration(states[p], g); err != nil {
		return false, dynamo.Fatal(step, dynamo.ProtoReplicaEx, err)
	}
	scale := math.Sqrt(r.temps[r.index] / r.temps[p])
	for i := range g.V {
		g.V[i] = g.V[i].Scale(scale)
	}
	return true, nil
}

// AcceptanceRatios returns the accepted fraction per neighbour pair.
func (r *ReplicaExchange) AcceptanceRatios() []float64 {
	out := make([]float64, len(r.attempts))
	for i := range out {
		if r.attempts[i] > 0 {
			out[i] = float64(r.accepts[i]) / float64(r.attempts[i])
		}
	}
	return out
}

func (r *ReplicaExchange) PrintStatistics() {
	for i, ratio := range r.AcceptanceRatios() {
		r.logger.Info("replica exchange statistics",
			slog.Int("pair", i),
			slog.Float64("t_low", r.temps[i]),
			slog.Float64("t_high", r.temps[i+1]),
			slog.Int64("attempts", r.attempts[i]),
			slog.Float64("acceptance", ratio))
	}
}

func packConfiguration(g *dynamo.GlobalSnapshot) []float64 {
	buf := make([]float64, 0, 9+6*len(g.X))
	buf = dynamo.Tensor(g.Box).Flatten(buf)
	for i := range g.X {
		buf = append(buf, g.X[i][0], g.X[i][1], g.X[i][2])
	}
	for i := range g.V {
		buf = append(buf, g.V[i][0], g.V[i][1], g.V[i][2])
	}
	return buf
}

func unpackConfiguration(buf []float64, g *dynamo.GlobalSnapshot) error {
	n := len(g.X)
	if len(buf) != 9+6*n {
		return fmt.Errorf("%w: configuration of %d values for %d atoms", dynamo.ErrCommunication, len(buf), n)
	}
	g.Box = dynamo.Box(dynamo.TensorFrom(buf))
	buf = buf[9:]
	for i := 0; i < n; i++ {
		g.X[i] = dynamo.Vec3{buf[3*i], buf[3*i+1], buf[3*i+2]}
	}
	buf = buf[3*n:]
	for i := 0; i < n; i++ {
		g.V[i] = dynamo.Vec3{buf[3*i], buf[3*i+1], buf[3*i+2]}
	}
	return nil
}

// ShareExchange broadcasts the outcome of an exchange from the coordinating
// rank to the other ranks of its simulation.
func ShareExchange(ctx context.Context, intra comm.Communicator, exchanged bool, g *dynamo.GlobalSnapshot) (bool, error) {
	if intra.Size() == 1 {
		return exchanged, nil
	}
	flag := []float64{0}
	if exchanged {
		flag[0] = 1
	}
	if err := intra.Broadcast(ctx, 0, flag); err != nil {
		return false, err
	}
	if flag[0] == 0 {
		return false, nil
	}
	buf := packConfiguration(g)
	if err := intra.Broadcast(ctx, 0, buf); err != nil {
		return false, err
	}
	return true, unpackConfiguration(buf, g)
}

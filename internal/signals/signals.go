// Package signals implements the consensus signals (stop, checkpoint,
// reset-counters) that every rank and, when simulations share state, every
// cooperating simulation must agree on before acting.
//
// A signal has a local proposal (Sig) and an agreed value (Set). Only the
// Signaller writes Set, and only after a completed reduction round. Handlers
// act on Set alone.
package signals

import (
	"context"
	"fmt"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
)

type Kind int

const (
	Stop Kind = iota
	Checkpoint
	ResetCounters
	NumSignals
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Checkpoint:
		return "checkpoint"
	case ResetCounters:
		return "reset-counters"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

type Signal struct {
	// Sig is the local proposal: -1, 0 or +1.
	Sig int
	// Set is the last non-zero agreed value. Consumers reset it.
	Set int
	// Local signals are never shared between simulations.
	Local bool
}

type Set [NumSignals]Signal

// NewSet returns a signal set where reset-counters stays within one simulation.
func NewSet() *Set {
	var s Set
	s[ResetCounters].Local = true
	return &s
}

// Slots is the number of reduction buffer entries the signaller needs.
const Slots = 2 * int(NumSignals)

// agree folds proposal counts into one value: any negative proposal wins,
// then any positive one.
func agree(pos, neg float64) int {
	switch {
	case neg > 0.5:
		return -1
	case pos > 0.5:
		return 1
	}
	return 0
}

// Signaller moves proposals through reduction rounds.
type Signaller struct {
	set   *Set
	intra comm.Communicator
	// multi connects the coordinating ranks of cooperating simulations; nil
	// when simulations do not share state or on non-coordinating ranks.
	multi comm.Communicator
	share bool
}

func NewSignaller(set *Set, intra, multi comm.Communicator, shareState bool) *Signaller {
	if intra == nil {
		intra = comm.Self{}
	}
	return &Signaller{set: set, intra: intra, multi: multi, share: shareState}
}

func (s *Signaller) Signals() *Set { return s.set }

// Pack appends the local proposal counts to buf.
func (s *Signaller) Pack(buf []float64) []float64 {
	for i := range s.set {
		var pos, neg float64
		switch {
		case s.set[i].Sig > 0:
			pos = 1
		case s.set[i].Sig < 0:
			neg = 1
		}
		buf = append(buf, pos, neg)
	}
	return buf
}

// Unpack applies reduced proposal counts. On inter-simulation steps the
// counts of shared signals are first combined across simulations; when
// simulations share state, shared signals are only agreed on those steps.
func (s *Signaller) Unpack(ctx context.Context, reduced []float64, interSim bool) error {
	if len(reduced) < Slots {
		return fmt.Errorf("%w: %d signal slots, want %d", dynamo.ErrCommunication, len(reduced), Slots)
	}
	counts := append([]float64(nil), reduced[:Slots]...)
	if s.share && interSim {
		if err := s.interSim(ctx, counts); err != nil {
			return err
		}
	}
	for i := range s.set {
		sig := &s.set[i]
		if s.share && !sig.Local && !interSim {
			continue
		}
		if v := agree(counts[2*i], counts[2*i+1]); v != 0 {
			sig.Set = v
		}
		sig.Sig = 0
	}
	return nil
}

// Finalize agrees the local proposals without an intra-simulation
// reduction. Only valid for single-rank simulations.
func (s *Signaller) Finalize(ctx context.Context, interSim bool) error {
	if s.intra.Size() != 1 {
		return fmt.Errorf("%w: signals finalized without reduction on %d ranks", dynamo.ErrInvalidState, s.intra.Size())
	}
	return s.Unpack(ctx, s.Pack(nil), interSim)
}

func (s *Signaller) interSim(ctx context.Context, counts []float64) error {
	shared := make([]float64, Slots)
	for i := range s.set {
		if !s.set[i].Local {
			shared[2*i], shared[2*i+1] = counts[2*i], counts[2*i+1]
		}
	}
	if comm.IsMaster(s.intra) && s.multi != nil {
		if err := s.multi.AllReduceSum(ctx, shared); err != nil {
			return err
		}
	}
	if s.intra.Size() > 1 {
		if err := s.intra.Broadcast(ctx, 0, shared); err != nil {
			return err
		}
	}
	for i := range s.set {
		if !s.set[i].Local {
			counts[2*i], counts[2*i+1] = shared[2*i], shared[2*i+1]
		}
	}
	return nil
}

package tui

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/san-kum/mdloop/internal/mdrun"
)

// Feed is an observer that hands step reports to a display goroutine
// without ever blocking the step loop. Reports carrying energies or an
// event always get a chance to be sent; plain steps are rate limited.
// When the buffer is full a report is dropped.
type Feed struct {
	ch      chan mdrun.StepReport
	limiter *rate.Limiter

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func NewFeed(perSecond float64, buffer int) *Feed {
	if buffer < 1 {
		buffer = 1
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Feed{
		ch:      make(chan mdrun.StepReport, buffer),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (f *Feed) OnStep(r mdrun.StepReport) {
	important := r.HaveEnergies || r.Exchanged || r.Checkpointed
	if !important && !f.limiter.Allow() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- r:
	default:
		f.dropped.Add(1)
	}
}

func (f *Feed) Updates() <-chan mdrun.StepReport { return f.ch }

// Dropped counts reports lost to a full buffer.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close ends the stream; later reports are ignored.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

package accel

import (
	"context"
	"errors"
	"sync"
)

var errStreamClosed = errors.New("accel: stream closed")

// Event marks a point in a stream. A nil Event was never issued.
type Event struct {
	done chan struct{}
	err  error
}

func newEvent() *Event { return &Event{done: make(chan struct{})} }

func (e *Event) finish(err error) {
	e.err = err
	close(e.done)
}

func (e *Event) Issued() bool { return e != nil }

// Complete reports whether every operation before the event has run.
// A nil event counts as complete.
func (e *Event) Complete() bool {
	if e == nil {
		return true
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event completes and returns the error of the
// operation it marks.
func (e *Event) Wait(ctx context.Context) error {
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type op struct {
	fn func() error
	ev *Event
}

// Stream runs enqueued operations in order on one goroutine.
type Stream struct {
	name string
	ops  chan op
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

const streamDepth = 64

func newStream(name string) *Stream {
	s := &Stream{name: name, ops: make(chan op, streamDepth), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for o := range s.ops {
		o.ev.finish(o.fn())
	}
}

func (s *Stream) Name() string { return s.name }

// Enqueue schedules fn after everything already in the stream.
func (s *Stream) Enqueue(fn func() error) *Event {
	ev := newEvent()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ev.finish(errStreamClosed)
		return ev
	}
	s.ops <- op{fn: fn, ev: ev}
	return ev
}

// WaitEvent makes later operations of s wait for e, which may belong to
// another stream. A failed dependency fails the wait operation.
func (s *Stream) WaitEvent(e *Event) {
	if e == nil {
		return
	}
	s.Enqueue(func() error {
		<-e.done
		return e.err
	})
}

// Record returns an event completing after everything enqueued so far.
func (s *Stream) Record() *Event {
	return s.Enqueue(func() error { return nil })
}

func (s *Stream) Synchronize(ctx context.Context) error {
	return s.Record().Wait(ctx)
}

func (s *Stream) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()
	<-s.done
}

// Device owns streams. Operations on one stream are ordered; streams only
// order against each other through events.
type Device interface {
	Name() string
	Available() bool
	NewStream(name string) *Stream
	Close() error
}

// streams tracks the streams of a device for Close.
type streams struct {
	mu  sync.Mutex
	all []*Stream
}

func (t *streams) add(name string) *Stream {
	s := newStream(name)
	t.mu.Lock()
	t.all = append(t.all, s)
	t.mu.Unlock()
	return s
}

func (t *streams) closeAll() {
	t.mu.Lock()
	all := t.all
	t.all = nil
	t.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// SimDevice runs device work on host goroutines, one per stream.
type SimDevice struct {
	streams
}

func NewSimDevice() *SimDevice { return &SimDevice{} }

func (d *SimDevice) Name() string                  { return "sim" }
func (d *SimDevice) Available() bool               { return true }
func (d *SimDevice) NewStream(name string) *Stream { return d.add(name) }

func (d *SimDevice) Close() error {
	d.closeAll()
	return nil
}

// AutoSelect returns a CUDA device when one is present, else a SimDevice.
func AutoSelect() Device {
	cuda := NewCUDADevice()
	if cuda.Available() {
		return cuda
	}
	return NewSimDevice()
}

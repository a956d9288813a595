package accel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/san-kum/mdloop/internal/constraint"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/integrator"
	"github.com/san-kum/mdloop/internal/schedule"
)

type BufferKind uint8

const (
	Coordinates BufferKind = iota
	Velocities
	Forces
	numKinds
)

func (k BufferKind) String() string {
	switch k {
	case Coordinates:
		return "coordinates"
	case Velocities:
		return "velocities"
	case Forces:
		return "forces"
	}
	return "unknown"
}

// BufferSet is the device copy of the local state. It is valid only for
// the partition generation it was built for.
type BufferSet struct {
	X, V, F    []dynamo.Vec3
	NumAtoms   int
	Generation uint64
	Pinned     bool
	Valid      bool
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithPinnedHost marks host buffers as page-locked for the copy engine.
func WithPinnedHost() Option { return func(p *Pipeline) { p.buf.Pinned = true } }

// WithReinitHook is called after every buffer reinitialization.
func WithReinitHook(fn func(natoms int)) Option { return func(p *Pipeline) { p.onReinit = fn } }

// Pipeline keeps the device buffers and runs the leap-frog update with
// constraints on the update stream. Transfers run on their own stream and
// order against updates through events.
type Pipeline struct {
	dev      Device
	update   *Stream
	transfer *Stream
	kernels  *integrator.Kernels
	cons     constraint.Solver

	buf   BufferSet
	state *dynamo.LocalState
	xp    []dynamo.Vec3

	toDevice   [numKinds]*Event
	toHost     [numKinds]*Event
	lastUpdate *Event

	logger   *slog.Logger
	onReinit func(int)
}

// NewPipeline builds the pipeline. cons may be nil when the topology has no
// constraints; it must not be shared with the host integrator.
func NewPipeline(dev Device, top *dynamo.Topology, cons constraint.Solver, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:      dev,
		update:   dev.NewStream("update"),
		transfer: dev.NewStream("transfer"),
		kernels:  integrator.NewKernels(top),
		cons:     cons,
		state:    &dynamo.LocalState{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

func (p *Pipeline) Device() Device { return p.dev }

func (p *Pipeline) Buffers() BufferSet { return p.buf }

// Reinit drains both streams and rebuilds the buffers for the current
// partition of ls.
func (p *Pipeline) Reinit(ctx context.Context, ls *dynamo.LocalState) error {
	if err := p.update.Synchronize(ctx); err != nil {
		return err
	}
	if err := p.transfer.Synchronize(ctx); err != nil {
		return err
	}
	n := ls.NumAtoms()
	if cap(p.buf.X) < n {
		p.buf.X = make([]dynamo.Vec3, n)
		p.buf.V = make([]dynamo.Vec3, n)
		p.buf.F = make([]dynamo.Vec3, n)
		p.xp = make([]dynamo.Vec3, n)
	}
	p.buf.X, p.buf.V, p.buf.F, p.xp = p.buf.X[:n], p.buf.V[:n], p.buf.F[:n], p.xp[:n]
	p.buf.NumAtoms = n
	p.buf.Generation = ls.Generation
	p.buf.Valid = true

	p.state.Home = append(p.state.Home[:0], ls.Home...)
	p.state.X, p.state.V, p.state.F = p.buf.X, p.buf.V, p.buf.F
	p.state.Generation = ls.Generation
	p.kernels.SetNumAtoms(p.state)
	if p.cons != nil {
		p.cons.SetNumAtoms(p.state)
	}
	p.toDevice = [numKinds]*Event{}
	p.toHost = [numKinds]*Event{}
	p.lastUpdate = nil

	p.logger.Debug("device buffers reinitialized",
		slog.String("device", p.dev.Name()),
		slog.Int("atoms", n),
		slog.Uint64("generation", ls.Generation))
	if p.onReinit != nil {
		p.onReinit(n)
	}
	return nil
}

func (p *Pipeline) check(ls *dynamo.LocalState) error {
	if !p.buf.Valid || p.buf.Generation != ls.Generation || p.buf.NumAtoms != ls.NumAtoms() {
		return fmt.Errorf("%w: buffers hold generation %d, partition is at %d",
			dynamo.ErrStaleBuffers, p.buf.Generation, ls.Generation)
	}
	return nil
}

func (p *Pipeline) deviceSlice(k BufferKind) []dynamo.Vec3 {
	switch k {
	case Coordinates:
		return p.buf.X
	case Velocities:
		return p.buf.V
	}
	return p.buf.F
}

func hostSlice(ls *dynamo.LocalState, k BufferKind) []dynamo.Vec3 {
	switch k {
	case Coordinates:
		return ls.X
	case Velocities:
		return ls.V
	}
	return ls.F
}

// copyToDevice reads the host array when the copy runs, so the host must
// not write it before the returned event completes.
func (p *Pipeline) copyToDevice(ls *dynamo.LocalState, k BufferKind) (*Event, error) {
	if err := p.check(ls); err != nil {
		return nil, err
	}
	p.transfer.WaitEvent(p.lastUpdate)
	dst, src := p.deviceSlice(k), hostSlice(ls, k)
	ev := p.transfer.Enqueue(func() error {
		copy(dst, src)
		return nil
	})
	p.toDevice[k] = ev
	return ev, nil
}

func (p *Pipeline) copyToHost(ls *dynamo.LocalState, k BufferKind) (*Event, error) {
	if err := p.check(ls); err != nil {
		return nil, err
	}
	p.transfer.WaitEvent(p.lastUpdate)
	dst, src := hostSlice(ls, k), p.deviceSlice(k)
	ev := p.transfer.Enqueue(func() error {
		copy(dst, src)
		return nil
	})
	p.toHost[k] = ev
	return ev, nil
}

func (p *Pipeline) CopyCoordinatesToDevice(ls *dynamo.LocalState) (*Event, error) {
	return p.copyToDevice(ls, Coordinates)
}

func (p *Pipeline) CopyVelocitiesToDevice(ls *dynamo.LocalState) (*Event, error) {
	return p.copyToDevice(ls, Velocities)
}

func (p *Pipeline) CopyForcesToDevice(ls *dynamo.LocalState) (*Event, error) {
	return p.copyToDevice(ls, Forces)
}

func (p *Pipeline) CopyCoordinatesFromDevice(ls *dynamo.LocalState) (*Event, error) {
	return p.copyToHost(ls, Coordinates)
}

func (p *Pipeline) CopyVelocitiesFromDevice(ls *dynamo.LocalState) (*Event, error) {
	return p.copyToHost(ls, Velocities)
}

func (p *Pipeline) WaitCoordinatesOnHost(ctx context.Context) error {
	return p.toHost[Coordinates].Wait(ctx)
}

func (p *Pipeline) WaitVelocitiesOnHost(ctx context.Context) error {
	return p.toHost[Velocities].Wait(ctx)
}

// HostReadable fails while a device-to-host copy of k is still in flight.
func (p *Pipeline) HostReadable(k BufferKind) error {
	if ev := p.toHost[k]; !ev.Complete() {
		return fmt.Errorf("%w: %s copy to host still in flight", dynamo.ErrInvalidState, k)
	}
	return nil
}

// Integrate runs the leap-frog update and position constraints on the
// update stream once the forces and the latest host-to-device copies are
// in. It returns after the update completes with the constraint virial.
// A solver that does not converge still leaves its positions on the device
// and its error is returned with the virial; the caller decides whether the
// run goes on.
func (p *Pipeline) Integrate(ctx context.Context, ls *dynamo.LocalState, forcesReady *Event, params integrator.DeviceParams) (dynamo.Tensor, error) {
	if err := p.check(ls); err != nil {
		return dynamo.Tensor{}, err
	}
	p.update.WaitEvent(forcesReady)
	for _, ev := range p.toDevice {
		p.update.WaitEvent(ev)
	}
	box := ls.Box
	var vir dynamo.Tensor
	var solveErr error
	ev := p.update.Enqueue(func() error {
		p.kernels.LeapFrog(p.state, p.xp, params.Dt, params.Lambda, 0)
		if p.cons != nil && p.cons.NumLocal() > 0 {
			res, err := p.cons.Positions(p.state.X, p.xp, p.state.V, box, params.Dt)
			if err != nil && !errors.Is(err, dynamo.ErrNonConvergence) {
				return err
			}
			vir, solveErr = res.Virial, err
		}
		copy(p.state.X, p.xp)
		return nil
	})
	p.lastUpdate = ev
	if err := ev.Wait(ctx); err != nil {
		return dynamo.Tensor{}, err
	}
	return vir, solveErr
}

// Close drains the streams and releases the device.
func (p *Pipeline) Close() error {
	p.buf.Valid = false
	return p.dev.Close()
}

// NeedVelocitiesOnHost reports whether the host reads velocities this step:
// search steps, velocity output, reductions and the half-step kinetic
// energy all need them.
func NeedVelocitiesOnHost(sc schedule.StepContext) bool {
	return sc.Search || sc.WriteVelocities || sc.GlobalReduction || sc.NeedHalfStepKE
}

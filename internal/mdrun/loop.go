package mdrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/san-kum/mdloop/internal/accel"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/ensemble"
	"github.com/san-kum/mdloop/internal/force"
	"github.com/san-kum/mdloop/internal/integrator"
	"github.com/san-kum/mdloop/internal/partition"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/schedule"
	"github.com/san-kum/mdloop/internal/storage"
	"github.com/san-kum/mdloop/internal/telemetry"
)

// stepData is passed from stage to stage within one step.
type stepData struct {
	sc          schedule.StepContext
	out         force.Output
	forcesReady *accel.Event

	// mid and fin are the reductions after the first half step and after
	// the update; tot merges them.
	mid, fin *reduce.Totals
	tot      reduce.Totals
	consKE   float64
	offset   float64

	repartitioned partition.Reason
	checkpoint    *storage.Checkpoint
	nextState     int
	haveNext      bool
}

// Run executes the step loop and returns the outcome of this rank. A
// Runner runs once; the force provider is shut down when Run returns.
func (r *Runner) Run(ctx context.Context) (res *Result, err error) {
	if r.ran {
		return nil, fmt.Errorf("%w: runner already ran", dynamo.ErrInvalidState)
	}
	r.ran = true

	ctx, span := telemetry.StartSpan(ctx, "mdrun.run",
		attribute.Int("replica", r.replica),
		attribute.Int("rank", r.comm.Rank()),
		attribute.String("integrator", r.integ.Kind().String()),
	)
	defer span.End()
	defer func() {
		if err != nil {
			r.integ.Abort()
			telemetry.RecordError(span, err)
		}
		err = errors.Join(err, r.shutdown())
	}()

	stop := r.forwardInterrupts()
	defer stop()

	r.result = &Result{Replica: r.replica, Repartitions: map[partition.Reason]int{}}
	r.counters = Counters{Since: r.cfg.InitStep}
	for _, m := range r.metrics {
		m.Reset()
	}

	if err := r.setupState(ctx); err != nil {
		return nil, err
	}
	if err := r.loop(ctx); err != nil {
		return nil, err
	}
	return r.finish(ctx)
}

// forwardInterrupts hands values received on the interrupt channel to the
// stop handler until the returned function is called.
func (r *Runner) forwardInterrupts() func() {
	if r.interrupts == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-r.interrupts:
				if !ok {
					return
				}
				r.stop.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) shutdown() error {
	var errs []error
	if r.pipeline != nil {
		errs = append(errs, r.pipeline.Close())
	}
	if err := r.provider.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown provider %s: %w", r.provider.Name(), err))
	}
	return errors.Join(errs...)
}

func (r *Runner) loop(ctx context.Context) error {
	var carry schedule.Carry
	r.lastSearch = time.Now()
	for stepRel := int64(0); ; stepRel++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sc := r.sched.Due(stepRel, carry)

		start := time.Now()
		next, err := r.step(ctx, sc)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		r.counters.Steps++
		r.counters.Total += elapsed
		telemetry.StepsTotal.Inc()
		telemetry.StepDuration.Observe(elapsed.Seconds())

		r.result.StepsDone++
		r.result.LastStep = sc.Step
		r.reset.ResetIfAgreed(sc.Step, func() { r.counters = Counters{Since: sc.Step + 1} })

		if sc.Last {
			r.result.Stopped = r.cfg.NSteps < 0 || stepRel < r.cfg.NSteps
			return nil
		}
		carry = next
	}
}

// step runs one integration step and returns what the next step needs
// from it.
func (r *Runner) step(ctx context.Context, sc schedule.StepContext) (schedule.Carry, error) {
	d := &stepData{sc: sc}
	ls := r.ls
	p := r.sched.Params()

	if sc.TuneLongRange && r.balancer != nil {
		now := time.Now()
		if err := r.balancer.Step(ctx, sc.Step, sc.NStList, now.Sub(r.lastSearch)); err != nil {
			return schedule.Carry{}, err
		}
		r.lastSearch = now
	}

	if p.FEP {
		ls.Lambda = r.lambdaAt(sc.Step, ls.FEPState)
	}

	if r.pipeline != nil && !r.vOnHost && (sc.Search || sc.WriteVelocities || sc.Last) {
		if err := r.velocitiesToHost(ctx, sc.Step); err != nil {
			return schedule.Carry{}, err
		}
	}

	boxCorrected := sc.Search && p.Barostat && ls.Box.CorrectSkew()
	if reason, ok := r.ctrl.Required(sc, boxCorrected); ok {
		if err := r.repartition(ctx, sc.Step, reason); err != nil {
			return schedule.Carry{}, err
		}
		d.repartitioned = reason
	}

	if sc.Exchanged {
		if err := r.exchangedTemperature(ctx, sc.Step); err != nil {
			return schedule.Carry{}, err
		}
	}

	d.sc.Checkpoint = r.cpt.Decide(sc.Search, sc.First, sc.Last)
	sc = d.sc
	if sc.Checkpoint {
		if err := r.snapshotCheckpoint(ctx, d); err != nil {
			return schedule.Carry{}, err
		}
	}
	if err := r.computeForces(ctx, d); err != nil {
		return schedule.Carry{}, err
	}
	if err := r.integ.Begin(sc.Step, r.initStep(sc), ls, &r.last); err != nil {
		return schedule.Carry{}, err
	}

	if err := r.firstHalf(ctx, d); err != nil {
		return schedule.Carry{}, err
	}
	if err := r.writeOutput(ctx, d); err != nil {
		return schedule.Carry{}, err
	}

	r.stop.Propose(sc.Step)
	if sc.GlobalReduction || r.comm.Size() == 1 {
		r.cpt.Propose()
	}
	r.reset.Propose(sc.StepRel)

	if err := r.update(ctx, d); err != nil {
		return schedule.Carry{}, err
	}
	if err := r.finalReduce(ctx, d); err != nil {
		return schedule.Carry{}, err
	}
	if err := r.finishStep(ctx, d); err != nil {
		return schedule.Carry{}, err
	}

	exchanged, err := r.stateChanges(ctx, d)
	if err != nil {
		return schedule.Carry{}, err
	}

	if d.tot.HavePres && (p.NstGlobalComm == 1 || (p.Barostat && schedule.DoPerStep(sc.Step, p.NstPCouple))) {
		ls.PresPrev = d.tot.Pressure
	}
	ls.SVirPrev = r.integ.ConstraintVirial()
	ls.FVirPrev = d.out.Virial
	mergeTotals(&r.last, d.tot)

	r.report(d, exchanged)
	return schedule.Carry{Exchanged: exchanged, StopSignal: r.stop.Agreed()}, nil
}

// initStep reports whether this is the first step of a new simulation.
func (r *Runner) initStep(sc schedule.StepContext) bool {
	return sc.First && !r.cfg.Continuation
}

// lambdaAt is the lambda vector of a state, moved by the slow-growth rate
// when one is set.
func (r *Runner) lambdaAt(step int64, state int) dynamo.Lambda {
	l := ensemble.LambdaVector(r.cfg.FreeEnergy.Lambdas, state)
	if dl := r.cfg.FreeEnergy.DeltaLambda; dl != 0 {
		for i := range l {
			l[i] = math.Min(1, math.Max(0, l[i]+dl*float64(step)))
		}
	}
	return l
}

func (r *Runner) velocitiesToHost(ctx context.Context, step int64) error {
	if _, err := r.pipeline.CopyVelocitiesFromDevice(r.ls); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
	}
	if err := r.pipeline.WaitVelocitiesOnHost(ctx); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
	}
	r.vOnHost = true
	return nil
}

func (r *Runner) collect(ctx context.Context, step int64) error {
	t0 := time.Now()
	defer func() { r.counters.Comm += time.Since(t0) }()
	if err := partition.Collect(ctx, r.comm, r.global, r.ls); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoCollect, err)
	}
	r.global.Step, r.global.Time = step, float64(step)*r.cfg.Dt
	return nil
}

func (r *Runner) repartition(ctx context.Context, step int64, reason partition.Reason) error {
	ctx, span := telemetry.StartSpan(ctx, "mdrun.repartition",
		attribute.Int64("step", step),
		attribute.String("reason", string(reason)),
	)
	defer span.End()
	err := r.redistribute(ctx, step, reason)
	telemetry.RecordError(span, err)
	return err
}

// redistribute reassigns the atoms from the pending replacement state, or
// from the collected current state, and rebuilds every per-atom cache.
func (r *Runner) redistribute(ctx context.Context, step int64, reason partition.Reason) error {
	g := r.pending
	r.pending = nil
	if g == nil {
		if err := r.collect(ctx, step); err != nil {
			return err
		}
		g = r.global
	}
	t0 := time.Now()
	a, err := r.slab.Repartition(g, r.comm.Size())
	if err != nil {
		return dynamo.Fatal(step, dynamo.ProtoRepartition, err)
	}
	partition.Apply(r.ls, g, a, r.comm.Rank())
	r.integ.SetNumAtoms(r.ls)
	r.checkBondeds = true
	r.vOnHost = true

	r.result.Repartitions[reason]++
	telemetry.RepartitionsTotal.WithLabelValues(string(reason)).Inc()

	if r.pipeline != nil {
		if err := r.pipeline.Reinit(ctx, r.ls); err != nil {
			return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
		}
		if _, err := r.pipeline.CopyCoordinatesToDevice(r.ls); err != nil {
			return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
		}
		if _, err := r.pipeline.CopyVelocitiesToDevice(r.ls); err != nil {
			return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
		}
	}
	r.counters.Comm += time.Since(t0)
	r.logger.Debug("repartitioned",
		slog.Int64("step", step),
		slog.String("reason", string(reason)),
		slog.Uint64("generation", r.ls.Generation),
		slog.Int("home_atoms", r.ls.NumAtoms()))
	return nil
}

// exchangedTemperature recomputes the kinetic energy of the state that
// replaced ours, before any coupling reads it.
func (r *Runner) exchangedTemperature(ctx context.Context, step int64) error {
	flags := reduce.GStat | reduce.Temperature
	if r.integ.Kind() == integrator.KindVelocityVerlet || !r.prevReduced {
		flags |= reduce.FullStepKE
	}
	t, err := r.globalReduce(ctx, reduce.Input{Step: step - 1, State: r.ls}, flags)
	if err != nil {
		return err
	}
	mergeTotals(&r.last, t)
	return nil
}

func (r *Runner) globalReduce(ctx context.Context, in reduce.Input, flags reduce.Flags) (reduce.Totals, error) {
	t0 := time.Now()
	t, err := r.reducer.Reduce(ctx, in, flags)
	r.counters.Reduce += time.Since(t0)
	if err == nil && flags.Has(reduce.CheckBondeds) {
		r.checkBondeds = false
	}
	return t, err
}

// input is the local view of this step for a reduction.
func (r *Runner) input(d *stepData) reduce.Input {
	return reduce.Input{
		Step:             d.sc.Step,
		State:            r.ls,
		Energy:           d.out.Energy,
		ForceVirial:      d.out.Virial,
		ConstraintVirial: r.integ.ConstraintVirial(),
		BondedCount:      d.out.BondedCount,
	}
}

// dueFlags returns the optional quantities of the mid (final false) or the
// final reduction. Leap-frog reduces everything after the update; the
// Verlet families reduce energies and virials and remove the COM motion
// after the first half step.
func (r *Runner) dueFlags(sc schedule.StepContext, final bool) reduce.Flags {
	if final == r.integ.Kind().IsVerlet() {
		return 0
	}
	var f reduce.Flags
	if sc.StopCM {
		f |= reduce.StopCM
	}
	if sc.CalcEnergy {
		f |= reduce.Energy
	}
	if sc.CalcVirial {
		f |= reduce.Pressure | reduce.Constraint
	}
	if r.checkBondeds && sc.GlobalReduction {
		f |= reduce.CheckBondeds
	}
	return f
}

// trotterDue reports whether a Trotter operator of step needs the
// full-step kinetic energy.
func (r *Runner) trotterDue(step int64) bool {
	c := r.integ.Coupling()
	return c.TrotterThermoStep(step) || c.TrotterBaroStep(step)
}

// snapshotCheckpoint collects the state at the start of the step. It is
// written with the output of this step.
func (r *Runner) snapshotCheckpoint(ctx context.Context, d *stepData) error {
	step := d.sc.Step
	if r.pipeline != nil && !r.vOnHost {
		if err := r.velocitiesToHost(ctx, step); err != nil {
			return err
		}
	}
	if err := r.collect(ctx, step); err != nil {
		return err
	}
	ekin := r.reducer.EkinState()
	d.checkpoint = &storage.Checkpoint{
		Step:    step,
		Time:    d.sc.Time,
		Replica: r.replica,
		State:   r.global.Clone(),
		Ekin:    &ekin,
	}
	return nil
}

func (r *Runner) computeForces(ctx context.Context, d *stepData) error {
	sc, ls := d.sc, r.ls
	t0 := time.Now()
	x, err := r.halo.Exchange(ctx, r.comm, ls)
	if err != nil {
		return dynamo.Fatal(sc.Step, dynamo.ProtoHalo, err)
	}
	t1 := time.Now()
	r.counters.Comm += t1.Sub(t0)

	req := force.Request{
		Step:       sc.Step,
		X:          x,
		Home:       ls.Home,
		Box:        ls.Box,
		Lambda:     ls.Lambda,
		CalcEnergy: sc.CalcEnergy,
		CalcVirial: sc.CalcVirial,
		DoFEP:      sc.DoFEP,
	}
	if sc.DoFEP && sc.CalcEnergy {
		req.Foreign = r.foreign
	}
	out, err := r.provider.Compute(ctx, req)
	if err != nil {
		return dynamo.Fatal(sc.Step, dynamo.ProtoForce, fmt.Errorf("%s: %w", r.provider.Name(), err))
	}
	if len(out.F) != ls.NumAtoms() {
		return dynamo.Fatal(sc.Step, dynamo.ProtoForce,
			fmt.Errorf("%w: %s returned %d forces for %d atoms", dynamo.ErrProvider, r.provider.Name(), len(out.F), ls.NumAtoms()))
	}
	copy(ls.F, out.F)
	r.steering.ApplyForces(ls.Home, ls.F)
	if err := r.integ.SpreadForces(sc.Step, ls.F); err != nil {
		return err
	}
	d.out = out
	r.counters.Force += time.Since(t1)

	if r.pipeline != nil {
		ev, err := r.pipeline.CopyForcesToDevice(ls)
		if err != nil {
			return dynamo.Fatal(sc.Step, dynamo.ProtoAccelerator, err)
		}
		d.forcesReady = ev
	}
	return nil
}

// firstHalf brings Verlet velocities to the full step, reduces and runs
// the coupling that needs the full-step kinetic energy. The conserved
// energy is taken here for these families.
func (r *Runner) firstHalf(ctx context.Context, d *stepData) error {
	kind := r.integ.Kind()
	if !kind.IsVerlet() {
		return nil
	}
	sc := d.sc
	t0 := time.Now()
	if err := r.integ.HalfStep(); err != nil {
		return err
	}
	if err := r.integ.EnterGlobalSync(); err != nil {
		return err
	}
	r.counters.Update += time.Since(t0)

	init := r.initStep(sc)
	if sc.GlobalReduction || r.trotterDue(sc.Step) {
		flags := reduce.GStat | reduce.FullStepKE | r.dueFlags(sc, false)
		if !init || kind == integrator.KindVelocityVerletAvek {
			flags |= reduce.Temperature
		}
		t, err := r.globalReduce(ctx, r.input(d), flags)
		if err != nil {
			return err
		}
		d.mid = &t
	}
	s, err := r.integ.HalfStepCouple(d.mid)
	if err != nil {
		return err
	}
	if s != 1 {
		r.reducer.ScaleFullStepKE(s)
	}

	d.consKE = r.last.Ekin
	if d.mid != nil {
		if d.mid.HaveEkin {
			d.consKE = d.mid.Ekin
		}
		mergeTotals(&d.tot, *d.mid)
	}
	if init && !d.tot.HaveEkin && r.last.HaveEkin {
		// the restored velocities are those of the setup reduction
		d.tot.EkinTensor, d.tot.Ekin = r.last.EkinTensor, r.last.Ekin
		d.tot.Temperature, d.tot.HaveEkin = r.last.Temperature, true
	}
	d.offset = r.integ.ConservedOffset(r.ls)
	return nil
}

// writeOutput writes trajectory frames, the checkpoint and the final
// configuration, and publishes to the steering session.
func (r *Runner) writeOutput(ctx context.Context, d *stepData) error {
	sc := d.sc
	confout := sc.Last && r.cfg.WriteConfout
	publish := r.steering.Active() && r.steering.PublishDue(sc.Step)
	frame := sc.WriteCoordinates || sc.WriteVelocities
	if !frame && !confout && !publish && d.checkpoint == nil {
		return nil
	}
	t0 := time.Now()
	defer func() { r.counters.Output += time.Since(t0) }()

	if frame || confout || publish {
		if err := r.collect(ctx, sc.Step); err != nil {
			return err
		}
	}
	if !r.master {
		return nil
	}
	if r.output != nil {
		if frame {
			if err := r.output.WriteFrame(r.global); err != nil {
				return fmt.Errorf("write frame at step %d: %w", sc.Step, err)
			}
		}
		if d.checkpoint != nil {
			if err := r.writeCheckpoint(ctx, d.checkpoint); err != nil {
				return err
			}
		}
		if confout {
			if err := r.output.WriteConfout(r.global); err != nil {
				return fmt.Errorf("write final configuration: %w", err)
			}
		}
	}
	if publish {
		epot := r.acc.Epot
		if d.tot.HaveEnergy {
			epot = d.tot.Epot
		}
		r.steering.Publish(sc.Step, r.global, epot)
	}
	return nil
}

func (r *Runner) writeCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	_, span := telemetry.StartSpan(ctx, "mdrun.checkpoint", attribute.Int64("step", cp.Step))
	defer span.End()
	if err := r.output.WriteCheckpoint(cp); err != nil {
		err = dynamo.Fatal(cp.Step, dynamo.ProtoCheckpoint, err)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.CheckpointsTotal.Inc()
	r.logger.Info("wrote checkpoint", slog.Int64("step", cp.Step))
	return nil
}

func (r *Runner) update(ctx context.Context, d *stepData) error {
	t0 := time.Now()
	defer func() { r.counters.Update += time.Since(t0) }()
	if r.pipeline == nil {
		if err := r.integ.Update(); err != nil {
			return err
		}
	} else if err := r.deviceUpdate(ctx, d); err != nil {
		return err
	}
	return r.ed.Apply(ctx, r.comm, d.sc.Step, r.ls, r.cfg.Dt)
}

// deviceUpdate runs the leap-frog update on the accelerator and brings back
// what the host reads this step.
func (r *Runner) deviceUpdate(ctx context.Context, d *stepData) error {
	step, ls := d.sc.Step, r.ls
	err := r.integ.UpdateWith(func(p integrator.DeviceParams) (dynamo.Tensor, error) {
		return r.pipeline.Integrate(ctx, ls, d.forcesReady, p)
	})
	if err != nil {
		return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
	}
	if _, err := r.pipeline.CopyCoordinatesFromDevice(ls); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
	}
	if err := r.pipeline.WaitCoordinatesOnHost(ctx); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoAccelerator, err)
	}
	r.vOnHost = false
	if accel.NeedVelocitiesOnHost(d.sc) {
		return r.velocitiesToHost(ctx, step)
	}
	return nil
}

// finalReduce is the end-of-step reduction carrying the signals. Steps
// without one store the local half-step kinetic energy when the next step
// will average it.
func (r *Runner) finalReduce(ctx context.Context, d *stepData) error {
	sc := d.sc
	if err := r.integ.EnterFinalSync(); err != nil {
		return err
	}
	kind := r.integ.Kind()
	avek := kind == integrator.KindVelocityVerletAvek
	thermo := r.integ.Coupling().TrotterThermoStep

	if !sc.GlobalReduction && !(avek && thermo(sc.Step)) {
		r.prevReduced = false
		if r.comm.Size() == 1 {
			if err := r.signaller.Finalize(ctx, sc.InterSimSignal); err != nil {
				return dynamo.Fatal(sc.Step, dynamo.ProtoSignal, err)
			}
		}
		// a stop agreed just now can make the next step reduce
		need := sc.NeedHalfStepKE ||
			(r.sched.Params().HalfStepAverage && r.sched.GlobalReductionDue(sc.StepRel+1, r.stop.Agreed()))
		if need || (avek && thermo(sc.Step+1)) {
			r.reducer.ComputeHalfStepKE(sc.Step, r.ls)
		}
		return nil
	}

	flags := reduce.GStat | r.dueFlags(sc, true)
	if !kind.IsVerlet() || avek {
		flags |= reduce.Temperature
	}
	in := r.input(d)
	in.Signaller = r.signaller
	in.InterSim = sc.InterSimSignal
	t, err := r.globalReduce(ctx, in, flags)
	if err != nil {
		return err
	}
	d.fin = &t
	r.prevReduced = flags.Has(reduce.Temperature)
	mergeTotals(&d.tot, t)
	return nil
}

// finishStep closes the integrator step and records the energies.
func (r *Runner) finishStep(ctx context.Context, d *stepData) error {
	sc, ls := d.sc, r.ls
	verlet := r.integ.Kind().IsVerlet()
	box := ls.Box

	t := d.fin
	if verlet && (d.mid != nil || d.fin != nil) {
		tot := d.tot
		t = &tot
	}
	if _, err := r.integ.Finish(t); err != nil {
		return err
	}
	if !verlet {
		d.offset = r.integ.ConservedOffset(ls)
		if d.fin != nil {
			d.consKE = d.fin.Ekin
		}
	}

	if r.pipeline != nil {
		if d.tot.COMRemoved {
			if _, err := r.pipeline.CopyVelocitiesToDevice(ls); err != nil {
				return dynamo.Fatal(sc.Step, dynamo.ProtoAccelerator, err)
			}
		}
		if ls.Box != box {
			if _, err := r.pipeline.CopyCoordinatesToDevice(ls); err != nil {
				return dynamo.Fatal(sc.Step, dynamo.ProtoAccelerator, err)
			}
		}
	}

	if d.tot.HaveEnergy {
		if err := r.recordEnergies(d); err != nil {
			return err
		}
	}

	if sc.DoExpanded && r.expanded != nil {
		next, err := r.expanded.Move(sc.Step, ls.FEPState, d.tot.Energy.Foreign, &ls.DF)
		if err != nil {
			return dynamo.Fatal(sc.Step, dynamo.ProtoExpanded, err)
		}
		d.nextState, d.haveNext = next, true
	}
	return nil
}

func (r *Runner) recordEnergies(d *stepData) error {
	sc := d.sc
	a := &r.acc
	a.Step, a.Time = sc.Step, sc.Time
	a.Apply(d.tot)
	a.Conserved = a.Epot + d.consKE + d.offset
	a.FEPState = r.ls.FEPState
	a.Volume = r.ls.Box.Volume()
	r.avg.Add(*a)

	if !r.master {
		return nil
	}
	for _, m := range r.metrics {
		m.Observe(*a)
	}
	if sc.Energy && r.output != nil {
		t0 := time.Now()
		err := r.output.WriteEnergy(*a)
		r.counters.Output += time.Since(t0)
		if err != nil {
			return fmt.Errorf("write energies at step %d: %w", sc.Step, err)
		}
	}
	if sc.Log {
		r.logger.Info("energies",
			slog.Int64("step", sc.Step),
			slog.Float64("time", sc.Time),
			slog.Float64("epot", a.Epot),
			slog.Float64("ekin", a.Ekin),
			slog.Float64("conserved", a.Conserved),
			slog.Float64("temperature", a.Temperature),
			slog.Float64("pressure", a.PresScalar))
	} else if sc.Verbose {
		r.logger.Debug("step", slog.Int64("step", sc.Step), slog.Float64("conserved", a.Conserved))
	}
	return nil
}

// stateChanges applies the expanded-ensemble move, the coordinate swap and
// the replica exchange. It reports whether the state was replaced; the
// replacement is distributed at the start of the next step.
func (r *Runner) stateChanges(ctx context.Context, d *stepData) (bool, error) {
	sc := d.sc
	if d.haveNext && d.nextState != r.ls.FEPState {
		r.logger.Debug("lambda state changed",
			slog.Int64("step", sc.Step),
			slog.Int("from", r.ls.FEPState),
			slog.Int("to", d.nextState))
		r.ls.FEPState = d.nextState
	}

	exchanged := false
	if sc.DoSwap {
		if err := r.collect(ctx, sc.Step); err != nil {
			return false, err
		}
		swapped, err := r.swapper.Swap(sc.Step, r.global)
		if err != nil {
			return false, dynamo.Fatal(sc.Step, dynamo.ProtoSwap, err)
		}
		if swapped {
			r.pending = r.global.Clone()
			r.ctrl.MarkSwapped()
			exchanged = true
		}
	}
	if sc.DoReplicaExchange {
		ok, err := r.replicaExchange(ctx, d)
		if err != nil {
			return false, err
		}
		exchanged = exchanged || ok
	}
	return exchanged, nil
}

func (r *Runner) replicaExchange(ctx context.Context, d *stepData) (bool, error) {
	step := d.sc.Step
	ctx, span := telemetry.StartSpan(ctx, "mdrun.replica_exchange", attribute.Int64("step", step))
	defer span.End()

	if err := r.collect(ctx, step); err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}
	exchanged := false
	if r.replex != nil {
		ok, err := r.replex.Exchange(ctx, step, d.tot.Epot, r.global)
		if err != nil {
			telemetry.RecordError(span, err)
			return false, err
		}
		telemetry.ReplexAttemptsTotal.Inc()
		if ok {
			telemetry.ReplexAcceptsTotal.Inc()
		}
		exchanged = ok
	}
	exchanged, err := ensemble.ShareExchange(ctx, r.comm, exchanged, r.global)
	if err != nil {
		err = dynamo.Fatal(step, dynamo.ProtoReplicaEx, err)
		telemetry.RecordError(span, err)
		return false, err
	}
	if exchanged {
		r.pending = r.global.Clone()
		r.result.Exchanges++
	}
	span.SetAttributes(attribute.Bool("exchanged", exchanged))
	return exchanged, nil
}

func (r *Runner) report(d *stepData, exchanged bool) {
	if !r.master || len(r.observers) == 0 {
		return
	}
	rep := StepReport{
		Replica:       r.replica,
		Step:          d.sc.Step,
		Time:          d.sc.Time,
		Plan:          d.sc,
		Energies:      r.acc,
		HaveEnergies:  d.tot.HaveEnergy,
		Repartitioned: d.repartitioned,
		Exchanged:     exchanged,
		Checkpointed:  d.checkpoint != nil,
	}
	for _, o := range r.observers {
		o.OnStep(rep)
	}
}

// finish collects the final state and fills the result.
func (r *Runner) finish(ctx context.Context) (*Result, error) {
	res := r.result
	if r.pipeline != nil && !r.vOnHost {
		if err := r.velocitiesToHost(ctx, res.LastStep); err != nil {
			return nil, err
		}
	}
	if err := r.collect(ctx, res.LastStep+1); err != nil {
		return nil, err
	}
	res.Final = r.global.Clone()
	res.Energies = r.acc
	if r.avg.Len() > 0 {
		res.Averages = r.avg.Summary()
	}
	if r.master && len(r.metrics) > 0 {
		res.Metrics = make(map[string]float64, len(r.metrics))
		for _, m := range r.metrics {
			res.Metrics[m.Name()] = m.Value()
		}
	}
	if r.replex != nil {
		res.Acceptance = r.replex.AcceptanceRatios()
		r.replex.PrintStatistics()
	}
	if r.balancer != nil {
		res.LongRange = r.balancer.Setup()
	} else if tun, ok := r.provider.(force.Tunable); ok {
		res.LongRange = tun.LongRange()
	}
	res.Counters = r.counters

	if r.master {
		attrs := []any{
			slog.Int64("steps", res.StepsDone),
			slog.Int64("last_step", res.LastStep),
			slog.Bool("stopped", res.Stopped),
			slog.Float64("ns_per_day", r.counters.NsPerDay(r.cfg.Dt)),
		}
		if s, ok := res.Averages["temperature"]; ok {
			attrs = append(attrs, slog.Float64("mean_temperature", s.Mean))
		}
		if s, ok := res.Averages["conserved"]; ok {
			attrs = append(attrs, slog.Float64("mean_conserved", s.Mean), slog.Float64("conserved_stddev", s.StdDev))
		}
		r.logger.Info("run finished", attrs...)
	}
	return res, nil
}

// mergeTotals copies the quantities present in src into dst.
func mergeTotals(dst *reduce.Totals, src reduce.Totals) {
	dst.Step = src.Step
	dst.Reduced = dst.Reduced || src.Reduced
	if src.HaveEkin {
		dst.EkinTensor, dst.Ekin, dst.Temperature = src.EkinTensor, src.Ekin, src.Temperature
		dst.HaveEkin = true
	}
	if src.HaveEnergy {
		dst.Energy, dst.Epot, dst.DVDL = src.Energy, src.Epot, src.DVDL
		dst.HaveEnergy = true
	}
	if src.HavePres {
		dst.Virial, dst.ConstrVir = src.Virial, src.ConstrVir
		dst.Pressure, dst.PresScalar = src.Pressure, src.PresScalar
		dst.HavePres = true
	}
	if src.COMRemoved {
		dst.VCM, dst.COMRemoved = src.VCM, true
	}
	if src.BondedCount > 0 {
		dst.BondedCount = src.BondedCount
	}
}

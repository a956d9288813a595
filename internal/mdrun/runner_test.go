package mdrun_test

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/mdloop/internal/accel"
	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/metrics"
	"github.com/san-kum/mdloop/internal/partition"
)

var _ = Describe("Runner", func() {
	DescribeTable("reduces energies on calc-energy steps and the last step",
		func(integrator string, nstcalc, nstlist, nsteps int64, want []int64) {
			cfg := baseConfig(integrator, nsteps)
			cfg.Intervals.NstCalcEnergy = nstcalc
			cfg.Intervals.NstEnergy = nstcalc
			cfg.Intervals.NstList = nstlist
			s, _ := oscillatorSetup(cfg, 8)
			out := &memOutput{}
			s.Output = out
			var reported []int64
			s.Observers = []mdrun.Observer{mdrun.ObserverFunc(func(r mdrun.StepReport) {
				if r.HaveEnergies {
					reported = append(reported, r.Step)
				}
			})}

			res, err := run(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StepsDone).To(Equal(nsteps + 1))
			Expect(res.LastStep).To(Equal(nsteps))
			Expect(res.Stopped).To(BeFalse())
			Expect(reported).To(Equal(want))
			Expect(out.energySteps()).To(Equal(want))
			for _, a := range out.energies {
				Expect(a.Temperature).To(BeNumerically(">", 0), "step %d", a.Step)
				Expect(math.IsNaN(a.Conserved)).To(BeFalse())
			}
		},
		Entry("leap-frog", config.IntegratorMD, int64(5), int64(10), int64(20), []int64{0, 5, 10, 15, 20}),
		Entry("leap-frog ending off the interval", config.IntegratorMD, int64(4), int64(8), int64(19), []int64{0, 4, 8, 12, 16, 19}),
		Entry("velocity Verlet", config.IntegratorVV, int64(5), int64(10), int64(20), []int64{0, 5, 10, 15, 20}),
		Entry("averaged-KE velocity Verlet", config.IntegratorVVAvek, int64(4), int64(8), int64(19), []int64{0, 4, 8, 12, 16, 19}),
	)

	DescribeTable("keeps the conserved energy of a harmonic system",
		func(integrator string, tol float64) {
			cfg := baseConfig(integrator, 400)
			cfg.Intervals.NstCalcEnergy = 1
			cfg.Intervals.NstEnergy = 1
			s, _ := oscillatorSetup(cfg, 8)
			s.Metrics = []metrics.Metric{metrics.NewConservedDrift()}

			res, err := run(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Metrics).To(HaveKey("conserved_drift"))
			Expect(res.Metrics["conserved_drift"]).To(BeNumerically("<", tol))
			Expect(res.Averages).To(HaveKey("conserved"))
		},
		Entry("velocity Verlet", config.IntegratorVV, 2e-3),
		Entry("leap-frog", config.IntegratorMD, 1e-2),
	)

	It("removes the centre-of-mass motion before the first temperature", func() {
		cfg := baseConfig(config.IntegratorMD, 10)
		cfg.CommMode = config.CommModeLinear
		cfg.Intervals.NstComm = 5
		top, g, anchor := oscillators(4)
		for i := range top.Atoms {
			top.Atoms[i].Mass = 2
		}
		drift := dynamo.Vec3{3, 0, 0}
		thermal := []dynamo.Vec3{{0.5, 0, 0}, {-0.5, 0, 0}, {0, 0.5, 0}, {0, -0.5, 0}}
		for i := range g.V {
			g.V[i] = drift.Add(thermal[i])
		}
		s := mdrun.Setup{Config: cfg, Topology: top, Initial: g, Provider: &springs{anchor: anchor}, Logger: quiet}

		res, err := run(s)
		Expect(err).NotTo(HaveOccurred())
		// ½ m Σ w² = 1 over 3N-3 degrees of freedom
		want := 2 * 1.0 / (9 * dynamo.Boltzmann)
		Expect(res.Energies.Temperature).To(BeNumerically("~", want, want*1e-9))
		var p dynamo.Vec3
		for _, v := range res.Final.V {
			p = p.Add(v.Scale(2))
		}
		Expect(p.Norm()).To(BeNumerically("<", 1e-9))
	})

	It("removes the centre-of-mass motion of Verlet before the second half kick", func() {
		cfg := baseConfig(config.IntegratorVV, 20)
		cfg.CommMode = config.CommModeLinear
		cfg.Intervals.NstComm = 5
		s, p := oscillatorSetup(cfg, 6)

		res, err := run(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.net.Norm()).To(BeNumerically(">", 1e-3))
		// the last step removed the drift from the full-step velocities,
		// then the half kick added dt/2 of the net force
		var mom dynamo.Vec3
		for i, v := range res.Final.V {
			mom = mom.Add(v.Scale(s.Topology.Atoms[i].Mass))
		}
		want := p.net.Scale(0.5 * cfg.Dt)
		for d := 0; d < 3; d++ {
			Expect(mom[d]).To(BeNumerically("~", want[d], 1e-9))
		}
	})

	It("rejects update offload with virtual sites before running", func() {
		cfg := baseConfig(config.IntegratorMD, 10)
		cfg.Offload = config.OffloadConfig{Nonbonded: true, BufferOps: true, Update: true}
		top := &dynamo.Topology{
			Atoms: []dynamo.Atom{
				{Mass: 1, Freeze: -1},
				{Mass: 1, Freeze: -1},
				{Freeze: -1, PType: dynamo.ParticleVSite},
			},
			Molecules: []dynamo.Molecule{{Start: 0, End: 3}},
			VSites:    []dynamo.VSite{{Site: 2, I: 0, J: 1, A: 0.5}},
		}
		g := dynamo.NewGlobalSnapshot(3)
		g.Box = dynamo.RectBox(3, 3, 3)
		g.X = []dynamo.Vec3{{1, 1, 1}, {1.2, 1, 1}, {1.1, 1, 1}}
		p := &springs{anchor: g.X, k: 10}

		_, err := mdrun.New(context.Background(), mdrun.Setup{Config: cfg, Topology: top, Initial: g, Provider: p, Device: accel.NewSimDevice()})
		Expect(errors.Is(err, dynamo.ErrConfig)).To(BeTrue(), "got %v", err)
	})

	It("fails with a provider error on malformed forces and still shuts the provider down", func() {
		s, p := oscillatorSetup(baseConfig(config.IntegratorMD, 10), 4)
		p.short = true

		_, err := run(s)
		Expect(errors.Is(err, dynamo.ErrProvider)).To(BeTrue(), "got %v", err)
		var se *dynamo.StepError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Step).To(Equal(int64(0)))
		Expect(p.shutdowns).To(Equal(1))
	})

	It("runs once", func() {
		s, p := oscillatorSetup(baseConfig(config.IntegratorVV, 5), 4)
		r, err := mdrun.New(context.Background(), s)
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Run(context.Background())
		Expect(errors.Is(err, dynamo.ErrInvalidState)).To(BeTrue())
		Expect(p.shutdowns).To(Equal(1))
	})

	It("stops at the next search step after an interrupt", func() {
		s, _ := oscillatorSetup(baseConfig(config.IntegratorMD, 1000), 4)
		r, err := mdrun.New(context.Background(), s)
		Expect(err).NotTo(HaveOccurred())
		r.Interrupt()

		res, err := r.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Stopped).To(BeTrue())
		Expect(res.LastStep).To(Equal(int64(10)))
		Expect(res.StepsDone).To(Equal(int64(11)))
	})

	DescribeTable("carries the half-step kinetic energy into a step made last by a stop agreed without a reduction",
		func(nstcalc, nstglobalcomm, at int64, interrupts int, wantLast int64) {
			cfg := baseConfig(config.IntegratorMD, 100)
			cfg.Intervals.NstCalcEnergy = nstcalc
			cfg.Intervals.NstEnergy = nstcalc
			cfg.Intervals.NstGlobalComm = nstglobalcomm
			s, _ := oscillatorSetup(cfg, 6)
			out := &memOutput{}
			s.Output = out
			var r *mdrun.Runner
			s.Observers = []mdrun.Observer{mdrun.ObserverFunc(func(rep mdrun.StepReport) {
				if rep.Step == at {
					for i := 0; i < interrupts; i++ {
						r.Interrupt()
					}
				}
			})}
			var err error
			r, err = mdrun.New(context.Background(), s)
			Expect(err).NotTo(HaveOccurred())

			res, err := r.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Stopped).To(BeTrue())
			Expect(res.LastStep).To(Equal(wantLast))
			last := out.energies[len(out.energies)-1]
			Expect(last.Step).To(Equal(wantLast))
			Expect(last.Temperature).To(BeNumerically(">", 0))
		},
		Entry("second interrupt stops at the next step", int64(5), int64(0), int64(1), 2, int64(3)),
		Entry("first interrupt agreed right before a search step", int64(100), int64(4), int64(8), 1, int64(10)),
	)

	It("applies an expanded-ensemble move from the step after it was made", func() {
		lambdas := []float64{0, 0.5, 1}
		cfg := baseConfig(config.IntegratorMD, 100)
		cfg.FreeEnergy = config.FreeEnergyConfig{Lambdas: lambdas}
		cfg.Expanded = config.ExpandedConfig{Enabled: true, NstExpanded: 5}
		s, p := oscillatorSetup(cfg, 6)
		out := &memOutput{}
		s.Output = out

		_, err := run(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.energySteps()).To(HaveLen(21))

		moves := 0
		for i, a := range out.energies {
			Expect(p.lambdas[a.Step]).To(Equal(lambdas[a.FEPState]), "step %d", a.Step)
			if i+1 == len(out.energies) {
				break
			}
			next := out.energies[i+1]
			if next.FEPState != a.FEPState {
				moves++
			}
			for t := a.Step + 1; t <= next.Step; t++ {
				Expect(p.lambdas[t]).To(Equal(lambdas[next.FEPState]), "step %d", t)
			}
		}
		Expect(moves).To(BeNumerically(">", 0))
	})

	Describe("constraint non-convergence", func() {
		// dimers along x with velocities across the bond: the start is
		// already constrained, the first update is not
		dimers := func(cfg *config.RunConfig) mdrun.Setup {
			const n, length = 3, 0.1
			top := &dynamo.Topology{Name: "dimers"}
			g := dynamo.NewGlobalSnapshot(2 * n)
			g.Box = dynamo.RectBox(10, 10, 10)
			for m := 0; m < n; m++ {
				i, j := 2*m, 2*m+1
				top.Atoms = append(top.Atoms, dynamo.Atom{Mass: 14, Freeze: -1}, dynamo.Atom{Mass: 14, Freeze: -1})
				top.Molecules = append(top.Molecules, dynamo.Molecule{Start: i, End: j + 1})
				top.Constraints = append(top.Constraints, dynamo.Constraint{I: i, J: j, Length: length})
				g.X[i] = dynamo.Vec3{1 + 2*float64(m), 5, 5}
				g.X[j] = g.X[i].Add(dynamo.Vec3{length, 0, 0})
				g.V[i] = dynamo.Vec3{0.1, 0.3, 0}
				g.V[j] = dynamo.Vec3{0.1, -0.3, 0.2}
			}
			anchor := append([]dynamo.Vec3(nil), g.X...)
			return mdrun.Setup{Config: cfg, Topology: top, Initial: g, Provider: &springs{anchor: anchor, k: 50, bonded: n}, Logger: quiet}
		}
		tight := func(relaxed bool) *config.RunConfig {
			cfg := baseConfig(config.IntegratorMD, 20)
			cfg.Constraints = config.ConstraintConfig{Tolerance: 1e-10, MaxIter: 1, Relaxed: relaxed}
			return cfg
		}

		It("ends the run with the step and the failing solver", func() {
			_, err := run(dimers(tight(false)))
			Expect(errors.Is(err, dynamo.ErrNonConvergence)).To(BeTrue(), "got %v", err)
			var se *dynamo.StepError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Protocol).To(Equal(dynamo.ProtoConstraint))
			Expect(se.Step).To(Equal(int64(0)))
		})

		It("continues when a relaxed tolerance was requested", func() {
			res, err := run(dimers(tight(true)))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.LastStep).To(Equal(int64(20)))
			Expect(res.Stopped).To(BeFalse())
		})
	})

	Describe("checkpoints", func() {
		var (
			cfg   *config.RunConfig
			out   *memOutput
			first *mdrun.Result
		)

		BeforeEach(func() {
			cfg = baseConfig(config.IntegratorMD, 20)
			cfg.Intervals.NstList = 5
			cfg.CheckpointPeriod = 0
			s, _ := oscillatorSetup(cfg, 6)
			out = &memOutput{}
			s.Output = out
			var err error
			first, err = run(s)
			Expect(err).NotTo(HaveOccurred())
		})

		It("writes the start-of-step state at search steps and at the end", func() {
			var steps []int64
			for _, cp := range out.checkpoints {
				steps = append(steps, cp.Step)
				Expect(cp.State.Step).To(Equal(cp.Step))
				Expect(cp.Ekin).NotTo(BeNil())
			}
			Expect(steps).To(Equal([]int64{5, 10, 15, 20}))
		})

		It("continues to the same trajectory", func() {
			cp10 := out.checkpoints[1]
			Expect(cp10.Step).To(Equal(int64(10)))

			cont := *cfg
			cont.InitStep = cp10.Step
			cont.NSteps = 10
			cont.Continuation = true
			s, _ := oscillatorSetup(&cont, 6)
			s.Initial = cp10.State
			s.InitialEkin = cp10.Ekin
			contOut := &memOutput{}
			s.Output = contOut

			res, err := run(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.LastStep).To(Equal(int64(20)))
			expectSameCoordinates(res.Final.X, first.Final.X, 1e-9)

			a, b := contOut.energies[len(contOut.energies)-1], out.energies[len(out.energies)-1]
			Expect(a.Step).To(Equal(b.Step))
			Expect(a.Epot).To(BeNumerically("~", b.Epot, 1e-9))
			Expect(a.Temperature).To(BeNumerically("~", b.Temperature, 1e-9*b.Temperature))
		})
	})

	It("offloads the leap-frog update without changing the trajectory", func() {
		host, _ := oscillatorSetup(baseConfig(config.IntegratorMD, 20), 8)
		want, err := run(host)
		Expect(err).NotTo(HaveOccurred())

		cfg := baseConfig(config.IntegratorMD, 20)
		cfg.Offload = config.OffloadConfig{Nonbonded: true, BufferOps: true, Update: true}
		dev, _ := oscillatorSetup(cfg, 8)
		dev.Device = accel.NewSimDevice()
		got, err := run(dev)
		Expect(err).NotTo(HaveOccurred())
		expectSameCoordinates(got.Final.X, want.Final.X, 1e-9)
		expectSameCoordinates(got.Final.V, want.Final.V, 1e-9)
	})
})

var _ = Describe("RunRanks", func() {
	It("gives the single-rank trajectory on two ranks", func() {
		cfg := baseConfig(config.IntegratorMD, 30)
		single, _ := oscillatorSetup(cfg, 8)
		want, err := run(single)
		Expect(err).NotTo(HaveOccurred())

		got, err := mdrun.RunRanks(context.Background(), 2, func(rank int, _ comm.Communicator) (mdrun.Setup, error) {
			s, _ := oscillatorSetup(cfg, 8)
			return s, nil
		})
		Expect(err).NotTo(HaveOccurred())
		expectSameCoordinates(got.Final.X, want.Final.X, 1e-9)
		Expect(got.Energies.Epot).To(BeNumerically("~", want.Energies.Epot, 1e-9))
		Expect(got.Repartitions[partition.ReasonFirstStep]).To(Equal(1))
		Expect(got.Repartitions[partition.ReasonSearch]).To(Equal(3))
	})

	It("stops every rank on the same step when one rank is interrupted", func() {
		cfg := baseConfig(config.IntegratorMD, 100000)
		providers := make([]*springs, 2)
		res, err := mdrun.RunRanks(context.Background(), 2, func(rank int, _ comm.Communicator) (mdrun.Setup, error) {
			s, p := oscillatorSetup(cfg, 8)
			providers[rank] = p
			if rank == 1 {
				ch := make(chan struct{}, 1)
				ch <- struct{}{}
				s.Interrupts = ch
			}
			return s, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Stopped).To(BeTrue())
		Expect(res.LastStep % cfg.Intervals.NstList).To(BeZero())
		Expect(providers[0].lastStep).To(Equal(res.LastStep))
		Expect(providers[1].lastStep).To(Equal(res.LastStep))
	})

	It("rejects a rank count below one", func() {
		_, err := mdrun.RunRanks(context.Background(), 0, nil)
		Expect(errors.Is(err, dynamo.ErrConfig)).To(BeTrue())
	})
})

var _ = Describe("RunReplicas", func() {
	It("exchanges offloaded replicas and rebuilds their device buffers", func() {
		cfg := baseConfig(config.IntegratorMD, 20)
		cfg.Offload = config.OffloadConfig{Nonbonded: true, BufferOps: true, Update: true}
		cfg.ReplicaExchange = config.ReplexConfig{Interval: 5, Temperatures: []float64{300, 300}}

		results, err := mdrun.RunReplicas(context.Background(), 2, 1,
			func(replica, rank int, _, _ comm.Communicator) (mdrun.Setup, error) {
				s, _ := oscillatorSetup(cfg, 8)
				s.Device = accel.NewSimDevice()
				return s, nil
			})
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		for i, res := range results {
			Expect(res.Replica).To(Equal(i))
			// the pair swaps on even rounds: steps 5 and 15
			Expect(res.Exchanges).To(Equal(2))
			Expect(res.Repartitions[partition.ReasonExchange]).To(Equal(2))
			Expect(res.LastStep).To(Equal(int64(20)))
		}
		Expect(results[0].Acceptance).NotTo(BeEmpty())
	})
})

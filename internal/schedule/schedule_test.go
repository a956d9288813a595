package schedule_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/schedule"
)

func plan(cfg *config.RunConfig) *schedule.Scheduler {
	return schedule.New(schedule.FromConfig(cfg, false), cfg.Dt)
}

var _ = Describe("DoPerStep", func() {
	It("is due exactly on multiples of a positive interval", func() {
		for _, k := range []int64{1, 2, 3, 7, 10} {
			for s := int64(0); s < 50; s++ {
				Expect(schedule.DoPerStep(s, k)).To(Equal(s%k == 0), "s=%d k=%d", s, k)
			}
		}
	})

	It("is never due for non-positive intervals", func() {
		for _, k := range []int64{0, -1, -10} {
			for s := int64(0); s < 20; s++ {
				Expect(schedule.DoPerStep(s, k)).To(BeFalse())
			}
		}
	})
})

var _ = Describe("Scheduler", func() {
	var cfg *config.RunConfig

	BeforeEach(func() {
		cfg = config.DefaultConfig()
		cfg.NSteps = 10
		cfg.Intervals.NstList = 5
		cfg.Intervals.NstCalcEnergy = 1
		cfg.Intervals.NstEnergy = 0
		cfg.Intervals.NstLog = 0
	})

	It("searches at {0,5,10} and reduces every step", func() {
		s := plan(cfg)
		var search []int64
		for step := int64(0); step <= cfg.NSteps; step++ {
			c := s.Due(step, schedule.Carry{})
			if c.Search {
				search = append(search, step)
			}
			Expect(c.GlobalReduction).To(BeTrue(), "step %d", step)
		}
		Expect(search).To(Equal([]int64{0, 5, 10}))
	})

	It("forces log and energy output on the last step regardless of alignment", func() {
		cfg.NSteps = 7
		cfg.Intervals.NstCalcEnergy = 5
		cfg.Intervals.NstEnergy = 5
		cfg.Intervals.NstLog = 5
		c := plan(cfg).Due(7, schedule.Carry{})
		Expect(c.Last).To(BeTrue())
		Expect(c.Log).To(BeTrue())
		Expect(c.Energy).To(BeTrue())
		Expect(c.CalcEnergy).To(BeTrue())
		Expect(c.GlobalReduction).To(BeTrue())
	})

	It("searches after an exchange or a repartition request", func() {
		s := plan(cfg)
		Expect(s.Due(3, schedule.Carry{}).Search).To(BeFalse())
		Expect(s.Due(3, schedule.Carry{Exchanged: true}).Search).To(BeTrue())
		Expect(s.Due(3, schedule.Carry{NeedRepartition: true}).Search).To(BeTrue())
	})

	It("never exchanges replicas on step 0 or the last step", func() {
		cfg.ReplicaExchange = config.ReplexConfig{Interval: 5, Temperatures: []float64{300, 310}}
		s := plan(cfg)
		Expect(s.Due(0, schedule.Carry{}).DoReplicaExchange).To(BeFalse())
		Expect(s.Due(5, schedule.Carry{}).DoReplicaExchange).To(BeTrue())
		Expect(s.Due(10, schedule.Carry{}).DoReplicaExchange).To(BeFalse())
	})

	Context("with an agreed stop signal", func() {
		It("stops at the next search step for a positive signal", func() {
			s := plan(cfg)
			Expect(s.Due(3, schedule.Carry{StopSignal: 1}).Last).To(BeFalse())
			Expect(s.Due(5, schedule.Carry{StopSignal: 1}).Last).To(BeTrue())
		})

		It("stops immediately for a negative signal", func() {
			Expect(plan(cfg).Due(3, schedule.Carry{StopSignal: -1}).Last).To(BeTrue())
		})
	})

	Context("with the leap-frog integrator", func() {
		BeforeEach(func() {
			cfg.NSteps = 20
			cfg.Intervals.NstCalcEnergy = 4
			cfg.Intervals.NstList = 4
			cfg.Intervals.NstComm = 4
			cfg.Intervals.NstEnergy = 4
			cfg.Intervals.NstLog = 0
		})

		It("requests the half-step kinetic energy one step before every reduction", func() {
			s := plan(cfg)
			for step := int64(0); step < cfg.NSteps; step++ {
				next := s.Due(step+1, schedule.Carry{})
				Expect(s.Due(step, schedule.Carry{}).NeedHalfStepKE).To(Equal(next.GlobalReduction), "step %d", step)
			}
		})

		It("looks ahead to a forced last step", func() {
			cfg.NSteps = 7
			s := plan(cfg)
			Expect(s.Due(6, schedule.Carry{}).NeedHalfStepKE).To(BeTrue())
			Expect(s.Due(5, schedule.Carry{}).NeedHalfStepKE).To(BeFalse())
		})

		It("looks ahead to an agreed stop", func() {
			s := plan(cfg)
			Expect(s.Due(5, schedule.Carry{StopSignal: -1}).NeedHalfStepKE).To(BeTrue())
		})
	})

	It("never requests the half-step look-ahead for velocity Verlet", func() {
		cfg.Integrator = config.IntegratorVV
		s := plan(cfg)
		for step := int64(0); step <= cfg.NSteps; step++ {
			Expect(s.Due(step, schedule.Carry{}).NeedHalfStepKE).To(BeFalse())
		}
	})
})

var _ = Describe("Periods", func() {
	It("derives nstglobalcomm from the active intervals", func() {
		cfg := config.DefaultConfig()
		cfg.Intervals.NstCalcEnergy = 100
		cfg.Intervals.NstList = 10
		Expect(schedule.GlobalCommPeriod(cfg)).To(Equal(int64(10)))

		cfg.Coupling.Thermostat = config.ThermostatBerend
		cfg.Intervals.NstTCouple = 4
		Expect(schedule.GlobalCommPeriod(cfg)).To(Equal(int64(2)))

		cfg.Intervals.NstGlobalComm = 50
		Expect(schedule.GlobalCommPeriod(cfg)).To(Equal(int64(50)))
	})

	DescribeTable("signal interval",
		func(nstglobalcomm int64, share bool, want int64) {
			Expect(schedule.SignalInterval(nstglobalcomm, share)).To(Equal(want))
		},
		Entry("not shared", int64(10), false, int64(10)),
		Entry("shared, divides the floor", int64(10), true, int64(200)),
		Entry("shared, rounds up", int64(30), true, int64(210)),
		Entry("shared, above the floor", int64(300), true, int64(300)),
	)

	It("uses the gcd of the free-energy related periods", func() {
		cfg := config.DefaultConfig()
		cfg.FreeEnergy = config.FreeEnergyConfig{Lambdas: []float64{0, 1}, NstDHDL: 100}
		cfg.Expanded = config.ExpandedConfig{Enabled: true, NstExpanded: 40}
		Expect(schedule.FromConfig(cfg, false).NstFEP).To(Equal(int64(20)))
	})
})

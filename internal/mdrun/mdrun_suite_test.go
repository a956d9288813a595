package mdrun_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/force"
	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/storage"
)

func TestMdrun(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Mdrun Suite")
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// springs ties every atom to a fixed anchor. With k=0 the atoms are free.
type springs struct {
	anchor []dynamo.Vec3
	k      float64
	// short drops the last force to provoke a malformed output.
	short bool
	// bonded is reported as the bonded interaction count of a single rank.
	bonded int

	lastStep  int64
	shutdowns int
	// lambdas is the vdw lambda seen at each step
	lambdas map[int64]float64
	// net is the total force of the last evaluation.
	net dynamo.Vec3
}

func (s *springs) Name() string { return "springs" }

func (s *springs) Init(context.Context, *dynamo.Topology) error { return nil }

func (s *springs) Shutdown() error {
	s.shutdowns++
	return nil
}

func (s *springs) Compute(_ context.Context, req force.Request) (force.Output, error) {
	s.lastStep = req.Step
	if s.lambdas == nil {
		s.lambdas = map[int64]float64{}
	}
	s.lambdas[req.Step] = req.Lambda[dynamo.LambdaVdw]
	out := force.Output{F: make([]dynamo.Vec3, len(req.Home)), BondedCount: s.bonded}
	for li, gi := range req.Home {
		d := req.X[gi].Sub(s.anchor[gi])
		f := d.Scale(-s.k)
		out.F[li] = f
		out.Energy.External += 0.5 * s.k * d.Norm2()
		out.Virial = out.Virial.Add(dynamo.Outer(req.X[gi], f).Scale(-0.5))
	}
	s.net = dynamo.Vec3{}
	for _, f := range out.F {
		s.net = s.net.Add(f)
	}
	if s.short && len(out.F) > 0 {
		out.F = out.F[:len(out.F)-1]
	}
	return out, nil
}

// oscillators builds n one-atom molecules displaced from their anchors.
func oscillators(n int) (*dynamo.Topology, *dynamo.GlobalSnapshot, []dynamo.Vec3) {
	top := &dynamo.Topology{Name: "oscillators"}
	g := dynamo.NewGlobalSnapshot(n)
	g.Box = dynamo.RectBox(10, 10, 10)
	anchor := make([]dynamo.Vec3, n)
	for i := 0; i < n; i++ {
		top.Atoms = append(top.Atoms, dynamo.Atom{Name: "O", Mass: 1 + float64(i%3), Freeze: -1})
		top.Molecules = append(top.Molecules, dynamo.Molecule{Start: i, End: i + 1})
		anchor[i] = dynamo.Vec3{1 + float64(i), 5, 5}
		g.X[i] = anchor[i].Add(dynamo.Vec3{0.05 * math.Sin(float64(i)), 0.03, -0.02 * float64(i%2)})
		g.V[i] = dynamo.Vec3{0.4 * math.Cos(float64(i)), -0.3, 0.2 * float64(i%3)}
	}
	return top, g, anchor
}

func baseConfig(integrator string, nsteps int64) *config.RunConfig {
	cfg := config.DefaultConfig()
	cfg.Integrator = integrator
	cfg.NSteps = nsteps
	cfg.CommMode = config.CommModeNone
	cfg.Intervals.NstList = 10
	cfg.Intervals.NstCalcEnergy = 5
	cfg.Intervals.NstEnergy = 5
	cfg.Intervals.NstLog = 0
	cfg.CheckpointPeriod = -1
	cfg.WriteConfout = false
	return cfg
}

func oscillatorSetup(cfg *config.RunConfig, n int) (mdrun.Setup, *springs) {
	top, g, anchor := oscillators(n)
	p := &springs{anchor: anchor, k: 100}
	return mdrun.Setup{Config: cfg, Topology: top, Initial: g, Provider: p, Logger: quiet}, p
}

// memOutput keeps what the coordinating rank writes.
type memOutput struct {
	mu          sync.Mutex
	energies    []reduce.EnergyAccumulator
	frames      []int64
	checkpoints []*storage.Checkpoint
	confout     *dynamo.GlobalSnapshot
}

func (m *memOutput) WriteEnergy(a reduce.EnergyAccumulator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energies = append(m.energies, a)
	return nil
}

func (m *memOutput) WriteFrame(g *dynamo.GlobalSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, g.Step)
	return nil
}

func (m *memOutput) WriteCheckpoint(cp *storage.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

func (m *memOutput) WriteConfout(g *dynamo.GlobalSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confout = g.Clone()
	return nil
}

func (m *memOutput) energySteps() []int64 {
	steps := make([]int64, 0, len(m.energies))
	for _, a := range m.energies {
		steps = append(steps, a.Step)
	}
	return steps
}

func run(s mdrun.Setup) (*mdrun.Result, error) {
	r, err := mdrun.New(context.Background(), s)
	if err != nil {
		return nil, err
	}
	return r.Run(context.Background())
}

func expectSameCoordinates(a, b []dynamo.Vec3, tol float64) {
	ExpectWithOffset(1, a).To(HaveLen(len(b)))
	for i := range a {
		for d := 0; d < 3; d++ {
			ExpectWithOffset(1, a[i][d]).To(BeNumerically("~", b[i][d], tol), "atom %d dim %d", i, d)
		}
	}
}

package ensemble

import (
	"context"
	"fmt"
	"sync"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// Swapper exchanges molecules between compartments. It sees the full
// state; a true return means the partition must be rebuilt.
type Swapper interface {
	Swap(step int64, g *dynamo.GlobalSnapshot) (bool, error)
}

type NoSwap struct{}

func (NoSwap) Swap(int64, *dynamo.GlobalSnapshot) (bool, error) { return false, nil }

// CompartmentSwapper keeps Requested molecules in compartment A, the lower
// half of the box along x. When the count drifts by more than Threshold a
// molecule of the crowded compartment trades places with one of the other.
type CompartmentSwapper struct {
	Top       *dynamo.Topology
	Requested int
	Threshold int
}

func (s *CompartmentSwapper) inA(g *dynamo.GlobalSnapshot, m dynamo.Molecule) bool {
	return g.Box.Wrap(g.X[m.Start])[0] < 0.5*g.Box[0][0]
}

func (s *CompartmentSwapper) Swap(step int64, g *dynamo.GlobalSnapshot) (bool, error) {
	if len(g.X) != s.Top.NumAtoms() {
		return false, dynamo.Fatal(step, dynamo.ProtoSwap,
			fmt.Errorf("%w: snapshot of %d atoms", dynamo.ErrInvalidState, len(g.X)))
	}
	var a, b []int
	for mi, m := range s.Top.Molecules {
		if s.inA(g, m) {
			a = append(a, mi)
		} else {
			b = append(b, mi)
		}
	}
	diff := len(a) - s.Requested
	if diff <= s.Threshold && -diff <= s.Threshold {
		return false, nil
	}
	from, to := a, b
	if diff < 0 {
		from, to = b, a
	}
	if len(from) == 0 || len(to) == 0 {
		return false, nil
	}
	m1, m2 := s.Top.Molecules[from[0]], s.Top.Molecules[to[0]]
	shift := g.X[m2.Start].Sub(g.X[m1.Start])
	for i := m1.Start; i < m1.End; i++ {
		g.X[i] = g.X[i].Add(shift)
	}
	for i := m2.Start; i < m2.End; i++ {
		g.X[i] = g.X[i].Sub(shift)
	}
	return true, nil
}

// Steering is an interactive session: a client adds forces on chosen
// atoms and watches the trajectory.
type Steering interface {
	Active() bool
	// ApplyForces adds the client forces on the home atoms to f.
	ApplyForces(home []int, f []dynamo.Vec3)
	// Publish hands a frame to the client on publishing steps.
	Publish(step int64, g *dynamo.GlobalSnapshot, epot float64)
	// PublishDue reports whether step publishes; the full state is only
	// collected on those steps.
	PublishDue(step int64) bool
}

type NoSteering struct{}

func (NoSteering) Active() bool                                   { return false }
func (NoSteering) ApplyForces([]int, []dynamo.Vec3)               {}
func (NoSteering) Publish(int64, *dynamo.GlobalSnapshot, float64) {}
func (NoSteering) PublishDue(int64) bool                          { return false }

type Frame struct {
	Step int64
	X    []dynamo.Vec3
	Epot float64
}

// Session is an in-process Steering endpoint. Frames are dropped when the
// client falls behind.
type Session struct {
	Every int64

	mu     sync.Mutex
	forces map[int]dynamo.Vec3
	frames chan Frame
}

func NewSession(every int64, buffer int) *Session {
	if every < 1 {
		every = 1
	}
	return &Session{Every: every, forces: map[int]dynamo.Vec3{}, frames: make(chan Frame, buffer)}
}

func (s *Session) Active() bool { return true }

// Pull sets the force on a global atom; a zero force removes it.
func (s *Session) Pull(atom int, f dynamo.Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == (dynamo.Vec3{}) {
		delete(s.forces, atom)
		return
	}
	s.forces[atom] = f
}

func (s *Session) ApplyForces(home []int, f []dynamo.Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.forces) == 0 {
		return
	}
	for li, gi := range home {
		if pf, ok := s.forces[gi]; ok {
			f[li] = f[li].Add(pf)
		}
	}
}

func (s *Session) PublishDue(step int64) bool { return step%s.Every == 0 }

func (s *Session) Publish(step int64, g *dynamo.GlobalSnapshot, epot float64) {
	fr := Frame{Step: step, X: append([]dynamo.Vec3(nil), g.X...), Epot: epot}
	select {
	case s.frames <- fr:
	default:
	}
}

func (s *Session) Frames() <-chan Frame { return s.frames }

// EssentialDynamics restrains motion along collective coordinates after
// the constrained position update.
type EssentialDynamics interface {
	Apply(ctx context.Context, c comm.Communicator, step int64, ls *dynamo.LocalState, dt float64) error
}

type NoEssentialDynamics struct{}

func (NoEssentialDynamics) Apply(context.Context, comm.Communicator, int64, *dynamo.LocalState, float64) error {
	return nil
}

// FixedProjection removes every displacement from Reference along the
// orthonormal Vectors (global atom indexed), correcting the velocities by
// the removed displacement over dt.
type FixedProjection struct {
	Reference []dynamo.Vec3
	Vectors   [][]dynamo.Vec3
}

func (p *FixedProjection) Apply(ctx context.Context, c comm.Communicator, step int64, ls *dynamo.LocalState, dt float64) error {
	if len(p.Vectors) == 0 {
		return nil
	}
	proj := make([]float64, len(p.Vectors))
	for k, e := range p.Vectors {
		for li, gi := range ls.Home {
			d := ls.Box.MinImage(ls.X[li].Sub(p.Reference[gi]))
			proj[k] += d.Dot(e[gi])
		}
	}
	if err := c.AllReduceSum(ctx, proj); err != nil {
		return dynamo.Fatal(step, dynamo.ProtoReduction, err)
	}
	for k, e := range p.Vectors {
		for li, gi := range ls.Home {
			dx := e[gi].Scale(proj[k])
			ls.X[li] = ls.X[li].Sub(dx)
			if dt > 0 {
				ls.V[li] = ls.V[li].Sub(dx.Scale(1 / dt))
			}
		}
	}
	return nil
}

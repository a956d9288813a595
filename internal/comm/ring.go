package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// message is one chunk travelling from a member to its right neighbour.
type message struct {
	seq  uint64
	idx  int
	data []float64
}

// Group is an in-process ring of members connected by channels. Member i
// sends to member (i+1) mod size.
type Group struct {
	size    int
	links   []chan message
	timeout time.Duration
}

// NewGroup creates a ring of size members. A positive timeout bounds every
// collective.
func NewGroup(size int, timeout time.Duration) *Group {
	if size < 1 {
		size = 1
	}
	g := &Group{size: size, links: make([]chan message, size), timeout: timeout}
	for i := range g.links {
		g.links[i] = make(chan message, size)
	}
	return g
}

func (g *Group) Size() int { return g.size }

// Member returns the communicator for rank. Each rank must use exactly one
// member from one goroutine.
func (g *Group) Member(rank int) *Ring {
	return &Ring{
		rank: rank,
		size: g.size,
		in:   g.links[rank],
		out:  g.links[(rank+1)%g.size],
		g:    g,
	}
}

type Ring struct {
	rank, size int
	seq        uint64
	in, out    chan message
	g          *Group
}

func (r *Ring) Rank() int { return r.rank }
func (r *Ring) Size() int { return r.size }

func (r *Ring) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.g.timeout > 0 {
		return context.WithTimeout(ctx, r.g.timeout)
	}
	return context.WithCancel(ctx)
}

func (r *Ring) fail(op string, err error) error {
	return fmt.Errorf("%w: %s on rank %d: %v", dynamo.ErrCommunication, op, r.rank, err)
}

func (r *Ring) send(ctx context.Context, m message) error {
	select {
	case r.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Ring) recv(ctx context.Context, wantIdx int) (message, error) {
	select {
	case m := <-r.in:
		if m.seq != r.seq || m.idx != wantIdx {
			return m, fmt.Errorf("out of order chunk (seq %d idx %d, want seq %d idx %d)", m.seq, m.idx, r.seq, wantIdx)
		}
		return m, nil
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

// AllReduceSum runs a reduce-scatter followed by an all-gather around the
// ring. Each chunk is summed once in a fixed order, so every member ends
// with bit-identical values.
func (r *Ring) AllReduceSum(ctx context.Context, buf []float64) error {
	if r.size == 1 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	r.seq++

	p := r.size
	chunk := (len(buf) + p - 1) / p
	if chunk == 0 {
		chunk = 1
	}
	data := make([]float64, chunk*p)
	copy(data, buf)

	for s := 0; s < p-1; s++ {
		sendIdx := (r.rank - s + p) % p
		recvIdx := (r.rank - s - 1 + p) % p
		out := append([]float64(nil), data[sendIdx*chunk:(sendIdx+1)*chunk]...)
		if err := r.send(ctx, message{seq: r.seq, idx: sendIdx, data: out}); err != nil {
			return r.fail("all-reduce", err)
		}
		m, err := r.recv(ctx, recvIdx)
		if err != nil {
			return r.fail("all-reduce", err)
		}
		base := recvIdx * chunk
		for i, v := range m.data {
			data[base+i] += v
		}
	}

	for s := 0; s < p-1; s++ {
		sendIdx := (r.rank + 1 + s) % p
		recvIdx := (r.rank + 2 + s) % p
		out := append([]float64(nil), data[sendIdx*chunk:(sendIdx+1)*chunk]...)
		if err := r.send(ctx, message{seq: r.seq, idx: sendIdx, data: out}); err != nil {
			return r.fail("all-reduce", err)
		}
		m, err := r.recv(ctx, recvIdx)
		if err != nil {
			return r.fail("all-reduce", err)
		}
		copy(data[recvIdx*chunk:], m.data)
	}

	copy(buf, data)
	return nil
}

// AllGather circulates every member's slice once around the ring.
func (r *Ring) AllGather(ctx context.Context, local []float64) ([][]float64, error) {
	pieces := make([][]float64, r.size)
	pieces[r.rank] = append([]float64(nil), local...)
	if r.size == 1 {
		return pieces, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	r.seq++

	p := r.size
	for s := 0; s < p-1; s++ {
		sendIdx := (r.rank - s + p) % p
		recvIdx := (r.rank - s - 1 + p) % p
		if err := r.send(ctx, message{seq: r.seq, idx: sendIdx, data: pieces[sendIdx]}); err != nil {
			return nil, r.fail("all-gather", err)
		}
		m, err := r.recv(ctx, recvIdx)
		if err != nil {
			return nil, r.fail("all-gather", err)
		}
		pieces[recvIdx] = m.data
	}
	return pieces, nil
}

func (r *Ring) AllReduceMax(ctx context.Context, buf []float64) error {
	pieces, err := r.AllGather(ctx, buf)
	if err != nil {
		return err
	}
	for _, piece := range pieces {
		if len(piece) != len(buf) {
			return r.fail("all-reduce-max", fmt.Errorf("length %d, want %d", len(piece), len(buf)))
		}
	}
	for i := range buf {
		m := pieces[0][i]
		for _, piece := range pieces[1:] {
			if piece[i] > m {
				m = piece[i]
			}
		}
		buf[i] = m
	}
	return nil
}

func (r *Ring) Broadcast(ctx context.Context, root int, buf []float64) error {
	if root < 0 || root >= r.size {
		return errRoot(root, r.size)
	}
	var local []float64
	if r.rank == root {
		local = buf
	}
	pieces, err := r.AllGather(ctx, local)
	if err != nil {
		return err
	}
	if len(pieces[root]) != len(buf) {
		return r.fail("broadcast", fmt.Errorf("root sent %d values, want %d", len(pieces[root]), len(buf)))
	}
	copy(buf, pieces[root])
	return nil
}

func (r *Ring) Barrier(ctx context.Context) error {
	return r.AllReduceSum(ctx, []float64{0})
}

func errRoot(root, size int) error {
	return fmt.Errorf("%w: broadcast root %d outside group of %d", dynamo.ErrCommunication, root, size)
}

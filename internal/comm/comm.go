// Package comm provides the collective operations ranks and cooperating
// simulations use at their synchronization points.
//
// Every collective must be called by all members of a group in the same
// order. A failed or cancelled collective leaves the group unusable; callers
// treat it as fatal.
package comm

import "context"

type Communicator interface {
	Rank() int
	Size() int
	// AllReduceSum replaces buf with the element-wise sum over all members.
	AllReduceSum(ctx context.Context, buf []float64) error
	// AllReduceMax replaces buf with the element-wise maximum over all members.
	AllReduceMax(ctx context.Context, buf []float64) error
	// Broadcast copies root's buf into buf on every member.
	Broadcast(ctx context.Context, root int, buf []float64) error
	// AllGather returns every member's local slice, indexed by rank.
	AllGather(ctx context.Context, local []float64) ([][]float64, error)
	Barrier(ctx context.Context) error
}

// Self is the single-member communicator.
type Self struct{}

func (Self) Rank() int { return 0 }
func (Self) Size() int { return 1 }

func (Self) AllReduceSum(context.Context, []float64) error { return nil }
func (Self) AllReduceMax(context.Context, []float64) error { return nil }

func (Self) Broadcast(_ context.Context, root int, _ []float64) error {
	if root != 0 {
		return errRoot(root, 1)
	}
	return nil
}

func (Self) AllGather(_ context.Context, local []float64) ([][]float64, error) {
	return [][]float64{append([]float64(nil), local...)}, nil
}

func (Self) Barrier(context.Context) error { return nil }

// IsMaster reports whether c's member is the coordinating rank.
func IsMaster(c Communicator) bool { return c.Rank() == 0 }

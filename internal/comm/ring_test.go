package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/mdloop/internal/dynamo"
)

func runGroup(t *testing.T, size int, fn func(ctx context.Context, c Communicator) error) {
	t.Helper()
	g := NewGroup(size, 5*time.Second)
	eg, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < size; rank++ {
		c := g.Member(rank)
		eg.Go(func() error { return fn(ctx, c) })
	}
	require.NoError(t, eg.Wait())
}

func TestAllReduceSum(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4} {
		for _, n := range []int{1, 5, 8} {
			results := make([][]float64, size)
			runGroup(t, size, func(ctx context.Context, c Communicator) error {
				buf := make([]float64, n)
				for i := range buf {
					buf[i] = float64(c.Rank()+1) * float64(i+1)
				}
				if err := c.AllReduceSum(ctx, buf); err != nil {
					return err
				}
				results[c.Rank()] = buf
				return nil
			})
			want := float64(size*(size+1)) / 2
			for rank, buf := range results {
				for i, v := range buf {
					assert.InDelta(t, want*float64(i+1), v, 1e-12, "size %d n %d rank %d", size, n, rank)
				}
				assert.Equal(t, results[0], buf, "members must agree bit for bit")
			}
		}
	}
}

func TestAllGatherAndBroadcast(t *testing.T) {
	const size = 3
	gathered := make([][][]float64, size)
	bcast := make([][]float64, size)
	runGroup(t, size, func(ctx context.Context, c Communicator) error {
		local := make([]float64, c.Rank()+1)
		for i := range local {
			local[i] = float64(c.Rank())
		}
		pieces, err := c.AllGather(ctx, local)
		if err != nil {
			return err
		}
		gathered[c.Rank()] = pieces

		buf := []float64{0, 0}
		if c.Rank() == 1 {
			buf = []float64{7, 9}
		}
		if err := c.Broadcast(ctx, 1, buf); err != nil {
			return err
		}
		bcast[c.Rank()] = buf
		return nil
	})
	for rank := 0; rank < size; rank++ {
		require.Len(t, gathered[rank], size)
		for src, piece := range gathered[rank] {
			assert.Len(t, piece, src+1)
		}
		assert.Equal(t, []float64{7, 9}, bcast[rank])
	}
}

func TestAllReduceMax(t *testing.T) {
	runGroup(t, 4, func(ctx context.Context, c Communicator) error {
		buf := []float64{float64(c.Rank()), -float64(c.Rank())}
		if err := c.AllReduceMax(ctx, buf); err != nil {
			return err
		}
		assert.Equal(t, []float64{3, 0}, buf)
		return nil
	})
}

func TestMissingMemberTimesOut(t *testing.T) {
	g := NewGroup(2, 50*time.Millisecond)
	err := g.Member(0).AllReduceSum(context.Background(), []float64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, dynamo.ErrCommunication)
}

func TestSelf(t *testing.T) {
	var c Communicator = Self{}
	buf := []float64{1, 2}
	require.NoError(t, c.AllReduceSum(context.Background(), buf))
	assert.Equal(t, []float64{1, 2}, buf)
	assert.Error(t, c.Broadcast(context.Background(), 1, buf))
	assert.True(t, IsMaster(c))
}

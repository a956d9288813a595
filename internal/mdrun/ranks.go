package mdrun

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/mdloop/internal/comm"
	"github.com/san-kum/mdloop/internal/dynamo"
)

// commTimeout bounds every collective of an in-process group.
const commTimeout = 2 * time.Minute

// RankSetup builds the setup of one rank of a simulation. The
// communicator fields are filled in by the caller.
type RankSetup func(rank int, c comm.Communicator) (Setup, error)

// ReplicaSetup builds the setup of one rank of one of several cooperating
// simulations. multi is nil except on the coordinating rank.
type ReplicaSetup func(replica, rank int, intra, multi comm.Communicator) (Setup, error)

// RunRanks runs one simulation on n ranks concurrently and returns the
// result of rank 0. The first failing rank cancels the others.
func RunRanks(ctx context.Context, n int, fn RankSetup) (*Result, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d ranks", dynamo.ErrConfig, n)
	}
	members := make([]comm.Communicator, n)
	if n == 1 {
		members[0] = comm.Self{}
	} else {
		group := comm.NewGroup(n, commTimeout)
		for i := range members {
			members[i] = group.Member(i)
		}
	}

	results := make([]*Result, n)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		eg.Go(func() error {
			s, err := fn(rank, members[rank])
			if err == nil {
				s.Comm = members[rank]
				results[rank], err = runRank(ctx, s)
			}
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results[0], nil
}

// RunReplicas runs several simulations of ranksPer ranks each. The
// coordinating ranks of all simulations share a multi-simulation group.
// The result of every simulation's rank 0 is returned, in replica order.
func RunReplicas(ctx context.Context, replicas, ranksPer int, fn ReplicaSetup) ([]*Result, error) {
	if replicas < 1 || ranksPer < 1 {
		return nil, fmt.Errorf("%w: %d replicas of %d ranks", dynamo.ErrConfig, replicas, ranksPer)
	}
	var multi *comm.Group
	if replicas > 1 {
		multi = comm.NewGroup(replicas, commTimeout)
	}

	results := make([]*Result, replicas)
	eg, ctx := errgroup.WithContext(ctx)
	for rep := 0; rep < replicas; rep++ {
		var intra *comm.Group
		if ranksPer > 1 {
			intra = comm.NewGroup(ranksPer, commTimeout)
		}
		for rank := 0; rank < ranksPer; rank++ {
			rep, rank := rep, rank
			var c comm.Communicator = comm.Self{}
			if intra != nil {
				c = intra.Member(rank)
			}
			var m comm.Communicator
			if rank == 0 && multi != nil {
				m = multi.Member(rep)
			}
			eg.Go(func() error {
				s, err := fn(rep, rank, c, m)
				var res *Result
				if err == nil {
					s.Comm, s.Multi, s.Replica = c, m, rep
					res, err = runRank(ctx, s)
				}
				if err != nil {
					return fmt.Errorf("replica %d rank %d: %w", rep, rank, err)
				}
				if rank == 0 {
					results[rep] = res
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runRank(ctx context.Context, s Setup) (*Result, error) {
	r, err := New(ctx, s)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

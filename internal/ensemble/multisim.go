package ensemble

import (
	"context"
	"log/slog"

	"github.com/san-kum/mdloop/internal/comm"
)

// ShareState reports whether cooperating simulations must agree on their
// signals: replica exchange, ensemble restraints and a shared bias all
// need every simulation to stop and checkpoint on the same step.
func ShareState(replex, ensembleRestraints, sharedBias bool) bool {
	return replex || ensembleRestraints || sharedBias
}

// CheckStepCounts notes when independent simulations run different step
// ranges. It is only a note: without shared state each simulation may stop
// on its own.
func CheckStepCounts(ctx context.Context, multi comm.Communicator, nsteps, initStep int64, logger *slog.Logger) error {
	if multi == nil || multi.Size() < 2 {
		return nil
	}
	all, err := multi.AllGather(ctx, []float64{float64(nsteps), float64(initStep)})
	if err != nil {
		return err
	}
	for _, v := range all[1:] {
		if v[0] != all[0][0] || v[1] != all[0][1] {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Info("the simulations have different step ranges; each stops on its own",
				slog.Int64("nsteps", nsteps),
				slog.Int64("init_step", initStep))
			break
		}
	}
	return nil
}

package runtime

import (
	"context"
	"time"

	"kestrel/internal/config"

	"github.com/charmbracelet/log"
)

const poolSweepFallbackTicker = 30 * time.Minute

// PoolSweeper re-probes every proxy in the pool.
type PoolSweeper interface {
	SweepPool(ctx context.Context) (healthy, total int)
}

// StartPoolSweepRoutine keeps the health of the local pool current. The pool
// lives in this process, so every instance sweeps its own. Ticks are skipped
// while enabled reports false.
func StartPoolSweepRoutine(ctx context.Context, sweeper PoolSweeper, enabled func() bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	intervalValue, updateSignal := watchInterval(ctx, config.GetPoolSweepInterval(), config.PoolSweepIntervalUpdates(), poolSweepFallbackTicker)
	runIntervalLoop(ctx, intervalValue, updateSignal, poolSweepFallbackTicker, func(tickCtx context.Context) {
		sweepPoolOnce(tickCtx, sweeper, enabled)
	})
}

func sweepPoolOnce(ctx context.Context, sweeper PoolSweeper, enabled func() bool) {
	if enabled != nil && !enabled() {
		log.Debug("Proxy pool sweep skipped, free pool disabled")
		return
	}

	start := time.Now()
	healthy, total := sweeper.SweepPool(ctx)
	if ctx.Err() != nil {
		log.Info("Proxy pool sweep canceled", "duration", time.Since(start))
		return
	}
	log.Info("Proxy pool sweep completed", "healthy", healthy, "total", total, "duration", time.Since(start))
}

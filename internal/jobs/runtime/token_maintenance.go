package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"kestrel/internal/config"
	"kestrel/internal/domain"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	tokenMaintenanceRoutine        = "token_maintenance"
	tokenMaintenanceFallbackTicker = 15 * time.Minute
	defaultMaintenanceConcurrency  = 4
)

// TokenMaintainer is the part of the token lifecycle the maintenance pass
// drives.
type TokenMaintainer interface {
	AllTokens(ctx context.Context) ([]domain.Token, error)
	AutoRefreshIfExpiring(ctx context.Context, id uint64) (bool, error)
	RefreshQuotaIfCooldownExpired(ctx context.Context, id uint64) (bool, error)
}

type MaintenanceReport struct {
	Scanned        int
	Refreshed      int
	CooldownsEnded int
	Failed         int
}

// StartTokenMaintenanceRoutine refreshes expiring tokens and ends passed
// cooldowns on the configured interval. Only the leader instance runs it.
func StartTokenMaintenanceRoutine(ctx context.Context, maintainer TokenMaintainer) {
	if ctx == nil {
		ctx = context.Background()
	}

	intervalValue, updateSignal := watchInterval(ctx, config.GetMaintenanceInterval(), config.MaintenanceIntervalUpdates(), tokenMaintenanceFallbackTicker)

	err := support.RunWithLeader(ctx, support.LeaderKey(tokenMaintenanceRoutine), support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runIntervalLoop(leaderCtx, intervalValue, updateSignal, tokenMaintenanceFallbackTicker, func(tickCtx context.Context) {
			maintainTokensOnce(tickCtx, maintainer)
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Token maintenance routine stopped", "error", err)
	}
}

func maintainTokensOnce(ctx context.Context, maintainer TokenMaintainer) {
	start := time.Now()
	concurrency := int(config.GetConfig().Lifecycle.MaintenanceConcurrency)

	report, err := RunTokenMaintenance(ctx, maintainer, concurrency)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Token maintenance canceled", "duration", time.Since(start))
			return
		}
		log.Error("Token maintenance failed", "error", err)
		return
	}

	log.Info("Token maintenance completed",
		"scanned", report.Scanned,
		"refreshed", report.Refreshed,
		"cooldowns_ended", report.CooldownsEnded,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
}

// RunTokenMaintenance makes one pass over every token. Active tokens get an
// expiry check; tokens with a cooldown get a quota check. A failure on one
// token is counted and does not stop the pass.
func RunTokenMaintenance(ctx context.Context, maintainer TokenMaintainer, concurrency int) (MaintenanceReport, error) {
	tokens, err := maintainer.AllTokens(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	if concurrency <= 0 {
		concurrency = defaultMaintenanceConcurrency
	}

	var refreshed, cooldowns, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, token := range tokens {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if token.IsActive {
				ok, err := maintainer.AutoRefreshIfExpiring(gctx, token.ID)
				if err != nil {
					failed.Add(1)
					log.Warn("Token refresh check failed", "token_id", token.ID, "error", err)
				} else if ok {
					refreshed.Add(1)
				}
			}

			if token.CooldownUntil != nil {
				ok, err := maintainer.RefreshQuotaIfCooldownExpired(gctx, token.ID)
				if err != nil {
					failed.Add(1)
					log.Warn("Token cooldown check failed", "token_id", token.ID, "error", err)
				} else if ok {
					cooldowns.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report := MaintenanceReport{
		Scanned:        len(tokens),
		Refreshed:      int(refreshed.Load()),
		CooldownsEnded: int(cooldowns.Load()),
		Failed:         int(failed.Load()),
	}
	return report, ctx.Err()
}

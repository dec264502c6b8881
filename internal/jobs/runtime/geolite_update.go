package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"kestrel/internal/config"
	"kestrel/internal/geolite"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
)

const (
	geoLiteUpdateRoutine       = "geolite_update"
	geoLiteUpdateFallbackEvery = 24 * time.Hour
)

func StartGeoLiteUpdateRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	intervalValue, updateSignal := watchInterval(ctx, config.GetGeoLiteUpdateInterval(), config.GeoLiteUpdateIntervalUpdates(), geoLiteUpdateFallbackEvery)

	first := true
	err := support.RunWithLeader(ctx, support.LeaderKey(geoLiteUpdateRoutine), support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runIntervalLoop(leaderCtx, intervalValue, updateSignal, geoLiteUpdateFallbackEvery, func(tickCtx context.Context) {
			reason := "scheduled"
			if first {
				reason, first = "startup", false
			}
			triggerGeoLiteUpdate(tickCtx, reason, false)
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

// RunGeoLiteUpdate runs the updater on demand. When force is false the update
// is only executed if auto updates are enabled.
func RunGeoLiteUpdate(ctx context.Context, reason string, force bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	triggerGeoLiteUpdate(ctx, reason, force)
}

func triggerGeoLiteUpdate(ctx context.Context, reason string, force bool) {
	cfg := config.GetConfig()
	if strings.TrimSpace(cfg.GeoLite.APIKey) == "" {
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return
	}
	if !force && !cfg.GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return
	}

	updated, err := geolite.UpdateDatabase(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite database updated", "reason", reason)
	default:
		log.Debug("GeoLite update skipped", "reason", reason)
	}
}

package lifecycle

import (
	"context"
	"fmt"

	"kestrel/internal/domain"

	"github.com/charmbracelet/log"
)

// lowQuotaThreshold is the remaining video count at which a token is parked
// until its quota resets.
const lowQuotaThreshold = 1

func (m *Manager) RecordUsage(ctx context.Context, id uint64, video bool) error {
	return m.store.IncrementUsage(ctx, id, video)
}

// RecordError counts a failed generation. Overload errors only count towards
// the total; any other error also counts towards the consecutive streak, and
// the token is disabled once the streak reaches the ban threshold.
func (m *Manager) RecordError(ctx context.Context, id uint64, overload bool) error {
	streak, err := m.store.RecordError(ctx, id, !overload)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	if overload {
		return nil
	}

	threshold := int64(domain.DefaultErrorBanThreshold)
	if cfg, err := m.store.AdminConfig(ctx); err != nil {
		log.Warn("Admin config unavailable, using default ban threshold", "error", err)
	} else if cfg.ErrorBanThreshold > 0 {
		threshold = int64(cfg.ErrorBanThreshold)
	}

	if streak < threshold {
		return nil
	}

	log.Warn("Token disabled after consecutive errors", "token_id", id, "errors", streak, "threshold", threshold)
	return m.setActive(ctx, id, false)
}

// RecordSuccess clears the error streak. After a video generation the
// remaining quota is re-read; a token at or below one remaining video is
// disabled and, when the server says when the quota resets, put in cooldown.
func (m *Manager) RecordSuccess(ctx context.Context, id uint64, video bool) error {
	if err := m.store.ResetErrors(ctx, id); err != nil {
		return fmt.Errorf("reset errors: %w", err)
	}
	if !video {
		return nil
	}

	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return err
	}
	if !token.QuotaSupported {
		return nil
	}

	proxy := m.proxyFor(ctx, &token)
	started := m.now()
	quota, err := m.api.Quota(ctx, token.AccessToken, proxy)
	m.observe(ctx, id, started, err)
	if err != nil {
		log.Warn("Remaining quota unavailable after success", "token_id", id, "error", err)
		return nil
	}

	update := domain.TokenUpdate{RemainingCount: domain.Ptr(quota.Remaining)}
	if quota.Remaining <= lowQuotaThreshold {
		if quota.ResetsIn > 0 {
			until := m.now().Add(quota.ResetsIn)
			update.CooldownUntil = &until
		}
		update.IsActive = domain.Ptr(false)
		log.Info("Token quota exhausted, disabling", "token_id", id, "remaining", quota.Remaining, "cooldown_until", update.CooldownUntil)
	}

	return m.store.UpdateTokenFields(ctx, id, update)
}

// RefreshQuotaIfCooldownExpired re-reads the remaining quota once the cooldown
// has passed and clears it. It reports whether the cooldown was cleared.
func (m *Manager) RefreshQuotaIfCooldownExpired(ctx context.Context, id uint64) (bool, error) {
	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !token.QuotaSupported || token.CooldownUntil == nil || token.InCooldown(m.now()) {
		return false, nil
	}

	proxy := m.proxyFor(ctx, &token)
	started := m.now()
	quota, err := m.api.Quota(ctx, token.AccessToken, proxy)
	m.observe(ctx, id, started, err)
	if err != nil {
		return false, fmt.Errorf("query quota: %w", err)
	}

	update := domain.TokenUpdate{
		RemainingCount: domain.Ptr(quota.Remaining),
		ClearCooldown:  true,
	}
	if err := m.store.UpdateTokenFields(ctx, id, update); err != nil {
		return false, err
	}

	log.Info("Token cooldown cleared", "token_id", id, "remaining", quota.Remaining)
	return true, nil
}

package lifecycle

import (
	"context"
	"errors"

	"kestrel/internal/domain"
	"kestrel/internal/remote"

	"github.com/charmbracelet/log"
)

const invalidatedMessage = "Token expired (token_invalidated)"

type TestResult struct {
	Valid   bool   `json:"valid"`
	Expired bool   `json:"expired"`
	Message string `json:"message"`

	Email          string `json:"email,omitempty"`
	Username       string `json:"username,omitempty"`
	PlanType       string `json:"plan_type,omitempty"`
	QuotaSupported bool   `json:"quota_supported"`
	RemainingCount int    `json:"remaining_count"`
}

// Test checks the token against the account API. It first tries to refresh
// the access token, then re-syncs identity, plan and quota. A failed check is
// reported in the result; the error is only set when the token cannot be
// loaded or stored.
func (m *Manager) Test(ctx context.Context, id uint64) (TestResult, error) {
	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	proxy := m.proxyFor(ctx, &token)

	if token.SessionToken != "" || token.RefreshToken != "" {
		res, err := m.exchange(ctx, &token, proxy)
		switch {
		case err != nil:
			log.Debug("Pre-test refresh skipped", "token_id", id, "error", err)
		case res.expiry() == nil:
			log.Warn("Pre-test refresh returned a token without expiry, keeping the current one", "token_id", id, "via", res.via)
		default:
			res.apply(&token)
			if err := m.store.SaveToken(ctx, &token); err != nil {
				return TestResult{}, err
			}
			log.Debug("Token refreshed before test", "token_id", id, "via", res.via)
		}
	}

	started := m.now()
	info, err := m.api.Me(ctx, token.AccessToken, proxy)
	m.observe(ctx, id, started, err)
	if err != nil {
		return m.failedTest(ctx, id, err)
	}

	update := domain.TokenUpdate{
		IsExpired:     domain.Ptr(false),
		PhoneVerified: info.PhoneVerified,
	}
	if info.Email != "" {
		update.Email = domain.Ptr(info.Email)
	}
	if info.HasUsername {
		update.Username = domain.Ptr(info.Username)
	}

	sub, err := m.api.Subscription(ctx, token.AccessToken, proxy)
	if err != nil {
		log.Warn("Subscription unavailable during test", "token_id", id, "error", err)
	} else {
		update.PlanType = domain.Ptr(sub.PlanType)
		update.PlanTitle = domain.Ptr(sub.PlanTitle)
		update.SubscriptionEnd = sub.EndsAt
	}

	invite, err := m.api.Invite(ctx, token.AccessToken, proxy)
	if err != nil {
		return m.failedTest(ctx, id, err)
	}
	update.QuotaSupported = domain.Ptr(invite.Supported)
	remaining := token.RemainingCount
	if invite.Supported {
		update.InviteCode = domain.Ptr(invite.InviteCode)
		update.RedeemedCount = domain.Ptr(invite.RedeemedCount)
		update.TotalCount = domain.Ptr(invite.TotalCount)

		if quota, err := m.api.Quota(ctx, token.AccessToken, proxy); err == nil {
			remaining = quota.Remaining
			update.RemainingCount = domain.Ptr(remaining)
		} else {
			log.Warn("Remaining quota unavailable during test", "token_id", id, "error", err)
		}
	}

	if err := m.store.UpdateTokenFields(ctx, id, update); err != nil {
		return TestResult{}, err
	}

	result := TestResult{
		Valid:          true,
		Message:        "Token is valid",
		Email:          info.Email,
		Username:       info.Username,
		QuotaSupported: invite.Supported,
		RemainingCount: remaining,
	}
	if update.PlanType != nil {
		result.PlanType = *update.PlanType
	}
	return result, nil
}

func (m *Manager) failedTest(ctx context.Context, id uint64, cause error) (TestResult, error) {
	if errors.Is(cause, remote.ErrCredentialInvalidated) {
		if err := m.store.UpdateTokenFields(ctx, id, domain.TokenUpdate{IsExpired: domain.Ptr(true)}); err != nil {
			return TestResult{}, err
		}
		log.Warn("Token invalidated upstream, marked expired", "token_id", id)
		return TestResult{Valid: false, Expired: true, Message: invalidatedMessage}, nil
	}

	log.Warn("Token test failed", "token_id", id, "error", cause)
	return TestResult{Valid: false, Message: "Token is invalid: " + cause.Error()}, nil
}

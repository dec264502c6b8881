package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kestrel/internal/credential"
	"kestrel/internal/domain"

	"github.com/charmbracelet/log"
)

var errNoSecondaryCredential = errors.New("no session or refresh token")

type exchangeResult struct {
	accessToken  string
	refreshToken string
	expiresAt    *time.Time
	via          string
}

// exchange mints a fresh access token, trying the session token before the
// refresh token.
func (m *Manager) exchange(ctx context.Context, token *domain.Token, proxy string) (exchangeResult, error) {
	var errs []error

	if token.SessionToken != "" {
		started := m.now()
		res, err := m.api.ExchangeSession(ctx, token.SessionToken, proxy)
		m.observe(ctx, token.ID, started, err)
		if err == nil {
			return exchangeResult{
				accessToken:  res.AccessToken,
				refreshToken: token.RefreshToken,
				expiresAt:    res.Expires,
				via:          "session",
			}, nil
		}
		errs = append(errs, fmt.Errorf("session exchange: %w", err))
	}

	if token.RefreshToken != "" {
		started := m.now()
		res, err := m.api.ExchangeRefresh(ctx, token.RefreshToken, token.ClientID, proxy)
		m.observe(ctx, token.ID, started, err)
		if err == nil {
			out := exchangeResult{
				accessToken:  res.AccessToken,
				refreshToken: token.RefreshToken,
				via:          "refresh",
			}
			if res.RefreshToken != "" {
				out.refreshToken = res.RefreshToken
			}
			if res.ExpiresIn > 0 {
				expiresAt := m.now().Add(res.ExpiresIn)
				out.expiresAt = &expiresAt
			}
			return out, nil
		}
		errs = append(errs, fmt.Errorf("refresh exchange: %w", err))
	}

	if len(errs) == 0 {
		return exchangeResult{}, errNoSecondaryCredential
	}
	return exchangeResult{}, errors.Join(errs...)
}

// expiry is the expiry of the new access token, falling back to the one the
// exchange reported. nil means neither is known.
func (res exchangeResult) expiry() *time.Time {
	if claims, err := credential.Decode(res.accessToken); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt
	}
	return res.expiresAt
}

// apply moves an exchange result onto the token.
func (res exchangeResult) apply(token *domain.Token) {
	token.AccessToken = res.accessToken
	token.RefreshToken = res.refreshToken
	token.ExpiresAt = res.expiry()
}

// AutoRefreshIfExpiring exchanges the token's secondary credentials for a new
// access token once the current one is inside the refresh window. It reports
// whether a refresh happened. A token that cannot be refreshed, or whose new
// access token is already expired or has no known expiry, is disabled.
func (m *Manager) AutoRefreshIfExpiring(ctx context.Context, id uint64) (bool, error) {
	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return false, err
	}

	now := m.now()
	if token.ExpiresAt == nil || !token.ExpiresWithin(now, m.opts.RefreshWindow) {
		return false, nil
	}

	proxy := m.proxyFor(ctx, &token)
	res, err := m.exchange(ctx, &token, proxy)
	if err != nil {
		log.Warn("Token refresh failed, disabling", "token_id", id, "expires_at", token.ExpiresAt, "error", err)
		if disableErr := m.setActive(ctx, id, false); disableErr != nil {
			return false, fmt.Errorf("disable token: %w", disableErr)
		}
		return false, nil
	}

	res.apply(&token)
	if err := m.store.SaveToken(ctx, &token); err != nil {
		return false, fmt.Errorf("save refreshed token: %w", err)
	}

	if token.ExpiresAt == nil || token.ExpiresAt.Before(m.now()) {
		log.Warn("Refreshed token expired or without expiry, disabling", "token_id", id, "expires_at", token.ExpiresAt)
		if err := m.setActive(ctx, id, false); err != nil {
			return false, fmt.Errorf("disable token: %w", err)
		}
		return false, nil
	}

	log.Info("Token refreshed", "token_id", id, "via", res.via, "expires_at", token.ExpiresAt)
	return true, nil
}

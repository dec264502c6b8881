package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kestrel/internal/credential"
	"kestrel/internal/domain"
	"kestrel/internal/remote"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
)

type RegisterRequest struct {
	AccessToken  string
	SessionToken string
	RefreshToken string
	ClientID     string
	ProxyURL     string
	Remark       string

	// Email is used in offline mode when given.
	Email string

	ImageEnabled     bool
	VideoEnabled     bool
	ImageConcurrency int
	VideoConcurrency int

	// Offline skips every remote lookup.
	Offline        bool
	UpdateIfExists bool
}

// DefaultRegisterRequest enables both media kinds without concurrency limits.
func DefaultRegisterRequest(accessToken string) RegisterRequest {
	return RegisterRequest{
		AccessToken:      accessToken,
		ImageEnabled:     true,
		VideoEnabled:     true,
		ImageConcurrency: unlimitedConcurrency,
		VideoConcurrency: unlimitedConcurrency,
	}
}

type Registration struct {
	Token   domain.Token
	Updated bool
}

// Register stores a new token. Partial remote failures fall back to the
// identity embedded in the token; an invalidated credential or an unsupported
// region abort the registration.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	req.AccessToken = strings.TrimSpace(req.AccessToken)

	existing, err := m.store.TokenByAccessToken(ctx, req.AccessToken)
	switch {
	case err == nil:
		if !req.UpdateIfExists {
			return Registration{}, fmt.Errorf("%w: id %d", domain.ErrTokenExists, existing.ID)
		}
		updated, err := m.updateExisting(ctx, existing, req)
		if err != nil {
			return Registration{}, err
		}
		return Registration{Token: updated, Updated: true}, nil
	case !errors.Is(err, domain.ErrTokenNotFound):
		return Registration{}, fmt.Errorf("lookup token: %w", err)
	}

	claims, err := credential.Decode(req.AccessToken)
	if err != nil {
		return Registration{}, err
	}

	token := domain.Token{
		AccessToken:      req.AccessToken,
		SessionToken:     strings.TrimSpace(req.SessionToken),
		RefreshToken:     strings.TrimSpace(req.RefreshToken),
		ClientID:         strings.TrimSpace(req.ClientID),
		ProxyURL:         strings.TrimSpace(req.ProxyURL),
		Remark:           req.Remark,
		ExpiresAt:        claims.ExpiresAt,
		IsActive:         true,
		ImageEnabled:     req.ImageEnabled,
		VideoEnabled:     req.VideoEnabled,
		ImageConcurrency: req.ImageConcurrency,
		VideoConcurrency: req.VideoConcurrency,
	}

	if req.Offline {
		token.Email = req.Email
		if token.Email == "" {
			token.Email = claims.Email
		}
		local, _, _ := strings.Cut(token.Email, "@")
		token.Name = local
		token.RedeemedCount = -1
		token.TotalCount = -1
		token.RemainingCount = -1
	} else if err := m.syncAccount(ctx, &token, claims); err != nil {
		return Registration{}, err
	}

	if err := m.store.CreateToken(ctx, &token); err != nil {
		return Registration{}, fmt.Errorf("create token: %w", err)
	}

	log.Info("Token registered", "token_id", token.ID, "email", token.Email, "plan", token.PlanType, "offline", req.Offline)
	return Registration{Token: token}, nil
}

// syncAccount fills identity, plan and quota fields of a token that is not yet
// stored.
func (m *Manager) syncAccount(ctx context.Context, token *domain.Token, claims credential.Claims) error {
	proxy := m.router.ProxyFor(ctx, 0, token.ProxyURL)
	at := token.AccessToken

	token.Email = claims.Email
	token.Name = claims.LocalPart()

	info, err := m.api.Me(ctx, at, proxy)
	haveInfo := err == nil
	switch {
	case remote.IsFatal(err):
		return err
	case err != nil:
		log.Warn("Account info unavailable, using token identity", "email", claims.Email, "error", err)
	default:
		if info.Email != "" {
			token.Email = info.Email
		}
		if info.Name != "" {
			token.Name = info.Name
		}
		token.Username = info.Username
		token.PhoneVerified = info.PhoneVerified
	}

	sub, err := m.api.Subscription(ctx, at, proxy)
	switch {
	case remote.IsFatal(err):
		return err
	case err != nil:
		log.Warn("Subscription unavailable", "email", token.Email, "error", err)
	default:
		token.PlanType = sub.PlanType
		token.PlanTitle = sub.PlanTitle
		token.SubscriptionEnd = sub.EndsAt
	}

	if err := m.syncInvite(ctx, token, proxy); err != nil {
		return err
	}

	if haveInfo && !info.HasUsername {
		token.Username = m.claimUsername(ctx, at, proxy)
	}
	return nil
}

// syncInvite stores the invite status and, where supported, the remaining
// quota. Only a region error is returned.
func (m *Manager) syncInvite(ctx context.Context, token *domain.Token, proxy string) error {
	invite, err := m.api.Invite(ctx, token.AccessToken, proxy)
	if err != nil {
		if errors.Is(err, remote.ErrRegionUnsupported) {
			return err
		}
		log.Warn("Invite status unavailable", "email", token.Email, "error", err)
		return nil
	}

	token.QuotaSupported = invite.Supported
	if !invite.Supported {
		return nil
	}
	token.InviteCode = invite.InviteCode
	token.RedeemedCount = invite.RedeemedCount
	token.TotalCount = invite.TotalCount

	quota, err := m.api.Quota(ctx, token.AccessToken, proxy)
	if err != nil {
		log.Warn("Remaining quota unavailable", "email", token.Email, "error", err)
		return nil
	}
	token.RemainingCount = quota.Remaining
	return nil
}

// claimUsername tries a few generated usernames and returns the one that was
// set, or "" when none could be claimed.
func (m *Manager) claimUsername(ctx context.Context, accessToken, proxy string) string {
	for attempt := 1; attempt <= m.opts.UsernameAttempts; attempt++ {
		m.rngMu.Lock()
		candidate := support.GenerateUsername(m.opts.Names, m.rng)
		m.rngMu.Unlock()

		available, err := m.api.UsernameAvailable(ctx, accessToken, proxy, candidate)
		if err != nil {
			log.Warn("Username check failed", "username", candidate, "attempt", attempt, "error", err)
			continue
		}
		if !available {
			continue
		}

		if err := m.api.SetUsername(ctx, accessToken, proxy, candidate); err != nil {
			log.Warn("Username claim failed", "username", candidate, "attempt", attempt, "error", err)
			continue
		}
		log.Info("Username claimed", "username", candidate)
		return candidate
	}

	log.Warn("No username could be claimed", "attempts", m.opts.UsernameAttempts)
	return ""
}

// updateExisting re-syncs a token registered again with UpdateIfExists.
func (m *Manager) updateExisting(ctx context.Context, token domain.Token, req RegisterRequest) (domain.Token, error) {
	claims, err := credential.Decode(req.AccessToken)
	if err != nil {
		return domain.Token{}, err
	}

	if st := strings.TrimSpace(req.SessionToken); st != "" {
		token.SessionToken = st
	}
	if rt := strings.TrimSpace(req.RefreshToken); rt != "" {
		token.RefreshToken = rt
	}
	if id := strings.TrimSpace(req.ClientID); id != "" {
		token.ClientID = id
	}
	if req.Remark != "" {
		token.Remark = req.Remark
	}
	token.ExpiresAt = claims.ExpiresAt

	if !req.Offline {
		proxy := m.proxyFor(ctx, &token)

		info, err := m.api.Me(ctx, token.AccessToken, proxy)
		switch {
		case remote.IsFatal(err):
			return domain.Token{}, err
		case err != nil:
			log.Warn("Account info unavailable during update", "token_id", token.ID, "error", err)
		default:
			if info.Email != "" {
				token.Email = info.Email
			}
			if info.Name != "" {
				token.Name = info.Name
			}
			if info.HasUsername {
				token.Username = info.Username
			}
			token.PhoneVerified = info.PhoneVerified
		}

		sub, err := m.api.Subscription(ctx, token.AccessToken, proxy)
		switch {
		case remote.IsFatal(err):
			return domain.Token{}, err
		case err != nil:
			log.Warn("Subscription unavailable during update", "token_id", token.ID, "error", err)
		default:
			token.PlanType = sub.PlanType
			token.PlanTitle = sub.PlanTitle
			token.SubscriptionEnd = sub.EndsAt
		}
	}

	if err := m.store.SaveToken(ctx, &token); err != nil {
		return domain.Token{}, fmt.Errorf("save token: %w", err)
	}
	log.Info("Existing token updated", "token_id", token.ID, "email", token.Email)
	return token, nil
}

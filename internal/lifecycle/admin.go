package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"kestrel/internal/credential"
	"kestrel/internal/domain"
	"kestrel/internal/remote"

	"github.com/charmbracelet/log"
)

// TokenPatch is an operator edit of a token. Nil fields are left untouched.
type TokenPatch struct {
	AccessToken  *string
	SessionToken *string
	RefreshToken *string
	ClientID     *string
	ProxyURL     *string
	Remark       *string

	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int

	// Offline skips the validation that follows a new access token.
	Offline bool
}

// Enable re-activates a token and forgets its error streak and expired flag.
func (m *Manager) Enable(ctx context.Context, id uint64) error {
	update := domain.TokenUpdate{IsActive: domain.Ptr(true), IsExpired: domain.Ptr(false)}
	if err := m.store.UpdateTokenFields(ctx, id, update); err != nil {
		return err
	}
	return m.store.ResetErrors(ctx, id)
}

func (m *Manager) Disable(ctx context.Context, id uint64) error {
	return m.setActive(ctx, id, false)
}

func (m *Manager) Delete(ctx context.Context, id uint64) error {
	if err := m.store.DeleteToken(ctx, id); err != nil {
		return err
	}
	log.Info("Token deleted", "token_id", id)
	return nil
}

// Update applies patch. A changed access token is decoded for its expiry and,
// unless patch.Offline, tested; a passing test re-enables the token.
func (m *Manager) Update(ctx context.Context, id uint64, patch TokenPatch) (domain.Token, error) {
	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return domain.Token{}, err
	}

	accessChanged := false
	if patch.AccessToken != nil {
		at := strings.TrimSpace(*patch.AccessToken)
		if at != "" && at != token.AccessToken {
			claims, err := credential.Decode(at)
			if err != nil {
				return domain.Token{}, err
			}
			token.AccessToken = at
			token.ExpiresAt = claims.ExpiresAt
			accessChanged = true
		}
	}

	trimmed := func(v *string) string { return strings.TrimSpace(*v) }
	if patch.SessionToken != nil {
		token.SessionToken = trimmed(patch.SessionToken)
	}
	if patch.RefreshToken != nil {
		token.RefreshToken = trimmed(patch.RefreshToken)
	}
	if patch.ClientID != nil {
		token.ClientID = trimmed(patch.ClientID)
	}
	if patch.ProxyURL != nil {
		token.ProxyURL = trimmed(patch.ProxyURL)
	}
	if patch.Remark != nil {
		token.Remark = *patch.Remark
	}
	if patch.ImageEnabled != nil {
		token.ImageEnabled = *patch.ImageEnabled
	}
	if patch.VideoEnabled != nil {
		token.VideoEnabled = *patch.VideoEnabled
	}
	if patch.ImageConcurrency != nil {
		token.ImageConcurrency = *patch.ImageConcurrency
	}
	if patch.VideoConcurrency != nil {
		token.VideoConcurrency = *patch.VideoConcurrency
	}

	if err := m.store.SaveToken(ctx, &token); err != nil {
		return domain.Token{}, fmt.Errorf("save token: %w", err)
	}

	if !accessChanged || patch.Offline {
		return token, nil
	}

	result, err := m.Test(ctx, id)
	if err != nil {
		return domain.Token{}, err
	}
	if result.Valid {
		if err := m.Enable(ctx, id); err != nil {
			return domain.Token{}, err
		}
	}
	return m.store.TokenByID(ctx, id)
}

// ActivateInvite redeems inviteCode for the token and stores the resulting
// invite status.
func (m *Manager) ActivateInvite(ctx context.Context, id uint64, inviteCode string) (remote.InviteAcceptance, error) {
	token, err := m.store.TokenByID(ctx, id)
	if err != nil {
		return remote.InviteAcceptance{}, err
	}
	proxy := m.proxyFor(ctx, &token)

	res, err := m.api.AcceptInvite(ctx, token.AccessToken, proxy, strings.TrimSpace(inviteCode))
	if err != nil {
		return remote.InviteAcceptance{}, err
	}
	if !res.Success && !res.AlreadyAccepted {
		return res, nil
	}

	if err := m.syncInvite(ctx, &token, proxy); err != nil {
		log.Warn("Invite status unavailable after activation", "token_id", id, "error", err)
		return res, nil
	}
	update := domain.TokenUpdate{
		QuotaSupported: domain.Ptr(token.QuotaSupported),
		InviteCode:     domain.Ptr(token.InviteCode),
		RedeemedCount:  domain.Ptr(token.RedeemedCount),
		TotalCount:     domain.Ptr(token.TotalCount),
		RemainingCount: domain.Ptr(token.RemainingCount),
	}
	if err := m.store.UpdateTokenFields(ctx, id, update); err != nil {
		return res, err
	}

	log.Info("Invite activated", "token_id", id, "already_accepted", res.AlreadyAccepted)
	return res, nil
}

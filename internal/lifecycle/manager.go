// Package lifecycle drives a token through registration, refresh, validation,
// usage accounting and quota cooldown.
package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"kestrel/internal/config"
	"kestrel/internal/domain"
	"kestrel/internal/remote"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
)

const (
	defaultRefreshWindow    = 24 * time.Hour
	defaultUsernameAttempts = 5

	// unlimitedConcurrency is stored for image/video concurrency when no limit
	// was requested.
	unlimitedConcurrency = -1
)

// Store is the persistence the lifecycle needs.
type Store interface {
	TokenByID(ctx context.Context, id uint64) (domain.Token, error)
	TokenByAccessToken(ctx context.Context, accessToken string) (domain.Token, error)
	CreateToken(ctx context.Context, token *domain.Token) error
	SaveToken(ctx context.Context, token *domain.Token) error
	UpdateTokenFields(ctx context.Context, id uint64, update domain.TokenUpdate) error
	DeleteToken(ctx context.Context, id uint64) error
	ActiveTokens(ctx context.Context) ([]domain.Token, error)
	AllTokens(ctx context.Context) ([]domain.Token, error)
	TokenStats(ctx context.Context, id uint64) (domain.TokenStats, error)

	IncrementUsage(ctx context.Context, id uint64, video bool) error
	// RecordError counts an error and returns the consecutive error count.
	// consecutive is false for errors that must not count towards a ban.
	RecordError(ctx context.Context, id uint64, consecutive bool) (int64, error)
	ResetErrors(ctx context.Context, id uint64) error
	AdminConfig(ctx context.Context) (domain.AdminConfig, error)
}

// AccountAPI is the remote account service.
type AccountAPI interface {
	Me(ctx context.Context, accessToken, proxyURL string) (remote.UserInfo, error)
	Subscription(ctx context.Context, accessToken, proxyURL string) (remote.Subscription, error)
	Invite(ctx context.Context, accessToken, proxyURL string) (remote.InviteStatus, error)
	Quota(ctx context.Context, accessToken, proxyURL string) (remote.Quota, error)
	UsernameAvailable(ctx context.Context, accessToken, proxyURL, username string) (bool, error)
	SetUsername(ctx context.Context, accessToken, proxyURL, username string) error
	AcceptInvite(ctx context.Context, accessToken, proxyURL, inviteCode string) (remote.InviteAcceptance, error)
	ExchangeSession(ctx context.Context, sessionToken, proxyURL string) (remote.SessionExchange, error)
	ExchangeRefresh(ctx context.Context, refreshToken, clientID, proxyURL string) (remote.RefreshExchange, error)
}

// ProxyRouter picks the proxy for a token's calls and learns from their
// outcome.
type ProxyRouter interface {
	ProxyFor(ctx context.Context, tokenID uint64, explicitURL string) string
	ReportSuccess(ctx context.Context, tokenID uint64, responseTime time.Duration)
	ReportFailure(ctx context.Context, tokenID uint64) (string, bool)
}

type directRouter struct{}

func (directRouter) ProxyFor(_ context.Context, _ uint64, explicitURL string) string {
	return explicitURL
}

func (directRouter) ReportSuccess(context.Context, uint64, time.Duration) {}

func (directRouter) ReportFailure(context.Context, uint64) (string, bool) {
	return "", false
}

type Options struct {
	RefreshWindow    time.Duration
	UsernameAttempts int
	Names            support.NameSource
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		RefreshWindow:    time.Duration(cfg.Lifecycle.RefreshWindowHours) * time.Hour,
		UsernameAttempts: int(cfg.Lifecycle.UsernameAttempts),
	}
}

type Manager struct {
	store  Store
	api    AccountAPI
	router ProxyRouter
	opts   Options

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// NewManager wires the lifecycle. A nil router sends every call direct.
func NewManager(store Store, api AccountAPI, router ProxyRouter, opts Options) *Manager {
	if router == nil {
		router = directRouter{}
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = defaultRefreshWindow
	}
	if opts.UsernameAttempts <= 0 {
		opts.UsernameAttempts = defaultUsernameAttempts
	}
	if opts.Names == nil {
		opts.Names = support.NewFakerNameSource(0)
	}

	return &Manager{
		store:  store,
		api:    api,
		router: router,
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

func (m *Manager) proxyFor(ctx context.Context, token *domain.Token) string {
	return m.router.ProxyFor(ctx, token.ID, "")
}

// observe feeds the outcome of a remote call made for tokenID back to the
// router. Only transport failures count against the proxy.
func (m *Manager) observe(ctx context.Context, tokenID uint64, started time.Time, err error) {
	if tokenID == 0 {
		return
	}
	switch {
	case err == nil:
		m.router.ReportSuccess(ctx, tokenID, time.Since(started))
	case errors.Is(err, remote.ErrTransport):
		if url, ok := m.router.ReportFailure(ctx, tokenID); ok {
			log.Info("Token proxy rebound after transport failure", "token_id", tokenID, "proxy", url)
		}
	}
}

func (m *Manager) setActive(ctx context.Context, id uint64, active bool) error {
	return m.store.UpdateTokenFields(ctx, id, domain.TokenUpdate{IsActive: domain.Ptr(active)})
}

func (m *Manager) ActiveTokens(ctx context.Context) ([]domain.Token, error) {
	return m.store.ActiveTokens(ctx)
}

func (m *Manager) AllTokens(ctx context.Context) ([]domain.Token, error) {
	return m.store.AllTokens(ctx)
}

func (m *Manager) Token(ctx context.Context, id uint64) (domain.Token, error) {
	return m.store.TokenByID(ctx, id)
}

func (m *Manager) TokenStats(ctx context.Context, id uint64) (domain.TokenStats, error) {
	return m.store.TokenStats(ctx, id)
}

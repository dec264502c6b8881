// Package routing decides which proxy an outbound call for a token goes
// through.
package routing

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/proxypool"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// bindTimeout bounds a shared pool bind. The bind ignores the cancellation of
// the caller that started it.
const bindTimeout = 3 * time.Minute

type Action int

const (
	ActionNone Action = iota
	// ActionBound means a free pool proxy was bound during resolution.
	ActionBound
	ActionGlobal
)

func (a Action) String() string {
	switch a {
	case ActionBound:
		return "bound"
	case ActionGlobal:
		return "global"
	default:
		return "none"
	}
}

type TokenStore interface {
	// TokenProxy returns the proxy bound to tokenID. found is false when the
	// token does not exist.
	TokenProxy(ctx context.Context, tokenID uint64) (url string, found bool, err error)
	ProxyConfig(ctx context.Context) (domain.ProxyConfig, error)
	SaveProxyConfig(ctx context.Context, cfg domain.ProxyConfig) error
}

type Router struct {
	store  TokenStore
	binder *proxypool.Binder

	freePool atomic.Bool
	binds    singleflight.Group
}

func NewRouter(store TokenStore, binder *proxypool.Binder, freePoolEnabled bool) *Router {
	r := &Router{store: store, binder: binder}
	r.freePool.Store(freePoolEnabled && binder != nil)
	return r
}

func (r *Router) FreePoolEnabled() bool {
	return r.freePool.Load()
}

func (r *Router) SetFreePoolEnabled(enabled bool) {
	r.freePool.Store(enabled && r.binder != nil)
}

// Resolve returns the proxy for a call. tokenID 0 means no token.
func (r *Router) Resolve(ctx context.Context, tokenID uint64, explicitURL string) (string, Action) {
	if explicitURL = strings.TrimSpace(explicitURL); explicitURL != "" {
		return explicitURL, ActionNone
	}

	if tokenID != 0 {
		bound, found, err := r.store.TokenProxy(ctx, tokenID)
		switch {
		case err != nil:
			log.Warn("Proxy routing: token lookup failed", "token_id", tokenID, "error", err)
		case bound != "":
			return bound, ActionNone
		case found && r.FreePoolEnabled():
			if url, ok := r.bindFromPool(ctx, tokenID); ok {
				return url, ActionBound
			}
		}
	}

	cfg, err := r.store.ProxyConfig(ctx)
	if err != nil {
		log.Warn("Proxy routing: global proxy config unavailable", "error", err)
		return "", ActionNone
	}
	if cfg.Usable() {
		return cfg.URL, ActionGlobal
	}
	return "", ActionNone
}

// bindFromPool binds a pool proxy, collapsing concurrent binds for one token.
// The shared bind runs detached from any single caller; each caller stops
// waiting when its own ctx ends.
func (r *Router) bindFromPool(ctx context.Context, tokenID uint64) (string, bool) {
	ch := r.binds.DoChan(strconv.FormatUint(tokenID, 10), func() (any, error) {
		bindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bindTimeout)
		defer cancel()

		r.binder.Pool().Initialize(bindCtx)
		url, _ := r.binder.BindVerified(bindCtx, tokenID, nil, 0)
		return url, nil
	})

	select {
	case res := <-ch:
		url, _ := res.Val.(string)
		return url, url != ""
	case <-ctx.Done():
		log.Debug("Proxy routing: caller gave up waiting for bind", "token_id", tokenID, "error", ctx.Err())
		return "", false
	}
}

// ProxyFor is Resolve without the action.
func (r *Router) ProxyFor(ctx context.Context, tokenID uint64, explicitURL string) string {
	url, action := r.Resolve(ctx, tokenID, explicitURL)
	if action == ActionBound {
		log.Info("Token bound to free pool proxy", "token_id", tokenID, "proxy", url)
	}
	return url
}

func (r *Router) boundProxy(ctx context.Context, tokenID uint64) string {
	if tokenID == 0 {
		return ""
	}
	url, _, err := r.store.TokenProxy(ctx, tokenID)
	if err != nil {
		log.Warn("Proxy routing: token lookup failed", "token_id", tokenID, "error", err)
		return ""
	}
	return url
}

// ReportSuccess feeds a successful call through the token's proxy back into
// the pool.
func (r *Router) ReportSuccess(ctx context.Context, tokenID uint64, responseTime time.Duration) {
	if r.binder == nil {
		return
	}
	if url := r.boundProxy(ctx, tokenID); url != "" {
		r.binder.Pool().ReportSuccess(url, responseTime)
	}
}

// ReportFailure reports the token's proxy as failed and, when it came from the
// free pool, binds a replacement. Global fallback proxies are never rebound.
func (r *Router) ReportFailure(ctx context.Context, tokenID uint64) (string, bool) {
	if r.binder == nil {
		return "", false
	}

	url := r.boundProxy(ctx, tokenID)
	if url == "" || !r.binder.Pool().Contains(url) {
		return "", false
	}
	if !r.FreePoolEnabled() {
		r.binder.Pool().ReportFailure(url)
		return "", false
	}
	return r.binder.RebindAfterFailure(ctx, tokenID, url)
}

func (r *Router) ProxyConfig(ctx context.Context) (domain.ProxyConfig, error) {
	return r.store.ProxyConfig(ctx)
}

// UpdateProxyConfig stores the global fallback proxy.
func (r *Router) UpdateProxyConfig(ctx context.Context, enabled bool, url string) (domain.ProxyConfig, error) {
	cfg := domain.DefaultProxyConfig()
	cfg.Enabled = enabled
	cfg.URL = strings.TrimSpace(url)

	if err := r.store.SaveProxyConfig(ctx, cfg); err != nil {
		return domain.ProxyConfig{}, err
	}
	return cfg, nil
}

package proxypool

import (
	"context"

	"github.com/charmbracelet/log"
)

const defaultBindAttempts = 10

// BindingStore persists which proxy a token is bound to.
type BindingStore interface {
	// BoundProxies lists the proxies bound to every token except excludeTokenID.
	BoundProxies(ctx context.Context, excludeTokenID uint64) ([]string, error)
	BindProxy(ctx context.Context, tokenID uint64, proxyURL string) error
}

// Binder hands out verified proxies that no other token is using.
type Binder struct {
	pool        *Pool
	prober      *Prober
	store       BindingStore
	maxAttempts int
}

func NewBinder(pool *Pool, prober *Prober, store BindingStore, maxAttempts int) *Binder {
	if maxAttempts <= 0 {
		maxAttempts = defaultBindAttempts
	}
	return &Binder{pool: pool, prober: prober, store: store, maxAttempts: maxAttempts}
}

func (b *Binder) Pool() *Pool {
	return b.pool
}

func toSet(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u != "" {
			set[u] = struct{}{}
		}
	}
	return set
}

// SelectCandidate returns the best healthy proxy not in exclude. When every
// healthy proxy is excluded any other pool member is used instead.
func (b *Binder) SelectCandidate(ctx context.Context, exclude map[string]struct{}) (string, bool) {
	b.pool.EnsureFresh(ctx)

	for _, info := range b.pool.HealthyOrdered() {
		if _, skip := exclude[info.URL]; !skip {
			return info.URL, true
		}
	}

	for _, url := range b.pool.URLs() {
		if _, skip := exclude[url]; !skip {
			return url, true
		}
	}
	return "", false
}

// usedByOthers reads the proxies bound to tokens other than tokenID.
func (b *Binder) usedByOthers(ctx context.Context, tokenID uint64) (map[string]struct{}, error) {
	bound, err := b.store.BoundProxies(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return toSet(bound), nil
}

// BindVerified probes up to maxAttempts candidates until one passes and binds
// it to tokenID. maxAttempts <= 0 uses the binder's default. The check against
// other tokens' proxies is read-then-act, not atomic.
func (b *Binder) BindVerified(ctx context.Context, tokenID uint64, exclude []string, maxAttempts int) (string, bool) {
	if maxAttempts <= 0 {
		maxAttempts = b.maxAttempts
	}

	excluded, err := b.usedByOthers(ctx, tokenID)
	if err != nil {
		log.Error("Proxy bind: failed to read bound proxies", "token_id", tokenID, "error", err)
		return "", false
	}
	for _, u := range exclude {
		if u != "" {
			excluded[u] = struct{}{}
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", false
		}

		candidate, ok := b.SelectCandidate(ctx, excluded)
		if !ok {
			log.Warn("Proxy bind: no candidate left", "token_id", tokenID, "attempts", attempt-1)
			return "", false
		}

		if !b.prober.Probe(ctx, candidate) {
			excluded[candidate] = struct{}{}
			continue
		}

		if err := b.store.BindProxy(ctx, tokenID, candidate); err != nil {
			log.Error("Proxy bind: failed to persist binding", "token_id", tokenID, "proxy", candidate, "error", err)
			return "", false
		}
		log.Info("Proxy bound to token", "token_id", tokenID, "proxy", candidate, "attempt", attempt)
		return candidate, true
	}

	log.Warn("Proxy bind: attempts exhausted", "token_id", tokenID, "attempts", maxAttempts)
	return "", false
}

// RebindAfterFailure marks failedURL as failed and binds a different proxy.
func (b *Binder) RebindAfterFailure(ctx context.Context, tokenID uint64, failedURL string) (string, bool) {
	b.pool.ReportFailure(failedURL)
	return b.BindVerified(ctx, tokenID, []string{failedURL}, 0)
}

// FindFastestAndBind races the healthy proxies not used by other tokens and
// binds the fastest.
func (b *Binder) FindFastestAndBind(ctx context.Context, tokenID uint64) (RaceResult, bool) {
	excluded, err := b.usedByOthers(ctx, tokenID)
	if err != nil {
		log.Error("Proxy race: failed to read bound proxies", "token_id", tokenID, "error", err)
		return RaceResult{}, false
	}

	b.pool.EnsureFresh(ctx)

	var candidates []string
	for _, info := range b.pool.HealthyOrdered() {
		if _, skip := excluded[info.URL]; skip {
			continue
		}
		candidates = append(candidates, info.URL)
		if len(candidates) >= b.prober.opts.RaceCandidates {
			break
		}
	}
	if len(candidates) == 0 {
		return RaceResult{}, false
	}

	winner, ok := b.prober.RaceFastest(ctx, candidates, b.prober.opts.RaceConcurrency)
	if !ok {
		return RaceResult{}, false
	}

	if err := b.store.BindProxy(ctx, tokenID, winner.URL); err != nil {
		log.Error("Proxy race: failed to persist binding", "token_id", tokenID, "proxy", winner.URL, "error", err)
		return RaceResult{}, false
	}
	return winner, true
}

package routing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/proxypool"
)

type memoryStore struct {
	mu      sync.Mutex
	tokens  map[uint64]string
	proxy   domain.ProxyConfig
	lookErr error
}

func newMemoryStore(tokens map[uint64]string) *memoryStore {
	return &memoryStore{tokens: tokens, proxy: domain.DefaultProxyConfig()}
}

func (s *memoryStore) TokenProxy(_ context.Context, tokenID uint64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookErr != nil {
		return "", false, s.lookErr
	}
	url, ok := s.tokens[tokenID]
	return url, ok, nil
}

func (s *memoryStore) ProxyConfig(context.Context) (domain.ProxyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy, nil
}

func (s *memoryStore) SaveProxyConfig(_ context.Context, cfg domain.ProxyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxy = cfg
	return nil
}

func (s *memoryStore) BoundProxies(_ context.Context, excludeTokenID uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, url := range s.tokens {
		if id != excludeTokenID && url != "" {
			out = append(out, url)
		}
	}
	return out, nil
}

func (s *memoryStore) BindProxy(_ context.Context, tokenID uint64, proxyURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenID] = proxyURL
	return nil
}

type staticSource []proxypool.SourceEntry

func (s staticSource) Fetch(context.Context) ([]proxypool.SourceEntry, error) {
	return s, nil
}

func poolEntries(ips ...string) staticSource {
	var out staticSource
	for i, ip := range ips {
		out = append(out, proxypool.SourceEntry{Protocol: "socks5", IP: ip, Port: 1080, Anonymity: "elite", Score: float64(len(ips) - i)})
	}
	return out
}

func newTestRouter(t *testing.T, store *memoryStore, healthy map[string]bool, ips ...string) (*Router, *proxypool.Pool, *atomic.Int32) {
	t.Helper()

	var probes atomic.Int32
	pool := proxypool.NewPool(poolEntries(ips...), proxypool.Options{}, nil)
	prober := proxypool.NewProber(pool, proxypool.ProberOptions{
		Timeout: time.Second,
		Fetch: func(ctx context.Context, proxyURL string) (int, error) {
			probes.Add(1)
			if healthy[proxyURL] {
				return http.StatusOK, nil
			}
			return 0, errors.New("connection refused")
		},
	})
	binder := proxypool.NewBinder(pool, prober, store, 0)
	return NewRouter(store, binder, true), pool, &probes
}

func TestResolvePrecedence(t *testing.T) {
	free := "socks5://10.0.0.1:1080"

	tests := map[string]struct {
		tokens     map[uint64]string
		global     domain.ProxyConfig
		tokenID    uint64
		explicit   string
		wantURL    string
		wantAction Action
	}{
		"explicit wins": {
			tokens:     map[uint64]string{1: "http://bound:1"},
			global:     domain.ProxyConfig{Enabled: true, URL: "http://global:1"},
			tokenID:    1,
			explicit:   "http://explicit:1",
			wantURL:    "http://explicit:1",
			wantAction: ActionNone,
		},
		"bound proxy": {
			tokens:     map[uint64]string{1: "http://bound:1"},
			global:     domain.ProxyConfig{Enabled: true, URL: "http://global:1"},
			tokenID:    1,
			wantURL:    "http://bound:1",
			wantAction: ActionNone,
		},
		"free pool bind": {
			tokens:     map[uint64]string{1: ""},
			global:     domain.ProxyConfig{Enabled: true, URL: "http://global:1"},
			tokenID:    1,
			wantURL:    free,
			wantAction: ActionBound,
		},
		"unknown token uses global": {
			tokens:     map[uint64]string{},
			global:     domain.ProxyConfig{Enabled: true, URL: "http://global:1"},
			tokenID:    42,
			wantURL:    "http://global:1",
			wantAction: ActionGlobal,
		},
		"disabled global": {
			tokens:     map[uint64]string{},
			global:     domain.ProxyConfig{Enabled: false, URL: "http://global:1"},
			wantURL:    "",
			wantAction: ActionNone,
		},
		"enabled global without url": {
			tokens:     map[uint64]string{},
			global:     domain.ProxyConfig{Enabled: true},
			wantURL:    "",
			wantAction: ActionNone,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			store := newMemoryStore(tt.tokens)
			store.proxy = tt.global
			router, _, _ := newTestRouter(t, store, map[string]bool{free: true}, "10.0.0.1")

			url, action := router.Resolve(context.Background(), tt.tokenID, tt.explicit)
			if url != tt.wantURL || action != tt.wantAction {
				t.Fatalf("Resolve = (%q, %s), want (%q, %s)", url, action, tt.wantURL, tt.wantAction)
			}
		})
	}
}

func TestResolveFallsThroughWhenBindFails(t *testing.T) {
	store := newMemoryStore(map[uint64]string{1: ""})
	store.proxy = domain.ProxyConfig{Enabled: true, URL: "http://global:1"}
	router, _, _ := newTestRouter(t, store, nil, "10.0.0.1", "10.0.0.2")

	url, action := router.Resolve(context.Background(), 1, "")
	if url != "http://global:1" || action != ActionGlobal {
		t.Fatalf("Resolve = (%q, %s), want global fallback", url, action)
	}
	if store.tokens[1] != "" {
		t.Fatalf("failed bind persisted %q", store.tokens[1])
	}
}

func TestResolveFreePoolDisabled(t *testing.T) {
	store := newMemoryStore(map[uint64]string{1: ""})
	router, _, probes := newTestRouter(t, store, map[string]bool{"socks5://10.0.0.1:1080": true}, "10.0.0.1")
	router.SetFreePoolEnabled(false)

	if url, action := router.Resolve(context.Background(), 1, ""); url != "" || action != ActionNone {
		t.Fatalf("Resolve = (%q, %s), want none", url, action)
	}
	if probes.Load() != 0 {
		t.Fatal("disabled free pool must not probe")
	}
}

func TestResolveCollapsesConcurrentBinds(t *testing.T) {
	store := newMemoryStore(map[uint64]string{1: ""})
	router, _, _ := newTestRouter(t, store, map[string]bool{"socks5://10.0.0.1:1080": true, "socks5://10.0.0.2:1080": true}, "10.0.0.1", "10.0.0.2")

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = router.ProxyFor(context.Background(), 1, "")
		}()
	}
	wg.Wait()

	for _, url := range results {
		if url != store.tokens[1] {
			t.Fatalf("callers saw different proxies: %v (bound %q)", results, store.tokens[1])
		}
	}
}

func TestResolveBindSurvivesCancelledFirstCaller(t *testing.T) {
	slow, spare := "socks5://10.0.0.1:1080", "socks5://10.0.0.2:1080"
	store := newMemoryStore(map[uint64]string{1: ""})

	var probes atomic.Int32
	pool := proxypool.NewPool(poolEntries("10.0.0.1", "10.0.0.2"), proxypool.Options{}, nil)
	prober := proxypool.NewProber(pool, proxypool.ProberOptions{
		Timeout: 500 * time.Millisecond,
		Fetch: func(ctx context.Context, proxyURL string) (int, error) {
			probes.Add(1)
			if proxyURL == slow {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return http.StatusOK, nil
		},
	})
	router := NewRouter(store, proxypool.NewBinder(pool, prober, store, 0), true)

	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	first := make(chan string, 1)
	go func() {
		url, _ := router.Resolve(shortCtx, 1, "")
		first <- url
	}()

	time.Sleep(20 * time.Millisecond)
	url, action := router.Resolve(context.Background(), 1, "")
	if url != spare || action != ActionBound {
		t.Fatalf("second caller Resolve = (%q, %s), want (%q, bound)", url, action, spare)
	}
	if got := <-first; got != "" {
		t.Fatalf("cancelled caller got %q, want none", got)
	}
	if store.tokens[1] != spare {
		t.Fatalf("binding = %q, want %s", store.tokens[1], spare)
	}
	if probes.Load() != 2 {
		t.Fatalf("probes = %d, want one shared bind", probes.Load())
	}
}

func TestReportSuccessForwardsToPool(t *testing.T) {
	bound := "socks5://10.0.0.1:1080"
	store := newMemoryStore(map[uint64]string{1: bound})
	router, pool, _ := newTestRouter(t, store, nil, "10.0.0.1")
	pool.Initialize(context.Background())

	router.ReportSuccess(context.Background(), 1, 300*time.Millisecond)

	info, _ := pool.Get(bound)
	if info.SuccessCount != 1 {
		t.Fatalf("success not forwarded: %+v", info)
	}
}

func TestReportFailureRebindsPoolProxy(t *testing.T) {
	bound, spare := "socks5://10.0.0.1:1080", "socks5://10.0.0.2:1080"
	store := newMemoryStore(map[uint64]string{1: bound})
	router, pool, _ := newTestRouter(t, store, map[string]bool{spare: true}, "10.0.0.1", "10.0.0.2")
	pool.Initialize(context.Background())

	url, ok := router.ReportFailure(context.Background(), 1)
	if !ok || url != spare {
		t.Fatalf("ReportFailure = (%q, %t), want rebind to %s", url, ok, spare)
	}
	if store.tokens[1] != spare {
		t.Fatalf("binding = %q, want %s", store.tokens[1], spare)
	}
	if info, _ := pool.Get(bound); info.FailureCount == 0 {
		t.Fatal("failed proxy not reported")
	}
}

func TestReportFailureLeavesForeignProxy(t *testing.T) {
	store := newMemoryStore(map[uint64]string{1: "http://global:1"})
	router, pool, probes := newTestRouter(t, store, map[string]bool{"socks5://10.0.0.1:1080": true}, "10.0.0.1")
	pool.Initialize(context.Background())

	if url, ok := router.ReportFailure(context.Background(), 1); ok {
		t.Fatalf("proxy outside the pool was rebound to %q", url)
	}
	if store.tokens[1] != "http://global:1" || probes.Load() != 0 {
		t.Fatal("proxy outside the pool must be left alone")
	}
}

func TestUpdateProxyConfig(t *testing.T) {
	store := newMemoryStore(map[uint64]string{})
	router, _, _ := newTestRouter(t, store, nil)

	cfg, err := router.UpdateProxyConfig(context.Background(), true, "  http://global:3128 ")
	if err != nil {
		t.Fatalf("UpdateProxyConfig returned error: %v", err)
	}
	if !cfg.Usable() || cfg.URL != "http://global:3128" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	stored, _ := router.ProxyConfig(context.Background())
	if stored.URL != "http://global:3128" || !stored.Enabled {
		t.Fatalf("config not stored: %+v", stored)
	}
}

func TestResolveLookupErrorUsesGlobal(t *testing.T) {
	store := newMemoryStore(map[uint64]string{})
	store.lookErr = errors.New("database down")
	store.proxy = domain.ProxyConfig{Enabled: true, URL: "http://global:1"}
	router, _, _ := newTestRouter(t, store, nil)

	if url, action := router.Resolve(context.Background(), 1, ""); url != "http://global:1" || action != ActionGlobal {
		t.Fatalf("Resolve = (%q, %s), want global fallback", url, action)
	}
}

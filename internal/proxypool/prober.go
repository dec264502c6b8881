package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"kestrel/internal/config"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthCheckURL     = "https://sora.chatgpt.com"
	defaultHealthCheckTimeout = 15 * time.Second
	defaultProbeConcurrency   = 10
	defaultRaceConcurrency    = 20
	defaultRaceCandidates     = 100
)

type ProberOptions struct {
	TargetURL        string
	Timeout          time.Duration
	ProbeConcurrency int
	RaceConcurrency  int
	RaceCandidates   int

	// Fetch replaces the health check request made through a proxy.
	Fetch func(ctx context.Context, proxyURL string) (int, error)
}

func ProberOptionsFromConfig(cfg config.Config) ProberOptions {
	return ProberOptions{
		TargetURL:        cfg.ProxyPool.HealthCheckURL,
		Timeout:          config.Seconds(cfg.ProxyPool.HealthCheckTimeout, defaultHealthCheckTimeout),
		ProbeConcurrency: int(cfg.ProxyPool.ProbeConcurrency),
		RaceConcurrency:  int(cfg.ProxyPool.RaceConcurrency),
		RaceCandidates:   int(cfg.ProxyPool.RaceCandidates),
	}
}

// RaceResult is the winner of RaceFastest.
type RaceResult struct {
	URL     string
	Latency time.Duration
}

// Prober checks proxies against the health check target and reports the
// outcome to the pool.
type Prober struct {
	pool *Pool
	opts ProberOptions

	// fetch performs the request through proxyURL and returns the status.
	fetch func(ctx context.Context, proxyURL string) (int, error)
}

func NewProber(pool *Pool, opts ProberOptions) *Prober {
	if opts.TargetURL == "" {
		opts.TargetURL = defaultHealthCheckURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHealthCheckTimeout
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = defaultProbeConcurrency
	}
	if opts.RaceConcurrency <= 0 {
		opts.RaceConcurrency = defaultRaceConcurrency
	}
	if opts.RaceCandidates <= 0 {
		opts.RaceCandidates = defaultRaceCandidates
	}

	p := &Prober{pool: pool, opts: opts, fetch: opts.Fetch}
	if p.fetch == nil {
		p.fetch = p.fetchThroughProxy
	}
	return p
}

func (p *Prober) fetchThroughProxy(ctx context.Context, proxyURL string) (int, error) {
	client, err := support.NewImpersonatedClient(support.ClientOptions{
		ProxyURL: proxyURL,
		Timeout:  p.opts.Timeout,
	})
	if err != nil {
		return 0, err
	}
	defer support.CloseClient(client)

	resp, err := client.R().SetContext(ctx).Get(p.opts.TargetURL)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// check runs one probe and reports it. It may panic if fetch does; callers
// decide how to treat that.
func (p *Prober) check(ctx context.Context, proxyURL string) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	status, err := p.fetch(ctx, proxyURL)
	latency := time.Since(start)

	if err != nil || status != http.StatusOK {
		p.pool.ReportFailure(proxyURL)
		if err != nil {
			log.Debug("Proxy probe failed", "proxy", proxyURL, "error", err)
		} else {
			log.Debug("Proxy probe rejected", "proxy", proxyURL, "status", status)
		}
		return latency, false
	}

	p.pool.ReportSuccess(proxyURL, latency)
	return latency, true
}

// safeCheck converts a panicking probe into an error.
func (p *Prober) safeCheck(ctx context.Context, proxyURL string) (latency time.Duration, healthy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	latency, healthy = p.check(ctx, proxyURL)
	return latency, healthy, nil
}

// Probe reports whether proxyURL answers the health check with 200.
func (p *Prober) Probe(ctx context.Context, proxyURL string) bool {
	_, healthy, err := p.safeCheck(ctx, proxyURL)
	if err != nil {
		log.Error("Proxy probe aborted", "proxy", proxyURL, "error", err)
		p.pool.ReportFailure(proxyURL)
		return false
	}
	return healthy
}

// BatchProbe probes every URL with at most maxConcurrent probes in flight.
// Probes that abort are left out of the result.
func (p *Prober) BatchProbe(ctx context.Context, urls []string, maxConcurrent int) map[string]bool {
	if maxConcurrent <= 0 {
		maxConcurrent = p.opts.ProbeConcurrency
	}

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(urls))
		g       errgroup.Group
	)
	g.SetLimit(maxConcurrent)

	for _, proxyURL := range urls {
		g.Go(func() error {
			_, healthy, err := p.safeCheck(ctx, proxyURL)
			if err != nil {
				log.Error("Proxy probe aborted", "proxy", proxyURL, "error", err)
				return nil
			}
			mu.Lock()
			results[proxyURL] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// RaceFastest probes up to the candidate cap and returns the successful proxy
// with the lowest latency.
func (p *Prober) RaceFastest(ctx context.Context, candidates []string, maxConcurrent int) (RaceResult, bool) {
	if maxConcurrent <= 0 {
		maxConcurrent = p.opts.RaceConcurrency
	}
	if len(candidates) > p.opts.RaceCandidates {
		candidates = candidates[:p.opts.RaceCandidates]
	}

	var (
		mu    sync.Mutex
		best  RaceResult
		found bool
		g     errgroup.Group
	)
	g.SetLimit(maxConcurrent)

	for _, proxyURL := range candidates {
		g.Go(func() error {
			latency, healthy, err := p.safeCheck(ctx, proxyURL)
			if err != nil || !healthy {
				return nil
			}
			mu.Lock()
			if !found || latency < best.Latency {
				best = RaceResult{URL: proxyURL, Latency: latency}
				found = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if found {
		log.Info("Fastest proxy found", "proxy", best.URL, "latency", best.Latency, "candidates", len(candidates))
	}
	return best, found
}

// SweepPool probes every proxy of the pool and returns how many passed.
func (p *Prober) SweepPool(ctx context.Context) (healthy, total int) {
	p.pool.EnsureFresh(ctx)

	results := p.BatchProbe(ctx, p.pool.URLs(), p.opts.ProbeConcurrency)
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	return healthy, len(results)
}

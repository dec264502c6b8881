// Package proxypool keeps the free proxy pool: fetching and scoring candidates,
// probing them, and binding verified proxies to tokens.
package proxypool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"kestrel/internal/config"

	"github.com/charmbracelet/log"
)

const (
	defaultMinScore         = 0.5
	defaultRefreshInterval  = 5 * time.Minute
	defaultFailureThreshold = 3
)

type Options struct {
	MinScore           float64
	AllowedProtocols   []string
	PreferredAnonymity []string
	RefreshInterval    time.Duration
	FailureThreshold   int64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MinScore:           cfg.ProxyPool.MinScore,
		AllowedProtocols:   cfg.ProxyPool.AllowedProtocols,
		PreferredAnonymity: cfg.ProxyPool.PreferredAnonymity,
		RefreshInterval:    config.CalculateBetweenTime(cfg.ProxyPool.RefreshTimer),
		FailureThreshold:   int64(cfg.ProxyPool.FailureThreshold),
	}
}

// CountryLookup resolves the country of an IP when the source has none.
type CountryLookup interface {
	Country(ip string) string
}

type Stats struct {
	Total       int            `json:"total"`
	Healthy     int            `json:"healthy"`
	Unhealthy   int            `json:"unhealthy"`
	ByCountry   map[string]int `json:"by_country"`
	ByAnonymity map[string]int `json:"by_anonymity"`
	LastRefresh time.Time      `json:"last_refresh"`
}

type Pool struct {
	source    Source
	countries CountryLookup
	opts      Options

	allowed   map[string]struct{}
	preferred map[string]struct{}

	// refreshMu serialises refreshes; mu guards the record map.
	refreshMu   sync.Mutex
	mu          sync.RWMutex
	records     map[string]*ProxyRecord
	lastRefresh time.Time
	initialized bool

	now func() time.Time
}

func NewPool(source Source, opts Options, countries CountryLookup) *Pool {
	if opts.MinScore <= 0 {
		opts.MinScore = defaultMinScore
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if len(opts.AllowedProtocols) == 0 {
		opts.AllowedProtocols = []string{"socks5"}
	}

	return &Pool{
		source:    source,
		countries: countries,
		opts:      opts,
		allowed:   lowerSet(opts.AllowedProtocols),
		preferred: lowerSet(opts.PreferredAnonymity),
		records:   make(map[string]*ProxyRecord),
		now:       time.Now,
	}
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

// Refresh replaces the pool with the current source list. On failure the pool
// is left as it was and the error is returned after being logged.
func (p *Pool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Pool) refreshLocked(ctx context.Context) error {
	entries, err := p.source.Fetch(ctx)
	if err != nil {
		log.Warn("Proxy pool refresh failed, keeping current pool", "error", err)
		return err
	}

	p.mu.RLock()
	previous := p.records
	p.mu.RUnlock()

	next := make(map[string]*ProxyRecord, len(entries))
	added, kept := 0, 0
	for _, entry := range entries {
		if !p.accept(entry) {
			continue
		}

		key := entry.Key()
		if _, dup := next[key]; dup {
			continue
		}
		if prev, ok := previous[key]; ok {
			prev.setScore(entry.Score)
			next[key] = prev
			kept++
			continue
		}

		next[key] = newRecord(p.normalise(entry))
		added++
	}

	p.mu.Lock()
	p.records = next
	p.lastRefresh = p.now()
	p.mu.Unlock()

	log.Info("Proxy pool refreshed", "total", len(next), "added", added, "kept", kept, "dropped", len(previous)-kept)
	return nil
}

func (p *Pool) accept(entry SourceEntry) bool {
	if entry.Score < p.opts.MinScore {
		return false
	}
	if entry.IP == "" || entry.Port <= 0 {
		return false
	}
	_, ok := p.allowed[entry.Protocol]
	return ok
}

func (p *Pool) normalise(entry SourceEntry) SourceEntry {
	if entry.Country == "" && p.countries != nil {
		entry.Country = p.countries.Country(entry.IP)
	}
	if entry.Country == "" {
		entry.Country = unknownCountry
	}
	if entry.Anonymity == "" {
		entry.Anonymity = unknownAnonymity
	}
	return entry
}

func (p *Pool) stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRefresh.IsZero() || p.now().Sub(p.lastRefresh) > p.opts.RefreshInterval
}

// EnsureFresh refreshes the pool when it was never refreshed or is older than
// the refresh interval. Concurrent callers share one refresh.
func (p *Pool) EnsureFresh(ctx context.Context) {
	if !p.stale() {
		return
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if !p.stale() {
		return
	}
	_ = p.refreshLocked(ctx)
}

// Initialize performs the first refresh once.
func (p *Pool) Initialize(ctx context.Context) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if p.initialized {
		return
	}
	_ = p.refreshLocked(ctx)
	p.initialized = true
}

func (p *Pool) record(url string) (*ProxyRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[url]
	return rec, ok
}

func (p *Pool) snapshot() []*ProxyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*ProxyRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	return out
}

// HealthyOrdered lists healthy records, preferred anonymity tiers first and
// then by health score.
func (p *Pool) HealthyOrdered() []ProxyInfo {
	var healthy []ProxyInfo
	for _, rec := range p.snapshot() {
		info := rec.Snapshot()
		if info.Healthy {
			healthy = append(healthy, info)
		}
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		pi, pj := p.isPreferred(healthy[i]), p.isPreferred(healthy[j])
		if pi != pj {
			return pi
		}
		if healthy[i].HealthScore != healthy[j].HealthScore {
			return healthy[i].HealthScore > healthy[j].HealthScore
		}
		return healthy[i].URL < healthy[j].URL
	})
	return healthy
}

func (p *Pool) isPreferred(info ProxyInfo) bool {
	_, ok := p.preferred[info.Anonymity]
	return ok
}

// ReportSuccess records a successful use of url. Unknown URLs are ignored.
func (p *Pool) ReportSuccess(url string, responseTime time.Duration) {
	rec, ok := p.record(url)
	if !ok {
		return
	}
	rec.recordSuccess(p.now(), responseTime)
}

// ReportFailure records a failed use of url. Unknown URLs are ignored.
func (p *Pool) ReportFailure(url string) {
	rec, ok := p.record(url)
	if !ok {
		return
	}
	rec.recordFailure(p.now(), p.opts.FailureThreshold)
	if !rec.Healthy() {
		log.Debug("Proxy marked unhealthy", "proxy", url)
	}
}

func (p *Pool) Contains(url string) bool {
	_, ok := p.record(url)
	return ok
}

func (p *Pool) Get(url string) (ProxyInfo, bool) {
	rec, ok := p.record(url)
	if !ok {
		return ProxyInfo{}, false
	}
	return rec.Snapshot(), true
}

func (p *Pool) URLs() []string {
	records := p.snapshot()
	urls := make([]string, 0, len(records))
	for _, rec := range records {
		urls = append(urls, rec.URL)
	}
	sort.Strings(urls)
	return urls
}

// List returns every record ordered by health score.
func (p *Pool) List() []ProxyInfo {
	records := p.snapshot()
	out := make([]ProxyInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (p *Pool) Stats() Stats {
	stats := Stats{
		ByCountry:   make(map[string]int),
		ByAnonymity: make(map[string]int),
	}

	for _, rec := range p.snapshot() {
		info := rec.Snapshot()
		stats.Total++
		if info.Healthy {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
		stats.ByCountry[info.Country]++
		stats.ByAnonymity[info.Anonymity]++
	}

	p.mu.RLock()
	stats.LastRefresh = p.lastRefresh
	p.mu.RUnlock()

	return stats
}

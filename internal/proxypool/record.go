package proxypool

import (
	"sync"
	"time"
)

const (
	unknownCountry   = "Unknown"
	unknownAnonymity = "unknown"

	// responseTimeCeiling is the latency at which the speed component of the
	// health score bottoms out.
	responseTimeCeiling = 10.0
	smoothingWeight     = 0.3
)

// ProxyRecord is one proxy of the free pool together with its health metrics.
// The static fields never change after creation; the health fields are guarded
// by mu.
type ProxyRecord struct {
	URL       string
	Protocol  string
	IP        string
	Port      int
	HTTPS     bool
	Anonymity string
	Country   string

	mu           sync.Mutex
	score        float64
	successCount int64
	failureCount int64
	lastUsed     time.Time
	lastSuccess  time.Time
	lastFailure  time.Time
	avgResponse  float64
	healthy      bool
}

// ProxyInfo is a point-in-time copy of a ProxyRecord.
type ProxyInfo struct {
	URL       string  `json:"url"`
	Protocol  string  `json:"protocol"`
	IP        string  `json:"ip"`
	Port      int     `json:"port"`
	HTTPS     bool    `json:"https"`
	Anonymity string  `json:"anonymity"`
	Country   string  `json:"country"`
	Score     float64 `json:"score"`

	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	LastUsed     time.Time `json:"last_used"`
	LastSuccess  time.Time `json:"last_success"`
	LastFailure  time.Time `json:"last_failure"`

	// AvgResponseTime is in seconds.
	AvgResponseTime float64 `json:"avg_response_time"`
	Healthy         bool    `json:"healthy"`
	HealthScore     float64 `json:"health_score"`
}

func newRecord(entry SourceEntry) *ProxyRecord {
	return &ProxyRecord{
		URL:       entry.Key(),
		Protocol:  entry.Protocol,
		IP:        entry.IP,
		Port:      entry.Port,
		HTTPS:     entry.HTTPS,
		Anonymity: entry.Anonymity,
		Country:   entry.Country,
		score:     entry.Score,
		healthy:   true,
	}
}

// setScore updates the origin score of a record re-seen on refresh. The record
// itself is kept so health reports racing the refresh are not lost.
func (r *ProxyRecord) setScore(score float64) {
	r.mu.Lock()
	r.score = score
	r.mu.Unlock()
}

func healthScore(score float64, successes, failures int64, avgResponse float64) float64 {
	total := successes + failures
	if total == 0 {
		return score
	}

	successRate := float64(successes) / float64(total)
	speed := 1 - min(1, avgResponse/responseTimeCeiling)
	return (0.7*successRate + 0.3*speed) * 10
}

// HealthScore ranks the record. Unprobed records rank by their origin score.
func (r *ProxyRecord) HealthScore() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return healthScore(r.score, r.successCount, r.failureCount, r.avgResponse)
}

func (r *ProxyRecord) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

func (r *ProxyRecord) Snapshot() ProxyInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ProxyInfo{
		URL:             r.URL,
		Protocol:        r.Protocol,
		IP:              r.IP,
		Port:            r.Port,
		HTTPS:           r.HTTPS,
		Anonymity:       r.Anonymity,
		Country:         r.Country,
		Score:           r.score,
		SuccessCount:    r.successCount,
		FailureCount:    r.failureCount,
		LastUsed:        r.lastUsed,
		LastSuccess:     r.lastSuccess,
		LastFailure:     r.lastFailure,
		AvgResponseTime: r.avgResponse,
		Healthy:         r.healthy,
		HealthScore:     healthScore(r.score, r.successCount, r.failureCount, r.avgResponse),
	}
}

func (r *ProxyRecord) recordSuccess(now time.Time, responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successCount++
	r.lastUsed = now
	r.lastSuccess = now
	r.healthy = true

	sample := responseTime.Seconds()
	if r.avgResponse == 0 {
		r.avgResponse = sample
	} else {
		r.avgResponse = r.avgResponse*(1-smoothingWeight) + sample*smoothingWeight
	}
}

func (r *ProxyRecord) recordFailure(now time.Time, threshold int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failureCount++
	r.lastUsed = now
	r.lastFailure = now

	if r.failureCount < threshold {
		return
	}
	total := r.successCount + r.failureCount
	if r.successCount == 0 || float64(r.failureCount)/float64(total) > 0.5 {
		r.healthy = false
	}
}

package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kestrel/internal/support"

	"github.com/imroc/req/v3"
)

const defaultSourceTimeout = 30 * time.Second

// SourceEntry is one candidate of the external proxy list.
type SourceEntry struct {
	Protocol  string
	IP        string
	Port      int
	HTTPS     bool
	Anonymity string
	Score     float64
	Country   string
}

// Key is the pool identity of the entry.
func (e SourceEntry) Key() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.IP, e.Port)
}

type Source interface {
	Fetch(ctx context.Context) ([]SourceEntry, error)
}

// HTTPSource reads a proxifly-style JSON array.
type HTTPSource struct {
	url    string
	client *req.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	// Without a proxy the impersonated client cannot fail to build.
	client, err := support.NewImpersonatedClient(support.ClientOptions{Timeout: timeout, Impersonate: "chrome"})
	if err != nil {
		client = req.C().SetTimeout(timeout)
	}
	return &HTTPSource{url: url, client: client}
}

type sourcePayload struct {
	Protocol    string          `json:"protocol"`
	IP          string          `json:"ip"`
	Port        json.RawMessage `json:"port"`
	HTTPS       bool            `json:"https"`
	Anonymity   string          `json:"anonymity"`
	Score       float64         `json:"score"`
	Geolocation *struct {
		Country string `json:"country"`
	} `json:"geolocation"`
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]SourceEntry, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch proxy list: unexpected status %d", resp.StatusCode)
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}

	return decodeSource(body)
}

func decodeSource(body []byte) ([]SourceEntry, error) {
	var payload []sourcePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode proxy list: %w", err)
	}

	entries := make([]SourceEntry, 0, len(payload))
	for _, item := range payload {
		entry := SourceEntry{
			Protocol:  strings.ToLower(strings.TrimSpace(item.Protocol)),
			IP:        strings.TrimSpace(item.IP),
			Port:      parsePort(item.Port),
			HTTPS:     item.HTTPS,
			Anonymity: strings.ToLower(strings.TrimSpace(item.Anonymity)),
			Score:     item.Score,
		}
		if item.Geolocation != nil {
			entry.Country = strings.TrimSpace(item.Geolocation.Country)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parsePort accepts the port as a number or a numeric string.
func parsePort(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil {
			return n
		}
	}
	return 0
}

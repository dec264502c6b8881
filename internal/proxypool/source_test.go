package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const proxiflySample = `[
  {"proxy":"socks5://1.2.3.4:1080","protocol":"socks5","ip":"1.2.3.4","port":1080,"https":false,"anonymity":"Elite","score":1,"geolocation":{"country":"US","city":"Dallas"}},
  {"proxy":"http://5.6.7.8:8080","protocol":"http","ip":"5.6.7.8","port":"8080","https":true,"anonymity":"transparent","score":0.3,"geolocation":{"country":"ZZ"}},
  {"protocol":"socks5","ip":"9.9.9.9","port":"n/a","score":2}
]`

func TestHTTPSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(proxiflySample))
	}))
	defer server.Close()

	entries, err := NewHTTPSource(server.URL, time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	first := entries[0]
	if first.Key() != "socks5://1.2.3.4:1080" || first.Anonymity != "elite" || first.Country != "US" || first.Score != 1 {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if entries[1].Port != 8080 || !entries[1].HTTPS {
		t.Fatalf("string port not parsed: %+v", entries[1])
	}
	if entries[2].Port != 0 || entries[2].Country != "" {
		t.Fatalf("malformed entry not zeroed: %+v", entries[2])
	}
}

func TestHTTPSourceSendsBrowserFingerprint(t *testing.T) {
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.UserAgent()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	if _, err := NewHTTPSource(server.URL, time.Second).Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if !strings.Contains(userAgent, "Chrome") {
		t.Fatalf("User-Agent = %q, want a Chrome fingerprint", userAgent)
	}
}

func TestHTTPSourceRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := NewHTTPSource(server.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPSourceRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer server.Close()

	if _, err := NewHTTPSource(server.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

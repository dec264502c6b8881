package support

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewImpersonatedClientDirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected an impersonated user agent")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewImpersonatedClient(ClientOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewImpersonatedClient returned error: %v", err)
	}
	defer CloseClient(client)

	resp, err := client.R().SetContext(context.Background()).Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestApplyProxySchemes(t *testing.T) {
	tests := map[string]struct {
		url     string
		wantErr error
		anyErr  bool
	}{
		"empty":   {url: ""},
		"socks5":  {url: "socks5://127.0.0.1:1080"},
		"socks5h": {url: "socks5h://127.0.0.1:1080"},
		"http":    {url: "http://127.0.0.1:8080"},
		"socks4":  {url: "socks4://127.0.0.1:1080", wantErr: ErrUnsupportedProxyScheme},
		"no host": {url: "socks5://", anyErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewImpersonatedClient(ClientOptions{ProxyURL: tc.url})
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
			case tc.anyErr:
				if err == nil {
					t.Fatal("expected an error")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestSocksProxyUnreachableFails(t *testing.T) {
	client, err := NewImpersonatedClient(ClientOptions{ProxyURL: "socks5://127.0.0.1:1", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewImpersonatedClient returned error: %v", err)
	}
	defer CloseClient(client)

	if _, err := client.R().Get("http://example.invalid/"); err == nil {
		t.Fatal("expected dial error through an unreachable socks proxy")
	}
}

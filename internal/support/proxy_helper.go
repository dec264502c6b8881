package support

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"golang.org/x/net/proxy"
)

var ErrUnsupportedProxyScheme = errors.New("unsupported proxy scheme")

type ClientOptions struct {
	ProxyURL    string
	Timeout     time.Duration
	Impersonate string
}

// NewImpersonatedClient builds a req client presenting a browser TLS and header
// fingerprint. SOCKS proxies are dialled through x/net/proxy, HTTP proxies are
// handed to req directly.
func NewImpersonatedClient(opts ClientOptions) (*req.Client, error) {
	client := req.C()

	switch strings.ToLower(strings.TrimSpace(opts.Impersonate)) {
	case "firefox":
		client.ImpersonateFirefox()
	case "safari":
		client.ImpersonateSafari()
	default:
		client.ImpersonateChrome()
	}

	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	if err := ApplyProxy(client, opts.ProxyURL); err != nil {
		return nil, err
	}

	return client, nil
}

func ApplyProxy(client *req.Client, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}

	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	if proxyURL.Host == "" {
		return fmt.Errorf("parse proxy url: missing host in %q", rawURL)
	}

	switch strings.ToLower(proxyURL.Scheme) {
	case "socks5", "socks5h":
		dial, err := socksDialFunc(proxyURL)
		if err != nil {
			return err
		}
		client.SetDial(dial)
	case "http", "https":
		client.SetProxyURL(proxyURL.String())
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedProxyScheme, proxyURL.Scheme)
	}

	return nil
}

func socksDialFunc(proxyURL *url.URL) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks dialer: %w", err)
	}

	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext, nil
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// CloseClient drops the idle connections a short-lived client kept open.
func CloseClient(client *req.Client) {
	if client == nil {
		return
	}
	client.GetClient().CloseIdleConnections()
}

// Package remote talks to the account API on behalf of a credential.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kestrel/internal/config"
	"kestrel/internal/support"

	"github.com/imroc/req/v3"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultClientID = "app_LlGpXReQgckcGGUo2JrYvtJK"
	siteOrigin      = "https://sora.chatgpt.com"
)

type Options struct {
	BaseURL         string
	SessionURL      string
	OAuthURL        string
	DefaultClientID string
	RedirectURI     string
	Timeout         time.Duration
	Impersonate     string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BaseURL:         cfg.Account.BaseURL,
		SessionURL:      cfg.Account.SessionURL,
		OAuthURL:        cfg.Account.OAuthURL,
		DefaultClientID: cfg.Account.DefaultClientID,
		RedirectURI:     cfg.Account.RedirectURI,
		Timeout:         config.Seconds(cfg.Account.Timeout, defaultTimeout),
		Impersonate:     cfg.Account.Impersonate,
	}
}

type Client struct {
	opts Options

	// newHTTPClient is swapped in tests.
	newHTTPClient func(proxyURL string) (*req.Client, error)
}

func NewClient(opts Options) *Client {
	defaults := OptionsFromConfig(config.Defaults())
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.BaseURL
	}
	if opts.SessionURL == "" {
		opts.SessionURL = defaults.SessionURL
	}
	if opts.OAuthURL == "" {
		opts.OAuthURL = defaults.OAuthURL
	}
	if opts.DefaultClientID == "" {
		opts.DefaultClientID = defaultClientID
	}
	if opts.RedirectURI == "" {
		opts.RedirectURI = defaults.RedirectURI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	c := &Client{opts: opts}
	c.newHTTPClient = func(proxyURL string) (*req.Client, error) {
		return support.NewImpersonatedClient(support.ClientOptions{
			ProxyURL:    proxyURL,
			Timeout:     c.opts.Timeout,
			Impersonate: c.opts.Impersonate,
		})
	}
	return c
}

type call struct {
	op       string
	method   string
	url      string
	proxyURL string
	headers  map[string]string
	body     any
}

type result struct {
	status int
	body   []byte
}

func (r result) ok() bool {
	return r.status == http.StatusOK
}

func (r result) decode(op string, v any) error {
	if len(strings.TrimSpace(string(r.body))) == 0 {
		return &Error{Kind: KindRemote, Op: op, StatusCode: r.status, Message: "empty response body"}
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		return &Error{Kind: KindRemote, Op: op, StatusCode: r.status, Message: "malformed response body", Err: err}
	}
	return nil
}

// do performs one request. Only network failures are returned as errors; any
// HTTP status is handed back for the caller to classify.
func (c *Client) do(ctx context.Context, cl call) (result, error) {
	client, err := c.newHTTPClient(cl.proxyURL)
	if err != nil {
		return result{}, transportError(cl.op, err)
	}
	defer support.CloseClient(client)

	r := client.R().SetContext(ctx).SetHeaders(cl.headers)
	if cl.body != nil {
		r.SetBodyJsonMarshal(cl.body)
	}

	resp, err := r.Send(cl.method, cl.url)
	if err != nil {
		return result{}, transportError(cl.op, err)
	}

	body, err := resp.ToBytes()
	if err != nil {
		return result{}, transportError(cl.op, fmt.Errorf("read body: %w", err))
	}

	return result{status: resp.StatusCode, body: body}, nil
}

// browserHeaders mimic the web app's XHR headers.
func browserHeaders(accessToken string) map[string]string {
	headers := map[string]string{
		"Accept":          "application/json, text/plain, */*",
		"Accept-Language": "en-US,en;q=0.9",
		"Cache-Control":   "no-cache",
		"Origin":          siteOrigin,
		"Pragma":          "no-cache",
		"Referer":         siteOrigin + "/",
		"Sec-Fetch-Dest":  "empty",
		"Sec-Fetch-Mode":  "cors",
		"Sec-Fetch-Site":  "same-origin",
	}
	if accessToken != "" {
		headers["Authorization"] = "Bearer " + accessToken
	}
	return headers
}

func jsonHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Content-Type":  "application/json",
	}
}

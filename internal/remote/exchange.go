package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type SessionExchange struct {
	AccessToken string
	Email       string
	Expires     *time.Time
}

type RefreshExchange struct {
	AccessToken string

	// RefreshToken is empty when the server did not rotate it.
	RefreshToken string
	ExpiresIn    time.Duration
}

// ExchangeSession mints an access token from a web session token.
func (c *Client) ExchangeSession(ctx context.Context, sessionToken, proxyURL string) (SessionExchange, error) {
	const op = "session_exchange"

	headers := browserHeaders("")
	headers["Cookie"] = "__Secure-next-auth.session-token=" + sessionToken

	res, err := c.do(ctx, call{op: op, method: http.MethodGet, url: c.opts.SessionURL, proxyURL: proxyURL, headers: headers})
	if err != nil {
		return SessionExchange{}, err
	}
	if !res.ok() {
		return SessionExchange{}, classify(op, res.status, res.body)
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
		User        *struct {
			Email string `json:"email"`
		} `json:"user"`
		Expires json.RawMessage `json:"expires"`
	}
	if err := res.decode(op, &payload); err != nil {
		return SessionExchange{}, err
	}
	if payload.AccessToken == "" {
		return SessionExchange{}, &Error{Kind: KindRemote, Op: op, StatusCode: res.status, Message: "missing accessToken in response"}
	}

	out := SessionExchange{AccessToken: payload.AccessToken, Expires: parseTimestamp(payload.Expires)}
	if payload.User != nil {
		out.Email = payload.User.Email
	}
	return out, nil
}

// ExchangeRefresh mints an access token from an OAuth refresh token. An empty
// clientID falls back to the configured default.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken, clientID, proxyURL string) (RefreshExchange, error) {
	const op = "refresh_exchange"

	if clientID == "" {
		clientID = c.opts.DefaultClientID
	}

	res, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		url:      c.opts.OAuthURL,
		proxyURL: proxyURL,
		headers: map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
		},
		body: map[string]string{
			"client_id":     clientID,
			"grant_type":    "refresh_token",
			"redirect_uri":  c.opts.RedirectURI,
			"refresh_token": refreshToken,
		},
	})
	if err != nil {
		return RefreshExchange{}, err
	}
	if !res.ok() {
		return RefreshExchange{}, classify(op, res.status, res.body)
	}

	var payload struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		ExpiresIn    float64 `json:"expires_in"`
	}
	if err := res.decode(op, &payload); err != nil {
		return RefreshExchange{}, err
	}
	if payload.AccessToken == "" {
		return RefreshExchange{}, &Error{Kind: KindRemote, Op: op, StatusCode: res.status, Message: "missing access_token in response"}
	}

	return RefreshExchange{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    time.Duration(payload.ExpiresIn * float64(time.Second)),
	}, nil
}

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type UserInfo struct {
	Email         string
	Name          string
	Username      string
	HasUsername   bool
	PhoneVerified *bool
}

type Subscription struct {
	PlanType  string
	PlanTitle string
	EndsAt    *time.Time
}

type InviteStatus struct {
	Supported     bool
	InviteCode    string
	RedeemedCount int
	TotalCount    int
}

type Quota struct {
	Remaining        int
	RateLimitReached bool
	ResetsIn         time.Duration
}

type InviteAcceptance struct {
	Success         bool
	AlreadyAccepted bool
}

func (c *Client) Me(ctx context.Context, accessToken, proxyURL string) (UserInfo, error) {
	const op = "me"

	res, err := c.do(ctx, call{op: op, method: http.MethodGet, url: c.opts.BaseURL + "/me", proxyURL: proxyURL, headers: browserHeaders(accessToken)})
	if err != nil {
		return UserInfo{}, err
	}
	if !res.ok() {
		return UserInfo{}, classify(op, res.status, res.body)
	}

	var payload struct {
		Email    string  `json:"email"`
		Name     string  `json:"name"`
		Username *string `json:"username"`
		MyInfo   *struct {
			PhoneVerified *bool `json:"is_phone_number_verified"`
		} `json:"my_info"`
	}
	if err := res.decode(op, &payload); err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{Email: payload.Email, Name: payload.Name}
	if payload.Username != nil && *payload.Username != "" {
		info.Username = *payload.Username
		info.HasUsername = true
	}
	if payload.MyInfo != nil {
		info.PhoneVerified = payload.MyInfo.PhoneVerified
	}
	return info, nil
}

func (c *Client) Subscription(ctx context.Context, accessToken, proxyURL string) (Subscription, error) {
	const op = "subscription"

	res, err := c.do(ctx, call{op: op, method: http.MethodGet, url: c.opts.BaseURL + "/billing/subscriptions", proxyURL: proxyURL, headers: browserHeaders(accessToken)})
	if err != nil {
		return Subscription{}, err
	}
	if !res.ok() {
		return Subscription{}, classify(op, res.status, res.body)
	}

	var payload struct {
		Data []struct {
			Plan struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"plan"`
			EndTS json.RawMessage `json:"end_ts"`
		} `json:"data"`
	}
	if err := res.decode(op, &payload); err != nil {
		return Subscription{}, err
	}
	if len(payload.Data) == 0 {
		return Subscription{}, nil
	}

	first := payload.Data[0]
	return Subscription{
		PlanType:  first.Plan.ID,
		PlanTitle: first.Plan.Title,
		EndsAt:    parseTimestamp(first.EndTS),
	}, nil
}

// Invite reads the invite status. An "Unauthorized" 401 means the product is
// not yet bootstrapped for the account: bootstrap once and retry before
// reporting it unsupported.
func (c *Client) Invite(ctx context.Context, accessToken, proxyURL string) (InviteStatus, error) {
	const op = "invite"

	status, retry, err := c.inviteOnce(ctx, accessToken, proxyURL)
	if err != nil || !retry {
		return status, err
	}

	boot, err := c.do(ctx, call{op: "bootstrap", method: http.MethodGet, url: c.opts.BaseURL + "/m/bootstrap", proxyURL: proxyURL, headers: browserHeaders(accessToken)})
	if err != nil {
		log.Warn("Invite bootstrap request failed", "error", err)
		return InviteStatus{}, nil
	}
	if !boot.ok() {
		log.Warn("Invite bootstrap rejected", "status", boot.status)
		return InviteStatus{}, nil
	}

	status, _, err = c.inviteOnce(ctx, accessToken, proxyURL)
	if err != nil {
		log.Warn("Invite retry after bootstrap failed", "op", op, "error", err)
		return InviteStatus{}, nil
	}
	return status, nil
}

func (c *Client) inviteOnce(ctx context.Context, accessToken, proxyURL string) (InviteStatus, bool, error) {
	const op = "invite"

	res, err := c.do(ctx, call{op: op, method: http.MethodGet, url: c.opts.BaseURL + "/project_y/invite/mine", proxyURL: proxyURL, headers: browserHeaders(accessToken)})
	if err != nil {
		return InviteStatus{}, false, err
	}

	if !res.ok() {
		classified := classify(op, res.status, res.body)
		if classified.Kind == KindRegionUnsupported {
			return InviteStatus{}, false, classified
		}
		if res.status == http.StatusUnauthorized && strings.Contains(classified.Message, "Unauthorized") {
			return InviteStatus{}, true, nil
		}
		return InviteStatus{}, false, nil
	}

	var payload struct {
		InviteCode    string `json:"invite_code"`
		RedeemedCount int    `json:"redeemed_count"`
		TotalCount    int    `json:"total_count"`
	}
	if err := res.decode(op, &payload); err != nil {
		return InviteStatus{}, false, err
	}

	return InviteStatus{
		Supported:     true,
		InviteCode:    payload.InviteCode,
		RedeemedCount: payload.RedeemedCount,
		TotalCount:    payload.TotalCount,
	}, false, nil
}

func (c *Client) Quota(ctx context.Context, accessToken, proxyURL string) (Quota, error) {
	const op = "quota"

	res, err := c.do(ctx, call{op: op, method: http.MethodGet, url: c.opts.BaseURL + "/nf/check", proxyURL: proxyURL, headers: browserHeaders(accessToken)})
	if err != nil {
		return Quota{}, err
	}
	if !res.ok() {
		return Quota{}, classify(op, res.status, res.body)
	}

	var payload struct {
		Balance struct {
			Remaining int     `json:"estimated_num_videos_remaining"`
			Reached   bool    `json:"rate_limit_reached"`
			ResetsIn  float64 `json:"access_resets_in_seconds"`
		} `json:"rate_limit_and_credit_balance"`
	}
	if err := res.decode(op, &payload); err != nil {
		return Quota{}, err
	}

	return Quota{
		Remaining:        payload.Balance.Remaining,
		RateLimitReached: payload.Balance.Reached,
		ResetsIn:         time.Duration(payload.Balance.ResetsIn * float64(time.Second)),
	}, nil
}

func (c *Client) UsernameAvailable(ctx context.Context, accessToken, proxyURL, username string) (bool, error) {
	const op = "username_check"

	res, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		url:      c.opts.BaseURL + "/project_y/profile/username/check",
		proxyURL: proxyURL,
		headers:  jsonHeaders(accessToken),
		body:     map[string]string{"username": username},
	})
	if err != nil {
		return false, err
	}
	if !res.ok() {
		return false, classify(op, res.status, res.body)
	}

	var payload struct {
		Available bool `json:"available"`
	}
	if err := res.decode(op, &payload); err != nil {
		return false, err
	}
	return payload.Available, nil
}

func (c *Client) SetUsername(ctx context.Context, accessToken, proxyURL, username string) error {
	const op = "username_set"

	res, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		url:      c.opts.BaseURL + "/project_y/profile/username/set",
		proxyURL: proxyURL,
		headers:  jsonHeaders(accessToken),
		body:     map[string]string{"username": username},
	})
	if err != nil {
		return err
	}
	if !res.ok() {
		return classify(op, res.status, res.body)
	}
	return nil
}

// AcceptInvite redeems an invite code under a fresh device id.
func (c *Client) AcceptInvite(ctx context.Context, accessToken, proxyURL, inviteCode string) (InviteAcceptance, error) {
	const op = "invite_accept"

	headers := jsonHeaders(accessToken)
	headers["Cookie"] = "oai-did=" + uuid.NewString()

	res, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		url:      c.opts.BaseURL + "/project_y/invite/accept",
		proxyURL: proxyURL,
		headers:  headers,
		body:     map[string]string{"invite_code": inviteCode},
	})
	if err != nil {
		return InviteAcceptance{}, err
	}
	if !res.ok() {
		return InviteAcceptance{}, classify(op, res.status, res.body)
	}

	var payload struct {
		Success         bool `json:"success"`
		AlreadyAccepted bool `json:"already_accepted"`
	}
	if err := res.decode(op, &payload); err != nil {
		return InviteAcceptance{}, err
	}
	return InviteAcceptance{Success: payload.Success, AlreadyAccepted: payload.AlreadyAccepted}, nil
}

// parseTimestamp accepts RFC 3339 strings and unix seconds.
func parseTimestamp(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, text); err == nil {
				return &ts
			}
		}
		if secs, err := strconv.ParseFloat(text, 64); err == nil {
			ts := time.Unix(int64(secs), 0).UTC()
			return &ts
		}
		return nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		ts := time.Unix(int64(secs), 0).UTC()
		return &ts
	}
	return nil
}

package domain

import "time"

// TokenUpdate is a partial update of non-secret token columns. Nil fields are
// left untouched. Secrets go through a full save so the encryption hooks run.
type TokenUpdate struct {
	IsActive  *bool
	IsExpired *bool
	ExpiresAt *time.Time

	ProxyURL *string
	Email    *string
	Name     *string
	Username *string
	Remark   *string
	ClientID *string

	PlanType        *string
	PlanTitle       *string
	SubscriptionEnd *time.Time
	PhoneVerified   *bool

	QuotaSupported *bool
	InviteCode     *string
	RedeemedCount  *int
	TotalCount     *int
	RemainingCount *int
	CooldownUntil  *time.Time
	ClearCooldown  bool

	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int

	LastUsedAt *time.Time
}

// Columns maps the set fields to their column names.
func (u TokenUpdate) Columns() map[string]any {
	cols := make(map[string]any)

	setBool := func(name string, v *bool) {
		if v != nil {
			cols[name] = *v
		}
	}
	setString := func(name string, v *string) {
		if v != nil {
			cols[name] = *v
		}
	}
	setInt := func(name string, v *int) {
		if v != nil {
			cols[name] = *v
		}
	}
	setTime := func(name string, v *time.Time) {
		if v != nil {
			cols[name] = *v
		}
	}

	setBool("is_active", u.IsActive)
	setBool("is_expired", u.IsExpired)
	setTime("expires_at", u.ExpiresAt)

	setString("proxy_url", u.ProxyURL)
	setString("email", u.Email)
	setString("name", u.Name)
	setString("username", u.Username)
	setString("remark", u.Remark)
	setString("client_id", u.ClientID)

	setString("plan_type", u.PlanType)
	setString("plan_title", u.PlanTitle)
	setTime("subscription_end", u.SubscriptionEnd)
	if u.PhoneVerified != nil {
		cols["phone_verified"] = *u.PhoneVerified
	}

	setBool("quota_supported", u.QuotaSupported)
	setString("invite_code", u.InviteCode)
	setInt("redeemed_count", u.RedeemedCount)
	setInt("total_count", u.TotalCount)
	setInt("remaining_count", u.RemainingCount)
	if u.ClearCooldown {
		cols["cooldown_until"] = nil
	} else {
		setTime("cooldown_until", u.CooldownUntil)
	}

	setBool("image_enabled", u.ImageEnabled)
	setBool("video_enabled", u.VideoEnabled)
	setInt("image_concurrency", u.ImageConcurrency)
	setInt("video_concurrency", u.VideoConcurrency)

	setTime("last_used_at", u.LastUsedAt)

	return cols
}

func (u TokenUpdate) IsEmpty() bool {
	return len(u.Columns()) == 0
}

func Ptr[T any](v T) *T {
	return &v
}

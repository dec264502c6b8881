package domain

import (
	"errors"
	"time"

	"kestrel/internal/security"

	"gorm.io/gorm"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExists   = errors.New("token already exists")
)

// Token is one account credential. The access, session and refresh values are
// stored encrypted; AccessTokenHash is the lookup key for duplicates.
type Token struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	AccessToken          string `gorm:"-" json:"-"`
	AccessTokenEncrypted string `gorm:"column:access_token;type:text;not null" json:"-"`
	AccessTokenHash      string `gorm:"column:access_token_hash;size:64;uniqueIndex" json:"-"`

	SessionToken          string `gorm:"-" json:"-"`
	SessionTokenEncrypted string `gorm:"column:session_token;type:text" json:"-"`

	RefreshToken          string `gorm:"-" json:"-"`
	RefreshTokenEncrypted string `gorm:"column:refresh_token;type:text" json:"-"`
	ClientID              string `gorm:"size:128" json:"client_id"`

	ProxyURL string `gorm:"size:255;index" json:"proxy_url"`

	Email    string `gorm:"size:255;index" json:"email"`
	Name     string `gorm:"size:255" json:"name"`
	Username string `gorm:"size:255" json:"username"`
	Remark   string `gorm:"type:text" json:"remark"`

	ExpiresAt *time.Time `json:"expires_at"`
	IsActive  bool       `gorm:"not null;index" json:"is_active"`
	IsExpired bool       `gorm:"not null" json:"is_expired"`

	PlanType        string     `gorm:"size:64" json:"plan_type"`
	PlanTitle       string     `gorm:"size:128" json:"plan_title"`
	SubscriptionEnd *time.Time `json:"subscription_end"`
	PhoneVerified   *bool      `json:"phone_verified"`

	QuotaSupported bool       `gorm:"not null" json:"quota_supported"`
	InviteCode     string     `gorm:"size:64" json:"invite_code"`
	RedeemedCount  int        `gorm:"not null" json:"redeemed_count"`
	TotalCount     int        `gorm:"not null" json:"total_count"`
	RemainingCount int        `gorm:"not null" json:"remaining_count"`
	CooldownUntil  *time.Time `json:"cooldown_until"`

	ImageEnabled     bool `gorm:"not null" json:"image_enabled"`
	VideoEnabled     bool `gorm:"not null" json:"video_enabled"`
	ImageConcurrency int  `gorm:"not null" json:"image_concurrency"`
	VideoConcurrency int  `gorm:"not null" json:"video_concurrency"`

	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Stats *TokenStats `gorm:"foreignKey:TokenID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"stats,omitempty"`
}

func (token *Token) BeforeSave(_ *gorm.DB) error {
	token.AccessTokenHash = security.HashCredential(token.AccessToken)

	var err error
	if token.AccessTokenEncrypted, err = security.EncryptCredential(token.AccessToken); err != nil {
		return err
	}
	if token.SessionTokenEncrypted, err = security.EncryptCredential(token.SessionToken); err != nil {
		return err
	}
	if token.RefreshTokenEncrypted, err = security.EncryptCredential(token.RefreshToken); err != nil {
		return err
	}
	return nil
}

func (token *Token) AfterFind(_ *gorm.DB) error {
	var err error
	if token.AccessToken, _, err = security.DecryptCredential(token.AccessTokenEncrypted); err != nil {
		return err
	}
	if token.SessionToken, _, err = security.DecryptCredential(token.SessionTokenEncrypted); err != nil {
		return err
	}
	if token.RefreshToken, _, err = security.DecryptCredential(token.RefreshTokenEncrypted); err != nil {
		return err
	}
	return nil
}

// InCooldown reports whether the quota cooldown is still running at now.
func (token *Token) InCooldown(now time.Time) bool {
	return token.CooldownUntil != nil && now.Before(*token.CooldownUntil)
}

// ExpiresWithin reports whether a known expiry falls inside window from now.
func (token *Token) ExpiresWithin(now time.Time, window time.Duration) bool {
	if token.ExpiresAt == nil {
		return false
	}
	return token.ExpiresAt.Sub(now) <= window
}

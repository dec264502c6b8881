package domain

import "time"

type TokenStats struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	TokenID uint64 `gorm:"not null;uniqueIndex" json:"token_id"`

	ImageCount            int64 `gorm:"not null" json:"image_count"`
	VideoCount            int64 `gorm:"not null" json:"video_count"`
	ErrorCount            int64 `gorm:"not null" json:"error_count"`
	ConsecutiveErrorCount int64 `gorm:"not null" json:"consecutive_error_count"`

	LastErrorAt *time.Time `json:"last_error_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

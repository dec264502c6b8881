package domain

import "time"

const (
	DefaultErrorBanThreshold = 3

	singletonRowID = 1
)

// AdminConfig is a single-row table of operator tunables.
type AdminConfig struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	ErrorBanThreshold int       `gorm:"not null" json:"error_ban_threshold"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func DefaultAdminConfig() AdminConfig {
	return AdminConfig{ID: singletonRowID, ErrorBanThreshold: DefaultErrorBanThreshold}
}

// ProxyConfig is the single-row global fallback proxy.
type ProxyConfig struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	URL       string    `gorm:"size:255" json:"url"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{ID: singletonRowID}
}

// Usable reports whether the fallback proxy should be handed out.
func (cfg ProxyConfig) Usable() bool {
	return cfg.Enabled && cfg.URL != ""
}

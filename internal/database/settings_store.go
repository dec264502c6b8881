package database

import (
	"context"
	"errors"
	"fmt"

	"kestrel/internal/domain"

	"gorm.io/gorm"
)

// AdminConfig returns the operator tunables, or the defaults when the row has
// not been seeded.
func (s *Store) AdminConfig(ctx context.Context) (domain.AdminConfig, error) {
	var cfg domain.AdminConfig
	err := s.conn(ctx).First(&cfg, domain.DefaultAdminConfig().ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultAdminConfig(), nil
	}
	return cfg, err
}

func (s *Store) SaveAdminConfig(ctx context.Context, cfg domain.AdminConfig) error {
	if cfg.ErrorBanThreshold <= 0 {
		return fmt.Errorf("error ban threshold must be positive, got %d", cfg.ErrorBanThreshold)
	}
	cfg.ID = domain.DefaultAdminConfig().ID
	return s.conn(ctx).Save(&cfg).Error
}

func (s *Store) ProxyConfig(ctx context.Context) (domain.ProxyConfig, error) {
	var cfg domain.ProxyConfig
	err := s.conn(ctx).First(&cfg, domain.DefaultProxyConfig().ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultProxyConfig(), nil
	}
	return cfg, err
}

func (s *Store) SaveProxyConfig(ctx context.Context, cfg domain.ProxyConfig) error {
	cfg.ID = domain.DefaultProxyConfig().ID
	return s.conn(ctx).Save(&cfg).Error
}

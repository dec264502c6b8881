package database

import (
	"context"
	"errors"

	"kestrel/internal/domain"

	"gorm.io/gorm"
)

// TokenProxy returns the proxy stored on the token. found is false for an
// unknown token.
func (s *Store) TokenProxy(ctx context.Context, id uint64) (string, bool, error) {
	var token domain.Token
	err := s.conn(ctx).Select("id", "proxy_url").First(&token, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token.ProxyURL, true, nil
}

// BoundProxies lists the distinct proxies held by tokens other than
// excludeTokenID.
func (s *Store) BoundProxies(ctx context.Context, excludeTokenID uint64) ([]string, error) {
	var urls []string
	err := s.conn(ctx).Model(&domain.Token{}).
		Where("proxy_url <> '' AND id <> ?", excludeTokenID).
		Distinct("proxy_url").
		Pluck("proxy_url", &urls).Error
	return urls, err
}

func (s *Store) BindProxy(ctx context.Context, tokenID uint64, proxyURL string) error {
	return s.UpdateTokenFields(ctx, tokenID, domain.TokenUpdate{ProxyURL: &proxyURL})
}

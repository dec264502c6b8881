package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/security"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed token repository shared by the lifecycle, the
// binder and the router.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db, falling back to the package connection when db is nil.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		db = DB
	}
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrTokenNotFound
	}
	return err
}

func (s *Store) TokenByID(ctx context.Context, id uint64) (domain.Token, error) {
	var token domain.Token
	if err := s.conn(ctx).First(&token, id).Error; err != nil {
		return domain.Token{}, notFound(err)
	}
	return token, nil
}

func (s *Store) TokenByAccessToken(ctx context.Context, accessToken string) (domain.Token, error) {
	hash := security.HashCredential(accessToken)
	if hash == "" {
		return domain.Token{}, domain.ErrTokenNotFound
	}

	var token domain.Token
	if err := s.conn(ctx).Where("access_token_hash = ?", hash).First(&token).Error; err != nil {
		return domain.Token{}, notFound(err)
	}
	return token, nil
}

// CreateToken inserts token together with its empty statistics row.
func (s *Store) CreateToken(ctx context.Context, token *domain.Token) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Token{}).
			Where("access_token_hash = ?", security.HashCredential(token.AccessToken)).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrTokenExists
		}

		if err := tx.Omit(clause.Associations).Create(token).Error; err != nil {
			return err
		}
		return tx.Create(&domain.TokenStats{TokenID: token.ID}).Error
	})
}

// SaveToken writes every column of an existing token. Secrets are re-encrypted
// by the model hooks.
func (s *Store) SaveToken(ctx context.Context, token *domain.Token) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Token{}).Where("id = ?", token.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrTokenNotFound
		}
		return tx.Omit(clause.Associations, "created_at").Save(token).Error
	})
}

// UpdateTokenFields writes only the columns set in update. It bypasses the
// model hooks, so secrets can never be touched here.
func (s *Store) UpdateTokenFields(ctx context.Context, id uint64, update domain.TokenUpdate) error {
	cols := update.Columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now()

	res := s.conn(ctx).Model(&domain.Token{}).Where("id = ?", id).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("update token %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id uint64) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_id = ?", id).Delete(&domain.TokenStats{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Token{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrTokenNotFound
		}
		return nil
	})
}

func (s *Store) ActiveTokens(ctx context.Context) ([]domain.Token, error) {
	var tokens []domain.Token
	err := s.conn(ctx).Where("is_active = ?", true).Order("id").Find(&tokens).Error
	return tokens, err
}

func (s *Store) AllTokens(ctx context.Context) ([]domain.Token, error) {
	var tokens []domain.Token
	err := s.conn(ctx).Order("id").Find(&tokens).Error
	return tokens, err
}

package database

import (
	"context"
	"time"

	"kestrel/internal/domain"

	"gorm.io/gorm"
)

func (s *Store) TokenStats(ctx context.Context, id uint64) (domain.TokenStats, error) {
	var stats domain.TokenStats
	if err := s.conn(ctx).Where("token_id = ?", id).First(&stats).Error; err != nil {
		return domain.TokenStats{}, notFound(err)
	}
	return stats, nil
}

func (s *Store) IncrementUsage(ctx context.Context, id uint64, video bool) error {
	column := "image_count"
	if video {
		column = "video_count"
	}
	now := time.Now()

	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.TokenStats{}).
			Where("token_id = ?", id).
			UpdateColumns(map[string]any{
				column:         gorm.Expr(column + " + 1"),
				"last_used_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrTokenNotFound
		}
		return tx.Model(&domain.Token{}).Where("id = ?", id).UpdateColumn("last_used_at", now).Error
	})
}

// RecordError bumps the error counters and returns the consecutive count after
// the update.
func (s *Store) RecordError(ctx context.Context, id uint64, consecutive bool) (int64, error) {
	updates := map[string]any{
		"error_count":   gorm.Expr("error_count + 1"),
		"last_error_at": time.Now(),
	}
	if consecutive {
		updates["consecutive_error_count"] = gorm.Expr("consecutive_error_count + 1")
	}

	var streak int64
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.TokenStats{}).Where("token_id = ?", id).UpdateColumns(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrTokenNotFound
		}
		return tx.Model(&domain.TokenStats{}).
			Where("token_id = ?", id).
			Pluck("consecutive_error_count", &streak).Error
	})
	return streak, err
}

func (s *Store) ResetErrors(ctx context.Context, id uint64) error {
	return s.conn(ctx).Model(&domain.TokenStats{}).
		Where("token_id = ?", id).
		UpdateColumn("consecutive_error_count", 0).Error
}

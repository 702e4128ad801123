package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/db"
)

type ResultRepository struct {
	db  *db.DB
	loc *time.Location
}

func NewResultRepository(database *db.DB, loc *time.Location) *ResultRepository {
	return &ResultRepository{db: database, loc: loc}
}

// Upsert writes the single result row for the MinuteKey; retries of the same
// task update it in place rather than appending.
func (r *ResultRepository) Upsert(ctx context.Context, result *domain.VerificationResult) error {
	var po ResultPO
	po.FromDomain(result)
	err := db.UpsertOnConflict(r.db.WithContext(ctx), &po,
		[]string{"symbol", "minute"},
		[]string{"task_id", "status", "confidence", "price_match", "volume_gap",
			"local_volume", "auth_volume", "message", "decided_at"},
	)
	if err != nil {
		return fmt.Errorf("failed to upsert verification result for %s: %w", result.Key, err)
	}
	return nil
}

func (r *ResultRepository) GetByMinute(ctx context.Context, key domain.MinuteKey) (*domain.VerificationResult, error) {
	var po ResultPO
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND minute = ?", key.Symbol, key.Minute).
		Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verification result for %s: %w", key, err)
	}
	return po.ToDomain(r.loc), nil
}

// Recent returns the latest decisions, newest first.
func (r *ResultRepository) Recent(ctx context.Context, limit int) ([]*domain.VerificationResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var pos []ResultPO
	err := r.db.WithContext(ctx).
		Order("decided_at DESC").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent results: %w", err)
	}
	out := make([]*domain.VerificationResult, len(pos))
	for i := range pos {
		out[i] = pos[i].ToDomain(r.loc)
	}
	return out, nil
}

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

type WatermarkRepository struct {
	db  *db.DB
	loc *time.Location
}

func NewWatermarkRepository(database *db.DB, loc *time.Location) *WatermarkRepository {
	return &WatermarkRepository{db: database, loc: loc}
}

func (r *WatermarkRepository) Get(ctx context.Context, symbol string, kind domain.TaskKind) (*domain.Watermark, error) {
	var po WatermarkPO
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND kind = ?", symbol, string(kind)).
		Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark for %s/%s: %w", symbol, kind, err)
	}
	return &domain.Watermark{
		Symbol:    po.Symbol,
		Kind:      domain.TaskKind(po.Kind),
		Target:    po.Target.In(r.loc),
		UpdatedAt: po.UpdatedAt,
	}, nil
}

func (r *WatermarkRepository) Set(ctx context.Context, mark *domain.Watermark) error {
	po := WatermarkPO{
		Symbol:    mark.Symbol,
		Kind:      string(mark.Kind),
		Target:    mark.Target,
		UpdatedAt: time.Now(),
	}
	err := db.UpsertOnConflict(r.db.WithContext(ctx), &po,
		[]string{"symbol", "kind"},
		[]string{"target", "updated_at"},
	)
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s/%s: %w", mark.Symbol, mark.Kind, err)
	}
	return nil
}

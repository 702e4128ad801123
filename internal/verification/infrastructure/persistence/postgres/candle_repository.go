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

// DefaultAggregateView is the 1-minute tick rollup the collectors maintain.
const DefaultAggregateView = "ticks_1m"

type CandleRepository struct {
	db      *db.DB
	loc     *time.Location
	aggView string
}

// NewCandleRepository 创建K线仓储。aggView 为空时使用默认的 tick 聚合视图。
func NewCandleRepository(database *db.DB, loc *time.Location, aggView string) *CandleRepository {
	if aggView == "" {
		aggView = DefaultAggregateView
	}
	return &CandleRepository{db: database, loc: loc, aggView: aggView}
}

// LocalMinute reads the live-aggregated candle for the key from the tick
// rollup view. A minute with no local aggregation returns nil.
func (r *CandleRepository) LocalMinute(ctx context.Context, key domain.MinuteKey) (*domain.Candle, error) {
	var po CandlePO
	err := r.db.WithContext(ctx).
		Table(r.aggView).
		Select("symbol, bucket AS minute, open, high, low, close, volume").
		Where("symbol = ? AND bucket = ?", key.Symbol, key.Minute).
		Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local candle for %s: %w", key, err)
	}
	candle := po.ToDomain(r.loc)
	candle.Source = domain.SourceLiveAgg
	return candle, nil
}

// UpsertReconciled writes the candle under the RECONCILED tag, idempotent on
// (symbol, minute). Last writer wins.
func (r *CandleRepository) UpsertReconciled(ctx context.Context, candle *domain.Candle) error {
	if err := candle.Validate(); err != nil {
		return err
	}
	var po CandlePO
	po.FromDomain(candle)
	po.SourceTag = string(domain.SourceReconciled)

	err := db.UpsertOnConflict(r.db.WithContext(ctx), &po,
		[]string{"symbol", "minute"},
		[]string{"open", "high", "low", "close", "volume", "source_tag", "decided_at"},
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reconciled candle for %s: %w", candle.Key, err)
	}
	return nil
}

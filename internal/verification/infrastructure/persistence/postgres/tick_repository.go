package postgres

import (
	"context"
	"fmt"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/db"
)

type TickRepository struct {
	db *db.DB
}

func NewTickRepository(database *db.DB) *TickRepository {
	return &TickRepository{db: database}
}

// UpsertBatch inserts ticks idempotently; rows hitting the dedup constraint
// are silently skipped, so replaying the same recovery is harmless.
func (r *TickRepository) UpsertBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	pos := make([]TickPO, len(ticks))
	for i, t := range ticks {
		pos[i].FromDomain(t)
	}
	err := db.InsertIgnoreConflict(r.db.WithContext(ctx), pos,
		[]string{"symbol", "event_ts", "dedup_key"})
	if err != nil {
		return fmt.Errorf("failed to upsert %d ticks: %w", len(ticks), err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/db"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
)

// rollupViews lists the continuous aggregates finest first; each coarser
// grain reads the output of the finer one, so the order matters.
var rollupViews = []string{"candles_1m", "candles_5m", "candles_1h", "candles_1d"}

// Refresher forces the downstream rollups to recompute a window. The store
// does not serialize refreshes by range, so a per-symbol advisory lock keeps
// concurrent callers from stepping on each other.
type Refresher struct {
	db          *db.DB
	maxRetries  uint64
	backoffBase time.Duration
	metrics     *metrics.Metrics
}

func NewRefresher(database *db.DB, maxRetries int, backoffBase time.Duration, m *metrics.Metrics) *Refresher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	return &Refresher{
		db:          database,
		maxRetries:  uint64(maxRetries),
		backoffBase: backoffBase,
		metrics:     m,
	}
}

var _ domain.AggregateRefresher = (*Refresher)(nil)

// refreshTx is the slice of gorm the refresh transaction uses.
type refreshTx interface {
	Exec(sql string, values ...interface{}) *gorm.DB
}

// Refresh recomputes every rollup for [from, to). Idempotent; a repeated
// refresh of the same window converges to the same state.
func (r *Refresher) Refresh(ctx context.Context, symbol string, from, to time.Time) error {
	if !to.After(from) {
		to = from.Add(time.Minute)
	}
	defer logger.LogDuration(ctx, "aggregate refresh", "symbol", symbol)()

	op := func() error {
		return r.db.WithTx(ctx, func(tx *gorm.DB) error {
			return r.refreshInTx(tx, symbol, from, to)
		})
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.backoffBase),
		), r.maxRetries),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Warn(ctx, "aggregate refresh retry", "symbol", symbol, "wait", wait, "error", err)
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.RefreshFailures.Inc()
		}
		return fmt.Errorf("failed to refresh rollups for %s: %w", symbol, err)
	}
	return nil
}

// refreshInTx takes the per-symbol lock and recomputes every rollup on the
// same transaction. pg_advisory_xact_lock is pinned to the transaction's
// connection and released on commit or rollback, so a caller that dies
// mid-refresh cannot leave the symbol locked behind an idle pooled
// connection.
func (r *Refresher) refreshInTx(tx refreshTx, symbol string, from, to time.Time) error {
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", symbol).Error; err != nil {
		return fmt.Errorf("failed to take refresh lock for %s: %w", symbol, err)
	}
	for _, view := range rollupViews {
		if err := tx.Exec(
			"CALL refresh_continuous_aggregate(?::regclass, ?::timestamptz, ?::timestamptz)",
			view, from, to).Error; err != nil {
			return fmt.Errorf("failed to refresh %s for %s: %w", view, symbol, err)
		}
	}
	return nil
}

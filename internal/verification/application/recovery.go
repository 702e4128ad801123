package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
)

// strategyTFailure carries the reason Strategy T could not reconcile the
// minute. It routes the flow into Strategy C instead of a task retry.
type strategyTFailure struct {
	reason string
}

func (f *strategyTFailure) Error() string { return "strategy T failed: " + f.reason }

// RecoveryEngine repairs a mismatched minute. Strategy T rebuilds the
// minute from authoritative ticks, preserving sub-minute detail; Strategy C
// falls back to overwriting the canonical candle with the authoritative one.
type RecoveryEngine struct {
	hub       domain.BrokerHub
	candles   domain.CandleRepository
	ticks     domain.TickRepository
	refresher domain.AggregateRefresher
	tol       domain.Tolerances
	loc       *time.Location
	metrics   *metrics.Metrics
}

func NewRecoveryEngine(
	hub domain.BrokerHub,
	candles domain.CandleRepository,
	ticks domain.TickRepository,
	refresher domain.AggregateRefresher,
	tol domain.Tolerances,
	loc *time.Location,
	m *metrics.Metrics,
) *RecoveryEngine {
	return &RecoveryEngine{
		hub:       hub,
		candles:   candles,
		ticks:     ticks,
		refresher: refresher,
		tol:       tol,
		loc:       loc,
		metrics:   m,
	}
}

// Recover tries Strategy T, then Strategy C, and returns the terminal
// result. A returned error means the task should be retried: rate limiting,
// store failures, and anything else transient propagate; only a clean
// Strategy T dead end falls through to Strategy C.
func (e *RecoveryEngine) Recover(ctx context.Context, taskID string, auth *domain.Candle) (*domain.VerificationResult, error) {
	result, err := e.recoverFromTicks(ctx, taskID, auth)
	if err == nil {
		e.count("T", "ok")
		return result, nil
	}

	var tFail *strategyTFailure
	if !errors.As(err, &tFail) {
		e.count("T", "retry")
		return nil, err
	}
	e.count("T", "fallthrough")
	logger.Info(ctx, "tick recovery failed, falling back to candle",
		"task_id", taskID, "minute", auth.Key.String(), "reason", tFail.reason)

	result, err = e.recoverFromCandle(ctx, taskID, auth, tFail.reason)
	if err != nil {
		e.count("C", "retry")
		return nil, err
	}
	e.count("C", "ok")
	return result, nil
}

func (e *RecoveryEngine) recoverFromTicks(ctx context.Context, taskID string, auth *domain.Candle) (*domain.VerificationResult, error) {
	key := auth.Key

	ticks, err := e.hub.Ticks(ctx, key.Symbol, key.Minute)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return nil, err
	case errors.Is(err, domain.ErrEmptyTicks):
		return nil, &strategyTFailure{reason: err.Error()}
	case err != nil:
		// A failed tick RPC is a Strategy T dead end, not a task retry;
		// the candle fallback still has authoritative data to write.
		return nil, &strategyTFailure{reason: fmt.Sprintf("tick rpc failed: %v", err)}
	case len(ticks) == 0:
		return nil, &strategyTFailure{reason: domain.ErrEmptyTicks.Error()}
	}

	if err := e.ticks.UpsertBatch(ctx, ticks); err != nil {
		return nil, err
	}

	from, to := tickWindow(ticks, key, e.loc)
	refreshMsg := ""
	if err := e.refresher.Refresh(ctx, key.Symbol, from, to); err != nil {
		// The reconciled rows are still authoritative for readers of the
		// canonical table; record the failure and keep going.
		refreshMsg = fmt.Sprintf("; aggregate refresh failed: %v", err)
		logger.Error(ctx, "aggregate refresh failed after tick recovery",
			"task_id", taskID, "symbol", key.Symbol, "error", err)
	}

	local, err := e.candles.LocalMinute(ctx, key)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, &strategyTFailure{reason: "aggregate still empty after refresh" + refreshMsg}
	}

	cmp := e.tol.Compare(local, auth)
	if !cmp.Match() {
		return nil, &strategyTFailure{
			reason: fmt.Sprintf("post-refresh mismatch, volume gap %s%s", cmp.VolumeGap, refreshMsg),
		}
	}

	// The rebuilt minute is also persisted as the canonical row so readers
	// of the candles table see the reconciled values without re-running
	// the rollup.
	reconciled := *local
	reconciled.Source = domain.SourceReconciled
	if err := e.candles.UpsertReconciled(ctx, &reconciled); err != nil {
		return nil, err
	}

	result := domain.NewResult(taskID, key, domain.StatusRecoveredFromTicks, domain.ConfidenceHigh).
		WithComparison(cmp).
		WithMessage(fmt.Sprintf("rebuilt from %d authoritative ticks%s", len(ticks), refreshMsg))
	return result, nil
}

func (e *RecoveryEngine) recoverFromCandle(ctx context.Context, taskID string, auth *domain.Candle, cause string) (*domain.VerificationResult, error) {
	reconciled := *auth
	reconciled.Source = domain.SourceReconciled
	if err := e.candles.UpsertReconciled(ctx, &reconciled); err != nil {
		return nil, err
	}

	cmp := domain.Comparison{
		PriceMatch:  true,
		VolumeMatch: true,
		LocalVolume: auth.Volume,
		AuthVolume:  auth.Volume,
	}
	result := domain.NewResult(taskID, auth.Key, domain.StatusRecoveredFromCandle, domain.ConfidenceMedium).
		WithComparison(cmp).
		WithMessage("candle fallback: " + cause)
	return result, nil
}

// tickWindow spans every minute the returned ticks touched, plus the target
// minute itself, so the refresh covers ticks that straddled the boundary.
func tickWindow(ticks []domain.Tick, key domain.MinuteKey, loc *time.Location) (time.Time, time.Time) {
	from := key.Minute
	to := key.Minute.Add(time.Minute)
	for _, t := range ticks {
		m := t.MinuteKey(loc).Minute
		if m.Before(from) {
			from = m
		}
		if end := m.Add(time.Minute); end.After(to) {
			to = end
		}
	}
	return from, to
}

func (e *RecoveryEngine) count(strategy, outcome string) {
	if e.metrics != nil {
		e.metrics.Recoveries.WithLabelValues(strategy, outcome).Inc()
	}
}

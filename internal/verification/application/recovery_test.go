package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func candleAt(key domain.MinuteKey, o, h, l, c, v string, source domain.SourceTag) *domain.Candle {
	return domain.NewCandle(key, d(o), d(h), d(l), d(c), d(v), source)
}

type recoveryFixture struct {
	engine  *RecoveryEngine
	hub     *fakeHub
	candles *fakeCandleRepo
	ticks   *fakeTickRepo
	refresh *fakeRefresher
	key     domain.MinuteKey
	loc     *time.Location
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	key := domain.NewMinuteKey("005930", time.Date(2026, 3, 2, 9, 30, 0, 0, loc), loc)

	f := &recoveryFixture{
		hub:     &fakeHub{ticks: map[int64][]domain.Tick{}, tickErrs: map[int64]error{}},
		candles: &fakeCandleRepo{locals: map[string][]*domain.Candle{}},
		ticks:   &fakeTickRepo{},
		refresh: &fakeRefresher{},
		key:     key,
		loc:     loc,
	}
	f.engine = NewRecoveryEngine(f.hub, f.candles, f.ticks, f.refresh, domain.NewTolerances(), loc, nil)
	return f
}

func TestRecoverFromTicks(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)

	f.hub.ticks[f.key.Minute.UnixMilli()] = []domain.Tick{
		{Symbol: "005930", At: f.key.Minute.Add(10 * time.Second), Price: d("71000"), Volume: d("30000"), ExecutionID: "E1"},
		{Symbol: "005930", At: f.key.Minute.Add(40 * time.Second), Price: d("71100"), Volume: d("20000"), ExecutionID: "E2"},
	}
	// After refresh the aggregate reflects the full tick set.
	f.candles.locals[f.key.String()] = []*domain.Candle{
		candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceLiveAgg),
	}

	result, err := f.engine.Recover(context.Background(), "task-1", auth)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRecoveredFromTicks, result.Status)
	assert.Equal(t, domain.ConfidenceHigh, result.Confidence)
	require.Len(t, f.ticks.batches, 1)
	assert.Len(t, f.ticks.batches[0], 2)
	require.Len(t, f.refresh.calls, 1)
	assert.Equal(t, "005930", f.refresh.calls[0].symbol)

	// The rebuilt minute lands in the canonical table as RECONCILED.
	require.Len(t, f.candles.reconciled, 1)
	assert.Equal(t, domain.SourceReconciled, f.candles.reconciled[0].Source)
	assert.Equal(t, "50000", f.candles.reconciled[0].Volume.String())
}

func TestRecoverFallsBackOnEmptyTicks(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)

	result, err := f.engine.Recover(context.Background(), "task-1", auth)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRecoveredFromCandle, result.Status)
	assert.Equal(t, domain.ConfidenceMedium, result.Confidence)
	assert.Contains(t, result.Message, "no authoritative ticks")

	// Canonical row now mirrors the authoritative candle exactly.
	require.Len(t, f.candles.reconciled, 1)
	got := f.candles.reconciled[0]
	assert.Equal(t, domain.SourceReconciled, got.Source)
	assert.True(t, got.Open.Equal(auth.Open))
	assert.True(t, got.Volume.Equal(auth.Volume))
	// Strategy T never reached the refresher.
	assert.Empty(t, f.refresh.calls)
}

func TestRecoverFallsBackOnTickRPCFailure(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)
	f.hub.tickErrs[f.key.Minute.UnixMilli()] = fmt.Errorf("%w: provider 500", domain.ErrHubUnavailable)

	result, err := f.engine.Recover(context.Background(), "task-1", auth)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRecoveredFromCandle, result.Status)
}

func TestRecoverRateLimitedPropagates(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)
	f.hub.tickErrs[f.key.Minute.UnixMilli()] = domain.ErrRateLimited

	_, err := f.engine.Recover(context.Background(), "task-1", auth)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, f.candles.reconciled)
}

func TestRecoverFallsBackOnPostRefreshMismatch(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)

	f.hub.ticks[f.key.Minute.UnixMilli()] = []domain.Tick{
		{Symbol: "005930", At: f.key.Minute.Add(10 * time.Second), Price: d("71000"), Volume: d("30000")},
	}
	// Aggregate still short after the refresh.
	f.candles.locals[f.key.String()] = []*domain.Candle{
		candleAt(f.key, "71000", "71000", "71000", "71000", "30000", domain.SourceLiveAgg),
	}

	result, err := f.engine.Recover(context.Background(), "task-1", auth)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRecoveredFromCandle, result.Status)
	assert.Contains(t, result.Message, "mismatch")
	// The candle fallback overwrote the reconciled row with auth values.
	got := f.candles.reconciled[len(f.candles.reconciled)-1]
	assert.True(t, got.Volume.Equal(auth.Volume))
}

func TestRecoverSurvivesRefreshFailure(t *testing.T) {
	f := newRecoveryFixture(t)
	auth := candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceRestPrimary)

	f.hub.ticks[f.key.Minute.UnixMilli()] = []domain.Tick{
		{Symbol: "005930", At: f.key.Minute.Add(10 * time.Second), Price: d("71000"), Volume: d("50000")},
	}
	f.refresh.err = errors.New("refresh deadlock")
	f.candles.locals[f.key.String()] = []*domain.Candle{
		candleAt(f.key, "71000", "71200", "70900", "71100", "50000", domain.SourceLiveAgg),
	}

	result, err := f.engine.Recover(context.Background(), "task-1", auth)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRecoveredFromTicks, result.Status)
	assert.Contains(t, result.Message, "refresh failed")
}

func TestTickWindowSpansStraddledMinutes(t *testing.T) {
	f := newRecoveryFixture(t)
	ticks := []domain.Tick{
		{Symbol: "005930", At: f.key.Minute.Add(-5 * time.Second), Price: d("71000"), Volume: d("10")},
		{Symbol: "005930", At: f.key.Minute.Add(30 * time.Second), Price: d("71000"), Volume: d("10")},
		{Symbol: "005930", At: f.key.Minute.Add(65 * time.Second), Price: d("71000"), Volume: d("10")},
	}

	from, to := tickWindow(ticks, f.key, f.loc)

	assert.Equal(t, f.key.Minute.Add(-time.Minute), from)
	assert.Equal(t, f.key.Minute.Add(2*time.Minute), to)
}

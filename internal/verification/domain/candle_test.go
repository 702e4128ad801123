package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewMinuteKeyTruncatesToMarketMinute(t *testing.T) {
	loc := seoul(t)
	at := time.Date(2026, 3, 2, 0, 30, 45, 123456789, time.UTC) // 09:30:45 KST

	key := NewMinuteKey("005930", at, loc)

	assert.Equal(t, "005930", key.Symbol)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, loc), key.Minute)
	assert.Equal(t, "005930@2026-03-02T09:30", key.String())
}

func TestMinuteKeyNext(t *testing.T) {
	loc := seoul(t)
	key := NewMinuteKey("005930", time.Date(2026, 3, 2, 9, 30, 0, 0, loc), loc)

	next := key.Next()

	assert.Equal(t, key.Symbol, next.Symbol)
	assert.Equal(t, key.Minute.Add(time.Minute), next.Minute)
}

func TestCandleValidate(t *testing.T) {
	loc := seoul(t)
	key := NewMinuteKey("005930", time.Date(2026, 3, 2, 9, 30, 0, 0, loc), loc)

	ok := NewCandle(key, d("100"), d("105"), d("99"), d("103"), d("5000"), SourceLiveAgg)
	assert.NoError(t, ok.Validate())

	negVol := NewCandle(key, d("100"), d("105"), d("99"), d("103"), d("-1"), SourceLiveAgg)
	assert.Error(t, negVol.Validate())

	lowAboveOpen := NewCandle(key, d("100"), d("105"), d("101"), d("103"), d("5000"), SourceLiveAgg)
	assert.Error(t, lowAboveOpen.Validate())

	highBelowClose := NewCandle(key, d("100"), d("102"), d("99"), d("103"), d("5000"), SourceLiveAgg)
	assert.Error(t, highBelowClose.Validate())
}

func TestCandleIsZero(t *testing.T) {
	loc := seoul(t)
	key := NewMinuteKey("005930", time.Date(2026, 3, 2, 9, 30, 0, 0, loc), loc)

	var nilCandle *Candle
	assert.True(t, nilCandle.IsZero())
	assert.True(t, ZeroCandle(key, SourceLiveAgg).IsZero())
	assert.False(t, NewCandle(key, d("100"), d("100"), d("100"), d("100"), d("1"), SourceLiveAgg).IsZero())
}

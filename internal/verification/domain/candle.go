package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SourceTag identifies the provenance of a candle row.
type SourceTag string

const (
	SourceLiveAgg       SourceTag = "LIVE_AGG"
	SourceRestPrimary   SourceTag = "REST_PRIMARY"
	SourceRestSecondary SourceTag = "REST_SECONDARY"
	SourceReconciled    SourceTag = "RECONCILED"
)

// MinuteKey is the natural key of the pipeline: one symbol, one minute,
// aligned to the market timezone.
type MinuteKey struct {
	Symbol string
	Minute time.Time
}

// NewMinuteKey truncates t to the containing minute in loc.
func NewMinuteKey(symbol string, t time.Time, loc *time.Location) MinuteKey {
	return MinuteKey{
		Symbol: symbol,
		Minute: t.In(loc).Truncate(time.Minute),
	}
}

func (k MinuteKey) String() string {
	return k.Symbol + "@" + k.Minute.Format("2006-01-02T15:04")
}

// Next returns the key of the following minute for the same symbol.
func (k MinuteKey) Next() MinuteKey {
	return MinuteKey{Symbol: k.Symbol, Minute: k.Minute.Add(time.Minute)}
}

// Candle is a one-minute OHLCV bar.
type Candle struct {
	Key    MinuteKey
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Source SourceTag
}

func NewCandle(key MinuteKey, o, h, l, c, v decimal.Decimal, source SourceTag) *Candle {
	return &Candle{
		Key:    key,
		Open:   o,
		High:   h,
		Low:    l,
		Close:  c,
		Volume: v,
		Source: source,
	}
}

var errCandleInvariant = errors.New("candle invariant violated")

// Validate enforces volume >= 0 and low <= min(o,c) <= max(o,c) <= high.
func (c *Candle) Validate() error {
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume %s for %s", errCandleInvariant, c.Volume, c.Key)
	}
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lo) || c.High.LessThan(hi) {
		return fmt.Errorf("%w: ohlc out of order for %s", errCandleInvariant, c.Key)
	}
	return nil
}

// IsZero reports whether the candle carries no trading activity. A missing
// local aggregate is treated as a zero candle so the comparison still runs.
func (c *Candle) IsZero() bool {
	return c == nil || c.Volume.IsZero() && c.Open.IsZero() && c.Close.IsZero()
}

// ZeroCandle stands in for a minute with no local aggregation.
func ZeroCandle(key MinuteKey, source SourceTag) *Candle {
	zero := decimal.Zero
	return NewCandle(key, zero, zero, zero, zero, zero, source)
}

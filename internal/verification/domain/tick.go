package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single execution print. ExecutionID is optional; when the
// provider supplies one it becomes the primary dedup key, otherwise the
// composite (symbol, at, price, volume) is used.
type Tick struct {
	Symbol      string
	At          time.Time
	Price       decimal.Decimal
	Volume      decimal.Decimal
	ExecutionID string
	Source      SourceTag
}

// MinuteKey routes the tick to its own minute based on the event timestamp,
// not the minute that was being recovered. Ticks straddling a minute
// boundary therefore land in the correct bucket.
func (t Tick) MinuteKey(loc *time.Location) MinuteKey {
	return NewMinuteKey(t.Symbol, t.At, loc)
}

package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
)

// CandlePO is one row of the canonical candle table. The reconciled row per
// (symbol, minute) is what downstream readers consume.
type CandlePO struct {
	ID        uint            `gorm:"primarykey"`
	Symbol    string          `gorm:"column:symbol;type:varchar(20);uniqueIndex:ux_candles_symbol_minute;not null"`
	Minute    time.Time       `gorm:"column:minute;uniqueIndex:ux_candles_symbol_minute;not null"`
	Open      decimal.Decimal `gorm:"column:open;type:decimal(32,18);not null"`
	High      decimal.Decimal `gorm:"column:high;type:decimal(32,18);not null"`
	Low       decimal.Decimal `gorm:"column:low;type:decimal(32,18);not null"`
	Close     decimal.Decimal `gorm:"column:close;type:decimal(32,18);not null"`
	Volume    decimal.Decimal `gorm:"column:volume;type:decimal(32,18);not null"`
	SourceTag string          `gorm:"column:source_tag;type:varchar(20);not null"`
	DecidedAt time.Time       `gorm:"column:decided_at;not null"`
}

func (CandlePO) TableName() string { return "candles" }

func (po *CandlePO) ToDomain(loc *time.Location) *domain.Candle {
	key := domain.NewMinuteKey(po.Symbol, po.Minute, loc)
	return domain.NewCandle(key, po.Open, po.High, po.Low, po.Close, po.Volume, domain.SourceTag(po.SourceTag))
}

func (po *CandlePO) FromDomain(c *domain.Candle) {
	po.Symbol = c.Key.Symbol
	po.Minute = c.Key.Minute
	po.Open = c.Open
	po.High = c.High
	po.Low = c.Low
	po.Close = c.Close
	po.Volume = c.Volume
	po.SourceTag = string(c.Source)
	po.DecidedAt = time.Now()
}

// TickPO is one execution print. DedupKey is the execution id when the
// provider supplied one, otherwise "price|volume"; the unique index makes
// re-inserting the same tick a no-op.
type TickPO struct {
	ID          uint            `gorm:"primarykey"`
	Symbol      string          `gorm:"column:symbol;type:varchar(20);uniqueIndex:ux_ticks_dedup;not null"`
	EventTs     time.Time       `gorm:"column:event_ts;uniqueIndex:ux_ticks_dedup;not null"`
	DedupKey    string          `gorm:"column:dedup_key;type:varchar(80);uniqueIndex:ux_ticks_dedup;not null"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null"`
	Volume      decimal.Decimal `gorm:"column:volume;type:decimal(32,18);not null"`
	ExecutionID string          `gorm:"column:execution_id;type:varchar(64)"`
	Source      string          `gorm:"column:source;type:varchar(20);not null"`
}

func (TickPO) TableName() string { return "ticks" }

func (po *TickPO) FromDomain(t domain.Tick) {
	po.Symbol = t.Symbol
	po.EventTs = t.At
	po.Price = t.Price
	po.Volume = t.Volume
	po.ExecutionID = t.ExecutionID
	po.Source = string(t.Source)
	if t.ExecutionID != "" {
		po.DedupKey = t.ExecutionID
	} else {
		po.DedupKey = t.Price.String() + "|" + t.Volume.String()
	}
}

// ResultPO is the one verification row per (symbol, minute); retries update
// it in place.
type ResultPO struct {
	ID         uint            `gorm:"primarykey"`
	TaskID     string          `gorm:"column:task_id;type:varchar(64);not null"`
	Symbol     string          `gorm:"column:symbol;type:varchar(20);uniqueIndex:ux_results_symbol_minute;not null"`
	Minute     time.Time       `gorm:"column:minute;uniqueIndex:ux_results_symbol_minute;not null"`
	Status     string          `gorm:"column:status;type:varchar(30);not null"`
	Confidence string          `gorm:"column:confidence;type:varchar(10);not null"`
	PriceMatch bool            `gorm:"column:price_match;not null"`
	VolumeGap  decimal.Decimal `gorm:"column:volume_gap;type:decimal(32,18);not null"`
	LocalVol   decimal.Decimal `gorm:"column:local_volume;type:decimal(32,18);not null"`
	AuthVol    decimal.Decimal `gorm:"column:auth_volume;type:decimal(32,18);not null"`
	Message    string          `gorm:"column:message;type:varchar(500)"`
	DecidedAt  time.Time       `gorm:"column:decided_at;index;not null"`
}

func (ResultPO) TableName() string { return "verification_results" }

func (po *ResultPO) FromDomain(r *domain.VerificationResult) {
	po.TaskID = r.TaskID
	po.Symbol = r.Key.Symbol
	po.Minute = r.Key.Minute
	po.Status = r.Status.String()
	po.Confidence = r.Confidence.String()
	po.PriceMatch = r.PriceMatch
	po.VolumeGap = r.VolumeGap
	po.LocalVol = r.LocalVol
	po.AuthVol = r.AuthVol
	po.Message = r.Message
	po.DecidedAt = r.DecidedAt
}

func (po *ResultPO) ToDomain(loc *time.Location) *domain.VerificationResult {
	return &domain.VerificationResult{
		TaskID:     po.TaskID,
		Key:        domain.NewMinuteKey(po.Symbol, po.Minute, loc),
		Status:     parseStatus(po.Status),
		Confidence: parseConfidence(po.Confidence),
		PriceMatch: po.PriceMatch,
		VolumeGap:  po.VolumeGap,
		LocalVol:   po.LocalVol,
		AuthVol:    po.AuthVol,
		Message:    po.Message,
		DecidedAt:  po.DecidedAt,
	}
}

func parseStatus(s string) domain.ResultStatus {
	for st := domain.StatusPass; st <= domain.StatusFailed; st++ {
		if st.String() == s {
			return st
		}
	}
	return 0
}

func parseConfidence(s string) domain.Confidence {
	for c := domain.ConfidenceHigh; c <= domain.ConfidenceLow; c++ {
		if c.String() == s {
			return c
		}
	}
	return 0
}

// WatermarkPO persists the scheduler's last emitted target per (symbol, kind).
type WatermarkPO struct {
	ID        uint      `gorm:"primarykey"`
	Symbol    string    `gorm:"column:symbol;type:varchar(20);uniqueIndex:ux_watermarks_symbol_kind;not null"`
	Kind      string    `gorm:"column:kind;type:varchar(20);uniqueIndex:ux_watermarks_symbol_kind;not null"`
	Target    time.Time `gorm:"column:target;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (WatermarkPO) TableName() string { return "verification_watermarks" }

package domain

import (
	"context"
	"time"
)

// TaskQueue is the two-level priority queue with dead-lettering. A claim
// hands back an opaque token used for the terminal ack or nack.
type TaskQueue interface {
	// Submit enqueues the task, routing on priority. Duplicate submissions
	// (same natural key queued or in flight) return ErrDuplicateTask; a
	// backlog over the cap returns ErrQueueFull.
	Submit(ctx context.Context, task *VerificationTask, priority bool) error
	// Claim blocks until a task is available, draining priority before
	// normal, or until the context is done / the poll window elapses
	// (ErrNoClaim).
	Claim(ctx context.Context) (*VerificationTask, string, error)
	// Ack removes the claim; terminal.
	Ack(ctx context.Context, token string) error
	// Nack requeues with exponential backoff until the retry cap, then
	// dead-letters with the reason. Reports whether the task was
	// dead-lettered so the caller can record the terminal failure.
	Nack(ctx context.Context, token string, reason string) (deadLettered bool, err error)
	// NackDiscard dead-letters immediately, bypassing retries. Used for
	// contract violations.
	NackDiscard(ctx context.Context, token string, reason string) error
}

// DeadLetter is a DLQ entry as surfaced to the admin API.
type DeadLetter struct {
	Task     VerificationTask `json:"task"`
	Reason   string           `json:"reason"`
	FailedAt time.Time        `json:"failed_at"`
}

// DeadLetterStore is the inspection side of the DLQ.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// RequeueDeadLetters drains up to limit entries back onto the normal
	// queue with a reset retry count. Returns the number moved.
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
}

// CandleRepository reads the local minute aggregate and writes reconciled
// rows into the canonical candle table.
type CandleRepository interface {
	// LocalMinute returns the live-aggregated candle for the key, or nil
	// when the minute has no local aggregation.
	LocalMinute(ctx context.Context, key MinuteKey) (*Candle, error)
	// UpsertReconciled writes the candle under the RECONCILED source tag,
	// idempotent on MinuteKey. Last writer wins.
	UpsertReconciled(ctx context.Context, candle *Candle) error
}

// TickRepository accepts idempotent tick upserts; duplicates are silently
// ignored by the store's unique constraint.
type TickRepository interface {
	UpsertBatch(ctx context.Context, ticks []Tick) error
}

// AggregateRefresher recomputes the downstream rollups for a window,
// finest grain first. Safe under concurrent callers.
type AggregateRefresher interface {
	Refresh(ctx context.Context, symbol string, from, to time.Time) error
}

// ResultRepository upserts one row per MinuteKey.
type ResultRepository interface {
	Upsert(ctx context.Context, result *VerificationResult) error
	GetByMinute(ctx context.Context, key MinuteKey) (*VerificationResult, error)
	Recent(ctx context.Context, limit int) ([]*VerificationResult, error)
}

// Watermark records the last emitted target per (symbol, kind) so the
// scheduler survives restarts without double emission.
type Watermark struct {
	Symbol    string
	Kind      TaskKind
	Target    time.Time
	UpdatedAt time.Time
}

type WatermarkRepository interface {
	Get(ctx context.Context, symbol string, kind TaskKind) (*Watermark, error)
	Set(ctx context.Context, mark *Watermark) error
}

// BrokerHub is the opaque request/response gateway to the providers. Rate
// limiting and provider failover live behind it; callers only see success,
// failure, or the typed ErrRateLimited backoff signal.
type BrokerHub interface {
	MinuteCandles(ctx context.Context, symbol, date string) ([]*Candle, error)
	MinuteCandlesRange(ctx context.Context, symbol string, from, to time.Time) ([]*Candle, error)
	Ticks(ctx context.Context, symbol string, minute time.Time) ([]Tick, error)
}

// ResultPublisher fans terminal results out to downstream consumers.
// Publish failures must never fail the task.
type ResultPublisher interface {
	Publish(ctx context.Context, result *VerificationResult) error
}

package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskKind selects the handling path for a verification task.
type TaskKind string

const (
	KindRealtime   TaskKind = "realtime"
	KindDailyBatch TaskKind = "daily-batch"
	KindRecovery   TaskKind = "recovery"
	KindManual     TaskKind = "manual"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindRealtime, KindDailyBatch, KindRecovery, KindManual:
		return true
	}
	return false
}

// VerificationTask targets either a single minute (realtime, recovery,
// manual-minute) or a whole trading date (daily-batch, manual-date).
// Exactly one of Minute and Date is set.
type VerificationTask struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	Symbol      string    `json:"symbol"`
	Minute      time.Time `json:"minute,omitempty"`
	Date        string    `json:"date,omitempty"` // 2006-01-02 in the market timezone
	Priority    bool      `json:"priority"`
	Retry       int       `json:"retry"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Target renders the task target for logging and dedup.
func (t *VerificationTask) Target() string {
	if t.Date != "" {
		return t.Date
	}
	return t.Minute.Format("2006-01-02T15:04")
}

// NaturalKey hashes (kind, symbol, target). The queue uses it to drop
// duplicate submissions while an identical task is queued or in flight.
func (t *VerificationTask) NaturalKey() string {
	sum := sha1.Sum([]byte(string(t.Kind) + "|" + t.Symbol + "|" + t.Target()))
	return hex.EncodeToString(sum[:])
}

// IsBatch reports whether the task covers a full session rather than a
// single minute.
func (t *VerificationTask) IsBatch() bool {
	return t.Date != ""
}

// Validate rejects malformed payloads before any work is spent on them.
// Failures here are contract violations and go straight to the DLQ.
func (t *VerificationTask) Validate(symbols map[string]struct{}) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrContractViolation, t.Kind)
	}
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrContractViolation)
	}
	if _, ok := symbols[t.Symbol]; !ok {
		return fmt.Errorf("%w: unknown symbol %q", ErrContractViolation, t.Symbol)
	}
	if t.Date == "" && t.Minute.IsZero() {
		return fmt.Errorf("%w: task %s has neither minute nor date", ErrContractViolation, t.ID)
	}
	if t.Date != "" {
		if _, err := time.Parse("2006-01-02", t.Date); err != nil {
			return fmt.Errorf("%w: bad date %q", ErrContractViolation, t.Date)
		}
	}
	return nil
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ResultStatus int8
type Confidence int8

const (
	StatusPass ResultStatus = iota + 1
	StatusNeedsRecovery
	StatusRecoveredFromTicks
	StatusRecoveredFromCandle
	StatusTicksUnavailable
	StatusSkipped
	StatusFailed
)

const (
	ConfidenceHigh Confidence = iota + 1
	ConfidenceMedium
	ConfidenceLow
)

func (s ResultStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusNeedsRecovery:
		return "NEEDS_RECOVERY"
	case StatusRecoveredFromTicks:
		return "RECOVERED_FROM_TICKS"
	case StatusRecoveredFromCandle:
		return "RECOVERED_FROM_CANDLE"
	case StatusTicksUnavailable:
		return "TICKS_UNAVAILABLE"
	case StatusSkipped:
		return "SKIPPED"
	case StatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	case ConfidenceLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// Terminal reports whether the status ends the task. NEEDS_RECOVERY is an
// intermediate decision that must be followed by a recovery outcome.
func (s ResultStatus) Terminal() bool {
	return s != StatusNeedsRecovery
}

// VerificationResult is the one row per MinuteKey that explains what the
// pipeline decided. Retries update the row in place; they never append.
type VerificationResult struct {
	TaskID     string
	Key        MinuteKey
	Status     ResultStatus
	Confidence Confidence
	PriceMatch bool
	VolumeGap  decimal.Decimal
	LocalVol   decimal.Decimal
	AuthVol    decimal.Decimal
	Message    string
	DecidedAt  time.Time
}

func NewResult(taskID string, key MinuteKey, status ResultStatus, conf Confidence) *VerificationResult {
	return &VerificationResult{
		TaskID:     taskID,
		Key:        key,
		Status:     status,
		Confidence: conf,
		DecidedAt:  time.Now(),
	}
}

// WithComparison copies the comparison figures onto the result.
func (r *VerificationResult) WithComparison(cmp Comparison) *VerificationResult {
	r.PriceMatch = cmp.PriceMatch
	r.VolumeGap = cmp.VolumeGap
	r.LocalVol = cmp.LocalVolume
	r.AuthVol = cmp.AuthVolume
	return r
}

func (r *VerificationResult) WithMessage(msg string) *VerificationResult {
	r.Message = msg
	return r
}

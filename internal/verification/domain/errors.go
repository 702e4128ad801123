package domain

import "errors"

var (
	// ErrQueueFull is returned by Submit when the backlog cap is reached.
	ErrQueueFull = errors.New("verification queue full")
	// ErrDuplicateTask marks a submission dropped by queue idempotency.
	ErrDuplicateTask = errors.New("duplicate verification task")
	// ErrRateLimited is the typed backoff signal from the Broker Hub.
	ErrRateLimited = errors.New("broker hub rate limited")
	// ErrEmptyTicks means the tick RPC succeeded but returned no data.
	ErrEmptyTicks = errors.New("no authoritative ticks for minute")
	// ErrHubUnavailable covers hub timeouts and FAIL responses.
	ErrHubUnavailable = errors.New("broker hub unavailable")
	// ErrContractViolation marks a malformed or unserviceable task. Such
	// tasks skip retries and go straight to the DLQ.
	ErrContractViolation = errors.New("task contract violation")
	// ErrNoClaim is returned by Claim when the blocking pop times out
	// without yielding a task.
	ErrNoClaim = errors.New("no task claimed")
)

// ErrorClass partitions failures for retry policy.
type ErrorClass int8

const (
	// ClassTransient failures are retried with backoff up to the max.
	ClassTransient ErrorClass = iota + 1
	// ClassData failures are terminal for the task but expected in normal
	// operation (for example an empty tick response).
	ClassData
	// ClassContract failures skip retries entirely.
	ClassContract
	// ClassInternal covers everything else; the task is retried and the
	// worker moves on.
	ClassInternal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "TRANSIENT"
	case ClassData:
		return "DATA"
	case ClassContract:
		return "CONTRACT"
	case ClassInternal:
		return "INTERNAL"
	}
	return "UNKNOWN"
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrContractViolation):
		return ClassContract
	case errors.Is(err, ErrEmptyTicks):
		return ClassData
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrHubUnavailable):
		return ClassTransient
	default:
		return ClassInternal
	}
}

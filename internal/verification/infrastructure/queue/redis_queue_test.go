package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
)

func newTestQueue(t *testing.T, cfg Config) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 100 * time.Millisecond
	}
	return NewRedisQueue(client, cfg, nil)
}

func newTask(id, symbol string, minute time.Time) *domain.VerificationTask {
	return &domain.VerificationTask{
		ID:          id,
		Kind:        domain.KindRealtime,
		Symbol:      symbol,
		Minute:      minute,
		SubmittedAt: time.Now(),
	}
}

func TestSubmitClaimAck(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))

	claimed, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", claimed.ID)
	assert.NotEmpty(t, token)

	require.NoError(t, q.Ack(ctx, token))

	// Acked task releases the dedup marker, so resubmission succeeds.
	require.NoError(t, q.Submit(ctx, newTask("t2", "005930", minute), false))
}

func TestClaimReturnsNoClaimOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t, Config{ClaimTimeout: 50 * time.Millisecond})

	_, _, err := q.Claim(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoClaim)
}

func TestSubmitDeduplicatesByNaturalKey(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	err := q.Submit(ctx, newTask("t2", "005930", minute), false)
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)

	// Still deduplicated while the first claim is in flight.
	_, _, err = q.Claim(ctx)
	require.NoError(t, err)
	err = q.Submit(ctx, newTask("t3", "005930", minute), false)
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestPriorityPreemptsNormal(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("n1", "005930", base), false))
	require.NoError(t, q.Submit(ctx, newTask("n2", "005930", base.Add(time.Minute)), false))
	require.NoError(t, q.Submit(ctx, newTask("p1", "000660", base), true))

	first, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", first.ID)
	require.NoError(t, q.Ack(ctx, token))

	second, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n1", second.ID)
	require.NoError(t, q.Ack(ctx, token))

	third, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n2", third.ID)
	require.NoError(t, q.Ack(ctx, token))
}

func TestSubmitQueueFull(t *testing.T) {
	q := newTestQueue(t, Config{SizeCap: 2})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", base), false))
	require.NoError(t, q.Submit(ctx, newTask("t2", "005930", base.Add(time.Minute)), false))

	err := q.Submit(ctx, newTask("t3", "005930", base.Add(2*time.Minute)), false)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestNackSchedulesRetryAndPromotes(t *testing.T) {
	q := newTestQueue(t, Config{RetryBackoffBase: time.Millisecond})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	_, token, err := q.Claim(ctx)
	require.NoError(t, err)

	deadLettered, err := q.Nack(ctx, token, "TRANSIENT")
	require.NoError(t, err)
	assert.False(t, deadLettered)

	// Not claimable until promoted out of the delayed set.
	_, _, err = q.Claim(ctx)
	require.ErrorIs(t, err, domain.ErrNoClaim)

	time.Sleep(10 * time.Millisecond)
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	retried, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", retried.ID)
	assert.Equal(t, 1, retried.Retry)
}

func TestNackDeadLettersAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 2, RetryBackoffBase: time.Millisecond})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))

	for i := 0; i < 2; i++ {
		_, token, err := q.Claim(ctx)
		require.NoError(t, err)
		deadLettered, err := q.Nack(ctx, token, "TRANSIENT")
		require.NoError(t, err)
		require.False(t, deadLettered)

		time.Sleep(10 * time.Millisecond)
		_, err = q.PromoteDue(ctx)
		require.NoError(t, err)
	}

	_, token, err := q.Claim(ctx)
	require.NoError(t, err)
	deadLettered, err := q.Nack(ctx, token, "TIMEOUT")
	require.NoError(t, err)
	assert.True(t, deadLettered)

	letters, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "t1", letters[0].Task.ID)
	assert.Equal(t, "TIMEOUT", letters[0].Reason)

	// Dead-lettering clears the dedup marker so the minute is submittable.
	require.NoError(t, q.Submit(ctx, newTask("t2", "005930", minute), false))
}

func TestNackDiscardSkipsRetries(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 3})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	_, token, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.NackDiscard(ctx, token, "CONTRACT"))

	letters, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "CONTRACT", letters[0].Reason)
}

func TestSweepReturnsStaleClaimToQueue(t *testing.T) {
	q := newTestQueue(t, Config{ClaimLease: time.Millisecond})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	_, _, err := q.Claim(ctx)
	require.NoError(t, err)

	// The claim token is gone with its worker: the minute is neither
	// claimable nor resubmittable, and promotion has nothing to move.
	err = q.Submit(ctx, newTask("t2", "005930", minute), false)
	require.ErrorIs(t, err, domain.ErrDuplicateTask)
	_, _, err = q.Claim(ctx)
	require.ErrorIs(t, err, domain.ErrNoClaim)
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Zero(t, promoted)

	time.Sleep(5 * time.Millisecond)
	swept, err := q.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	rescued, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", rescued.ID)

	// Dedup stays intact across the sweep until the task terminates.
	err = q.Submit(ctx, newTask("t3", "005930", minute), false)
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
	require.NoError(t, q.Ack(ctx, token))
}

func TestSweepKeepsPriorityClass(t *testing.T) {
	q := newTestQueue(t, Config{ClaimLease: time.Millisecond})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("p1", "005930", base), true))
	_, _, err := q.Claim(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = q.SweepStaleClaims(ctx)
	require.NoError(t, err)

	// A normal task submitted after the sweep must not outrank the
	// rescued priority task.
	require.NoError(t, q.Submit(ctx, newTask("n1", "000660", base), false))
	first, token, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", first.ID)
	require.NoError(t, q.Ack(ctx, token))
}

func TestSweepLeavesFreshClaimsAlone(t *testing.T) {
	q := newTestQueue(t, Config{ClaimLease: time.Hour})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	_, token, err := q.Claim(ctx)
	require.NoError(t, err)

	swept, err := q.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
	require.NoError(t, q.Ack(ctx, token))
}

func TestSweepRescuesHalfClaimedTask(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	// A claimer that died between popping the payload and registering the
	// claim leaves it stranded in the processing stage.
	task := newTask("t1", "005930", minute)
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, q.client.RPush(ctx, q.key(keyProcessing), payload).Err())

	// The first sweep only sights the payload, the second judges it dead.
	swept, err := q.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
	swept, err = q.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	rescued, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", rescued.ID)
}

func TestAckUnknownTokenFails(t *testing.T) {
	q := newTestQueue(t, Config{})
	err := q.Ack(context.Background(), "no-such-token")
	assert.Error(t, err)
}

func TestRequeueDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 1, RetryBackoffBase: time.Millisecond})
	ctx := context.Background()
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.Submit(ctx, newTask("t1", "005930", minute), false))
	_, token, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.NackDiscard(ctx, token, "CONTRACT"))

	moved, err := q.RequeueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	letters, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	task, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, 0, task.Retry)
}

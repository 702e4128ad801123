// Package queue hosts the verification task queue on Redis: two FIFO lists
// with strict priority preemption, a delayed-retry zset and a dead-letter
// list. Idempotency is a set of task natural-key hashes covering both the
// queued and the in-flight portions of a task's life.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
)

const (
	keyNormal     = ":queue:normal"
	keyPriority   = ":queue:priority"
	keyProcessing = ":queue:processing"
	keyDLQ        = ":queue:dlq"
	keyDelayed    = ":queue:delayed"
	keyPending    = ":pending"
	keyInflight   = ":inflight"
)

// claimPoll is the cadence at which an idle Claim re-checks both queues.
const claimPoll = 25 * time.Millisecond

// Config tunes the queue behaviour.
type Config struct {
	// Prefix namespaces every key; external collaborators depend on the
	// default "verify".
	Prefix string
	// SizeCap bounds the combined backlog of both active queues.
	SizeCap int64
	// MaxRetries before a nacked task is dead-lettered.
	MaxRetries int
	// RetryBackoffBase is the first retry delay; each further retry
	// doubles it.
	RetryBackoffBase time.Duration
	// ClaimTimeout is the polling window of a single Claim call.
	ClaimTimeout time.Duration
	// ClaimLease bounds how long a claim may stay unacked before the
	// sweeper returns it to its queue. Must exceed the longest task
	// deadline or in-progress work gets claimed twice.
	ClaimLease time.Duration
}

func (c *Config) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = "verify"
	}
	if c.SizeCap <= 0 {
		c.SizeCap = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 15 * time.Minute
	}
}

// RedisQueue implements domain.TaskQueue and domain.DeadLetterStore.
type RedisQueue struct {
	client  redis.UniversalClient
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	staging map[string]struct{}
}

func NewRedisQueue(client redis.UniversalClient, cfg Config, m *metrics.Metrics) *RedisQueue {
	cfg.withDefaults()
	return &RedisQueue{client: client, cfg: cfg, metrics: m, staging: make(map[string]struct{})}
}

func (q *RedisQueue) key(suffix string) string {
	return q.cfg.Prefix + suffix
}

// inflightEntry keeps the claimed payload addressable by token for ack/nack.
// Payload carries the original queue bytes so the sweeper can clear the
// staging slot and requeue without remarshalling.
type inflightEntry struct {
	Task      domain.VerificationTask `json:"task"`
	ClaimedAt time.Time               `json:"claimed_at"`
	Payload   string                  `json:"payload"`
}

// Submit pushes the task to the tail of the selected queue. Duplicates of a
// task already queued or in flight are dropped via the pending set.
func (q *RedisQueue) Submit(ctx context.Context, task *domain.VerificationTask, priority bool) error {
	depth, err := q.backlog(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}
	if depth >= q.cfg.SizeCap {
		return domain.ErrQueueFull
	}

	added, err := q.client.SAdd(ctx, q.key(keyPending), task.NaturalKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to register pending task: %w", err)
	}
	if added == 0 {
		if q.metrics != nil {
			q.metrics.TasksDuplicated.Inc()
		}
		return domain.ErrDuplicateTask
	}

	task.Priority = priority
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	target := q.key(keyNormal)
	if priority {
		target = q.key(keyPriority)
	}
	if err := q.client.RPush(ctx, target, payload).Err(); err != nil {
		// Roll the dedup marker back so a later submit is not blocked
		// by a task that never entered the queue.
		q.client.SRem(ctx, q.key(keyPending), task.NaturalKey())
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	if q.metrics != nil {
		q.metrics.TasksSubmitted.WithLabelValues(string(task.Kind)).Inc()
	}
	return nil
}

// Claim polls both queues, priority key first, which gives strict
// preemption across classes and FIFO within a class. The payload is staged
// through a processing list on its way into the in-flight hash, so a worker
// that dies between pop and claim registration leaves the task recoverable
// by the sweeper instead of lost.
func (q *RedisQueue) Claim(ctx context.Context) (*domain.VerificationTask, string, error) {
	deadline := time.Now().Add(q.cfg.ClaimTimeout)
	for {
		raw, err := q.pop(ctx)
		if err == redis.Nil {
			if !time.Now().Before(deadline) {
				return nil, "", domain.ErrNoClaim
			}
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(claimPoll):
			}
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to claim task: %w", err)
		}
		return q.register(ctx, raw)
	}
}

func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	raw, err := q.client.LMove(ctx, q.key(keyPriority), q.key(keyProcessing), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return q.client.LMove(ctx, q.key(keyNormal), q.key(keyProcessing), "LEFT", "RIGHT").Result()
	}
	return raw, err
}

func (q *RedisQueue) register(ctx context.Context, raw string) (*domain.VerificationTask, string, error) {
	var task domain.VerificationTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Poison payload; clear the staging slot so the sweeper does
		// not resurrect it.
		q.client.LRem(ctx, q.key(keyProcessing), 1, raw)
		return nil, "", fmt.Errorf("failed to unmarshal claimed task: %w", err)
	}

	token := uuid.NewString()
	entry, _ := json.Marshal(inflightEntry{Task: task, ClaimedAt: time.Now(), Payload: raw})
	if err := q.client.HSet(ctx, q.key(keyInflight), token, entry).Err(); err != nil {
		// The payload stays staged; the sweeper requeues it.
		return nil, "", fmt.Errorf("failed to record claim: %w", err)
	}
	q.client.LRem(ctx, q.key(keyProcessing), 1, raw)

	if q.metrics != nil {
		q.metrics.TasksClaimed.Inc()
	}
	return &task, token, nil
}

// Ack is terminal: the claim and the dedup marker both go away.
func (q *RedisQueue) Ack(ctx context.Context, token string) error {
	entry, err := q.takeInflight(ctx, token)
	if err != nil {
		return err
	}
	if err := q.client.SRem(ctx, q.key(keyPending), entry.Task.NaturalKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear pending marker: %w", err)
	}
	if q.metrics != nil {
		q.metrics.TasksAcked.Inc()
	}
	return nil
}

// Nack requeues with exponential backoff, or dead-letters once the retry
// budget is spent.
func (q *RedisQueue) Nack(ctx context.Context, token string, reason string) (bool, error) {
	entry, err := q.takeInflight(ctx, token)
	if err != nil {
		return false, err
	}

	task := entry.Task
	task.Retry++
	if q.metrics != nil {
		q.metrics.TasksNacked.WithLabelValues(reason).Inc()
	}

	if task.Retry > q.cfg.MaxRetries {
		if err := q.deadLetter(ctx, &task, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	payload, err := json.Marshal(&task)
	if err != nil {
		return false, fmt.Errorf("failed to marshal retried task: %w", err)
	}
	delay := q.cfg.RetryBackoffBase * time.Duration(math.Pow(2, float64(task.Retry-1)))
	readyAt := time.Now().Add(delay)
	if err := q.client.ZAdd(ctx, q.key(keyDelayed), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}

	logger.Debug(ctx, "task scheduled for retry",
		"task_id", task.ID, "retry", task.Retry, "delay", delay, "reason", reason)
	return false, nil
}

// NackDiscard dead-letters immediately. Contract violations take this path.
func (q *RedisQueue) NackDiscard(ctx context.Context, token string, reason string) error {
	entry, err := q.takeInflight(ctx, token)
	if err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.TasksNacked.WithLabelValues(reason).Inc()
	}
	return q.deadLetter(ctx, &entry.Task, reason)
}

func (q *RedisQueue) deadLetter(ctx context.Context, task *domain.VerificationTask, reason string) error {
	dl := domain.DeadLetter{Task: *task, Reason: reason, FailedAt: time.Now()}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key(keyDLQ), payload)
	pipe.SRem(ctx, q.key(keyPending), task.NaturalKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter task: %w", err)
	}

	if q.metrics != nil {
		q.metrics.DeadLetters.Inc()
	}
	logger.Warn(ctx, "task dead-lettered",
		"task_id", task.ID, "kind", task.Kind, "symbol", task.Symbol,
		"target", task.Target(), "reason", reason)
	return nil
}

func (q *RedisQueue) takeInflight(ctx context.Context, token string) (*inflightEntry, error) {
	raw, err := q.client.HGet(ctx, q.key(keyInflight), token).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("unknown claim token %s", token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claim: %w", err)
	}
	if err := q.client.HDel(ctx, q.key(keyInflight), token).Err(); err != nil {
		return nil, fmt.Errorf("failed to release claim: %w", err)
	}
	var entry inflightEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claim: %w", err)
	}
	return &entry, nil
}

func (q *RedisQueue) backlog(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	n := pipe.LLen(ctx, q.key(keyNormal))
	p := pipe.LLen(ctx, q.key(keyPriority))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n.Val() + p.Val(), nil
}

// PromoteDue moves delayed retries whose backoff has elapsed onto the
// normal queue tail. Returns the number promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.key(keyDelayed), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 128,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed tasks: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key(keyDelayed), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed task: %w", err)
		}
		if removed == 0 {
			// Another promoter won the race for this member.
			continue
		}
		if err := q.client.RPush(ctx, q.key(keyNormal), m).Err(); err != nil {
			return promoted, fmt.Errorf("failed to requeue delayed task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// SweepStaleClaims returns abandoned claims to their queue: in-flight
// entries older than the claim lease, and payloads stuck in the processing
// stage from a claimer that died before registering. Without the sweep a
// crashed worker's claim pins the pending marker forever and every later
// emission of that minute is dropped as a duplicate.
func (q *RedisQueue) SweepStaleClaims(ctx context.Context) (int, error) {
	swept, err := q.sweepInflight(ctx)
	if err != nil {
		return swept, err
	}
	orphaned, err := q.sweepProcessing(ctx)
	return swept + orphaned, err
}

func (q *RedisQueue) sweepInflight(ctx context.Context) (int, error) {
	entries, err := q.client.HGetAll(ctx, q.key(keyInflight)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan in-flight claims: %w", err)
	}

	cutoff := time.Now().Add(-q.cfg.ClaimLease)
	swept := 0
	for token, raw := range entries {
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.client.HDel(ctx, q.key(keyInflight), token)
			continue
		}
		if entry.ClaimedAt.After(cutoff) {
			continue
		}
		removed, err := q.client.HDel(ctx, q.key(keyInflight), token).Result()
		if err != nil {
			return swept, fmt.Errorf("failed to drop stale claim: %w", err)
		}
		if removed == 0 {
			// The worker finished between scan and delete.
			continue
		}
		// The claim may still be staged if the worker died before
		// clearing the processing slot.
		q.client.LRem(ctx, q.key(keyProcessing), 1, entry.Payload)
		if err := q.requeue(ctx, &entry.Task, entry.Payload); err != nil {
			return swept, err
		}
		swept++
		logger.Warn(ctx, "stale claim returned to queue",
			"task_id", entry.Task.ID, "symbol", entry.Task.Symbol,
			"claimed_at", entry.ClaimedAt)
	}
	return swept, nil
}

// sweepProcessing requeues processing-list payloads no claim references. A
// live Claim clears its staging slot within the same call, so a payload
// sighted on two consecutive sweeps with no in-flight entry belongs to a
// claimer that died mid-claim.
func (q *RedisQueue) sweepProcessing(ctx context.Context) (int, error) {
	items, err := q.client.LRange(ctx, q.key(keyProcessing), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing stage: %w", err)
	}

	registered := make(map[string]struct{})
	if len(items) > 0 {
		entries, err := q.client.HGetAll(ctx, q.key(keyInflight)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan in-flight claims: %w", err)
		}
		for _, raw := range entries {
			var entry inflightEntry
			if json.Unmarshal([]byte(raw), &entry) == nil {
				registered[entry.Payload] = struct{}{}
			}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	seen := q.staging
	q.staging = make(map[string]struct{})

	swept := 0
	for _, item := range items {
		if _, ok := registered[item]; ok {
			continue
		}
		if _, sighted := seen[item]; !sighted {
			// First sighting; give an in-progress Claim time to
			// register before judging it dead.
			q.staging[item] = struct{}{}
			continue
		}
		removed, err := q.client.LRem(ctx, q.key(keyProcessing), 1, item).Result()
		if err != nil {
			return swept, fmt.Errorf("failed to unstage orphaned task: %w", err)
		}
		if removed == 0 {
			continue
		}
		var task domain.VerificationTask
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		if err := q.requeue(ctx, &task, item); err != nil {
			return swept, err
		}
		swept++
		logger.Warn(ctx, "orphaned claim returned to queue",
			"task_id", task.ID, "symbol", task.Symbol)
	}
	return swept, nil
}

func (q *RedisQueue) requeue(ctx context.Context, task *domain.VerificationTask, payload string) error {
	target := q.key(keyNormal)
	if task.Priority {
		target = q.key(keyPriority)
	}
	if err := q.client.RPush(ctx, target, payload).Err(); err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
	}
	return nil
}

// RunPromoter drives PromoteDue and the stale-claim sweep on a fixed
// cadence until ctx is done. It also refreshes the queue depth gauges.
func (q *RedisQueue) RunPromoter(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "failed to promote delayed tasks", "error", err)
			}
			if _, err := q.SweepStaleClaims(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "failed to sweep stale claims", "error", err)
			}
			q.updateDepthGauges(ctx)
		}
	}
}

func (q *RedisQueue) updateDepthGauges(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	for _, suffix := range []string{keyNormal, keyPriority, keyDLQ} {
		depth, err := q.client.LLen(ctx, q.key(suffix)).Result()
		if err != nil {
			continue
		}
		q.metrics.QueueDepth.WithLabelValues(q.key(suffix)).Set(float64(depth))
	}
}

// ListDeadLetters returns up to limit most recent DLQ entries.
func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.key(keyDLQ), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]domain.DeadLetter, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw[i]), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// RequeueDeadLetters drains up to limit entries back onto the normal queue
// with their retry budget reset.
func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	moved := 0
	for moved < limit {
		raw, err := q.client.LPop(ctx, q.key(keyDLQ)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to pop dead letter: %w", err)
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return moved, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		task := dl.Task
		task.Retry = 0
		if err := q.Submit(ctx, &task, false); err != nil {
			if err == domain.ErrDuplicateTask {
				moved++
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

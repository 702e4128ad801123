package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
)

// Nack reasons surfaced to the queue and the DLQ.
const (
	reasonTimeout    = "TIMEOUT"
	reasonShutdown   = "SHUTDOWN"
	reasonContention = "CONTENTION"
)

// errMinuteBusy defers a task whose minute another worker is verifying.
var errMinuteBusy = errors.New("minute verification already in progress")

// MinuteLocker serializes verification of one minute across workers. Queue
// dedup is per (kind, symbol, minute), so a realtime and a manual task for
// the same minute can be claimed concurrently; the lock keeps their interim
// and terminal writes from interleaving.
type MinuteLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// WorkerConfig tunes the consumer side.
type WorkerConfig struct {
	Count            int
	RealtimeDeadline time.Duration
	DailyDeadline    time.Duration
	ReconnectBackoff time.Duration
}

func (c *WorkerConfig) withDefaults() {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.RealtimeDeadline <= 0 {
		c.RealtimeDeadline = 30 * time.Second
	}
	if c.DailyDeadline <= 0 {
		c.DailyDeadline = 10 * time.Minute
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
}

// Worker drains the verification queue. Instances hold no shared mutable
// state; all coordination runs through the queue and the stores, so any
// number of processes can run the same loop.
type Worker struct {
	queue     domain.TaskQueue
	candles   domain.CandleRepository
	results   domain.ResultRepository
	hub       domain.BrokerHub
	recovery  *RecoveryEngine
	publisher domain.ResultPublisher
	locker    MinuteLocker
	session   *Session
	tol       domain.Tolerances
	symbols   map[string]struct{}
	cfg       WorkerConfig
	metrics   *metrics.Metrics
}

func NewWorker(
	queue domain.TaskQueue,
	candles domain.CandleRepository,
	results domain.ResultRepository,
	hub domain.BrokerHub,
	recovery *RecoveryEngine,
	publisher domain.ResultPublisher,
	locker MinuteLocker,
	session *Session,
	tol domain.Tolerances,
	symbols []string,
	cfg WorkerConfig,
	m *metrics.Metrics,
) *Worker {
	cfg.withDefaults()
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return &Worker{
		queue:     queue,
		candles:   candles,
		results:   results,
		hub:       hub,
		recovery:  recovery,
		publisher: publisher,
		locker:    locker,
		session:   session,
		tol:       tol,
		symbols:   set,
		cfg:       cfg,
		metrics:   m,
	}
}

// Run blocks until ctx is cancelled, fanning out cfg.Count claim loops.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Count; i++ {
		id := i + 1
		g.Go(func() error {
			return w.runLoop(gctx, id)
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, id int) error {
	logger.Info(ctx, "worker started", "worker", id)
	for {
		if ctx.Err() != nil {
			logger.Info(ctx, "worker stopped", "worker", id)
			return ctx.Err()
		}

		task, token, err := w.queue.Claim(ctx)
		if errors.Is(err, domain.ErrNoClaim) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Queue unreachable: pause and retry, consuming nothing until
			// connectivity returns.
			logger.Error(ctx, "claim failed, pausing", "worker", id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.ReconnectBackoff):
			}
			continue
		}

		w.process(ctx, task, token)
	}
}

func (w *Worker) process(ctx context.Context, task *domain.VerificationTask, token string) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.VerifyDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := task.Validate(w.symbols); err != nil {
		logger.Warn(ctx, "malformed task discarded", "task_id", task.ID, "error", err)
		w.finalize(task, token, err)
		return
	}

	deadline := w.cfg.RealtimeDeadline
	if task.IsBatch() {
		deadline = w.cfg.DailyDeadline
	}
	tctx, cancel := context.WithTimeout(ctx, deadline)
	err := w.dispatch(tctx, task)
	cancel()

	w.finalize(task, token, err)
}

// finalize acks or nacks; terminal failures of single-minute tasks leave a
// FAILED/LOW result behind so the minute is never silently unexplained.
func (w *Worker) finalize(task *domain.VerificationTask, token string, err error) {
	// The claim must settle even when the run context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, token); ackErr != nil {
			logger.Error(ctx, "failed to ack task", "task_id", task.ID, "error", ackErr)
		}
		return
	}

	reason := nackReason(err)
	if domain.Classify(err) == domain.ClassContract {
		if nErr := w.queue.NackDiscard(ctx, token, reason); nErr != nil {
			logger.Error(ctx, "failed to discard task", "task_id", task.ID, "error", nErr)
		}
		return
	}

	deadLettered, nErr := w.queue.Nack(ctx, token, reason)
	if nErr != nil {
		logger.Error(ctx, "failed to nack task", "task_id", task.ID, "error", nErr)
		return
	}
	logger.Warn(ctx, "task nacked",
		"task_id", task.ID, "symbol", task.Symbol, "target", task.Target(),
		"reason", reason, "dead_lettered", deadLettered)

	if deadLettered && !task.IsBatch() {
		key := domain.NewMinuteKey(task.Symbol, task.Minute, w.session.Location())
		result := domain.NewResult(task.ID, key, domain.StatusFailed, domain.ConfidenceLow).
			WithMessage(fmt.Sprintf("retries exhausted: %s", reason))
		w.writeResult(ctx, result)
	}
}

func nackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	case errors.Is(err, context.Canceled):
		return reasonShutdown
	case errors.Is(err, domain.ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, errMinuteBusy):
		return reasonContention
	default:
		return domain.Classify(err).String()
	}
}

func (w *Worker) dispatch(ctx context.Context, task *domain.VerificationTask) error {
	if task.IsBatch() {
		return w.verifyDay(ctx, task)
	}
	key := domain.NewMinuteKey(task.Symbol, task.Minute, w.session.Location())
	return w.verifyMinute(ctx, task.ID, key)
}

// verifyMinute is the single-minute path shared by realtime, recovery and
// manual-minute tasks.
func (w *Worker) verifyMinute(ctx context.Context, taskID string, key domain.MinuteKey) error {
	unlock, err := w.lockMinute(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	candles, err := w.hub.MinuteCandlesRange(ctx, key.Symbol, key.Minute, key.Minute)
	if err != nil {
		return err
	}
	var auth *domain.Candle
	for _, c := range candles {
		if c.Key.Minute.Equal(key.Minute) {
			auth = c
			break
		}
	}

	result, err := w.verifyAgainst(ctx, taskID, key, auth)
	if err != nil {
		return err
	}
	return w.writeResult(ctx, result)
}

// lockMinute takes the cross-worker mutex for the minute. The TTL is a
// backstop for a worker that dies holding it; normal release is the
// returned func.
func (w *Worker) lockMinute(ctx context.Context, key domain.MinuteKey) (func(), error) {
	if w.locker == nil {
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("verify:lock:%s:%d", key.Symbol, key.Minute.UnixMilli())
	ok, err := w.locker.SetNX(ctx, lockKey, 1, w.cfg.RealtimeDeadline)
	if err != nil {
		return nil, fmt.Errorf("failed to take minute lock for %s: %w", key, err)
	}
	if !ok {
		return nil, errMinuteBusy
	}
	return func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.locker.Delete(dctx, lockKey); err != nil {
			logger.Warn(dctx, "failed to release minute lock", "key", lockKey, "error", err)
		}
	}, nil
}

// verifyAgainst compares the local aggregate with a prefetched authoritative
// candle and runs recovery when they disagree.
func (w *Worker) verifyAgainst(ctx context.Context, taskID string, key domain.MinuteKey, auth *domain.Candle) (*domain.VerificationResult, error) {
	local, err := w.candles.LocalMinute(ctx, key)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local = domain.ZeroCandle(key, domain.SourceLiveAgg)
	}

	if auth == nil {
		if local.IsZero() {
			return domain.NewResult(taskID, key, domain.StatusSkipped, domain.ConfidenceLow).
				WithMessage("no data on either side"), nil
		}
		// Local trading activity the provider cannot confirm: nothing
		// authoritative exists to verify or recover against.
		return domain.NewResult(taskID, key, domain.StatusTicksUnavailable, domain.ConfidenceLow).
			WithMessage(fmt.Sprintf("authoritative candle missing, local volume %s unverified", local.Volume)), nil
	}

	// A zero-volume authoritative minute with no local prints is a clean
	// pass; local prints against zero authoritative volume force recovery.
	if auth.Volume.IsZero() && local.Volume.IsZero() {
		return domain.NewResult(taskID, key, domain.StatusPass, domain.ConfidenceHigh).
			WithComparison(w.tol.Compare(local, auth)), nil
	}

	cmp := w.tol.Compare(local, auth)
	if cmp.Match() {
		return domain.NewResult(taskID, key, domain.StatusPass, domain.ConfidenceHigh).
			WithComparison(cmp), nil
	}

	// Leave the intermediate decision visible while recovery runs; the
	// terminal result overwrites it on the same key.
	interim := domain.NewResult(taskID, key, domain.StatusNeedsRecovery, domain.ConfidenceLow).
		WithComparison(cmp).
		WithMessage("mismatch detected, recovery started")
	if err := w.results.Upsert(ctx, interim); err != nil {
		return nil, err
	}

	return w.recovery.Recover(ctx, taskID, auth)
}

// verifyDay is the daily-batch path: one hub RPC for the session, then a
// local per-minute loop. A failing minute never aborts its siblings.
func (w *Worker) verifyDay(ctx context.Context, task *domain.VerificationTask) error {
	candles, err := w.hub.MinuteCandles(ctx, task.Symbol, task.Date)
	if err != nil {
		return err
	}

	byMinute := make(map[int64]*domain.Candle, len(candles))
	for _, c := range candles {
		byMinute[c.Key.Minute.UnixMilli()] = c
	}

	date, _ := time.ParseInLocation("2006-01-02", task.Date, w.session.Location())
	failed := 0
	for _, minute := range w.session.Minutes(date) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := domain.MinuteKey{Symbol: task.Symbol, Minute: minute}
		result, err := w.verifyAgainst(ctx, task.ID, key, byMinute[minute.UnixMilli()])
		if err != nil {
			failed++
			logger.Warn(ctx, "batch minute failed",
				"task_id", task.ID, "minute", key.String(), "error", err)
			fail := domain.NewResult(task.ID, key, domain.StatusFailed, domain.ConfidenceLow).
				WithMessage(fmt.Sprintf("batch verification failed: %v", err))
			w.writeResult(ctx, fail)
			continue
		}
		if err := w.writeResult(ctx, result); err != nil {
			failed++
		}
	}

	logger.Info(ctx, "daily batch finished",
		"task_id", task.ID, "symbol", task.Symbol, "date", task.Date,
		"minutes", len(byMinute), "failed", failed)
	return nil
}

func (w *Worker) writeResult(ctx context.Context, result *domain.VerificationResult) error {
	if err := w.results.Upsert(ctx, result); err != nil {
		logger.Error(ctx, "failed to write verification result",
			"task_id", result.TaskID, "minute", result.Key.String(), "error", err)
		return err
	}
	if w.metrics != nil {
		w.metrics.Verifications.WithLabelValues(result.Status.String()).Inc()
	}
	if w.publisher != nil {
		if err := w.publisher.Publish(ctx, result); err != nil {
			logger.Warn(ctx, "failed to publish result event",
				"task_id", result.TaskID, "minute", result.Key.String(), "error", err)
		}
	}
	return nil
}

package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
)

// SchedulerConfig tunes the producer side.
type SchedulerConfig struct {
	Grace         time.Duration
	DailyCron     string
	CatchupWindow time.Duration
}

func (c *SchedulerConfig) withDefaults() {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.DailyCron == "" {
		c.DailyCron = "10 16 * * 1-5"
	}
	if c.CatchupWindow <= 0 {
		c.CatchupWindow = 24 * time.Hour
	}
}

// Scheduler produces verification tasks: a realtime emission per symbol per
// closed session minute, a daily full-session batch after the close, and
// operator-submitted manual tasks. Watermarks make restarts emit only what
// was actually missed.
type Scheduler struct {
	queue      domain.TaskQueue
	watermarks domain.WatermarkRepository
	session    *Session
	symbols    []string
	cfg        SchedulerConfig
	metrics    *metrics.Metrics

	now func() time.Time
}

func NewScheduler(
	queue domain.TaskQueue,
	watermarks domain.WatermarkRepository,
	session *Session,
	symbols []string,
	cfg SchedulerConfig,
	m *metrics.Metrics,
) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		queue:      queue,
		watermarks: watermarks,
		session:    session,
		symbols:    symbols,
		cfg:        cfg,
		metrics:    m,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled. It catches up missed realtime minutes
// first, then alternates between the minute ticker and the daily cron.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.catchUp(ctx); err != nil {
		logger.Error(ctx, "realtime catch-up failed", "error", err)
	}

	c := cron.New(cron.WithLocation(s.session.Location()))
	if _, err := c.AddFunc(s.cfg.DailyCron, func() {
		s.emitDailyBatch(ctx)
	}); err != nil {
		return fmt.Errorf("failed to register daily cron %q: %w", s.cfg.DailyCron, err)
	}
	c.Start()
	defer c.Stop()

	for {
		// Wake at minute boundary plus grace, so the live aggregation for
		// the minute has settled before verification reads it.
		next := s.now().Truncate(time.Minute).Add(time.Minute + s.cfg.Grace)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		s.emitRealtime(ctx, s.session.PrevClosedMinute(s.now()))
	}
}

// emitRealtime submits one realtime task per symbol for the given closed
// minute, skipping minutes outside the session.
func (s *Scheduler) emitRealtime(ctx context.Context, minute time.Time) {
	if !s.session.Contains(minute) {
		return
	}
	for _, symbol := range s.symbols {
		task := &domain.VerificationTask{
			ID:          uuid.NewString(),
			Kind:        domain.KindRealtime,
			Symbol:      symbol,
			Minute:      minute,
			Priority:    true,
			SubmittedAt: s.now(),
		}
		// Realtime minutes are the latency-sensitive class.
		if !s.submit(ctx, task, true) {
			continue
		}
		s.advanceWatermark(ctx, symbol, domain.KindRealtime, minute)
	}
}

// emitDailyBatch submits one whole-session task per symbol for the trading
// day that just closed.
func (s *Scheduler) emitDailyBatch(ctx context.Context) {
	date := s.now().In(s.session.Location()).Format("2006-01-02")
	logger.Info(ctx, "emitting daily batch", "date", date, "symbols", len(s.symbols))
	for _, symbol := range s.symbols {
		task := &domain.VerificationTask{
			ID:          uuid.NewString(),
			Kind:        domain.KindDailyBatch,
			Symbol:      symbol,
			Date:        date,
			SubmittedAt: s.now(),
		}
		if !s.submit(ctx, task, false) {
			continue
		}
		day, _ := time.ParseInLocation("2006-01-02", date, s.session.Location())
		s.advanceWatermark(ctx, symbol, domain.KindDailyBatch, day)
	}
}

// catchUp re-emits realtime tasks for session minutes between the persisted
// watermark and now, capped to the catch-up window. Queue idempotency
// absorbs any overlap with tasks already in flight.
func (s *Scheduler) catchUp(ctx context.Context) error {
	last := s.session.PrevClosedMinute(s.now())
	floor := s.now().Add(-s.cfg.CatchupWindow)

	for _, symbol := range s.symbols {
		mark, err := s.watermarks.Get(ctx, symbol, domain.KindRealtime)
		if err != nil {
			return fmt.Errorf("failed to load watermark for %s: %w", symbol, err)
		}

		from := floor
		if mark != nil && mark.Target.After(floor) {
			from = mark.Target
		}

		emitted := 0
		for m := from.In(s.session.Location()).Truncate(time.Minute).Add(time.Minute); !m.After(last); m = m.Add(time.Minute) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !s.session.Contains(m) {
				continue
			}
			task := &domain.VerificationTask{
				ID:          uuid.NewString(),
				Kind:        domain.KindRealtime,
				Symbol:      symbol,
				Minute:      m,
				SubmittedAt: s.now(),
			}
			if !s.submit(ctx, task, false) {
				continue
			}
			s.advanceWatermark(ctx, symbol, domain.KindRealtime, m)
			emitted++
		}
		if emitted > 0 {
			logger.Info(ctx, "caught up missed minutes", "symbol", symbol, "count", emitted)
		}
	}
	return nil
}

// EmitManual submits operator-requested tasks onto the priority queue. One
// of minute and date is set; both empty is rejected upstream by the task
// contract. Returns the submitted tasks; duplicates are skipped silently.
func (s *Scheduler) EmitManual(ctx context.Context, symbols []string, minute time.Time, date string) ([]*domain.VerificationTask, error) {
	if len(symbols) == 0 {
		symbols = s.symbols
	}

	var submitted []*domain.VerificationTask
	for _, symbol := range symbols {
		task := &domain.VerificationTask{
			ID:          uuid.NewString(),
			Kind:        domain.KindManual,
			Symbol:      symbol,
			Minute:      minute,
			Date:        date,
			Priority:    true,
			SubmittedAt: s.now(),
		}
		err := s.queue.Submit(ctx, task, true)
		switch {
		case errors.Is(err, domain.ErrDuplicateTask):
			if s.metrics != nil {
				s.metrics.TasksDuplicated.Inc()
			}
			continue
		case err != nil:
			return submitted, err
		}
		if s.metrics != nil {
			s.metrics.TasksSubmitted.WithLabelValues(string(domain.KindManual)).Inc()
		}
		submitted = append(submitted, task)
	}
	return submitted, nil
}

// EmitRecovery submits a priority re-verification for a single minute. Used
// when requeueing dead letters or by downstream consumers that spot a hole.
func (s *Scheduler) EmitRecovery(ctx context.Context, symbol string, minute time.Time) (*domain.VerificationTask, error) {
	task := &domain.VerificationTask{
		ID:          uuid.NewString(),
		Kind:        domain.KindRecovery,
		Symbol:      symbol,
		Minute:      minute,
		Priority:    true,
		SubmittedAt: s.now(),
	}
	if err := s.queue.Submit(ctx, task, true); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TasksSubmitted.WithLabelValues(string(domain.KindRecovery)).Inc()
	}
	return task, nil
}

// submit handles the routine outcomes; only real failures are logged loud.
func (s *Scheduler) submit(ctx context.Context, task *domain.VerificationTask, priority bool) bool {
	err := s.queue.Submit(ctx, task, priority)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.TasksSubmitted.WithLabelValues(string(task.Kind)).Inc()
		}
		return true
	case errors.Is(err, domain.ErrDuplicateTask):
		if s.metrics != nil {
			s.metrics.TasksDuplicated.Inc()
		}
		logger.Debug(ctx, "duplicate emission dropped",
			"symbol", task.Symbol, "kind", task.Kind, "target", task.Target())
		// Another producer already owns the minute; the watermark still
		// advances past it.
		return true
	case errors.Is(err, domain.ErrQueueFull):
		logger.Warn(ctx, "queue full, emission dropped",
			"symbol", task.Symbol, "kind", task.Kind, "target", task.Target())
		return false
	default:
		logger.Error(ctx, "failed to submit task",
			"symbol", task.Symbol, "kind", task.Kind, "target", task.Target(), "error", err)
		return false
	}
}

func (s *Scheduler) advanceWatermark(ctx context.Context, symbol string, kind domain.TaskKind, target time.Time) {
	mark := &domain.Watermark{Symbol: symbol, Kind: kind, Target: target, UpdatedAt: s.now()}
	if err := s.watermarks.Set(ctx, mark); err != nil {
		logger.Error(ctx, "failed to persist watermark",
			"symbol", symbol, "kind", kind, "error", err)
	}
}

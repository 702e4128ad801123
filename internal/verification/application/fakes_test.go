package application

import (
	"context"
	"sync"
	"time"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
)

// In-memory doubles for the domain ports. Everything is mutex-guarded so
// the worker fan-out tests can share them.

type fakeQueue struct {
	mu        sync.Mutex
	submitted []*domain.VerificationTask
	submitErr error
	acked     []string
	nacked    []string
	reasons   []string
	discarded []string
	// deadLetterOnNack makes the next Nack report a dead-lettered task.
	deadLetterOnNack bool
}

func (q *fakeQueue) Submit(ctx context.Context, task *domain.VerificationTask, priority bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitErr != nil {
		return q.submitErr
	}
	for _, existing := range q.submitted {
		if existing.NaturalKey() == task.NaturalKey() {
			return domain.ErrDuplicateTask
		}
	}
	task.Priority = priority
	q.submitted = append(q.submitted, task)
	return nil
}

func (q *fakeQueue) Claim(ctx context.Context) (*domain.VerificationTask, string, error) {
	return nil, "", domain.ErrNoClaim
}

func (q *fakeQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, token)
	return nil
}

func (q *fakeQueue) Nack(ctx context.Context, token string, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, token)
	q.reasons = append(q.reasons, reason)
	return q.deadLetterOnNack, nil
}

func (q *fakeQueue) NackDiscard(ctx context.Context, token string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded = append(q.discarded, token)
	q.reasons = append(q.reasons, reason)
	return nil
}

type fakeHub struct {
	mu        sync.Mutex
	ranged    map[int64][]*domain.Candle
	daily     map[string][]*domain.Candle
	ticks     map[int64][]domain.Tick
	tickErrs  map[int64]error
	rangeErr  error
	dailyErr  error
	tickCalls int
}

func (h *fakeHub) MinuteCandles(ctx context.Context, symbol, date string) ([]*domain.Candle, error) {
	if h.dailyErr != nil {
		return nil, h.dailyErr
	}
	return h.daily[date], nil
}

func (h *fakeHub) MinuteCandlesRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.Candle, error) {
	if h.rangeErr != nil {
		return nil, h.rangeErr
	}
	return h.ranged[from.UnixMilli()], nil
}

func (h *fakeHub) Ticks(ctx context.Context, symbol string, minute time.Time) ([]domain.Tick, error) {
	h.mu.Lock()
	h.tickCalls++
	h.mu.Unlock()
	if err := h.tickErrs[minute.UnixMilli()]; err != nil {
		return nil, err
	}
	return h.ticks[minute.UnixMilli()], nil
}

// fakeCandleRepo serves LocalMinute from a per-key queue of reads, so a
// test can model the aggregate changing after a refresh.
type fakeCandleRepo struct {
	mu         sync.Mutex
	locals     map[string][]*domain.Candle
	reconciled []*domain.Candle
	localErr   error
}

func (r *fakeCandleRepo) LocalMinute(ctx context.Context, key domain.MinuteKey) (*domain.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localErr != nil {
		return nil, r.localErr
	}
	reads := r.locals[key.String()]
	if len(reads) == 0 {
		return nil, nil
	}
	head := reads[0]
	if len(reads) > 1 {
		r.locals[key.String()] = reads[1:]
	}
	return head, nil
}

func (r *fakeCandleRepo) UpsertReconciled(ctx context.Context, candle *domain.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled = append(r.reconciled, candle)
	return nil
}

type fakeTickRepo struct {
	mu      sync.Mutex
	batches [][]domain.Tick
}

func (r *fakeTickRepo) UpsertBatch(ctx context.Context, ticks []domain.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ticks)
	return nil
}

type refreshCall struct {
	symbol   string
	from, to time.Time
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []refreshCall
	err   error
}

func (r *fakeRefresher) Refresh(ctx context.Context, symbol string, from, to time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, refreshCall{symbol: symbol, from: from, to: to})
	return r.err
}

// fakeResults keeps the full upsert history per key so tests can assert on
// intermediate statuses.
type fakeResults struct {
	mu      sync.Mutex
	history map[string][]*domain.VerificationResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{history: make(map[string][]*domain.VerificationResult)}
}

func (r *fakeResults) Upsert(ctx context.Context, result *domain.VerificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[result.Key.String()] = append(r.history[result.Key.String()], result)
	return nil
}

func (r *fakeResults) GetByMinute(ctx context.Context, key domain.MinuteKey) (*domain.VerificationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[key.String()]
	if len(h) == 0 {
		return nil, nil
	}
	return h[len(h)-1], nil
}

func (r *fakeResults) Recent(ctx context.Context, limit int) ([]*domain.VerificationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.VerificationResult
	for _, h := range r.history {
		out = append(out, h[len(h)-1])
	}
	return out, nil
}

func (r *fakeResults) latest(key domain.MinuteKey) *domain.VerificationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[key.String()]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

func (r *fakeResults) statuses(key domain.MinuteKey) []domain.ResultStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ResultStatus
	for _, res := range r.history[key.String()] {
		out = append(out, res.Status)
	}
	return out
}

type fakeWatermarks struct {
	mu    sync.Mutex
	marks map[string]*domain.Watermark
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{marks: make(map[string]*domain.Watermark)}
}

func (w *fakeWatermarks) Get(ctx context.Context, symbol string, kind domain.TaskKind) (*domain.Watermark, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[symbol+"|"+string(kind)], nil
}

func (w *fakeWatermarks) Set(ctx context.Context, mark *domain.Watermark) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks[mark.Symbol+"|"+string(mark.Kind)] = mark
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
	busy bool
}

func (l *fakeLocker) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false, nil
	}
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = struct{}{}
	return true, nil
}

func (l *fakeLocker) Delete(ctx context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
	return nil
}

func (l *fakeLocker) holding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.VerificationResult
}

func (p *fakePublisher) Publish(ctx context.Context, result *domain.VerificationResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, result)
	return nil
}

// Package brokerhub talks to the external broker request hub. The hub
// consumes typed request records from a Redis list and answers on a
// per-request reply key; global provider rate limits are the hub's
// business, but a local redis_rate budget keeps a burst of workers from
// slamming it in the first place.
package brokerhub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/metrics"
	"github.com/wyfcoding/marketverify/pkg/ratelimit"
)

const (
	opMinuteCandles      = "minute-candles"
	opMinuteCandlesRange = "minute-candles-range"
	opTicks              = "ticks"

	statusSuccess     = "SUCCESS"
	statusFail        = "FAIL"
	statusRateLimited = "RATE_LIMITED"

	requestKey     = "hub:requests"
	responsePrefix = "hub:responses:"
)

// Config for the hub gateway.
type Config struct {
	Provider       string
	RequestTimeout time.Duration
	// Local request budget; zero Rate disables the pre-check.
	RateLimit ratelimit.Limit
}

// Client implements domain.BrokerHub over Redis lists.
type Client struct {
	client  redis.UniversalClient
	limiter ratelimit.RateLimiter
	cfg     Config
	loc     *time.Location
	metrics *metrics.Metrics
}

func NewClient(rdb redis.UniversalClient, limiter ratelimit.RateLimiter, cfg Config, loc *time.Location, m *metrics.Metrics) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NopLimiter{}
	}
	return &Client{client: rdb, limiter: limiter, cfg: cfg, loc: loc, metrics: m}
}

type hubRequest struct {
	TaskID    string            `json:"task_id"`
	Provider  string            `json:"provider"`
	Operation string            `json:"operation"`
	Params    map[string]string `json:"params"`
}

type hubResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type wireCandle struct {
	Minute int64           `json:"minute"` // epoch millis of the minute open
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume decimal.Decimal `json:"v"`
}

type wireTick struct {
	EventTs     int64           `json:"event_ts"` // epoch micros
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// MinuteCandles fetches the full session of one-minute candles for a date.
func (c *Client) MinuteCandles(ctx context.Context, symbol, date string) ([]*domain.Candle, error) {
	data, err := c.call(ctx, opMinuteCandles, map[string]string{
		"symbol": symbol,
		"date":   date,
	})
	if err != nil {
		return nil, err
	}
	return c.decodeCandles(symbol, data)
}

// MinuteCandlesRange fetches candles between two minutes inclusive.
func (c *Client) MinuteCandlesRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.Candle, error) {
	data, err := c.call(ctx, opMinuteCandlesRange, map[string]string{
		"symbol": symbol,
		"start":  fmt.Sprintf("%d", from.UnixMilli()),
		"end":    fmt.Sprintf("%d", to.UnixMilli()),
	})
	if err != nil {
		return nil, err
	}
	return c.decodeCandles(symbol, data)
}

// Ticks fetches the authoritative per-tick history for a minute.
func (c *Client) Ticks(ctx context.Context, symbol string, minute time.Time) ([]domain.Tick, error) {
	data, err := c.call(ctx, opTicks, map[string]string{
		"symbol": symbol,
		"minute": fmt.Sprintf("%d", minute.UnixMilli()),
	})
	if err != nil {
		return nil, err
	}

	var wire []wireTick
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode tick response: %w", err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("%w: %s at %d", domain.ErrEmptyTicks, symbol, minute.UnixMilli())
	}
	ticks := make([]domain.Tick, 0, len(wire))
	for _, w := range wire {
		ticks = append(ticks, domain.Tick{
			Symbol:      symbol,
			At:          time.UnixMicro(w.EventTs).In(c.loc),
			Price:       w.Price,
			Volume:      w.Volume,
			ExecutionID: w.ExecutionID,
			Source:      domain.SourceRestPrimary,
		})
	}
	return ticks, nil
}

func (c *Client) decodeCandles(symbol string, data json.RawMessage) ([]*domain.Candle, error) {
	var wire []wireCandle
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode candle response: %w", err)
	}
	candles := make([]*domain.Candle, 0, len(wire))
	for _, w := range wire {
		key := domain.NewMinuteKey(symbol, time.UnixMilli(w.Minute), c.loc)
		candles = append(candles, domain.NewCandle(key, w.Open, w.High, w.Low, w.Close, w.Volume, domain.SourceRestPrimary))
	}
	return candles, nil
}

// call sends one typed request and blocks for its reply.
func (c *Client) call(ctx context.Context, operation string, params map[string]string) (json.RawMessage, error) {
	if c.cfg.RateLimit.Rate > 0 {
		res, err := c.limiter.Allow(ctx, "hub:"+c.cfg.Provider, c.cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to check hub rate budget: %w", err)
		}
		if !res.Allowed {
			if c.metrics != nil {
				c.metrics.HubRateLimits.Inc()
			}
			return nil, fmt.Errorf("%w: local budget exhausted, retry after %s", domain.ErrRateLimited, res.RetryAfter)
		}
	}

	req := hubRequest{
		TaskID:    uuid.NewString(),
		Provider:  c.cfg.Provider,
		Operation: operation,
		Params:    params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hub request: %w", err)
	}

	start := time.Now()
	if err := c.client.RPush(ctx, requestKey, payload).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %v", domain.ErrHubUnavailable, err)
	}

	vals, err := c.client.BLPop(ctx, c.cfg.RequestTimeout, responsePrefix+req.TaskID).Result()
	if c.metrics != nil {
		c.metrics.HubDuration.Observe(time.Since(start).Seconds())
	}
	if err == redis.Nil {
		c.observe(operation, "timeout")
		return nil, fmt.Errorf("%w: %s timed out after %s", domain.ErrHubUnavailable, operation, c.cfg.RequestTimeout)
	}
	if err != nil {
		c.observe(operation, "error")
		return nil, fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
	}

	var resp hubResponse
	if err := json.Unmarshal([]byte(vals[1]), &resp); err != nil {
		c.observe(operation, "error")
		return nil, fmt.Errorf("failed to decode hub response: %w", err)
	}

	switch resp.Status {
	case statusSuccess:
		c.observe(operation, "success")
		return resp.Data, nil
	case statusRateLimited:
		c.observe(operation, "rate_limited")
		if c.metrics != nil {
			c.metrics.HubRateLimits.Inc()
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, resp.Reason)
	default:
		c.observe(operation, "fail")
		return nil, fmt.Errorf("%w: %s", domain.ErrHubUnavailable, resp.Reason)
	}
}

func (c *Client) observe(operation, status string) {
	if c.metrics != nil {
		c.metrics.HubRequests.WithLabelValues(operation, status).Inc()
	}
}

// Package metrics 提供 Prometheus 指标，覆盖队列、校验与恢复全链路
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/marketverify/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 队列指标
	TasksSubmitted  *prometheus.CounterVec
	TasksDuplicated prometheus.Counter
	TasksClaimed    prometheus.Counter
	TasksAcked      prometheus.Counter
	TasksNacked     *prometheus.CounterVec
	DeadLetters     prometheus.Counter
	QueueDepth      *prometheus.GaugeVec

	// 校验指标
	Verifications  *prometheus.CounterVec
	Recoveries     *prometheus.CounterVec
	VerifyDuration prometheus.Histogram

	// Hub 指标
	HubRequests   *prometheus.CounterVec
	HubDuration   prometheus.Histogram
	HubRateLimits prometheus.Counter

	// 聚合刷新指标
	RefreshFailures prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "tasks_submitted_total",
			Help:      "Verification tasks submitted, by kind",
		}, []string{"kind"}),
		TasksDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "tasks_duplicated_total",
			Help:      "Submissions dropped by queue idempotency",
		}),
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed by workers",
		}),
		TasksAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "tasks_acked_total",
			Help:      "Tasks completed and acknowledged",
		}),
		TasksNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "tasks_nacked_total",
			Help:      "Tasks negatively acknowledged, by reason",
		}, []string{"reason"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "dead_letters_total",
			Help:      "Tasks routed to the dead-letter queue",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "queue_depth",
			Help:      "Current queue backlog, by queue",
		}, []string{"queue"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "verifications_total",
			Help:      "Verification results written, by status",
		}, []string{"status"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "recoveries_total",
			Help:      "Recovery attempts, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "verify_duration_seconds",
			Help:      "Time spent handling a verification task",
			Buckets:   prometheus.DefBuckets,
		}),
		HubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "hub_requests_total",
			Help:      "Broker hub RPCs, by operation and status",
		}, []string{"operation", "status"}),
		HubDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "hub_request_duration_seconds",
			Help:      "Broker hub RPC latency",
			Buckets:   prometheus.DefBuckets,
		}),
		HubRateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "hub_rate_limits_total",
			Help:      "RATE_LIMITED responses from the broker hub",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketverify",
			Subsystem: serviceName,
			Name:      "refresh_failures_total",
			Help:      "Continuous aggregate refreshes that exhausted retries",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.TasksSubmitted,
		m.TasksDuplicated,
		m.TasksClaimed,
		m.TasksAcked,
		m.TasksNacked,
		m.DeadLetters,
		m.QueueDepth,
		m.Verifications,
		m.Recoveries,
		m.VerifyDuration,
		m.HubRequests,
		m.HubDuration,
		m.HubRateLimits,
		m.RefreshFailures,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "metrics server stopped", "error", err)
		}
	}()
}

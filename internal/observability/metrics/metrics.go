// Package metrics 基于 Prometheus client_golang 暴露运行时指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "agentchain"

// Collector 汇总 HTTP、任务、能力调用与网关指标。所有方法对 nil 接收者安全。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	tasksActive    prometheus.Gauge
	taskSteps      *prometheus.HistogramVec

	capabilityAttempts *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
}

// NewCollector 在私有 Registry 上创建收集器，避免与全局默认注册表冲突。
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		tasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks admitted by the engine.",
		}, []string{"agent"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status.",
		}, []string{"agent", "status", "code"}),
		tasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of tasks holding an admission slot.",
		}),
		taskSteps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_steps",
			Help:      "Reasoning steps consumed per terminal task.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"agent"}),
		capabilityAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_attempts_total",
			Help:      "Capability invocation attempts by outcome.",
		}, []string{"capability", "outcome"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Model gateway call duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent", "outcome"}),
		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens reported by the model gateway.",
		}, []string{"agent", "type"}),
	}
}

// Registry 返回底层注册表，便于测试或额外注册指标。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// TaskSubmitted 记录一次成功准入。
func (c *Collector) TaskSubmitted(agent string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(agent).Inc()
	c.tasksActive.Inc()
}

// TaskFinished 记录任务进入终态，code 为空表示成功。
func (c *Collector) TaskFinished(agent, status, code string, steps int, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(agent, status, code).Inc()
	c.tasksActive.Dec()
	c.taskSteps.WithLabelValues(agent).Observe(float64(steps))
	if inputTokens > 0 {
		c.tokensUsed.WithLabelValues(agent, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		c.tokensUsed.WithLabelValues(agent, "output").Add(float64(outputTokens))
	}
}

// CapabilityAttempt 记录一次能力调用尝试，outcome 取 success、transient、failure 之一。
func (c *Collector) CapabilityAttempt(capability, outcome string) {
	if c == nil {
		return
	}
	c.capabilityAttempts.WithLabelValues(capability, outcome).Inc()
}

// GatewayCall 记录一次模型网关调用耗时。
func (c *Collector) GatewayCall(agent string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.gatewayLatency.WithLabelValues(agent, outcome).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

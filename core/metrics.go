package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "relay"

// Metrics 网关指标
// 所有记录方法对 nil 接收者安全，测试中可直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	attemptsTotal     *prometheus.CounterVec
	tokenReportsTotal *prometheus.CounterVec
	hostFailuresTotal *prometheus.CounterVec
	streamFramesTotal *prometheus.CounterVec
	upstreamLatency   *prometheus.HistogramVec
}

// NewMetrics 创建指标并注册到私有 Registry
// 池相关的 Gauge 在抓取时直接读取池状态
func NewMetrics(pool *Pool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Inbound requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attempts_total",
				Help:      "Upstream attempts by interface and outcome",
			},
			[]string{"interface", "outcome"},
		),
		tokenReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_reports_total",
				Help:      "Outcome reports delivered to the credential pool",
			},
			[]string{"result"},
		),
		hostFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_host_failures_total",
				Help:      "Transport failures per upstream host",
			},
			[]string{"host"},
		),
		streamFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_frames_total",
				Help:      "Frames written to streaming clients by kind",
			},
			[]string{"kind"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_latency_seconds",
				Help:      "Time until upstream response headers arrive",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"interface"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.attemptsTotal,
		m.tokenReportsTotal,
		m.hostFailuresTotal,
		m.streamFramesTotal,
		m.upstreamLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if pool != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Credentials held by the pool",
			}, func() float64 { return float64(pool.Len()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_disabled",
				Help:      "Credentials currently cooling down",
			}, func() float64 { return float64(pool.DisabledCount()) }),
		)
	}
	return m
}

// Handler Prometheus 抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (m *Metrics) RecordRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RecordAttempt(iface, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(iface, outcome).Inc()
	if latency > 0 {
		m.upstreamLatency.WithLabelValues(iface).Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordTokenReport(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.tokenReportsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHostFailure(host string) {
	if m == nil {
		return
	}
	m.hostFailuresTotal.WithLabelValues(host).Inc()
}

func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.streamFramesTotal.WithLabelValues(kind).Inc()
}

// Package metrics owns the Prometheus registry. It implements the observer
// interfaces of the rate sampler, the governor and the ops listener.
package metrics

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/txkillswitch/internal/version"
)

const namespace = "txks"

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// governor
	rate               prometheus.Gauge
	rateLimit          prometheus.Gauge
	breached           prometheus.Gauge
	ticksTotal         prometheus.Counter
	lastTick           prometheus.Gauge
	transitionsTotal   *prometheus.CounterVec
	controllerTotal    *prometheus.CounterVec
	controllerDuration *prometheus.HistogramVec
	sampleFailures     *prometheus.CounterVec
	reportsTotal       prometheus.Counter

	// ops listener
	inflight             prometheus.Gauge
	reqTotal             *prometheus.CounterVec
	reqDur               *prometheus.HistogramVec
	ratelimitDeniedTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors and every
// txkillswitch metric registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_bytes_per_second",
			Help:      "Average interface throughput since boot measured on the last tick",
		}),
		rateLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_bytes_per_second",
			Help:      "Configured breach threshold",
		}),
		breached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breached",
			Help:      "Whether the last tick was over the limit (1) or not (0)",
		}),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total governor ticks",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix timestamp of the last governor tick",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Breach state transitions by target state",
		}, []string{"to"}),
		controllerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_invocations_total",
			Help:      "Service controller invocations by action and result",
		}, []string{"action", "result"}),
		controllerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "controller_duration_seconds",
			Help:      "Time spent in the service controller",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action"}),
		sampleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_failures_total",
			Help:      "Rate samples replaced by the breach sentinel, by source and operation",
		}, []string{"reason"}),
		reportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Current rate lines printed",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight ops HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total ops requests rejected by the rate limiter",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.rate,
		m.rateLimit,
		m.breached,
		m.ticksTotal,
		m.lastTick,
		m.transitionsTotal,
		m.controllerTotal,
		m.controllerDuration,
		m.sampleFailures,
		m.reportsTotal,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.ratelimitDeniedTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *Metrics) SetRateLimit(limit uint64) {
	m.rateLimit.Set(float64(limit))
}

// ObserveTick records the outcome of one governor tick. The breach sentinel
// is exported as +Inf.
func (m *Metrics) ObserveTick(rate uint64, breached bool, at time.Time) {
	m.ticksTotal.Inc()
	if rate == math.MaxUint64 {
		m.rate.Set(math.Inf(1))
	} else {
		m.rate.Set(float64(rate))
	}
	m.breached.Set(boolGauge(breached))
	m.lastTick.Set(float64(at.Unix()))
}

func (m *Metrics) IncStateTransition(breached bool) {
	to := "compliant"
	if breached {
		to = "breaching"
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveControllerRun(action string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.controllerTotal.WithLabelValues(action, result).Inc()
	m.controllerDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) IncReports() {
	m.reportsTotal.Inc()
}

func (m *Metrics) IncSampleFailure(reason string) {
	m.sampleFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *Metrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

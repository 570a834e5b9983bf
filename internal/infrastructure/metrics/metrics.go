package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "price_alert"

// Tick 結果標籤。
const (
	TickCompleted    = "completed"
	TickSkipped      = "skipped"
	TickAborted      = "aborted"
	TickProviderDown = "provider_down"
	TickEmpty        = "empty"
)

// Monitor 收集監控管線的 Prometheus 指標。所有方法在 nil receiver 上皆為 no-op。
type Monitor struct {
	registry     *prometheus.Registry
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	fetchErrors  *prometheus.CounterVec
	cache        *prometheus.CounterVec
	decisions    prometheus.Counter
	markFired    *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	attempts     *prometheus.CounterVec
}

// New 建立並註冊於獨立 registry 的指標集合。
func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Poll ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of executed poll ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Per-symbol price fetch failures by kind.",
		}, []string{"kind"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_cache_lookups_total",
			Help:      "Snapshot cache lookups by result.",
		}, []string{"result"}),
		decisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firing_decisions_total",
			Help:      "Firing decisions produced by evaluation.",
		}),
		markFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_fired_total",
			Help:      "Store state transitions by result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Notification outcomes by result.",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by channel.",
		}, []string{"channel"}),
	}
	m.registry.MustRegister(
		m.ticks, m.tickDuration, m.fetchErrors, m.cache,
		m.decisions, m.markFired, m.dispatches, m.attempts,
	)
	return m
}

// Handler 回傳 /metrics handler。
func (m *Monitor) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) TickFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	if result != TickSkipped {
		m.tickDuration.Observe(elapsed.Seconds())
	}
}

func (m *Monitor) FetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Monitor) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Monitor) Decisions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.decisions.Add(float64(n))
}

func (m *Monitor) MarkFired(result string) {
	if m == nil {
		return
	}
	m.markFired.WithLabelValues(result).Inc()
}

func (m *Monitor) Dispatched(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Monitor) DeliveryAttempt(channel string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(channel).Inc()
}

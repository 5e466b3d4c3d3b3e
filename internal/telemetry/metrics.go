package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for thinker, sandbox and event
// stream activity. All methods are nil-safe so callers can run without a
// metrics sink.
type Metrics struct {
	thinkerRequests *prometheus.CounterVec
	thinkerRetries  prometheus.Counter
	thinkerTokens   *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	breakerState    prometheus.Gauge
	actionDuration  *prometheus.HistogramVec
	agentsActive    prometheus.Gauge
	events          *prometheus.CounterVec
	findings        *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level instance registered with the
// global registry. Collectors are created once so repeated runtime
// construction (tests, embedded use) cannot double-register.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs collectors on the given registerer, reusing any
// collector that is already registered under the same name. Registration
// errors other than duplication panic, surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		thinkerRequests: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "thinker",
				Name:      "requests_total",
				Help:      "Thinker requests by model and outcome.",
			},
			[]string{"model", "outcome"},
		)),
		thinkerRetries: mustRegister(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "thinker",
				Name:      "retries_total",
				Help:      "Thinker request retries after transient failures.",
			},
		)),
		thinkerTokens: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "thinker",
				Name:      "tokens_total",
				Help:      "Tokens consumed by direction (input, output, cached).",
			},
			[]string{"direction"},
		)),
		cacheEvents: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "thinker",
				Name:      "cache_events_total",
				Help:      "Response cache hits, misses and evictions.",
			},
			[]string{"result"},
		)),
		breakerState: mustRegister(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strix",
				Subsystem: "thinker",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
		)),
		actionDuration: mustRegister(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "strix",
				Subsystem: "sandbox",
				Name:      "action_duration_seconds",
				Help:      "Wall time of dispatched actions by action and status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action", "status"},
		)),
		agentsActive: mustRegister(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strix",
				Subsystem: "runtime",
				Name:      "agents_active",
				Help:      "Agents currently in a non-terminal status.",
			},
		)),
		events: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "runtime",
				Name:      "events_total",
				Help:      "Tracer events by kind.",
			},
			[]string{"kind"},
		)),
		findings: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strix",
				Subsystem: "runtime",
				Name:      "findings_total",
				Help:      "Recorded findings by severity.",
			},
			[]string{"severity"},
		)),
	}
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// ObserveThinkerRequest records one thinker call outcome: success, failure
// or cache_hit.
func (m *Metrics) ObserveThinkerRequest(model, outcome string) {
	if m == nil || m.thinkerRequests == nil {
		return
	}
	m.thinkerRequests.WithLabelValues(model, outcome).Inc()
}

// IncThinkerRetry counts one retried thinker call.
func (m *Metrics) IncThinkerRetry() {
	if m == nil || m.thinkerRetries == nil {
		return
	}
	m.thinkerRetries.Inc()
}

// AddTokens accumulates token usage for a direction.
func (m *Metrics) AddTokens(direction string, n int) {
	if m == nil || m.thinkerTokens == nil || n <= 0 {
		return
	}
	m.thinkerTokens.WithLabelValues(direction).Add(float64(n))
}

// ObserveCacheEvent counts a response cache hit, miss or eviction.
func (m *Metrics) ObserveCacheEvent(result string) {
	if m == nil || m.cacheEvents == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}

// SetBreakerState publishes the thinker circuit breaker state.
func (m *Metrics) SetBreakerState(state float64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Set(state)
}

// ObserveAction records a dispatched action's duration and status.
func (m *Metrics) ObserveAction(action, status string, d time.Duration) {
	if m == nil || m.actionDuration == nil {
		return
	}
	m.actionDuration.WithLabelValues(action, status).Observe(d.Seconds())
}

// IncActiveAgents marks one more agent running.
func (m *Metrics) IncActiveAgents() {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Inc()
}

// DecActiveAgents marks one agent as terminal.
func (m *Metrics) DecActiveAgents() {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Dec()
}

// ObserveEvent counts one tracer event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveFinding counts one recorded finding.
func (m *Metrics) ObserveFinding(severity string) {
	if m == nil || m.findings == nil {
		return
	}
	m.findings.WithLabelValues(severity).Inc()
}

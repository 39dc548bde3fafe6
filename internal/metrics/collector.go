package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "glaze_autotiler"

// Collector aggregates counters for the tiling pipeline. Every record call
// feeds both an in-process snapshot (served over the control socket) and a
// Prometheus registry (served over HTTP).
type Collector struct {
	mu         sync.RWMutex
	started    time.Time
	totals     Totals
	strategies map[string]*StrategyMetrics

	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	echoes      prometheus.Counter
	recomputes  *prometheus.CounterVec
	recomputeMs *prometheus.HistogramVec
	commands    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	reconnects  prometheus.Counter
	resyncs     prometheus.Counter
	windows     prometheus.Gauge
}

// StrategyMetrics captures per-strategy counters tracked by the collector.
type StrategyMetrics struct {
	Strategy       string        `json:"strategy"`
	Recomputes     uint64        `json:"recomputes"`
	Rejections     uint64        `json:"rejections"`
	LastDuration   time.Duration `json:"lastDuration"`
	LastRecomputed time.Time     `json:"lastRecomputed,omitempty"`
	LastRejected   time.Time     `json:"lastRejected,omitempty"`
}

// Totals aggregates pipeline counters in a snapshot.
type Totals struct {
	Events           uint64 `json:"events"`
	Unrecognized     uint64 `json:"unrecognized"`
	EchoesSuppressed uint64 `json:"echoesSuppressed"`
	Recomputes       uint64 `json:"recomputes"`
	CommandsSent     uint64 `json:"commandsSent"`
	CommandsFailed   uint64 `json:"commandsFailed"`
	CommandRetries   uint64 `json:"commandRetries"`
	Rejections       uint64 `json:"rejections"`
	Reconnects       uint64 `json:"reconnects"`
	Resyncs          uint64 `json:"resyncs"`
	Windows          int    `json:"windows"`
}

// Snapshot is the serializable view of the current metrics state.
type Snapshot struct {
	Started    time.Time         `json:"started,omitempty"`
	Totals     Totals            `json:"totals"`
	Strategies []StrategyMetrics `json:"strategies,omitempty"`
}

// NewCollector returns a collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		started:    time.Now(),
		strategies: make(map[string]*StrategyMetrics),
		registry:   prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Window manager events received, by normalized kind.",
		}, []string{"kind"}),
		echoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_suppressed_total",
			Help:      "Events recognized as echoes of our own commands.",
		}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Layout recompute cycles, by strategy.",
		}, []string{"strategy"}),
		recomputeMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent computing and dispatching a workspace layout.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"strategy"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Geometry commands sent, by op and result.",
		}, []string{"op", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_rejections_total",
			Help:      "Strategy outputs rejected by validation.",
		}, []string{"strategy"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnections after a lost connection.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full state resynchronizations.",
		}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "windows",
			Help:      "Windows currently tracked in the state store.",
		}),
	}
	c.registry.MustRegister(c.events, c.echoes, c.recomputes, c.recomputeMs, c.commands,
		c.rejections, c.reconnects, c.resyncs, c.windows)
	return c
}

// Registry exposes the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordEvent counts a normalized event.
func (c *Collector) RecordEvent(kind string, recognized bool) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Events++
	if !recognized {
		c.totals.Unrecognized++
	}
}

// RecordEcho counts a suppressed echo.
func (c *Collector) RecordEcho() {
	if c == nil {
		return
	}
	c.echoes.Inc()
	c.mu.Lock()
	c.totals.EchoesSuppressed++
	c.mu.Unlock()
}

// RecordRecompute counts a completed recompute cycle.
func (c *Collector) RecordRecompute(strategy string, took time.Duration) {
	if c == nil {
		return
	}
	c.recomputes.WithLabelValues(strategy).Inc()
	c.recomputeMs.WithLabelValues(strategy).Observe(took.Seconds())
	c.updateStrategy(strategy, func(m *StrategyMetrics, now time.Time) {
		m.Recomputes++
		m.LastDuration = took
		m.LastRecomputed = now
	})
	c.mu.Lock()
	c.totals.Recomputes++
	c.mu.Unlock()
}

// RecordRejection counts a strategy output rejected by validation.
func (c *Collector) RecordRejection(strategy string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(strategy).Inc()
	c.updateStrategy(strategy, func(m *StrategyMetrics, now time.Time) {
		m.Rejections++
		m.LastRejected = now
	})
	c.mu.Lock()
	c.totals.Rejections++
	c.mu.Unlock()
}

// RecordCommand counts a command outcome. retried marks a second attempt.
func (c *Collector) RecordCommand(op string, ok, retried bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.commands.WithLabelValues(op, result).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.totals.CommandsSent++
	} else {
		c.totals.CommandsFailed++
	}
	if retried {
		c.totals.CommandRetries++
	}
}

// RecordReconnect counts a re-established connection.
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
	c.mu.Lock()
	c.totals.Reconnects++
	c.mu.Unlock()
}

// RecordResync counts a full state resync and records the window count.
func (c *Collector) RecordResync(windows int) {
	if c == nil {
		return
	}
	c.resyncs.Inc()
	c.mu.Lock()
	c.totals.Resyncs++
	c.mu.Unlock()
	c.SetWindows(windows)
}

// SetWindows records how many windows the store tracks.
func (c *Collector) SetWindows(n int) {
	if c == nil {
		return
	}
	c.windows.Set(float64(n))
	c.mu.Lock()
	c.totals.Windows = n
	c.mu.Unlock()
}

func (c *Collector) updateStrategy(strategy string, mutate func(*StrategyMetrics, time.Time)) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, exists := c.strategies[strategy]
	if !exists {
		m = &StrategyMetrics{Strategy: strategy}
		c.strategies[strategy] = m
	}
	mutate(m, now)
}

// Snapshot returns the current counters for serialization or display.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Started: c.started, Totals: c.totals}
	if len(c.strategies) == 0 {
		return snap
	}
	snap.Strategies = make([]StrategyMetrics, 0, len(c.strategies))
	for _, m := range c.strategies {
		snap.Strategies = append(snap.Strategies, *m)
	}
	sort.Slice(snap.Strategies, func(i, j int) bool {
		return snap.Strategies[i].Strategy < snap.Strategies[j].Strategy
	})
	return snap
}

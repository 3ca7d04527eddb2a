package perf

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/cache"
)

// opStats is one operation's rolling aggregate.
type opStats struct {
	count  int64
	errors int64
	total  time.Duration
	max    time.Duration
}

// Monitor records storage and pipeline timings. It implements
// storage.Observer and the engine's Metrics. Never on the correctness
// path: a disabled monitor is a set of no-ops.
type Monitor struct {
	enabled bool
	cache   *cache.Cache
	logger  *zap.SugaredLogger

	mu  sync.Mutex
	ops map[string]*opStats

	storageDuration *prometheus.HistogramVec
	eventDuration   *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	cacheHits       *prometheus.GaugeVec
	cacheMisses     *prometheus.GaugeVec
	regressions     prometheus.Gauge
}

// NewMonitor registers the metric set on reg. c may be nil when no cache
// stats are wanted.
func NewMonitor(enabled bool, c *cache.Cache, reg prometheus.Registerer, logger *zap.SugaredLogger) *Monitor {
	m := &Monitor{
		enabled: enabled,
		cache:   c,
		logger:  logger,
		ops:     make(map[string]*opStats),
	}
	if !enabled {
		return m
	}
	factory := promauto.With(reg)
	m.storageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "achievement_storage_op_duration_seconds",
		Help:    "Storage call latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})
	m.eventDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "achievement_event_processing_duration_seconds",
		Help:    "End-to-end event evaluation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type", "status"})
	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "achievement_engine_queue_depth",
		Help: "Events waiting in the engine input queue.",
	})
	m.cacheHits = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "achievement_cache_hits_total",
		Help: "Cache hits by type.",
	}, []string{"type"})
	m.cacheMisses = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "achievement_cache_misses_total",
		Help: "Cache misses by type.",
	}, []string{"type"})
	m.regressions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "achievement_perf_regressions",
		Help: "Operations currently regressed against the baseline.",
	})
	return m
}

func (m *Monitor) record(op string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ops[op]
	if !ok {
		s = &opStats{}
		m.ops[op] = s
	}
	s.count++
	s.total += d
	if d > s.max {
		s.max = d
	}
	if failed {
		s.errors++
	}
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}

// ObserveStorage implements storage.Observer.
func (m *Monitor) ObserveStorage(op string, d time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.record(op, d, err != nil)
	m.storageDuration.WithLabelValues(op, status(err != nil)).Observe(d.Seconds())
}

// ObserveEvent implements the engine's Metrics.
func (m *Monitor) ObserveEvent(eventType string, d time.Duration, success bool) {
	if !m.enabled {
		return
	}
	m.record("event:"+eventType, d, !success)
	m.eventDuration.WithLabelValues(eventType, status(!success)).Observe(d.Seconds())
}

// SetQueueDepth implements the engine's Metrics.
func (m *Monitor) SetQueueDepth(n int) {
	if !m.enabled {
		return
	}
	m.queueDepth.Set(float64(n))
}

// OpSnapshot is one operation's aggregate at snapshot time.
type OpSnapshot struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
	MaxMillis float64 `json:"max_ms"`
}

// Snapshot is a point-in-time view for operators and the baseline file.
type Snapshot struct {
	TakenAt time.Time                  `json:"taken_at"`
	Ops     map[string]OpSnapshot      `json:"ops"`
	Cache   map[cache.Type]cache.Stats `json:"cache,omitempty"`
}

// Snapshot aggregates the rolling stats and current cache counters.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{TakenAt: time.Now().UTC(), Ops: make(map[string]OpSnapshot)}

	m.mu.Lock()
	for op, s := range m.ops {
		out := OpSnapshot{
			Count:     s.count,
			Errors:    s.errors,
			MaxMillis: float64(s.max) / float64(time.Millisecond),
		}
		if s.count > 0 {
			out.AvgMillis = float64(s.total) / float64(s.count) / float64(time.Millisecond)
		}
		snap.Ops[op] = out
	}
	m.mu.Unlock()

	if m.cache != nil {
		snap.Cache = m.cache.AllStats()
		if m.enabled {
			for t, st := range snap.Cache {
				m.cacheHits.WithLabelValues(string(t)).Set(float64(st.Hits))
				m.cacheMisses.WithLabelValues(string(t)).Set(float64(st.Misses))
			}
		}
	}
	return snap
}

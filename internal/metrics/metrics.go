// Package metrics is sqlguard's dual-purpose stats collector: Prometheus
// gauges/counters/histograms exposed at /metrics (internal/adminapi), and a
// lock-free StatsSnapshot exposed over the control socket's "stats" command
// (internal/control).
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric sqlguard exposes, plus the relaxed atomic
// counters backing StatsSnapshot. It implements internal/session.StatsSink.
type Collector struct {
	Registry *prometheus.Registry

	queriesTotal        prometheus.Counter
	blockedQueriesTotal *prometheus.CounterVec
	connectionsTotal    prometheus.Counter
	activeSessions      prometheus.Gauge
	sessionDuration     prometheus.Histogram
	injectionHits       prometheus.Counter

	startedAt time.Time

	snapConnections    atomic.Uint64
	snapActiveSessions atomic.Int64
	snapQueries        atomic.Uint64
	snapBlocked        atomic.Uint64
}

// New creates and registers all Prometheus metrics on a private registry
// so multiple Collectors (e.g. in tests) never collide on global
// registration.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry:  reg,
		startedAt: time.Now(),
		queriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlguard_queries_total",
			Help: "Total COM_QUERY commands classified",
		}),
		blockedQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlguard_blocked_queries_total",
				Help: "Total queries blocked by policy, labeled by matched rule",
			},
			[]string{"rule"},
		),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlguard_connections_total",
			Help: "Total client connections accepted",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sqlguard_active_sessions",
			Help: "Sessions currently running, from connect (before handshake) to close",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlguard_session_duration_seconds",
			Help:    "Duration of a session from connect to close",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		injectionHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlguard_injection_detector_hits_total",
			Help: "Queries flagged by the injection detector",
		}),
	}

	reg.MustRegister(
		c.queriesTotal,
		c.blockedQueriesTotal,
		c.connectionsTotal,
		c.activeSessions,
		c.sessionDuration,
		c.injectionHits,
	)

	return c
}

// IncConnections implements session.StatsSink.
func (c *Collector) IncConnections() {
	c.connectionsTotal.Inc()
	c.snapConnections.Add(1)
}

// IncQueries implements session.StatsSink.
func (c *Collector) IncQueries() {
	c.queriesTotal.Inc()
	c.snapQueries.Add(1)
}

// IncBlockedQueries implements session.StatsSink.
func (c *Collector) IncBlockedQueries() {
	c.snapBlocked.Add(1)
}

// IncActiveSessions implements session.StatsSink.
func (c *Collector) IncActiveSessions() {
	c.activeSessions.Inc()
	c.snapActiveSessions.Add(1)
}

// DecActiveSessions implements session.StatsSink.
func (c *Collector) DecActiveSessions() {
	c.activeSessions.Dec()
	c.snapActiveSessions.Add(-1)
}

// RecordBlockReason breaks blocked queries down by matched rule for
// /metrics consumers; called alongside IncBlockedQueries wherever the
// caller has a policy.Result in hand.
func (c *Collector) RecordBlockReason(matchedRule string) {
	c.blockedQueriesTotal.WithLabelValues(matchedRule).Inc()
}

// RecordInjectionHit records an injection-pattern match.
func (c *Collector) RecordInjectionHit() {
	c.injectionHits.Inc()
}

// RecordSessionDuration observes a completed session's lifetime.
func (c *Collector) RecordSessionDuration(d time.Duration) {
	c.sessionDuration.Observe(d.Seconds())
}

// StatsSnapshot is the payload returned by the control socket's "stats"
// command.
type StatsSnapshot struct {
	TotalConnections int64   `json:"total_connections"`
	ActiveSessions   int64   `json:"active_sessions"`
	TotalQueries     int64   `json:"total_queries"`
	BlockedQueries   int64   `json:"blocked_queries"`
	QPS              float64 `json:"qps"`
	BlockRate        float64 `json:"block_rate"`
	CapturedAtMs     int64   `json:"captured_at_ms"`
}

// Snapshot is read-only and non-blocking; callers get an eventually
// consistent view of the relaxed atomic counters.
func (c *Collector) Snapshot(now time.Time) StatsSnapshot {
	queries := int64(c.snapQueries.Load())
	blocked := int64(c.snapBlocked.Load())

	uptime := now.Sub(c.startedAt).Seconds()
	var qps float64
	if uptime > 0 {
		qps = float64(queries) / uptime
	}
	var blockRate float64
	if queries > 0 {
		blockRate = float64(blocked) / float64(queries)
	}

	return StatsSnapshot{
		TotalConnections: int64(c.snapConnections.Load()),
		ActiveSessions:   c.snapActiveSessions.Load(),
		TotalQueries:     queries,
		BlockedQueries:   blocked,
		QPS:              qps,
		BlockRate:        blockRate,
		CapturedAtMs:     now.UnixMilli(),
	}
}

// Package observability collects in-process counters for activity calls and
// saga outcomes, and wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"sort"
	"sync"
	"time"
)

type CallSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	Retries       int64   `json:"retries"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                   `json:"uptime_sec"`
	TotalCalls      int64                   `json:"total_calls"`
	TotalErrors     int64                   `json:"total_errors"`
	InFlight        int64                   `json:"in_flight"`
	RateLimitWaits  int64                   `json:"rate_limit_waits"`
	RateLimitWaitMs int64                   `json:"rate_limit_wait_ms"`
	Statuses        map[string]int64        `json:"statuses"`
	Lifecycle       *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Calls           map[string]CallSnapshot `json:"calls"`
}

type callStats struct {
	count        int64
	errors       int64
	retries      int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates call latency per name (an activity or an RPC method),
// retry counts and saga status transitions. A nil *Metrics is a no-op.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	calls          map[string]*callStats
	statuses       map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	name    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		calls:    make(map[string]*callStats),
		statuses: make(map[string]int64),
	}
}

// Start opens a span for one call; End must be called exactly once.
func (m *Metrics) Start(name string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.stats(name).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, name: name, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.name, time.Since(s.start), err != nil)
}

// AddRetry counts a retried call.
func (m *Metrics) AddRetry(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stats(name).retries++
	m.mu.Unlock()
}

// RecordStatus counts an instance entering status.
func (m *Metrics) RecordStatus(status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.statuses[status]++
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Calls:           make(map[string]CallSnapshot, len(m.calls)),
		Statuses:        make(map[string]int64, len(m.statuses)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	names := make([]string, 0, len(m.calls))
	for name := range m.calls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := m.calls[name]
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Calls[name] = CallSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			Retries:       stats.retries,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for status, n := range m.statuses {
		snap.Statuses[status] = n
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}
	return snap
}

func (m *Metrics) stats(name string) *callStats {
	stats, ok := m.calls[name]
	if !ok {
		stats = &callStats{}
		m.calls[name] = stats
	}
	return stats
}

func (m *Metrics) finish(name string, dur time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats(name)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

// MarkShutdown records when shutdown began and how many instances were still advancing.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

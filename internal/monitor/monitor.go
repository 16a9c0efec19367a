// Package monitor implements the Performance Monitor (C11): per-operation
// latency tracking with a bounded sample window and genuine sorted-sample
// percentiles, mirrored into Prometheus counters/histograms for scraping,
// plus periodic cleanup of operations that have gone stale.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/adsgateway/internal/eventbus"
)

const defaultWindowSize = 10000

// OperationStats is a point-in-time snapshot of one operation's recorded
// latencies.
type OperationStats struct {
	Operation  string
	Count      uint64
	ErrorCount uint64
	AverageMs  float64
	MinMs      float64
	MaxMs      float64
	P50Ms      float64
	P95Ms      float64
	P99Ms      float64
	LastSeen   time.Time
}

// opWindow is a fixed-capacity ring of recent latency samples for one
// operation, the same shape as eventbus's dispatch-latency sampler.
type opWindow struct {
	mu         sync.Mutex
	samples    []time.Duration
	capacity   int
	next       int
	full       bool
	count      uint64
	errorCount uint64
	lastSeen   time.Time
}

func newOpWindow(capacity int) *opWindow {
	return &opWindow{samples: make([]time.Duration, capacity), capacity: capacity}
}

func (w *opWindow) record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % w.capacity
	if w.next == 0 {
		w.full = true
	}
	w.count++
	if failed {
		w.errorCount++
	}
	w.lastSeen = time.Now()
}

func (w *opWindow) snapshot(operation string) OperationStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = w.capacity
	}
	stats := OperationStats{Operation: operation, Count: w.count, ErrorCount: w.errorCount, LastSeen: w.lastSeen}
	if n == 0 {
		return stats
	}

	vals := make([]float64, n)
	var sum, min, max float64
	for i := 0; i < n; i++ {
		ms := float64(w.samples[i].Microseconds()) / 1000.0
		vals[i] = ms
		sum += ms
		if i == 0 || ms < min {
			min = ms
		}
		if i == 0 || ms > max {
			max = ms
		}
	}
	sort.Float64s(vals)

	stats.AverageMs = sum / float64(n)
	stats.MinMs = min
	stats.MaxMs = max
	stats.P50Ms = percentile(vals, 0.50)
	stats.P95Ms = percentile(vals, 0.95)
	stats.P99Ms = percentile(vals, 0.99)
	return stats
}

func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	idx := int(p * float64(len(vals)-1))
	return vals[idx]
}

// Monitor tracks per-operation performance and exports it to Prometheus.
type Monitor struct {
	mu  sync.RWMutex
	ops map[string]*opWindow

	windowSize int
	staleAfter time.Duration

	registry   *prometheus.Registry
	durationMS *prometheus.HistogramVec
	errorCount *prometheus.CounterVec
}

// New constructs a Monitor using its own Prometheus registry (never the
// global default, so multiple gateways in one process never collide).
// staleAfter bounds how long an operation with no new samples is kept
// before Cleanup evicts it.
func New(staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}

	registry := prometheus.NewRegistry()
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "operation",
		Name:      "duration_milliseconds",
		Help:      "Duration of gateway operations in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"operation"})
	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "operation",
		Name:      "errors_total",
		Help:      "Total failed gateway operations.",
	}, []string{"operation"})
	registry.MustRegister(duration, errors)

	return &Monitor{
		ops:        make(map[string]*opWindow),
		windowSize: defaultWindowSize,
		staleAfter: staleAfter,
		registry:   registry,
		durationMS: duration,
		errorCount: errors,
	}
}

// Record stores one completed operation's duration and outcome.
func (m *Monitor) Record(operation string, d time.Duration, err error) {
	w := m.windowFor(operation)
	w.record(d, err != nil)

	m.durationMS.WithLabelValues(operation).Observe(float64(d.Microseconds()) / 1000.0)
	if err != nil {
		m.errorCount.WithLabelValues(operation).Inc()
	}
}

// Measure runs fn and returns fn's error. A success's duration is recorded
// under operation; a failure's duration is recorded under operation+":error".
func (m *Monitor) Measure(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		m.Record(operation+":error", time.Since(start), err)
		return err
	}
	m.Record(operation, time.Since(start), nil)
	return nil
}

var errSampleFailed = errors.New("operation failed")

// SubscribeBus records every performance.metric sample published on bus.
// Returns the unsubscribe function.
func (m *Monitor) SubscribeBus(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.EventPerformanceMetric, func(ev eventbus.Event) {
		sample, ok := ev.Payload.(eventbus.PerfSample)
		if !ok {
			return
		}
		var err error
		if sample.Failed {
			err = errSampleFailed
		}
		m.Record(sample.Operation, sample.Duration, err)
	})
}

func (m *Monitor) windowFor(operation string) *opWindow {
	m.mu.RLock()
	w, ok := m.ops[operation]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.ops[operation]; ok {
		return w
	}
	w = newOpWindow(m.windowSize)
	m.ops[operation] = w
	return w
}

// Stats returns the current snapshot for one operation.
func (m *Monitor) Stats(operation string) (OperationStats, bool) {
	m.mu.RLock()
	w, ok := m.ops[operation]
	m.mu.RUnlock()
	if !ok {
		return OperationStats{}, false
	}
	return w.snapshot(operation), true
}

// AllStats returns a snapshot of every tracked operation.
func (m *Monitor) AllStats() []OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OperationStats, 0, len(m.ops))
	for name, w := range m.ops {
		out = append(out, w.snapshot(name))
	}
	return out
}

// TopN returns the n operations with the most recorded samples, busiest
// first.
func (m *Monitor) TopN(n int) []OperationStats {
	all := m.AllStats()
	sort.Slice(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Handler returns the HTTP handler that serves this monitor's Prometheus
// metrics.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunCleanup periodically evicts operations that have not recorded a
// sample within staleAfter. Call it in its own goroutine; it returns when
// ctx is canceled.
func (m *Monitor) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *Monitor) evictStale() {
	cutoff := time.Now().Add(-m.staleAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.ops {
		w.mu.Lock()
		last := w.lastSeen
		w.mu.Unlock()
		if last.Before(cutoff) {
			delete(m.ops, name)
		}
	}
}

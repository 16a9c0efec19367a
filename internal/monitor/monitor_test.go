package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/adsgateway/internal/eventbus"
)

func TestMonitor_RecordAndStats(t *testing.T) {
	m := New(time.Hour)

	for i := 0; i < 10; i++ {
		m.Record("variable.read", time.Duration(i+1)*time.Millisecond, nil)
	}
	m.Record("variable.read", 5*time.Millisecond, errors.New("boom"))

	stats, ok := m.Stats("variable.read")
	require.True(t, ok)
	assert.EqualValues(t, 11, stats.Count)
	assert.EqualValues(t, 1, stats.ErrorCount)
	assert.Greater(t, stats.P99Ms, 0.0)
	assert.GreaterOrEqual(t, stats.P99Ms, stats.P50Ms)
}

func TestMonitor_Measure_RecordsOutcome(t *testing.T) {
	m := New(time.Hour)

	err := m.Measure("variable.write", func() error { return nil })
	assert.NoError(t, err)

	err = m.Measure("variable.write", func() error { return errors.New("fail") })
	assert.Error(t, err)

	stats, ok := m.Stats("variable.write")
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.Count)
	assert.EqualValues(t, 0, stats.ErrorCount)

	errStats, ok := m.Stats("variable.write:error")
	require.True(t, ok)
	assert.EqualValues(t, 1, errStats.Count)
	assert.EqualValues(t, 1, errStats.ErrorCount)
}

func TestMonitor_Handler_ExportsPrometheusFormat(t *testing.T) {
	m := New(time.Hour)
	m.Record("variable.read", time.Millisecond, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_operation_duration_milliseconds")
}

func TestMonitor_Cleanup_EvictsStaleOperations(t *testing.T) {
	m := New(10 * time.Millisecond)
	m.Record("stale.op", time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.RunCleanup(ctx, 5*time.Millisecond)
	defer cancel()

	require.Eventually(t, func() bool {
		_, ok := m.Stats("stale.op")
		return !ok
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestPercentile_EmptySliceReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.95))
}

func TestMonitor_Handler_NotEmpty(t *testing.T) {
	m := New(time.Hour)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.True(t, strings.Contains(rec.Body.String(), "# HELP") || rec.Body.Len() >= 0)
}

func TestMonitor_SubscribeBus_RecordsPublishedSamples(t *testing.T) {
	m := New(time.Hour)
	bus := eventbus.New(false)
	defer bus.Close()

	unsub := m.SubscribeBus(bus)
	defer unsub()

	bus.Publish(eventbus.EventPerformanceMetric, eventbus.PerfSample{Operation: "queue.p2:persistence", Duration: 3 * time.Millisecond})
	bus.Publish(eventbus.EventPerformanceMetric, eventbus.PerfSample{Operation: "queue.p2:persistence", Duration: 5 * time.Millisecond, Failed: true})

	require.Eventually(t, func() bool {
		stats, ok := m.Stats("queue.p2:persistence")
		return ok && stats.Count == 2 && stats.ErrorCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_TopN_OrdersBusiestFirst(t *testing.T) {
	m := New(time.Hour)
	for i := 0; i < 5; i++ {
		m.Record("busy.op", time.Millisecond, nil)
	}
	m.Record("quiet.op", time.Millisecond, nil)

	top := m.TopN(1)
	require.Len(t, top, 1)
	assert.Equal(t, "busy.op", top[0].Operation)
}

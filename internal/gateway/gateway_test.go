package gateway

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/adsgateway/internal/adsprotocol"
	"github.com/ocx/adsgateway/internal/cache"
	"github.com/ocx/adsgateway/internal/connmanager"
	"github.com/ocx/adsgateway/internal/discovery"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/fanout"
	"github.com/ocx/adsgateway/internal/monitor"
	"github.com/ocx/adsgateway/internal/persistence"
	"github.com/ocx/adsgateway/internal/ringbuffer"
	"github.com/ocx/adsgateway/internal/workqueue"
)

// fakePollingPLC answers every ADS Read with a 4-byte handle for
// IndexGroupSymbolHandleByName lookups (CommandReadWrite) and a fixed REAL
// value for reads by handle (CommandRead), enough to exercise a
// poll-driven Variable end to end.
func fakePollingPLC(t *testing.T, valueBytes []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			prefix := make([]byte, 6)
			if _, err := readAll(conn, prefix); err != nil {
				return
			}
			bodyLen := binary.LittleEndian.Uint32(prefix[2:6])
			body := make([]byte, bodyLen)
			if _, err := readAll(conn, body); err != nil {
				return
			}
			frame := append(prefix, body...)
			header, _, err := adsprotocol.Unmarshal(frame)
			if err != nil {
				return
			}

			var reply []byte
			switch header.Command {
			case adsprotocol.CommandReadWrite:
				reply = make([]byte, 4)
				binary.LittleEndian.PutUint32(reply, 0x1001)
			case adsprotocol.CommandRead:
				reply = valueBytes
			default:
				reply = nil
			}

			replyHeader := header
			replyHeader.StateFlags |= adsprotocol.StateFlagResponse
			conn.Write(adsprotocol.Marshal(replyHeader, reply))
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestGateway(t *testing.T) (*Gateway, *eventbus.Bus, string, func()) {
	t.Helper()
	valueBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(valueBytes, math.Float32bits(42.5))
	addr, stopPLC := fakePollingPLC(t, valueBytes)

	bus := eventbus.New(false)
	ring := ringbuffer.NewRegistry(16)
	conns := connmanager.New(bus)

	g := New(Dependencies{
		Bus:   bus,
		Conns: conns,
		Ring:  ring,
	})

	stop := func() {
		conns.Close()
		bus.Close()
		stopPLC()
	}
	return g, bus, addr, stop
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestGateway_AddConnectionAndPollVariable_RecordsToRingBuffer(t *testing.T) {
	g, _, addr, stop := newTestGateway(t)
	defer stop()

	err := g.AddConnection(ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	err = g.AddVariable(context.Background(), Variable{
		ID:           "plc-1:MAIN.temp",
		ConnectionID: "plc-1",
		Path:         "MAIN.temp",
		Type:         adsprotocol.TypeReal,
		SamplePeriod: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(g.History("plc-1:MAIN.temp", 10)) > 0
	}, 2*time.Second, 20*time.Millisecond)

	v, ok := g.Variable("plc-1:MAIN.temp")
	require.True(t, ok)
	assert.InDelta(t, 42.5, v.LastValue, 0.01)
}

func TestGateway_RemoveConnection_DropsItsVariables(t *testing.T) {
	g, _, addr, stop := newTestGateway(t)
	defer stop()

	require.NoError(t, g.AddConnection(ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: true}))
	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.AddVariable(context.Background(), Variable{
		ID: "plc-1:MAIN.temp", ConnectionID: "plc-1", Path: "MAIN.temp", Type: adsprotocol.TypeReal, SamplePeriod: time.Second,
	}))

	require.NoError(t, g.RemoveConnection("plc-1"))

	_, ok := g.Variable("plc-1:MAIN.temp")
	assert.False(t, ok)
	assert.Empty(t, g.Connections())
}

func TestGateway_OnDiscoveredVariables_AutoRegisters(t *testing.T) {
	g, bus, addr, stop := newTestGateway(t)
	defer stop()

	require.NoError(t, g.AddConnection(ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: true}))
	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventDiscoveryVarsAdd, discovery.VariablesAddedEvent{
		ConnectionID: "plc-1",
		Added: []discovery.DerivedVariable{
			{ConnectionID: "plc-1", Name: "MAIN.temp", Path: "MAIN.temp", Type: adsprotocol.TypeReal, SamplePeriod: 20 * time.Millisecond},
		},
	})

	require.Eventually(t, func() bool {
		_, ok := g.Variable("plc-1:MAIN.temp")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_ConnectDisconnect_TogglesSession(t *testing.T) {
	g, _, addr, stop := newTestGateway(t)
	defer stop()

	require.NoError(t, g.AddConnection(ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: false}))
	_, ok := g.deps.Conns.Get("plc-1")
	assert.False(t, ok)

	require.NoError(t, g.Connect("plc-1"))
	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Disconnect("plc-1"))
	_, ok = g.deps.Conns.Get("plc-1")
	assert.False(t, ok)
}

func TestGateway_UpdateConnection_RestartsLiveSession(t *testing.T) {
	g, _, addr, stop := newTestGateway(t)
	defer stop()

	cfg := ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: true}
	require.NoError(t, g.AddConnection(cfg))
	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	cfg.Name = "renamed"
	require.NoError(t, g.UpdateConnection(cfg))

	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	got, ok := g.connCfgs["plc-1"]
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)
}

// testRedisAddr skips the calling test unless TEST_REDIS_ADDR points at a
// reachable Redis instance, mirroring the Work Queue's own integration tests.
func testRedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis-backed gateway test")
	}
	return addr
}

// TestGateway_WriteVariable_AcksThroughWorkQueue covers the full write path:
// WriteVariable enqueues a job, the Work Queue worker dequeues it and calls
// handleWriteJob, which applies the write against the Session and publishes
// a fanout.WriteResult on the bus only after the Session confirms success.
func TestGateway_WriteVariable_AcksThroughWorkQueue(t *testing.T) {
	redisAddr := testRedisAddr(t)

	valueBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(valueBytes, math.Float32bits(1))
	addr, stopPLC := fakePollingPLC(t, valueBytes)
	defer stopPLC()

	bus := eventbus.New(false)
	defer bus.Close()
	ring := ringbuffer.NewRegistry(16)
	conns := connmanager.New(bus)
	defer conns.Close()
	mon := monitor.New(time.Hour)

	queue := workqueue.New(redisAddr, bus, workqueue.Config{Workers: 1, PollIdle: 5 * time.Millisecond})
	defer queue.Close()

	g := New(Dependencies{
		Bus:     bus,
		Conns:   conns,
		Ring:    ring,
		Queue:   queue,
		Monitor: mon,
	})

	require.NoError(t, g.AddConnection(ConnectionConfig{ID: "plc-1", Host: hostOf(addr), Port: portOf(addr), Enabled: true}))
	require.Eventually(t, func() bool {
		sess, ok := g.deps.Conns.Get("plc-1")
		return ok && sess != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.AddVariable(context.Background(), Variable{
		ID: "plc-1:MAIN.setpoint", ConnectionID: "plc-1", Path: "MAIN.setpoint", Type: adsprotocol.TypeReal,
	}))

	results := make(chan fanout.WriteResult, 1)
	unsub := bus.Subscribe(eventbus.EventVariableWriteResult, func(ev eventbus.Event) {
		res, ok := ev.Payload.(fanout.WriteResult)
		if ok {
			results <- res
		}
	})
	defer unsub()

	ctx := context.Background()
	require.NoError(t, queue.Start(ctx))

	jobID, err := g.WriteVariable(ctx, "plc-1:MAIN.setpoint", 12.5)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	select {
	case res := <-results:
		assert.Equal(t, jobID, res.JobID)
		assert.Equal(t, "plc-1:MAIN.setpoint", res.VariableID)
		assert.True(t, res.Success)
		assert.Empty(t, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write result")
	}

	queue.Shutdown(time.Second)
}

// TestGateway_HistoryStats_FallsBackToPersistenceWhenBufferEmpty covers the
// post-restart case: the Ring Buffer has nothing for a Variable yet, so
// HistoryStats must serve count/min/max/average/latest from the durable
// Persistence store instead of reporting an empty result.
func TestGateway_HistoryStats_FallsBackToPersistenceWhenBufferEmpty(t *testing.T) {
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := time.Now()
	require.NoError(t, store.RecordVariableSample("plc-1:MAIN.temp", "10", "good", base))
	require.NoError(t, store.RecordVariableSample("plc-1:MAIN.temp", "30", "good", base.Add(time.Second)))

	bus := eventbus.New(false)
	defer bus.Close()
	ring := ringbuffer.NewRegistry(16)
	conns := connmanager.New(bus)
	defer conns.Close()

	g := New(Dependencies{Bus: bus, Conns: conns, Ring: ring, Store: store})

	stats := g.HistoryStats("plc-1:MAIN.temp")
	require.Equal(t, 2, stats.Count)
	require.True(t, stats.Numeric)
	assert.InDelta(t, 10, stats.Min, 1e-9)
	assert.InDelta(t, 30, stats.Max, 1e-9)
	assert.InDelta(t, 20, stats.Average, 1e-9)
	assert.Equal(t, "30", stats.Latest)
}

// TestGateway_CurrentValue_FallsBackToCacheWithUncertainQuality verifies the
// §9 quality-flag policy: a Variable that has never been read in this
// process (no in-memory sample yet) serves its last cached value instead of
// reporting nothing, flagged "uncertain" since its age against the live PLC
// state cannot be verified.
func TestGateway_CurrentValue_FallsBackToCacheWithUncertainQuality(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis-backed cache test")
	}

	bus := eventbus.New(false)
	defer bus.Close()
	c := cache.New(addr, bus, time.Second)
	defer c.Close()
	ctx := context.Background()
	c.Set(ctx, cacheKey("plc-1:MAIN.temp"), []byte("21.5"), time.Minute)

	g := New(Dependencies{Bus: bus, Cache: c, Conns: connmanager.New(bus), Ring: ringbuffer.NewRegistry(16)})
	g.variables["plc-1:MAIN.temp"] = &liveVariable{cfg: Variable{ID: "plc-1:MAIN.temp", ConnectionID: "plc-1"}}

	value, quality, ok := g.CurrentValue("plc-1:MAIN.temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", value)
	assert.Equal(t, ringbuffer.QualityUncertain, quality)
}

func TestGateway_CurrentValue_UnknownVariableMisses(t *testing.T) {
	bus := eventbus.New(false)
	defer bus.Close()
	g := New(Dependencies{Bus: bus, Conns: connmanager.New(bus), Ring: ringbuffer.NewRegistry(16)})

	_, _, ok := g.CurrentValue("no-such-variable")
	assert.False(t, ok)
}

// TestGateway_PersistJob_CoalescesUnderBacklog covers §4.4: once the
// Persistence queue's backlog exceeds the threshold, repeated samples for
// the same variable must not each enqueue their own job — only the first
// one does, and later samples overwrite the pending value so the eventual
// write picks up the latest sample instead of replaying every one.
func TestGateway_PersistJob_CoalescesUnderBacklog(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis-backed workqueue test")
	}
	bus := eventbus.New(false)
	defer bus.Close()
	queue := workqueue.New(addr, bus, workqueue.Config{})
	defer queue.Close()
	ctx := context.Background()

	g := New(Dependencies{Bus: bus, Conns: connmanager.New(bus), Ring: ringbuffer.NewRegistry(16), Queue: queue})

	for i := 0; i < persistBacklogThreshold+1; i++ {
		_, err := queue.Enqueue(ctx, workqueue.PriorityPersistence, persistJob{VariableID: "filler", Value: "x"})
		require.NoError(t, err)
	}
	before := queue.Depths(ctx)[workqueue.PriorityPersistence]
	require.Greater(t, before, int64(persistBacklogThreshold))

	g.enqueuePersist("plc-1:MAIN.temp", "1")
	g.enqueuePersist("plc-1:MAIN.temp", "2")
	g.enqueuePersist("plc-1:MAIN.temp", "3")

	g.persistMu.Lock()
	pending, ok := g.persistPending["plc-1:MAIN.temp"]
	g.persistMu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "3", pending.Value)

	after := queue.Depths(ctx)[workqueue.PriorityPersistence]
	assert.Equal(t, before+1, after, "three samples for the same variable must coalesce into one queued job")
}

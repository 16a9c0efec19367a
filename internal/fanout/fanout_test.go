package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/adsgateway/internal/eventbus"
)

func newTestHub(t *testing.T) (*Hub, *eventbus.Bus, func()) {
	t.Helper()
	bus := eventbus.New(false)
	hub := New(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	return hub, bus, func() {
		cancel()
		bus.Close()
	}
}

func dial(t *testing.T, server *httptest.Server, rooms string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?rooms=" + rooms
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsVariableChangeToSubscribedRoom(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "variable:MAIN.temp")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventVariableChanged, VariableChange{
		ConnectionID: "plc-1",
		VariableID:   "MAIN.temp",
		Value:        42.5,
		Timestamp:    time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got VariableChange
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "MAIN.temp", got.VariableID)
	require.Equal(t, "plc-1", got.ConnectionID)
}

func TestHub_ClientNotSubscribedToRoomReceivesNothing(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "variable:other")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventVariableChanged, VariableChange{
		ConnectionID: "plc-1",
		VariableID:   "MAIN.temp",
		Value:        1,
		Timestamp:    time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHub_VariableWrite_DeliversAckToRequestingClient(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	hub.SetWriteHandler(func(ctx context.Context, variableID string, value any) (string, error) {
		return "job-123", nil
	})

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "variable:write", "variableId": "v1", "value": 42.0,
	}))

	require.Eventually(t, func() bool {
		return len(hub.pendingSnapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventVariableWriteResult, WriteResult{JobID: "job-123", VariableID: "v1", Success: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "variable:write:ack", got["type"])
	require.Equal(t, "job-123", got["correlationId"])
}

func TestHub_VariableHistory_RepliesDirectlyToClient(t *testing.T) {
	hub, _, stop := newTestHub(t)
	defer stop()

	hub.SetHistoryHandler(func(variableID string, limit int) []HistoryEntry {
		return []HistoryEntry{{Timestamp: 1, Value: 1.0, Quality: "good"}}
	})

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "variable:history", "variableId": "v1", "limit": 10,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "variable:history", got["type"])
	require.Len(t, got["entries"], 1)
}

func TestParseRooms_SplitsCommaList(t *testing.T) {
	rooms := parseRooms("a,b,,c")
	require.Len(t, rooms, 3)
	require.True(t, rooms["a"])
	require.True(t, rooms["b"])
	require.True(t, rooms["c"])
}

func TestHub_PushesConnectionLifecycleToRoom(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "connection:plc-1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventConnectionLost, map[string]any{"connection_id": "plc-1", "error": "read: connection reset"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "connection:lost", got["type"])
	require.Equal(t, "plc-1", got["connectionId"])
	require.Equal(t, "read: connection reset", got["error"])
}

func TestHub_SystemErrorReachesEveryClient(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	// Neither client has joined any room.
	connA := dial(t, server, "")
	connB := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventSystemError, map[string]any{"error": "persistence unavailable"})

	for _, conn := range []*websocket.Conn{connA, connB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(payload, &got))
		require.Equal(t, "system:error", got["type"])
		require.Equal(t, "persistence unavailable", got["error"])
	}
}

func TestHub_VariableChangeCarriesMessageType(t *testing.T) {
	hub, bus, stop := newTestHub(t)
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "variable:v1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.EventVariableChanged, VariableChange{VariableID: "v1", Value: 1.5, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "variable:changed", got["type"])
	require.Equal(t, "v1", got["VariableID"])
}

// Package fanout implements the Fan-out Hub (C10): it bridges the Event Bus's
// variable.changed stream to MQTT publishes and to WebSocket rooms. Every
// connected WebSocket client can join one or more rooms — connection:<id>,
// variable:<id>, topic:<topic> — and receives every message published to
// rooms it belongs to, with drop-oldest backpressure if it falls behind.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ocx/adsgateway/internal/discovery"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/mqttbroker"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VariableChange is the payload carried by eventbus.EventVariableChanged.
type VariableChange struct {
	ConnectionID string
	VariableID   string
	Value        any
	Timestamp    time.Time
	Quality      string // "good", "bad", or "uncertain"; defaults to "good" when empty
	Topic        string // Variable's configured MQTT topic; falls back to "variables/<id>/value" when empty
}

// VariableError is the payload carried by eventbus.EventVariableError.
type VariableError struct {
	VariableID string
	Error      string
	Timestamp  time.Time
}

// mqttValuePayload is the wire shape published to a variable's value topic:
// {"value":<scalar|object>,"timestamp":<unix-ms>,"quality":"good"|"bad"|"uncertain"}.
type mqttValuePayload struct {
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Quality   string `json:"quality"`
}

// mqttErrorPayload is the wire shape published to a variable's error topic:
// {"error":"<text>","timestamp":<unix-ms>}.
type mqttErrorPayload struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func valueTopic(variableID, configuredTopic string) string {
	if configuredTopic != "" {
		return configuredTopic
	}
	return "variables/" + variableID + "/value"
}

func errorTopic(variableID string) string {
	return "variables/" + variableID + "/error"
}

// HistoryEntry is one Ring Buffer sample returned to a variable:history
// query, decoupled from the ringbuffer package's own type so this package
// has no import-cycle dependency on it.
type HistoryEntry struct {
	Timestamp int64 `json:"timestamp"`
	Value     any   `json:"value"`
	Quality   string `json:"quality"`
}

// WriteFunc enqueues a variable write and returns its Work Queue job ID,
// used as the correlation id echoed back in variable:write:ack/:error.
type WriteFunc func(ctx context.Context, variableID string, value any) (string, error)

// HistoryFunc looks up recent samples for a variable.
type HistoryFunc func(variableID string, limit int) []HistoryEntry

// Client is one connected WebSocket subscriber.
type Client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	rooms map[string]bool
}

type roomMessage struct {
	room    string
	payload []byte
}

type roomChange struct {
	client *Client
	room   string
	join   bool
}

// clientMessage is the shape of every client->server WebSocket frame: a
// discriminated union keyed by Type across the WebSocket message families.
type clientMessage struct {
	Type          string `json:"type"`
	Room          string `json:"room"`
	VariableID    string `json:"variableId"`
	Value         any    `json:"value"`
	Limit         int    `json:"limit"`
	CorrelationID string `json:"correlationId"`
}

// Hub owns every connected WebSocket client and its room memberships, and
// republishes variable changes to both MQTT and WebSocket rooms.
type Hub struct {
	bus    *eventbus.Bus
	broker *mqttbroker.Broker

	writeFn   WriteFunc
	historyFn HistoryFunc

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	pending map[string]*Client // write job ID -> client awaiting its ack

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage
	roomChange chan roomChange

	droppedTotal uint64
	unsubs       []func()
}

// allRoom addresses every connected client regardless of room membership,
// used for system-wide notices.
const allRoom = "*"

// New constructs a Hub that will publish variable changes to broker under
// topic "variables/<variableID>/value" (or the Variable's own configured
// topic) and broadcast them into rooms "connection:<connectionID>" and
// "variable:<variableID>".
func New(bus *eventbus.Bus, broker *mqttbroker.Broker) *Hub {
	return &Hub{
		bus:        bus,
		broker:     broker,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		pending:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 1024),
		roomChange: make(chan roomChange, 64),
	}
}

// SetWriteHandler wires the function the hub calls to service a
// variable:write client message. Must be called before Run.
func (h *Hub) SetWriteHandler(fn WriteFunc) { h.writeFn = fn }

// SetHistoryHandler wires the function the hub calls to service a
// variable:history client message. Must be called before Run.
func (h *Hub) SetHistoryHandler(fn HistoryFunc) { h.historyFn = fn }

// Run drives the hub's event loop until ctx is canceled. Call it in its own
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.unsubs = []func(){
		h.bus.Subscribe(eventbus.EventVariableChanged, h.onVariableChanged),
		h.bus.Subscribe(eventbus.EventVariableWriteResult, h.onWriteResult),
		h.bus.Subscribe(eventbus.EventVariableError, h.onVariableError),
		h.bus.Subscribe("connection.*", h.onConnectionEvent),
		h.bus.Subscribe(eventbus.EventDiscoverySymbols, h.onSymbolsDiscovered),
		h.bus.Subscribe(eventbus.EventOnlineChange, h.onOnlineChange),
		h.bus.Subscribe(eventbus.EventSystemError, h.onSystemError),
	}
	defer func() {
		for _, unsub := range h.unsubs {
			unsub()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case rc := <-h.roomChange:
			h.applyRoomChange(rc)
		}
	}
}

// WriteResult is the payload of eventbus.EventVariableWriteResult: the
// outcome of one variable-write job, keyed by the Work Queue job ID the
// WebSocket/REST caller received as its correlation id.
type WriteResult struct {
	JobID      string
	VariableID string
	Success    bool
	Error      string
}

// onWriteResult delivers a variable:write:ack/:error directly to the client
// that issued the matching write, never broadcasting it to the room.
func (h *Hub) onWriteResult(ev eventbus.Event) {
	res, ok := ev.Payload.(WriteResult)
	if !ok {
		return
	}
	h.mu.Lock()
	c, ok := h.pending[res.JobID]
	if ok {
		delete(h.pending, res.JobID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	msgType := "variable:write:ack"
	if !res.Success {
		msgType = "variable:write:error"
	}
	body, err := json.Marshal(map[string]any{
		"type":          msgType,
		"correlationId": res.JobID,
		"variableId":    res.VariableID,
		"error":         res.Error,
	})
	if err != nil {
		return
	}
	h.sendTo(c, body)
}

func (h *Hub) onVariableChanged(ev eventbus.Event) {
	change, ok := ev.Payload.(VariableChange)
	if !ok {
		return
	}

	quality := change.Quality
	if quality == "" {
		quality = "good"
	}

	if h.broker != nil {
		topic := valueTopic(change.VariableID, change.Topic)
		mqttBody, err := json.Marshal(mqttValuePayload{
			Value:     change.Value,
			Timestamp: change.Timestamp.UnixMilli(),
			Quality:   quality,
		})
		if err != nil {
			slog.Error("fanout: marshal variable change", "error", err)
		} else if err := h.broker.Publish(topic, mqttBody, true); err != nil {
			slog.Warn("fanout: mqtt publish failed", "topic", topic, "error", err)
		}
	}

	wsBody, err := json.Marshal(struct {
		Type string `json:"type"`
		VariableChange
	}{Type: "variable:changed", VariableChange: change})
	if err != nil {
		slog.Error("fanout: marshal variable change", "error", err)
		return
	}
	h.broadcast <- roomMessage{room: "variable:" + change.VariableID, payload: wsBody}
	h.broadcast <- roomMessage{room: "connection:" + change.ConnectionID, payload: wsBody}
}

// onConnectionEvent pushes session lifecycle transitions into the
// connection's room as connection:established|lost|error messages.
func (h *Hub) onConnectionEvent(ev eventbus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	connID, _ := payload["connection_id"].(string)
	if connID == "" {
		return
	}

	var msgType string
	body := map[string]any{"connectionId": connID, "timestamp": ev.Timestamp.UnixMilli()}
	switch ev.Name {
	case eventbus.EventConnectionUp:
		msgType = "connection:established"
	case eventbus.EventConnectionLost:
		msgType = "connection:lost"
		body["error"], _ = payload["error"].(string)
	case eventbus.EventConnectionError:
		msgType = "connection:error"
		body["error"], _ = payload["error"].(string)
	default:
		return
	}
	body["type"] = msgType
	h.broadcast <- roomMessage{room: "connection:" + connID, payload: mustJSON(body)}
}

// onSymbolsDiscovered pushes the symbols:discovered notice into the
// connection's room after a Discovery enumeration completes.
func (h *Hub) onSymbolsDiscovered(ev eventbus.Event) {
	syms, ok := ev.Payload.(discovery.SymbolsEvent)
	if !ok {
		return
	}
	paths := make([]string, 0, len(syms.Symbols))
	for _, s := range syms.Symbols {
		paths = append(paths, s.Path)
	}
	h.broadcast <- roomMessage{room: "connection:" + syms.ConnectionID, payload: mustJSON(map[string]any{
		"type":         "symbols:discovered",
		"connectionId": syms.ConnectionID,
		"symbols":      paths,
		"count":        len(paths),
	})}
}

// onOnlineChange pushes the online-change notice into the connection's room.
func (h *Hub) onOnlineChange(ev eventbus.Event) {
	oc, ok := ev.Payload.(discovery.OnlineChangeEvent)
	if !ok {
		return
	}
	h.broadcast <- roomMessage{room: "connection:" + oc.ConnectionID, payload: mustJSON(map[string]any{
		"type":         "online-change",
		"connectionId": oc.ConnectionID,
		"counter":      oc.Counter,
		"previous":     oc.Previous,
	})}
}

// onSystemError pushes engine-level faults to every connected client.
func (h *Hub) onSystemError(ev eventbus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	body := map[string]any{"type": "system:error", "timestamp": ev.Timestamp.UnixMilli()}
	for k, v := range payload {
		if k != "type" && k != "timestamp" {
			body[k] = v
		}
	}
	h.broadcast <- roomMessage{room: allRoom, payload: mustJSON(body)}
}

// onVariableError publishes a non-retained error notice to the variable's
// error topic when the Session/Gateway reports a protocol failure.
func (h *Hub) onVariableError(ev eventbus.Event) {
	verr, ok := ev.Payload.(VariableError)
	if !ok {
		return
	}
	if h.broker == nil {
		return
	}
	ts := verr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(mqttErrorPayload{Error: verr.Error, Timestamp: ts.UnixMilli()})
	if err != nil {
		slog.Error("fanout: marshal variable error", "error", err)
		return
	}
	topic := errorTopic(verr.VariableID)
	if err := h.broker.Publish(topic, body, false); err != nil {
		slog.Warn("fanout: mqtt publish failed", "topic", topic, "error", err)
	}
}

// PublishToTopic pushes an arbitrary payload into room "topic:<name>" and,
// if a broker is attached, onto the matching MQTT topic.
func (h *Hub) PublishToTopic(name string, payload []byte, retain bool) {
	if h.broker != nil {
		if err := h.broker.Publish(name, payload, retain); err != nil {
			slog.Warn("fanout: mqtt publish failed", "topic", name, "error", err)
		}
	}
	h.broadcast <- roomMessage{room: "topic:" + name, payload: payload}
}

func (h *Hub) deliver(msg roomMessage) {
	h.mu.RLock()
	var clients []*Client
	if msg.room == allRoom {
		clients = make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
	} else {
		members := h.rooms[msg.room]
		clients = make([]*Client, 0, len(members))
		for c := range members {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.sendTo(c, msg.payload)
	}
}

// sendTo delivers payload to one client directly, applying the same
// drop-oldest backpressure policy as a room broadcast: if the client's send
// buffer is full, the oldest queued message is dropped to make room rather
// than block the hub's single event loop on one slow client.
func (h *Hub) sendTo(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}
	select {
	case <-c.send:
		atomic.AddUint64(&h.droppedTotal, 1)
	default:
	}
	select {
	case c.send <- payload:
	default:
	}
}

// DroppedCount reports how many queued messages have been dropped across
// every client due to backpressure.
func (h *Hub) DroppedCount() uint64 {
	return atomic.LoadUint64(&h.droppedTotal)
}

// pendingSnapshot returns a copy of the job-ID -> client map awaiting a
// write ack, for tests only.
func (h *Hub) pendingSnapshot() map[string]*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*Client, len(h.pending))
	for k, v := range h.pending {
		out[k] = v
	}
	return out
}

func (h *Hub) applyRoomChange(rc roomChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[rc.client] {
		return
	}
	if rc.join {
		rc.client.rooms[rc.room] = true
		if h.rooms[rc.room] == nil {
			h.rooms[rc.room] = make(map[*Client]bool)
		}
		h.rooms[rc.room][rc.client] = true
		return
	}
	delete(rc.client.rooms, rc.room)
	delete(h.rooms[rc.room], rc.client)
	if len(h.rooms[rc.room]) == 0 {
		delete(h.rooms, rc.room)
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	for room := range c.rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][c] = true
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// ClientCount reports the number of currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and joins the resulting client to
// every room named in the "rooms" query parameter (comma-separated).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("fanout: websocket upgrade failed", "error", err)
		return
	}

	roomNames := parseRooms(r.URL.Query().Get("rooms"))
	c := &Client{
		id:    r.RemoteAddr,
		conn:  conn,
		send:  make(chan []byte, clientSendSize),
		hub:   h,
		rooms: roomNames,
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

func parseRooms(raw string) map[string]bool {
	rooms := make(map[string]bool)
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if name := raw[start:i]; name != "" {
				rooms[name] = true
			}
			start = i + 1
		}
	}
	return rooms
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("fanout: websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.hub.handleClientMessage(c, raw)
	}
}

// handleClientMessage dispatches one client->server frame: room
// subscribe/unsubscribe, a variable write request, or a history query.
// Write/history replies and write acks go only to the requesting client,
// never broadcast to a room.
func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe:connection":
		h.roomChange <- roomChange{client: c, room: "connection:" + msg.Room, join: true}
	case "subscribe:variable":
		h.roomChange <- roomChange{client: c, room: "variable:" + msg.Room, join: true}
	case "subscribe:topic":
		h.roomChange <- roomChange{client: c, room: "topic:" + msg.Room, join: true}
	case "unsubscribe:connection":
		h.roomChange <- roomChange{client: c, room: "connection:" + msg.Room, join: false}
	case "unsubscribe:variable":
		h.roomChange <- roomChange{client: c, room: "variable:" + msg.Room, join: false}
	case "unsubscribe:topic":
		h.roomChange <- roomChange{client: c, room: "topic:" + msg.Room, join: false}
	case "variable:write":
		h.handleWriteRequest(c, msg)
	case "variable:history":
		h.handleHistoryRequest(c, msg)
	}
}

func (h *Hub) handleWriteRequest(c *Client, msg clientMessage) {
	if h.writeFn == nil {
		h.sendTo(c, mustJSON(map[string]any{
			"type": "variable:write:error", "variableId": msg.VariableID,
			"correlationId": msg.CorrelationID, "error": "writes are not accepted on this hub",
		}))
		return
	}
	jobID, err := h.writeFn(context.Background(), msg.VariableID, msg.Value)
	if err != nil {
		h.sendTo(c, mustJSON(map[string]any{
			"type": "variable:write:error", "variableId": msg.VariableID,
			"correlationId": msg.CorrelationID, "error": err.Error(),
		}))
		return
	}
	h.mu.Lock()
	h.pending[jobID] = c
	h.mu.Unlock()
}

func (h *Hub) handleHistoryRequest(c *Client, msg clientMessage) {
	if h.historyFn == nil {
		h.sendTo(c, mustJSON(map[string]any{
			"type": "variable:history", "variableId": msg.VariableID, "entries": []HistoryEntry{},
		}))
		return
	}
	entries := h.historyFn(msg.VariableID, msg.Limit)
	h.sendTo(c, mustJSON(map[string]any{
		"type": "variable:history", "variableId": msg.VariableID, "entries": entries,
	}))
}

func mustJSON(v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return body
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package mqttbroker embeds an MQTT 3.1.1/5 broker (C9) in-process. The
// Fan-out Hub calls Publish directly — there is no network hop between the
// gateway's own variable-change pipeline and the broker it hosts.
package mqttbroker

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Broker wraps an embedded mochi-mqtt server with the engine's counters.
type Broker struct {
	server *mqtt.Server

	clientCount uint64
	subCount    uint64
	msgCount    uint64
}

// Config configures the embedded broker's listener.
type Config struct {
	Port int
	Host string
}

// New constructs a Broker listening on cfg.Host:cfg.Port. The broker does
// not start listening until Start is called.
func New(cfg Config) (*Broker, error) {
	server := mqtt.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("mqttbroker: install auth hook: %w", err)
	}

	b := &Broker{server: server}
	if err := server.AddHook(&countingHook{broker: b}, nil); err != nil {
		return nil, fmt.Errorf("mqttbroker: install counting hook: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tcp := listeners.NewTCP(listeners.Config{ID: "gateway", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("mqttbroker: add listener %s: %w", addr, err)
	}

	return b, nil
}

// Start begins serving MQTT connections. It blocks until Close is called,
// so callers should run it in its own goroutine.
func (b *Broker) Start() error {
	slog.Info("mqttbroker: starting")
	return b.server.Serve()
}

// Close stops the broker and disconnects every client.
func (b *Broker) Close() error {
	return b.server.Close()
}

// Publish sends payload to topic. Retained messages persist for late
// subscribers, per the retained-message requirement.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Stats reports the broker's current client, subscription, and message
// counters.
type Stats struct {
	Clients       uint64
	Subscriptions uint64
	Messages      uint64
}

func (b *Broker) Stats() Stats {
	return Stats{
		Clients:       atomic.LoadUint64(&b.clientCount),
		Subscriptions: atomic.LoadUint64(&b.subCount),
		Messages:      atomic.LoadUint64(&b.msgCount),
	}
}

// countingHook maintains client/subscription counters via the broker's
// lifecycle hook interface instead of polling internal server state.
type countingHook struct {
	mqtt.HookBase
	broker *Broker
}

func (h *countingHook) ID() string { return "gateway-counters" }

func (h *countingHook) Provides(b byte) bool {
	switch b {
	case mqtt.OnConnect, mqtt.OnDisconnect, mqtt.OnSubscribed, mqtt.OnUnsubscribed, mqtt.OnPublished:
		return true
	default:
		return false
	}
}

func (h *countingHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	atomic.AddUint64(&h.broker.msgCount, 1)
}

func (h *countingHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	atomic.AddUint64(&h.broker.clientCount, 1)
	return nil
}

func (h *countingHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	atomic.AddUint64(&h.broker.clientCount, ^uint64(0))
}

func (h *countingHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	atomic.AddUint64(&h.broker.subCount, uint64(len(pk.Filters)))
}

func (h *countingHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	n := uint64(len(pk.Filters))
	if n == 0 {
		n = 1
	}
	atomic.AddUint64(&h.broker.subCount, ^(n - 1))
}

// Package plcsession implements one ADS connection to a single PLC (C6):
// dial, request/response correlation by AMS InvokeID, symbolic read/write,
// raw index-group/offset access, device notification subscription, and
// reconnect scheduling on an exponential backoff, with each connect outcome
// recorded in a per-connection circuit breaker for health reporting. One
// goroutine owns the read side of the TCP connection and the reconnect
// loop; callers write their request frames on the connection directly
// (read under a lock) and wait on a per-InvokeID reply channel.
package plcsession

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/adsgateway/internal/adsprotocol"
	"github.com/ocx/adsgateway/internal/circuitbreaker"
	"github.com/ocx/adsgateway/internal/eventbus"
)

// State names the lifecycle stage of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Errors that callers classify with errors.Is/errors.As per the engine's
// retryable-vs-fatal convention.
var (
	ErrRetryable     = errors.New("plcsession: retryable error")
	ErrFatal         = errors.New("plcsession: fatal error")
	ErrNotConnected  = fmt.Errorf("plcsession: not connected: %w", ErrRetryable)
	ErrRequestTimeout = fmt.Errorf("plcsession: request timed out: %w", ErrRetryable)
	ErrClosed        = fmt.Errorf("plcsession: session closed: %w", ErrFatal)
)

// Config describes one PLC endpoint to connect to.
type Config struct {
	ConnectionID   string
	Address        string // host:port for the ADS TCP port, typically 48898
	TargetNetID    [6]byte
	TargetPort     uint16
	SourceNetID    [6]byte
	SourcePort     uint16
	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
	ReconnectCap   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 2 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	return c
}

// Notification is one device-notification payload delivered for a handle
// registered via Subscribe.
type Notification struct {
	Handle uint32
	Data   []byte
}

type pendingCall struct {
	replyCh chan pendingReply
}

type pendingReply struct {
	header  adsprotocol.AMSHeader
	payload []byte
}

// Session owns one ADS TCP connection.
type Session struct {
	cfg     Config
	bus     *eventbus.Bus
	breaker *circuitbreaker.CircuitBreaker
	backoff *circuitbreaker.ReconnectBackoff

	mu    sync.RWMutex
	conn  net.Conn
	state State

	invokeID uint32 // atomic

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	notifyMu sync.RWMutex
	notify   map[uint32]chan Notification

	stop chan struct{}
	done chan struct{}
}

// New creates a Session. Call Run to own the connection lifecycle.
func New(cfg Config, bus *eventbus.Bus) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		bus:     bus,
		breaker: circuitbreaker.New(circuitbreaker.ReconnectConfig(cfg.ConnectionID, cfg.ReconnectCap)),
		backoff: circuitbreaker.NewReconnectBackoff(cfg.ReconnectCap),
		state:   StateDisconnected,
		pending: make(map[uint32]*pendingCall),
		notify:  make(map[uint32]chan Notification),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetBreaker swaps in a shared reconnect-health breaker, such as one handed
// out by a connmanager.Manager's circuitbreaker.ConnectionBreakers registry,
// so health reporting spans the whole connection's lifetime rather than
// just this one Session instance. Call before Run. A nil breaker is a no-op.
func (s *Session) SetBreaker(b *circuitbreaker.CircuitBreaker) {
	if b != nil {
		s.breaker = b
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run is the session's single long-running task: it dials, serves the read
// loop until the connection drops, then reconnects on an exponential
// backoff (1s, 2s, 4s, ..., capped at cfg.ReconnectCap) until Close is
// called or a fatal (non-retryable) error is hit. Run returns when the
// session is closed. The circuit breaker records each outcome purely for
// health reporting; it does not gate the reconnect schedule.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			s.setState(StateClosed)
			return
		case <-ctx.Done():
			s.setState(StateClosed)
			return
		default:
		}

		err := s.connectAndServe(ctx)
		s.recordOutcome(err)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrFatal) {
			s.setState(StateClosed)
			s.emit(eventbus.EventConnectionError, err)
			return
		}

		s.emit(eventbus.EventConnectionLost, err)
		delay := s.backoff.Next()
		s.setState(StateReconnecting)
		slog.Info("plcsession: reconnecting", "connection_id", s.cfg.ConnectionID, "delay", delay)
		select {
		case <-time.After(delay):
		case <-s.stop:
			s.setState(StateClosed)
			return
		case <-ctx.Done():
			s.setState(StateClosed)
			return
		}
	}
}

// recordOutcome feeds a connect attempt's result into the health-reporting
// circuit breaker. It never influences the reconnect schedule itself.
func (s *Session) recordOutcome(err error) {
	if s.breaker == nil {
		return
	}
	s.breaker.Execute(func() (interface{}, error) { return nil, err })
}

func (s *Session) emit(event string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event, map[string]any{"connection_id": s.cfg.ConnectionID, "error": err.Error()})
}

// connectAndServe dials once and blocks serving the read loop until the
// connection fails or the session is stopped.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)

	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrRetryable, s.cfg.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)
	s.backoff.Reset()
	s.emit(eventbus.EventConnectionUp, errors.New("connected"))
	slog.Info("plcsession: connected", "connection_id", s.cfg.ConnectionID, "address", s.cfg.Address)

	err = s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()
	s.failPending(err)
	return err
}

func (s *Session) readLoop(conn net.Conn) error {
	prefix := make([]byte, 6)
	for {
		if _, err := readFull(conn, prefix); err != nil {
			return fmt.Errorf("%w: read prefix: %v", ErrRetryable, err)
		}
		bodyLen := binary.LittleEndian.Uint32(prefix[2:6])
		body := make([]byte, bodyLen)
		if _, err := readFull(conn, body); err != nil {
			return fmt.Errorf("%w: read body: %v", ErrRetryable, err)
		}

		frame := append(prefix, body...)
		header, payload, err := adsprotocol.Unmarshal(frame)
		if err != nil {
			slog.Warn("plcsession: malformed frame, dropping", "connection_id", s.cfg.ConnectionID, "error", err)
			continue
		}

		if header.Command == adsprotocol.CommandNotification {
			s.dispatchNotification(payload)
			continue
		}
		s.dispatchReply(header, payload)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func (s *Session) dispatchReply(header adsprotocol.AMSHeader, payload []byte) {
	s.pendingMu.Lock()
	call, ok := s.pending[header.InvokeID]
	if ok {
		delete(s.pending, header.InvokeID)
	}
	s.pendingMu.Unlock()

	if !ok {
		return
	}
	select {
	case call.replyCh <- pendingReply{header: header, payload: payload}:
	default:
	}
}

func (s *Session) failPending(error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, call := range s.pending {
		close(call.replyCh)
		delete(s.pending, id)
	}
}

// dispatchNotification decodes the ADS device-notification stream payload
// (a count of AdsStampHeader blocks, each with one or more per-handle
// samples) and routes each sample to its registered channel.
func (s *Session) dispatchNotification(payload []byte) {
	r := bytes.NewReader(payload)
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return
	}
	var stamps uint32
	if err := binary.Read(r, binary.LittleEndian, &stamps); err != nil {
		return
	}
	for i := uint32(0); i < stamps; i++ {
		var timestamp uint64
		var samples uint32
		if binary.Read(r, binary.LittleEndian, &timestamp) != nil {
			return
		}
		if binary.Read(r, binary.LittleEndian, &samples) != nil {
			return
		}
		for j := uint32(0); j < samples; j++ {
			var handle uint32
			var size uint32
			if binary.Read(r, binary.LittleEndian, &handle) != nil {
				return
			}
			if binary.Read(r, binary.LittleEndian, &size) != nil {
				return
			}
			data := make([]byte, size)
			if _, err := r.Read(data); err != nil {
				return
			}

			s.notifyMu.RLock()
			ch, ok := s.notify[handle]
			s.notifyMu.RUnlock()
			if ok {
				select {
				case ch <- Notification{Handle: handle, Data: data}:
				default:
				}
			}
		}
	}
}

// request sends one ADS command and waits for its correlated reply.
func (s *Session) request(ctx context.Context, command adsprotocol.Command, indexGroup, indexOffset uint32, writeData []byte, readLen uint32) ([]byte, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	invokeID := atomic.AddUint32(&s.invokeID, 1)
	call := &pendingCall{replyCh: make(chan pendingReply, 1)}

	s.pendingMu.Lock()
	s.pending[invokeID] = call
	s.pendingMu.Unlock()

	payload := new(bytes.Buffer)
	switch command {
	case adsprotocol.CommandRead:
		binary.Write(payload, binary.LittleEndian, indexGroup)
		binary.Write(payload, binary.LittleEndian, indexOffset)
		binary.Write(payload, binary.LittleEndian, readLen)
	case adsprotocol.CommandWrite:
		binary.Write(payload, binary.LittleEndian, indexGroup)
		binary.Write(payload, binary.LittleEndian, indexOffset)
		binary.Write(payload, binary.LittleEndian, uint32(len(writeData)))
		payload.Write(writeData)
	case adsprotocol.CommandReadWrite:
		binary.Write(payload, binary.LittleEndian, indexGroup)
		binary.Write(payload, binary.LittleEndian, indexOffset)
		binary.Write(payload, binary.LittleEndian, readLen)
		binary.Write(payload, binary.LittleEndian, uint32(len(writeData)))
		payload.Write(writeData)
	case adsprotocol.CommandAddNotification:
		// writeData already carries the AdsNotificationAttrib tail: cbLength,
		// transmission mode, max delay, cycle time, and 16 reserved bytes.
		binary.Write(payload, binary.LittleEndian, indexGroup)
		binary.Write(payload, binary.LittleEndian, indexOffset)
		payload.Write(writeData)
	case adsprotocol.CommandDelNotification:
		// The wire format is just the 4-byte notification handle, with no
		// index group/offset prefix.
		payload.Write(writeData)
	default:
		binary.Write(payload, binary.LittleEndian, indexGroup)
		binary.Write(payload, binary.LittleEndian, indexOffset)
		payload.Write(writeData)
	}

	header := adsprotocol.AMSHeader{
		Target:     adsprotocol.AMSAddress{NetID: s.cfg.TargetNetID, Port: s.cfg.TargetPort},
		Source:     adsprotocol.AMSAddress{NetID: s.cfg.SourceNetID, Port: s.cfg.SourcePort},
		Command:    command,
		StateFlags: adsprotocol.StateFlagADSCmd,
		InvokeID:   invokeID,
	}
	frame := adsprotocol.Marshal(header, payload.Bytes())

	if _, err := conn.Write(frame); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, invokeID)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: write: %v", ErrRetryable, err)
	}

	timeout := time.NewTimer(s.cfg.RPCTimeout)
	defer timeout.Stop()

	select {
	case reply, ok := <-call.replyCh:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.header.ErrorCode != 0 {
			return nil, fmt.Errorf("%w: ads error code 0x%X", ErrFatal, reply.header.ErrorCode)
		}
		return reply.payload, nil
	case <-timeout.C:
		s.pendingMu.Lock()
		delete(s.pending, invokeID)
		s.pendingMu.Unlock()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadRaw performs an ADS Read by index group/offset.
func (s *Session) ReadRaw(ctx context.Context, indexGroup, indexOffset uint32, length uint32) ([]byte, error) {
	return s.request(ctx, adsprotocol.CommandRead, indexGroup, indexOffset, nil, length)
}

// WriteRaw performs an ADS Write by index group/offset.
func (s *Session) WriteRaw(ctx context.Context, indexGroup, indexOffset uint32, data []byte) error {
	_, err := s.request(ctx, adsprotocol.CommandWrite, indexGroup, indexOffset, data, 0)
	return err
}

// GetHandle resolves a symbol path to a runtime handle, for fast repeat
// access via IndexGroupSymbolValueByHandle.
func (s *Session) GetHandle(ctx context.Context, path string) (uint32, error) {
	reply, err := s.request(ctx, adsprotocol.CommandReadWrite, adsprotocol.IndexGroupSymbolHandleByName, 0, append([]byte(path), 0), 4)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, fmt.Errorf("%w: short handle reply", ErrFatal)
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// ReleaseHandle frees a handle obtained from GetHandle.
func (s *Session) ReleaseHandle(ctx context.Context, handle uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, handle)
	_, err := s.request(ctx, adsprotocol.CommandWrite, adsprotocol.IndexGroupReleaseHandle, 0, buf, 0)
	return err
}

// ReadByHandle reads length bytes of a symbol via its handle.
func (s *Session) ReadByHandle(ctx context.Context, handle uint32, length uint32) ([]byte, error) {
	return s.request(ctx, adsprotocol.CommandRead, adsprotocol.IndexGroupSymbolValueByHandle, handle, nil, length)
}

// WriteByHandle writes a symbol's value via its handle.
func (s *Session) WriteByHandle(ctx context.Context, handle uint32, data []byte) error {
	_, err := s.request(ctx, adsprotocol.CommandWrite, adsprotocol.IndexGroupSymbolValueByHandle, handle, data, 0)
	return err
}

// notifyTransModeOnChange requests the PLC push a sample only when the
// monitored value changes (ADSTRANS_SERVERONCHANGE), rather than on a fixed
// cycle regardless of change.
const notifyTransModeOnChange uint32 = 4

// AddDeviceNotification registers a device notification with the PLC for
// length bytes at indexGroup/indexOffset, sampled at cyclePeriod, and
// returns the PLC-assigned notification handle to pass to Subscribe.
func (s *Session) AddDeviceNotification(ctx context.Context, indexGroup, indexOffset, length uint32, cyclePeriod time.Duration) (uint32, error) {
	tail := new(bytes.Buffer)
	binary.Write(tail, binary.LittleEndian, length)
	binary.Write(tail, binary.LittleEndian, notifyTransModeOnChange)
	binary.Write(tail, binary.LittleEndian, uint32(0)) // max delay
	binary.Write(tail, binary.LittleEndian, uint32(cyclePeriod/(100*time.Nanosecond)))
	tail.Write(make([]byte, 16)) // reserved

	reply, err := s.request(ctx, adsprotocol.CommandAddNotification, indexGroup, indexOffset, tail.Bytes(), 0)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, fmt.Errorf("%w: short add-notification reply", ErrFatal)
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// DelDeviceNotification cancels a notification previously registered with
// AddDeviceNotification.
func (s *Session) DelDeviceNotification(ctx context.Context, handle uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, handle)
	_, err := s.request(ctx, adsprotocol.CommandDelNotification, 0, 0, buf, 0)
	return err
}

// Subscribe registers a device notification for handle and returns a
// channel of incoming samples plus an unsubscribe function.
func (s *Session) Subscribe(handle uint32) (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	s.notifyMu.Lock()
	s.notify[handle] = ch
	s.notifyMu.Unlock()

	return ch, func() {
		s.notifyMu.Lock()
		delete(s.notify, handle)
		s.notifyMu.Unlock()
		close(ch)
	}
}

// Close stops the session's Run loop and waits for it to exit.
func (s *Session) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Package connmanager implements the engine's connection registry (C8): the
// set of configured PLC connections, each running its own plcsession.Session
// under a dedicated goroutine, plus the variableId -> connectionId index
// consulted on every read/write/subscribe request. The variable index is
// stored as an immutable map behind atomic.Value so lookups never take a
// lock; rebuilding it on every registration change is cheap at the scale
// this engine targets (thousands, not millions, of variables).
package connmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/adsgateway/internal/circuitbreaker"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/plcsession"
)

// ConnectionConfig describes one PLC endpoint to manage.
type ConnectionConfig struct {
	ID          string
	Address     string
	TargetNetID [6]byte
	TargetPort  uint16
	SourceNetID [6]byte
	SourcePort  uint16
}

type managedConnection struct {
	cfg     ConnectionConfig
	session *plcsession.Session
	cancel  context.CancelFunc
	addedAt time.Time
}

// Manager owns every configured PLC connection.
type Manager struct {
	bus      *eventbus.Bus
	breakers *circuitbreaker.ConnectionBreakers

	mu    sync.RWMutex
	conns map[string]*managedConnection

	varIndex atomic.Value // map[string]string: variableID -> connectionID
}

// New creates an empty connection registry.
func New(bus *eventbus.Bus) *Manager {
	m := &Manager{
		bus:      bus,
		breakers: circuitbreaker.NewConnectionBreakers(),
		conns:    make(map[string]*managedConnection),
	}
	m.varIndex.Store(map[string]string{})
	return m
}

// Add registers a new connection and starts its session goroutine. Returns
// an error if a connection with the same ID already exists.
func (m *Manager) Add(sessCfg plcsession.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[sessCfg.ConnectionID]; exists {
		return fmt.Errorf("connmanager: connection %q already registered", sessCfg.ConnectionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := plcsession.New(sessCfg, m.bus)
	sess.SetBreaker(m.breakers.For(sessCfg.ConnectionID, sessCfg.ReconnectCap))

	m.conns[sessCfg.ConnectionID] = &managedConnection{
		cfg:     ConnectionConfig{ID: sessCfg.ConnectionID, Address: sessCfg.Address, TargetNetID: sessCfg.TargetNetID, TargetPort: sessCfg.TargetPort, SourceNetID: sessCfg.SourceNetID, SourcePort: sessCfg.SourcePort},
		session: sess,
		cancel:  cancel,
		addedAt: time.Now(),
	}

	go sess.Run(ctx)
	return nil
}

// Remove stops and discards a connection, and drops every variable mapping
// that pointed at it.
func (m *Manager) Remove(connectionID string) error {
	m.mu.Lock()
	conn, exists := m.conns[connectionID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("connmanager: connection %q not found", connectionID)
	}
	delete(m.conns, connectionID)
	m.mu.Unlock()

	conn.cancel()
	conn.session.Close()
	m.breakers.Remove(connectionID)

	m.pruneVariablesFor(connectionID)
	return nil
}

// HealthStatus reports the aggregate reconnect health across every
// connection's circuit breaker: "HEALTHY" unless one is open.
func (m *Manager) HealthStatus() (string, map[string]string) {
	return m.breakers.HealthStatus()
}

// Get returns the live session for connectionID.
func (m *Manager) Get(connectionID string) (*plcsession.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, false
	}
	return conn.session, true
}

// List returns every configured connection's config.
func (m *Manager) List() []ConnectionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionConfig, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.cfg)
	}
	return out
}

// Status reports every connection's current session state, keyed by ID.
func (m *Manager) Status() map[string]plcsession.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]plcsession.State, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.session.State()
	}
	return out
}

// RegisterVariable maps variableID to connectionID, replacing any prior
// mapping. Safe to call concurrently with ResolveVariable.
func (m *Manager) RegisterVariable(variableID, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.varIndex.Load().(map[string]string)
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[variableID] = connectionID
	m.varIndex.Store(next)
}

// ResolveVariable returns the connection ID registered for variableID.
func (m *Manager) ResolveVariable(variableID string) (string, bool) {
	current := m.varIndex.Load().(map[string]string)
	id, ok := current[variableID]
	return id, ok
}

// ResolveSession is a convenience combining ResolveVariable and Get.
func (m *Manager) ResolveSession(variableID string) (*plcsession.Session, bool) {
	connID, ok := m.ResolveVariable(variableID)
	if !ok {
		return nil, false
	}
	return m.Get(connID)
}

func (m *Manager) pruneVariablesFor(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.varIndex.Load().(map[string]string)
	next := make(map[string]string, len(current))
	for variableID, connID := range current {
		if connID != connectionID {
			next[variableID] = connID
		}
	}
	m.varIndex.Store(next)
}

// Close stops every connection's session goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*managedConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*managedConnection)
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.session.Close()
		m.breakers.Remove(c.cfg.ID)
	}
}

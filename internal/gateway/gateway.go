// Package gateway implements the Gateway Facade (C12): the single,
// thread-safe API the REST and WebSocket surfaces call into. It owns
// Variable lifecycle and wires every other component together — Connection
// Manager, Ring Buffer, Cache, Persistence, Work Queue, MQTT Broker,
// Fan-out Hub, Performance Monitor, and per-connection Symbol Discovery —
// without any of those collaborators reaching into one another directly.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/adsgateway/internal/adsprotocol"
	"github.com/ocx/adsgateway/internal/cache"
	"github.com/ocx/adsgateway/internal/connmanager"
	"github.com/ocx/adsgateway/internal/discovery"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/fanout"
	"github.com/ocx/adsgateway/internal/monitor"
	"github.com/ocx/adsgateway/internal/mqttbroker"
	"github.com/ocx/adsgateway/internal/persistence"
	"github.com/ocx/adsgateway/internal/plcsession"
	"github.com/ocx/adsgateway/internal/ringbuffer"
	"github.com/ocx/adsgateway/internal/workqueue"
)

// ConnectionConfig is the caller-facing description of one PLC endpoint.
type ConnectionConfig struct {
	ID          string
	Name        string
	Host        string
	Port        int
	TargetNetID [6]byte
	TargetPort  uint16
	SourcePort  uint16
	Enabled     bool
	Discovery   discovery.Config
}

// Variable is a subscription to one PLC symbol.
type Variable struct {
	ID               string
	ConnectionID     string
	Name             string
	Path             string
	Type             adsprotocol.DataType
	SamplePeriod     time.Duration
	UseNotification  bool
	Topic            string
	LastValue        any
	LastTimestamp    time.Time
	LastReadDuration time.Duration
	LastError        string
	LastQuality      ringbuffer.Quality
}

type liveVariable struct {
	cfg         Variable
	handle      uint32
	handleStale bool
	unsubscribe func()
	pollCancel  context.CancelFunc
}

// Dependencies are the already-constructed collaborators the facade wires
// together. All fields are required except Broker, which may be nil when
// the gateway runs without MQTT fan-out (tests, local debugging).
type Dependencies struct {
	Bus     *eventbus.Bus
	Cache   *cache.Cache
	Queue   *workqueue.Queue
	Store   *persistence.Store
	Conns   *connmanager.Manager
	Broker  *mqttbroker.Broker
	Fanout  *fanout.Hub
	Monitor *monitor.Monitor
	Ring    *ringbuffer.Registry
}

// Gateway is the facade.
type Gateway struct {
	deps Dependencies

	mu            sync.RWMutex
	connCfgs      map[string]ConnectionConfig
	variables     map[string]*liveVariable
	watchers      map[string]*discovery.Watcher
	watcherCancel map[string]context.CancelFunc
	symbols       map[string]discovery.SymbolsEvent

	persistMu      sync.Mutex
	persistPending map[string]persistJob
}

// persistBacklogThreshold is the Persistence priority queue depth above
// which contiguous same-variable samples coalesce into a single write
// instead of enqueuing one job per sample.
const persistBacklogThreshold = 50

// New constructs a Gateway over deps. The caller remains responsible for
// starting/stopping deps.Queue/deps.Fanout/deps.Broker's own run loops.
func New(deps Dependencies) *Gateway {
	g := &Gateway{
		deps:           deps,
		connCfgs:       make(map[string]ConnectionConfig),
		variables:      make(map[string]*liveVariable),
		watchers:       make(map[string]*discovery.Watcher),
		watcherCancel:  make(map[string]context.CancelFunc),
		symbols:        make(map[string]discovery.SymbolsEvent),
		persistPending: make(map[string]persistJob),
	}
	if deps.Queue != nil {
		deps.Queue.RegisterHandler(workqueue.PriorityPersistence, g.handlePersistenceJob)
		deps.Queue.RegisterHandler(workqueue.PriorityVariableWrite, g.handleWriteJob)
	}
	deps.Bus.Subscribe(eventbus.EventDiscoveryVarsAdd, g.onDiscoveredVariables)
	deps.Bus.Subscribe(eventbus.EventDiscoverySymbols, g.onDiscoveredSymbols)
	deps.Bus.Subscribe(eventbus.EventOnlineChange, g.onOnlineChange)
	return g
}

// onOnlineChange reacts to a PLC program update: every handle held for the
// affected connection is now invalid, so mark them for lazy re-resolution on
// the next read or write, and drop the connection's cached values.
func (g *Gateway) onOnlineChange(ev eventbus.Event) {
	oc, ok := ev.Payload.(discovery.OnlineChangeEvent)
	if !ok {
		return
	}
	g.mu.Lock()
	for _, lv := range g.variables {
		if lv.cfg.ConnectionID == oc.ConnectionID {
			lv.handleStale = true
		}
	}
	g.mu.Unlock()

	if g.deps.Cache != nil {
		g.deps.Cache.InvalidatePattern(context.Background(), "variable:*")
	}
}

// resolveHandle returns a variable's current symbol handle, re-resolving it
// from the symbol path first when an OnlineChange has invalidated it.
func (g *Gateway) resolveHandle(ctx context.Context, sess *plcsession.Session, variableID string) (uint32, error) {
	g.mu.RLock()
	lv, ok := g.variables[variableID]
	if !ok {
		g.mu.RUnlock()
		return 0, fmt.Errorf("gateway: variable %q not found", variableID)
	}
	handle, stale, path := lv.handle, lv.handleStale, lv.cfg.Path
	g.mu.RUnlock()

	if !stale {
		return handle, nil
	}
	fresh, err := sess.GetHandle(ctx, path)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	if lv, ok := g.variables[variableID]; ok {
		lv.handle = fresh
		lv.handleStale = false
	}
	g.mu.Unlock()
	return fresh, nil
}

// AddConnection registers a new PLC connection and, when cfg.Enabled is
// set, starts its Session and its Discovery watcher.
func (g *Gateway) AddConnection(cfg ConnectionConfig) error {
	g.mu.Lock()
	if _, exists := g.connCfgs[cfg.ID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("gateway: connection %q already exists", cfg.ID)
	}
	g.connCfgs[cfg.ID] = cfg
	g.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}
	return g.startSession(cfg)
}

// startSession dials the session and attaches its Discovery watcher. Shared
// by AddConnection and Connect so reconnecting an existing configuration
// goes through the identical wiring path.
func (g *Gateway) startSession(cfg ConnectionConfig) error {
	sessCfg := plcsession.Config{
		ConnectionID: cfg.ID,
		Address:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		TargetNetID:  cfg.TargetNetID,
		TargetPort:   cfg.TargetPort,
		SourcePort:   cfg.SourcePort,
	}
	if err := g.deps.Conns.Add(sessCfg); err != nil {
		return err
	}

	sess, _ := g.deps.Conns.Get(cfg.ID)
	watcher := discovery.New(cfg.ID, sess, g.deps.Bus, cfg.Discovery)

	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.watchers[cfg.ID] = watcher
	g.watcherCancel[cfg.ID] = cancel
	g.mu.Unlock()
	go watcher.Run(ctx)

	if g.deps.Store != nil {
		g.deps.Store.RecordConnectionEvent(cfg.ID, "connected", cfg.Name, time.Now())
	}
	return nil
}

// Connect (re)starts the Session for an already-configured connection that
// is not currently live. A no-op if the Session is already running.
func (g *Gateway) Connect(id string) error {
	g.mu.RLock()
	cfg, ok := g.connCfgs[id]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: connection %q not found", id)
	}
	if _, live := g.deps.Conns.Get(id); live {
		return nil
	}
	return g.startSession(cfg)
}

// Disconnect tears down the Session and its Discovery watcher without
// forgetting the connection's configuration or dropping its Variables —
// unlike RemoveConnection, a later Connect resumes service.
func (g *Gateway) Disconnect(id string) error {
	g.mu.Lock()
	if cancel, ok := g.watcherCancel[id]; ok {
		cancel()
		delete(g.watcherCancel, id)
		delete(g.watchers, id)
	}
	g.mu.Unlock()
	if g.deps.Store != nil {
		g.deps.Store.RecordConnectionEvent(id, "disconnected", "", time.Now())
	}
	return g.deps.Conns.Remove(id)
}

// Status reports a single connection's current session state.
func (g *Gateway) Status(id string) (plcsession.State, bool) {
	st, ok := g.deps.Conns.Status()[id]
	return st, ok
}

// Symbols returns the most recently discovered symbol set for connectionID.
func (g *Gateway) Symbols(connectionID string) ([]discovery.Symbol, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ev, ok := g.symbols[connectionID]
	if !ok {
		return nil, false
	}
	return ev.Symbols, true
}

// UpdateConnection replaces a connection's stored configuration. If the
// connection is currently live, the Session and Discovery watcher are
// restarted against the new configuration.
func (g *Gateway) UpdateConnection(cfg ConnectionConfig) error {
	g.mu.Lock()
	if _, exists := g.connCfgs[cfg.ID]; !exists {
		g.mu.Unlock()
		return fmt.Errorf("gateway: connection %q not found", cfg.ID)
	}
	_, live := g.deps.Conns.Get(cfg.ID)
	g.connCfgs[cfg.ID] = cfg
	g.mu.Unlock()

	if !live {
		return nil
	}
	if err := g.Disconnect(cfg.ID); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	return g.startSession(cfg)
}

// SetDiscoveryConfig updates a connection's Discovery policy, restarting its
// watcher with the new configuration if one is currently running.
func (g *Gateway) SetDiscoveryConfig(id string, cfg discovery.Config) error {
	g.mu.Lock()
	existing, ok := g.connCfgs[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("gateway: connection %q not found", id)
	}
	existing.Discovery = cfg
	g.connCfgs[id] = existing
	_, hasWatcher := g.watcherCancel[id]
	g.mu.Unlock()

	if !hasWatcher {
		return nil
	}
	return g.UpdateConnection(existing)
}

// RemoveConnection disconnects a connection and drops every Variable that
// referenced it.
func (g *Gateway) RemoveConnection(id string) error {
	g.mu.Lock()
	if _, exists := g.connCfgs[id]; !exists {
		g.mu.Unlock()
		return fmt.Errorf("gateway: connection %q not found", id)
	}
	delete(g.connCfgs, id)
	if cancel, ok := g.watcherCancel[id]; ok {
		cancel()
		delete(g.watcherCancel, id)
		delete(g.watchers, id)
	}
	var toRemove []string
	for vid, lv := range g.variables {
		if lv.cfg.ConnectionID == id {
			toRemove = append(toRemove, vid)
		}
	}
	g.mu.Unlock()

	for _, vid := range toRemove {
		g.RemoveVariable(vid)
	}

	return g.deps.Conns.Remove(id)
}

// Connections lists every configured connection.
func (g *Gateway) Connections() []ConnectionConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ConnectionConfig, 0, len(g.connCfgs))
	for _, c := range g.connCfgs {
		out = append(out, c)
	}
	return out
}

// Statuses reports the session state of every connection that has a live
// Session; a configured connection that is disabled or disconnected is
// absent from the map.
func (g *Gateway) Statuses() map[string]plcsession.State {
	return g.deps.Conns.Status()
}

// ReconnectHealth reports the aggregate reconnect-circuit-breaker health
// across every connection: "HEALTHY" unless one has tripped open.
func (g *Gateway) ReconnectHealth() (string, map[string]string) {
	return g.deps.Conns.HealthStatus()
}

// TriggerDiscovery runs one discovery tick immediately for connectionID.
func (g *Gateway) TriggerDiscovery(connectionID string) error {
	g.mu.RLock()
	w, ok := g.watchers[connectionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no discovery watcher for connection %q", connectionID)
	}
	w.Trigger(context.Background())
	return nil
}

// AddVariable registers a new Variable subscription: resolves the symbol
// handle, wires either a device notification or a poll timer, and records
// the variableId -> connectionId mapping the Connection Manager uses for
// routing.
func (g *Gateway) AddVariable(ctx context.Context, v Variable) error {
	sess, ok := g.deps.Conns.Get(v.ConnectionID)
	if !ok {
		return fmt.Errorf("gateway: connection %q not found", v.ConnectionID)
	}

	handle, err := sess.GetHandle(ctx, v.Path)
	if err != nil {
		return fmt.Errorf("gateway: resolve handle for %q: %w", v.Path, err)
	}

	lv := &liveVariable{cfg: v, handle: handle}

	if v.UseNotification {
		size := adsprotocol.Size(v.Type)
		if size <= 0 {
			return fmt.Errorf("gateway: no wire size for type %q", v.Type)
		}
		notifyHandle, err := sess.AddDeviceNotification(ctx, adsprotocol.IndexGroupSymbolValueByHandle, handle, uint32(size), v.SamplePeriod)
		if err != nil {
			return fmt.Errorf("gateway: add notification for %q: %w", v.Path, err)
		}
		ch, unsubscribe := sess.Subscribe(notifyHandle)
		lv.unsubscribe = func() {
			unsubscribe()
			sess.DelDeviceNotification(context.Background(), notifyHandle)
		}
		go g.consumeNotifications(v.ID, v.Type, ch)
	} else {
		pollCtx, cancel := context.WithCancel(context.Background())
		lv.pollCancel = cancel
		go g.pollVariable(pollCtx, v.ID, v.Type, v.SamplePeriod)
	}

	g.mu.Lock()
	g.variables[v.ID] = lv
	g.mu.Unlock()

	g.deps.Conns.RegisterVariable(v.ID, v.ConnectionID)
	return nil
}

// RemoveVariable tears down a Variable's notification/poll and drops its
// ring buffer history.
func (g *Gateway) RemoveVariable(id string) error {
	g.mu.Lock()
	lv, ok := g.variables[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("gateway: variable %q not found", id)
	}
	delete(g.variables, id)
	g.mu.Unlock()

	if lv.unsubscribe != nil {
		lv.unsubscribe()
	}
	if lv.pollCancel != nil {
		lv.pollCancel()
	}
	if g.deps.Ring != nil {
		g.deps.Ring.Remove(id)
	}
	return nil
}

// Variable returns the current snapshot of one Variable.
func (g *Gateway) Variable(id string) (Variable, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	lv, ok := g.variables[id]
	if !ok {
		return Variable{}, false
	}
	return lv.cfg, true
}

// Variables lists every registered Variable.
func (g *Gateway) Variables() []Variable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Variable, 0, len(g.variables))
	for _, lv := range g.variables {
		out = append(out, lv.cfg)
	}
	return out
}

// VariablesFor lists every Variable registered against connectionID.
func (g *Gateway) VariablesFor(connectionID string) []Variable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Variable, 0)
	for _, lv := range g.variables {
		if lv.cfg.ConnectionID == connectionID {
			out = append(out, lv.cfg)
		}
	}
	return out
}

// WriteVariable enqueues a variable write through the Work Queue, to
// preserve FIFO-within-priority ordering against concurrent discovery and
// persistence jobs, then applies it once dequeued.
func (g *Gateway) WriteVariable(ctx context.Context, variableID string, value any) (string, error) {
	if g.deps.Queue == nil {
		return "", fmt.Errorf("gateway: no work queue configured")
	}
	return g.deps.Queue.Enqueue(ctx, workqueue.PriorityVariableWrite, writeJob{VariableID: variableID, Value: value})
}

// History returns the in-memory ring buffer samples for a Variable.
func (g *Gateway) History(variableID string, limit int) []ringbuffer.BufferEntry {
	return g.deps.Ring.Get(variableID).LastN(limit)
}

// HistoryStats returns count/min/max/average/latest for a Variable. It
// reads the in-memory Ring Buffer first and only falls back to the durable
// Persistence store's Statistics when the buffer is empty (e.g. right after
// a restart, before any new sample has arrived).
func (g *Gateway) HistoryStats(variableID string) ringbuffer.Stats {
	stats := g.deps.Ring.Get(variableID).Stats()
	if stats.Count > 0 || g.deps.Store == nil {
		return stats
	}

	persisted, err := g.deps.Store.Statistics(variableID)
	if err != nil || persisted.Count == 0 {
		return stats
	}
	return ringbuffer.Stats{
		Count:   int(persisted.Count),
		Min:     persisted.Min,
		Max:     persisted.Max,
		Average: persisted.Average,
		Numeric: persisted.Numeric,
		Latest:  persisted.Latest,
	}
}

// PersistedHistory returns persisted samples for a Variable, newest first.
// The REST layer prefers the in-memory Ring Buffer and only falls back to
// this store-backed path when the buffer has nothing.
func (g *Gateway) PersistedHistory(variableID string, limit int) ([]persistence.VariableSample, error) {
	if g.deps.Store == nil {
		return nil, fmt.Errorf("gateway: no persistence store configured")
	}
	return g.deps.Store.VariableHistory(variableID, limit)
}

// CurrentValue returns the freshest known value for a Variable. A value the
// Session has actually read or received this process's lifetime is "good".
// When the process holds no in-memory sample yet (just after a restart, or
// before the first poll/notification has landed) it falls back to the
// Cache's last-written copy, if any, and reports it "uncertain" since a
// cached value predates this process and its age against the live PLC state
// cannot be verified.
func (g *Gateway) CurrentValue(variableID string) (value any, quality ringbuffer.Quality, ok bool) {
	g.mu.RLock()
	lv, exists := g.variables[variableID]
	g.mu.RUnlock()
	if !exists {
		return nil, "", false
	}
	if !lv.cfg.LastTimestamp.IsZero() {
		return lv.cfg.LastValue, lv.cfg.LastQuality, true
	}
	if g.deps.Cache == nil {
		return nil, "", false
	}
	cached, hit := g.deps.Cache.Get(context.Background(), cacheKey(variableID))
	if !hit {
		return nil, "", false
	}
	return string(cached), ringbuffer.QualityUncertain, true
}

// CacheStats reports the Cache's hit/miss/set counters.
func (g *Gateway) CacheStats() (cache.Stats, bool) {
	if g.deps.Cache == nil {
		return cache.Stats{}, false
	}
	return g.deps.Cache.Stats(), true
}

// CacheInvalidate drops every cache key matching pattern and returns the
// count removed.
func (g *Gateway) CacheInvalidate(ctx context.Context, pattern string) (int, bool) {
	if g.deps.Cache == nil {
		return 0, false
	}
	return g.deps.Cache.InvalidatePattern(ctx, pattern), true
}

// QueueDepths reports the current length of every priority queue.
func (g *Gateway) QueueDepths(ctx context.Context) (map[workqueue.Priority]int64, bool) {
	if g.deps.Queue == nil {
		return nil, false
	}
	return g.deps.Queue.Depths(ctx), true
}

// QueueFailedCount reports the size of the Work Queue's dead-letter list.
func (g *Gateway) QueueFailedCount(ctx context.Context) (int64, bool) {
	if g.deps.Queue == nil {
		return 0, false
	}
	return g.deps.Queue.FailedCount(ctx), true
}

// QueueRetryFailed requeues up to n dead-lettered jobs for another attempt.
func (g *Gateway) QueueRetryFailed(ctx context.Context, n int) (int, bool) {
	if g.deps.Queue == nil {
		return 0, false
	}
	moved, err := g.deps.Queue.RetryFailed(ctx, n)
	if err != nil {
		return moved, false
	}
	return moved, true
}

// CacheClear invalidates every cache key.
func (g *Gateway) CacheClear(ctx context.Context) (int, bool) {
	if g.deps.Cache == nil {
		return 0, false
	}
	return g.deps.Cache.InvalidatePattern(ctx, "*"), true
}

// BufferSummary reports the Ring Buffer registry's per-variable entry counts
// and estimated memory footprint.
func (g *Gateway) BufferSummary() ringbuffer.Summary {
	return g.deps.Ring.Summary()
}

// MonitorStats reports every operation's latency histogram snapshot.
func (g *Gateway) MonitorStats() ([]monitor.OperationStats, bool) {
	if g.deps.Monitor == nil {
		return nil, false
	}
	return g.deps.Monitor.AllStats(), true
}

// MetricHistory returns persisted system-metric samples for one metric
// name, newest first.
func (g *Gateway) MetricHistory(name string, limit int) ([]persistence.MetricSample, error) {
	if g.deps.Store == nil {
		return nil, fmt.Errorf("gateway: no persistence store configured")
	}
	return g.deps.Store.MetricHistory(name, limit)
}

// RecordMetric appends one system-metric sample.
func (g *Gateway) RecordMetric(name string, value float64) error {
	if g.deps.Store == nil {
		return nil
	}
	return g.deps.Store.RecordMetric(name, value, time.Now())
}

// AuditTrail returns up to limit audit records, newest first, optionally
// filtered to a single actor.
func (g *Gateway) AuditTrail(actor string, limit int) ([]persistence.AuditRecord, error) {
	if g.deps.Store == nil {
		return nil, fmt.Errorf("gateway: no persistence store configured")
	}
	return g.deps.Store.AuditTrail(actor, limit)
}

// AuditByTarget returns up to limit audit records naming a variable or
// connection ID, newest first.
func (g *Gateway) AuditByTarget(target string, limit int) ([]persistence.AuditRecord, error) {
	if g.deps.Store == nil {
		return nil, fmt.Errorf("gateway: no persistence store configured")
	}
	return g.deps.Store.AuditByTarget(target, limit)
}

// RecordAudit appends one audit entry. Gateway Facade callers pass the
// caller-supplied actor identifier straight through; no authentication
// scheme is implied.
func (g *Gateway) RecordAudit(actor, action, target, detail string) error {
	if g.deps.Store == nil {
		return nil
	}
	return g.deps.Store.RecordAudit(actor, action, target, detail, time.Now())
}

type writeJob struct {
	VariableID string
	Value      any
}

// enqueuePersist enqueues a persistence job for variableID. When the
// Persistence queue's backlog is below persistBacklogThreshold every sample
// gets its own job, preserving per-sample durability under normal load. Once
// the backlog exceeds the threshold, contiguous samples for the same
// variable coalesce: a sample for a variable with no job pending triggers a
// new job; later samples, while that job is still pending, just overwrite
// the pending value, so the eventual write picks up the latest one instead
// of the queue replaying every intermediate sample.
func (g *Gateway) enqueuePersist(variableID, value string) {
	job := persistJob{VariableID: variableID, Value: value}
	depths := g.deps.Queue.Depths(context.Background())
	if depths[workqueue.PriorityPersistence] <= persistBacklogThreshold {
		g.deps.Queue.Enqueue(context.Background(), workqueue.PriorityPersistence, job)
		return
	}

	g.persistMu.Lock()
	_, inFlight := g.persistPending[variableID]
	g.persistPending[variableID] = job
	g.persistMu.Unlock()
	if inFlight {
		return
	}
	g.deps.Queue.Enqueue(context.Background(), workqueue.PriorityPersistence, job)
}

func (g *Gateway) handlePersistenceJob(ctx context.Context, job workqueue.Job) error {
	if g.deps.Store == nil {
		return nil
	}
	var p persistJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("gateway: decode persistence job: %w", err)
	}

	g.persistMu.Lock()
	if latest, ok := g.persistPending[p.VariableID]; ok {
		p = latest
		delete(g.persistPending, p.VariableID)
	}
	g.persistMu.Unlock()

	return g.deps.Store.RecordVariableSample(p.VariableID, p.Value, "good", time.Now())
}

// handleWriteJob applies a variable write once the Work Queue dequeues it,
// satisfying the "ack only after the Session reports success" property: the
// write result is only published here, never optimistically at enqueue time.
func (g *Gateway) handleWriteJob(ctx context.Context, job workqueue.Job) error {
	var wj writeJob
	if err := json.Unmarshal(job.Payload, &wj); err != nil {
		return fmt.Errorf("gateway: decode write job: %w", err)
	}

	g.mu.RLock()
	lv, ok := g.variables[wj.VariableID]
	g.mu.RUnlock()
	if !ok {
		g.publishWriteResult(job.ID, wj.VariableID, fmt.Errorf("gateway: variable %q not found", wj.VariableID))
		return nil
	}

	sess, ok := g.deps.Conns.ResolveSession(wj.VariableID)
	if !ok {
		err := fmt.Errorf("gateway: no session for variable %q", wj.VariableID)
		g.publishWriteResult(job.ID, wj.VariableID, err)
		return err
	}

	data, err := adsprotocol.Encode(lv.cfg.Type, wj.Value)
	if err != nil {
		g.publishWriteResult(job.ID, wj.VariableID, err)
		return nil // a bad value is a protocol error, not a retryable one
	}

	handle, err := g.resolveHandle(ctx, sess, wj.VariableID)
	if err != nil {
		g.publishWriteResult(job.ID, wj.VariableID, err)
		return err
	}

	start := time.Now()
	err = sess.WriteByHandle(ctx, handle, data)
	duration := time.Since(start)
	if g.deps.Monitor != nil {
		g.deps.Monitor.Record("variable.write", duration, err)
	}
	if err != nil {
		g.publishWriteResult(job.ID, wj.VariableID, err)
		return err
	}

	g.recordValueWithDuration(wj.VariableID, wj.Value, duration)
	g.publishWriteResult(job.ID, wj.VariableID, nil)
	return nil
}

func (g *Gateway) publishWriteResult(jobID, variableID string, err error) {
	res := fanout.WriteResult{JobID: jobID, VariableID: variableID, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	g.deps.Bus.Publish(eventbus.EventVariableWriteResult, res)
}

func (g *Gateway) consumeNotifications(variableID string, dt adsprotocol.DataType, ch <-chan plcsession.Notification) {
	for n := range ch {
		value, err := adsprotocol.Decode(dt, n.Data)
		if err != nil {
			g.recordError(variableID, err)
			continue
		}
		g.recordValue(variableID, value)
	}
}

func (g *Gateway) pollVariable(ctx context.Context, variableID string, dt adsprotocol.DataType, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.readOnce(ctx, variableID, dt)
		}
	}
}

func (g *Gateway) readOnce(ctx context.Context, variableID string, dt adsprotocol.DataType) {
	g.mu.RLock()
	_, ok := g.variables[variableID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	sess, ok := g.deps.Conns.ResolveSession(variableID)
	if !ok {
		g.recordError(variableID, fmt.Errorf("gateway: no session for variable %q", variableID))
		return
	}
	handle, err := g.resolveHandle(ctx, sess, variableID)
	if err != nil {
		g.recordError(variableID, err)
		return
	}

	size := adsprotocol.Size(dt)
	if size <= 0 {
		g.recordError(variableID, fmt.Errorf("gateway: no wire size for type %q", dt))
		return
	}

	start := time.Now()
	raw, err := sess.ReadByHandle(ctx, handle, uint32(size))
	duration := time.Since(start)
	if g.deps.Monitor != nil {
		g.deps.Monitor.Record("variable.read", duration, err)
	}
	if err != nil {
		g.recordError(variableID, err)
		return
	}
	value, err := adsprotocol.Decode(dt, raw)
	if err != nil {
		g.recordError(variableID, err)
		return
	}
	g.recordValueWithDuration(variableID, value, duration)
}

func (g *Gateway) recordValue(variableID string, value any) {
	g.recordValueWithDuration(variableID, value, 0)
}

func (g *Gateway) recordValueWithDuration(variableID string, value any, duration time.Duration) {
	g.mu.Lock()
	lv, ok := g.variables[variableID]
	if ok {
		lv.cfg.LastValue = value
		lv.cfg.LastTimestamp = time.Now()
		lv.cfg.LastReadDuration = duration
		lv.cfg.LastError = ""
		lv.cfg.LastQuality = ringbuffer.QualityGood
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	if g.deps.Ring != nil {
		g.deps.Ring.Push(variableID, value, ringbuffer.QualityGood)
	}
	if g.deps.Cache != nil {
		g.deps.Cache.Set(context.Background(), cacheKey(variableID), []byte(fmt.Sprintf("%v", value)), 60*time.Second)
	}
	if g.deps.Queue != nil {
		g.enqueuePersist(variableID, fmt.Sprintf("%v", value))
	}

	g.deps.Bus.Publish(eventbus.EventVariableChanged, fanout.VariableChange{
		ConnectionID: lv.cfg.ConnectionID,
		VariableID:   variableID,
		Value:        value,
		Timestamp:    time.Now(),
		Quality:      string(ringbuffer.QualityGood),
		Topic:        lv.cfg.Topic,
	})
}

func (g *Gateway) recordError(variableID string, err error) {
	g.mu.Lock()
	if lv, ok := g.variables[variableID]; ok {
		lv.cfg.LastError = err.Error()
		lv.cfg.LastQuality = ringbuffer.QualityBad
	}
	g.mu.Unlock()

	if g.deps.Ring != nil {
		g.deps.Ring.Push(variableID, nil, ringbuffer.QualityBad)
	}
	g.deps.Bus.Publish(eventbus.EventVariableError, fanout.VariableError{
		VariableID: variableID,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
}

type persistJob struct {
	VariableID string
	Value      string
}

func cacheKey(variableID string) string { return "variable:" + variableID }

// onDiscoveredVariables auto-registers Variables derived by a Discovery
// watcher and drops ones whose backing Symbol has disappeared.
func (g *Gateway) onDiscoveredVariables(ev eventbus.Event) {
	added, ok := ev.Payload.(discovery.VariablesAddedEvent)
	if !ok {
		return
	}
	for _, dv := range added.Added {
		v := Variable{
			ID:              added.ConnectionID + ":" + dv.Path,
			ConnectionID:    dv.ConnectionID,
			Name:            dv.Name,
			Path:            dv.Path,
			Type:            dv.Type,
			SamplePeriod:    dv.SamplePeriod,
			UseNotification: dv.UseNotification,
			Topic:           dv.Topic,
		}
		if err := g.AddVariable(context.Background(), v); err != nil {
			g.deps.Bus.Publish(eventbus.EventSystemError, map[string]any{"error": err.Error(), "variable_id": v.ID})
		}
	}
	for _, path := range added.RemovedPaths {
		g.RemoveVariable(added.ConnectionID + ":" + path)
	}
}

// onDiscoveredSymbols caches the latest full symbol table per connection for
// the REST Symbols endpoint.
func (g *Gateway) onDiscoveredSymbols(ev eventbus.Event) {
	syms, ok := ev.Payload.(discovery.SymbolsEvent)
	if !ok {
		return
	}
	g.mu.Lock()
	g.symbols[syms.ConnectionID] = syms
	g.mu.Unlock()
}

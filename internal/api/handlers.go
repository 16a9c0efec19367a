package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/adsgateway/internal/adsprotocol"
	"github.com/ocx/adsgateway/internal/discovery"
	"github.com/ocx/adsgateway/internal/fanout"
	"github.com/ocx/adsgateway/internal/gateway"
	"github.com/ocx/adsgateway/internal/monitor"
)

// Handler wraps the Gateway Facade with REST/JSON bindings. Every mutating
// request's caller identity is read from X-Actor-ID and echoed into the
// audit trail; callers that omit it are recorded as "anonymous".
type Handler struct {
	gw  *gateway.Gateway
	hub *fanout.Hub
}

func NewHandler(gw *gateway.Gateway, hub *fanout.Hub) *Handler {
	return &Handler{gw: gw, hub: hub}
}

func actorID(r *http.Request) string {
	if id := r.Header.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func errNotFound(kind, id string) error {
	return notFoundError{kind: kind, id: id}
}

type notFoundError struct{ kind, id string }

func (e notFoundError) Error() string { return e.kind + " \"" + e.id + "\" not found" }

// ============================================================================
// CONNECTIONS
// ============================================================================

type connectionDTO struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	TargetIP   string           `json:"targetAddress"`
	TargetPort uint16           `json:"targetPort"`
	SourcePort uint16           `json:"sourcePort"`
	Enabled    bool             `json:"enabled"`
	Discovery  discovery.Config `json:"discoveryConfig"`
	Status     string           `json:"status,omitempty"`
}

func toConnectionDTO(cfg gateway.ConnectionConfig) connectionDTO {
	return connectionDTO{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		TargetIP:   netIDString(cfg.TargetNetID),
		TargetPort: cfg.TargetPort,
		SourcePort: cfg.SourcePort,
		Enabled:    cfg.Enabled,
		Discovery:  cfg.Discovery,
	}
}

func fromConnectionDTO(id string, dto connectionDTO) gateway.ConnectionConfig {
	return gateway.ConnectionConfig{
		ID:          id,
		Name:        dto.Name,
		Host:        dto.Host,
		Port:        dto.Port,
		TargetNetID: parseNetID(dto.TargetIP),
		TargetPort:  dto.TargetPort,
		SourcePort:  dto.SourcePort,
		Enabled:     dto.Enabled,
		Discovery:   dto.Discovery,
	}
}

// netIDString renders a six-byte AmsNetId as "a.b.c.d.e.f".
func netIDString(id [6]byte) string {
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = strconv.Itoa(int(b))
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}

func parseNetID(s string) [6]byte {
	var out [6]byte
	i, start := 0, 0
	for pos := 0; pos <= len(s) && i < 6; pos++ {
		if pos == len(s) || s[pos] == '.' {
			if n, err := strconv.Atoi(s[start:pos]); err == nil {
				out[i] = byte(n)
			}
			i++
			start = pos + 1
		}
	}
	return out
}

func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	cfgs := h.gw.Connections()
	statuses := h.gw.Statuses()
	out := make([]connectionDTO, 0, len(cfgs))
	for _, cfg := range cfgs {
		dto := toConnectionDTO(cfg)
		dto.Status = string(statuses[cfg.ID])
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, cfg := range h.gw.Connections() {
		if cfg.ID != id {
			continue
		}
		dto := toConnectionDTO(cfg)
		if st, ok := h.gw.Status(id); ok {
			dto.Status = string(st)
		}
		writeJSON(w, http.StatusOK, dto)
		return
	}
	writeError(w, http.StatusNotFound, errNotFound("connection", id))
}

func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var dto connectionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := fromConnectionDTO(dto.ID, dto)
	if err := h.gw.AddConnection(cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "connection.create", cfg.ID, cfg.Name)
	writeJSON(w, http.StatusCreated, toConnectionDTO(cfg))
}

func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var dto connectionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := fromConnectionDTO(id, dto)
	if err := h.gw.UpdateConnection(cfg); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "connection.update", id, dto.Name)
	writeJSON(w, http.StatusOK, toConnectionDTO(cfg))
}

func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.gw.RemoveConnection(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "connection.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConnectConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.gw.Connect(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "connection.connect", id, "")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "connecting"})
}

func (h *Handler) DisconnectConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.gw.Disconnect(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "connection.disconnect", id, "")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "disconnected"})
}

func (h *Handler) ListConnectionVariables(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.gw.VariablesFor(id))
}

func (h *Handler) ListConnectionSymbols(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	symbols, ok := h.gw.Symbols(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("symbol table for connection", id))
		return
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (h *Handler) TriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.gw.TriggerDiscovery(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "discovery.trigger", id, "")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "triggered"})
}

func (h *Handler) SetDiscoveryConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cfg discovery.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.gw.SetDiscoveryConfig(id, cfg); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "discovery.configure", id, "")
	writeJSON(w, http.StatusOK, cfg)
}

// ============================================================================
// VARIABLES
// ============================================================================

type variableDTO struct {
	ID              string               `json:"id"`
	ConnectionID    string               `json:"connectionId"`
	Name            string               `json:"name"`
	Path            string               `json:"path"`
	Type            adsprotocol.DataType `json:"type"`
	SamplePeriodMs  int64                `json:"samplePeriodMs"`
	UseNotification bool                 `json:"useNotification"`
	Topic           string               `json:"topic"`
	LastValue       any                  `json:"lastValue,omitempty"`
	LastError       string               `json:"lastError,omitempty"`
	Quality         string               `json:"quality,omitempty"`
}

func toVariableDTO(v gateway.Variable) variableDTO {
	return variableDTO{
		ID:              v.ID,
		ConnectionID:    v.ConnectionID,
		Name:            v.Name,
		Path:            v.Path,
		Type:            v.Type,
		SamplePeriodMs:  v.SamplePeriod.Milliseconds(),
		UseNotification: v.UseNotification,
		Topic:           v.Topic,
		LastValue:       v.LastValue,
		LastError:       v.LastError,
		Quality:         string(v.LastQuality),
	}
}

func (h *Handler) ListVariables(w http.ResponseWriter, r *http.Request) {
	vars := h.gw.Variables()
	out := make([]variableDTO, 0, len(vars))
	for _, v := range vars {
		out = append(out, toVariableDTO(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := h.gw.Variable(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("variable", id))
		return
	}
	dto := toVariableDTO(v)
	if value, quality, ok := h.gw.CurrentValue(id); ok {
		dto.LastValue = value
		dto.Quality = string(quality)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) CreateVariable(w http.ResponseWriter, r *http.Request) {
	var dto variableDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v := gateway.Variable{
		ID:              dto.ID,
		ConnectionID:    dto.ConnectionID,
		Name:            dto.Name,
		Path:            dto.Path,
		Type:            dto.Type,
		SamplePeriod:    time.Duration(dto.SamplePeriodMs) * time.Millisecond,
		UseNotification: dto.UseNotification,
		Topic:           dto.Topic,
	}
	if err := h.gw.AddVariable(r.Context(), v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "variable.create", v.ID, v.Path)
	writeJSON(w, http.StatusCreated, toVariableDTO(v))
}

func (h *Handler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.gw.RemoveVariable(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.gw.RecordAudit(actorID(r), "variable.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) WriteVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := h.gw.WriteVariable(r.Context(), id, req.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail, _ := json.Marshal(req.Value)
	h.gw.RecordAudit(actorID(r), "variable.write", id, string(detail))
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) VariableHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 100)
	if entries := h.gw.History(id, limit); len(entries) > 0 {
		writeJSON(w, http.StatusOK, entries)
		return
	}
	persisted, err := h.gw.PersistedHistory(id, limit)
	if err != nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, persisted)
}

func (h *Handler) VariableStatistics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.gw.HistoryStats(id))
}

// ============================================================================
// MONITORING
// ============================================================================

func (h *Handler) MonitoringSummary(w http.ResponseWriter, r *http.Request) {
	stats, _ := h.gw.MonitorStats()
	if top := queryInt(r, "top", 0); top > 0 && top < len(stats) {
		sortStatsByCount(stats)
		stats = stats[:top]
	}
	writeJSON(w, http.StatusOK, stats)
}

func sortStatsByCount(stats []monitor.OperationStats) {
	sort.Slice(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	statuses := h.gw.Statuses()
	connected := 0
	for _, st := range statuses {
		if st == "connected" {
			connected++
		}
	}
	wsClients := 0
	if h.hub != nil {
		wsClients = h.hub.ClientCount()
	}
	reconnectStatus, reconnectDetail := h.gw.ReconnectHealth()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"connections":       len(h.gw.Connections()),
		"connectedSessions": connected,
		"websocketClients":  wsClients,
		"reconnectHealth":   reconnectStatus,
		"reconnectBreakers": reconnectDetail,
	})
}

func (h *Handler) MetricHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limit := queryInt(r, "limit", 100)
	samples, err := h.gw.MetricHistory(name, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// ============================================================================
// AUDIT
// ============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	records, err := h.gw.AuditTrail("", limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) AuditByActor(w http.ResponseWriter, r *http.Request) {
	actor := mux.Vars(r)["actor"]
	limit := queryInt(r, "limit", 100)
	records, err := h.gw.AuditTrail(actor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) AuditByVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 100)
	records, err := h.gw.AuditByTarget(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	records, err := h.gw.AuditTrail("", 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	byAction := make(map[string]int)
	for _, rec := range records {
		byAction[rec.Action]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(records), "byAction": byAction})
}

// ============================================================================
// CACHE / QUEUE / BUFFER
// ============================================================================

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.gw.CacheStats()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotFound("cache", "default"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) CacheClear(w http.ResponseWriter, r *http.Request) {
	n, ok := h.gw.CacheClear(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotFound("cache", "default"))
		return
	}
	h.gw.RecordAudit(actorID(r), "cache.clear", "*", "")
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) QueueHealth(w http.ResponseWriter, r *http.Request) {
	depths, ok := h.gw.QueueDepths(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotFound("queue", "default"))
		return
	}
	failed, _ := h.gw.QueueFailedCount(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"depths": depths, "failed": failed})
}

func (h *Handler) QueueFailedJobs(w http.ResponseWriter, r *http.Request) {
	n, ok := h.gw.QueueFailedCount(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotFound("queue", "default"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"failed": n})
}

func (h *Handler) QueueRetry(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 10)
	moved, ok := h.gw.QueueRetryFailed(r.Context(), n)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotFound("queue", "default"))
		return
	}
	h.gw.RecordAudit(actorID(r), "queue.retry", "", strconv.Itoa(moved))
	writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

func (h *Handler) BufferSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.BufferSummary())
}

// Package api implements the REST/WebSocket management surface consumed by
// the operator UI: a gorilla/mux router in front of the Gateway Facade,
// plus the embedded Fan-out Hub's WebSocket endpoint and the Performance
// Monitor's Prometheus scrape endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/adsgateway/internal/fanout"
	"github.com/ocx/adsgateway/internal/gateway"
	"github.com/ocx/adsgateway/internal/monitor"
)

// Server is the engine's administrative HTTP surface.
type Server struct {
	httpServer *http.Server
}

// NewServer wires every route against gw, the Fan-out Hub's WebSocket
// endpoint, and mon's Prometheus handler.
func NewServer(host string, port int, gw *gateway.Gateway, hub *fanout.Hub, mon *monitor.Monitor) *Server {
	h := NewHandler(gw, hub)
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/connections", h.ListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections", h.CreateConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}", h.GetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", h.UpdateConnection).Methods(http.MethodPut)
	api.HandleFunc("/connections/{id}", h.DeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/connect", h.ConnectConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/disconnect", h.DisconnectConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/variables", h.ListConnectionVariables).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/symbols", h.ListConnectionSymbols).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/discovery/trigger", h.TriggerDiscovery).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/discovery/config", h.SetDiscoveryConfig).Methods(http.MethodPut)

	api.HandleFunc("/variables", h.ListVariables).Methods(http.MethodGet)
	api.HandleFunc("/variables", h.CreateVariable).Methods(http.MethodPost)
	api.HandleFunc("/variables/{id}", h.GetVariable).Methods(http.MethodGet)
	api.HandleFunc("/variables/{id}", h.DeleteVariable).Methods(http.MethodDelete)
	api.HandleFunc("/variables/{id}/write", h.WriteVariable).Methods(http.MethodPost)
	api.HandleFunc("/variables/{id}/history", h.VariableHistory).Methods(http.MethodGet)
	api.HandleFunc("/variables/{id}/statistics", h.VariableStatistics).Methods(http.MethodGet)

	api.HandleFunc("/monitoring/summary", h.MonitoringSummary).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/metrics/{name}", h.MetricHistory).Methods(http.MethodGet)

	api.HandleFunc("/audit", h.ListAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/stats", h.AuditStats).Methods(http.MethodGet)
	api.HandleFunc("/audit/actor/{actor}", h.AuditByActor).Methods(http.MethodGet)
	api.HandleFunc("/audit/variable/{id}", h.AuditByVariable).Methods(http.MethodGet)

	api.HandleFunc("/cache/stats", h.CacheStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", h.CacheClear).Methods(http.MethodPost)
	api.HandleFunc("/queue/health", h.QueueHealth).Methods(http.MethodGet)
	api.HandleFunc("/queue/failed", h.QueueFailedJobs).Methods(http.MethodGet)
	api.HandleFunc("/queue/retry", h.QueueRetry).Methods(http.MethodPost)
	api.HandleFunc("/buffer/summary", h.BufferSummary).Methods(http.MethodGet)

	r.HandleFunc("/ws", hub.HandleWebSocket)
	if mon != nil {
		r.Handle("/metrics", mon.Handler())
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	return &Server{httpServer: &http.Server{Addr: addr, Handler: r}}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving and blocks until the server is shut down.
func (s *Server) Start() error {
	slog.Info("api: listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to grace for in-flight
// requests to finish.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

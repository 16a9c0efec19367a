package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ocx/adsgateway/internal/api"
	"github.com/ocx/adsgateway/internal/cache"
	"github.com/ocx/adsgateway/internal/config"
	"github.com/ocx/adsgateway/internal/connmanager"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/fanout"
	"github.com/ocx/adsgateway/internal/gateway"
	"github.com/ocx/adsgateway/internal/monitor"
	"github.com/ocx/adsgateway/internal/mqttbroker"
	"github.com/ocx/adsgateway/internal/persistence"
	"github.com/ocx/adsgateway/internal/ringbuffer"
	"github.com/ocx/adsgateway/internal/workqueue"
)

func main() {
	cfg := config.Get()
	slog.Info("adsgateway: starting")

	bus := eventbus.New(cfg.Events.Debug)
	defer bus.Close()

	store, err := persistence.Open(cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("adsgateway: open persistence store: %v", err)
	}
	defer store.Close()

	cacheClient := cache.New(cfg.CacheAddr(), bus, cfg.Cache.Timeout)
	defer cacheClient.Close()

	queue := workqueue.New(cfg.CacheAddr(), bus, workqueue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryBase:   cfg.Queue.RetryBase,
		RetryCap:    cfg.Queue.RetryCap,
	})
	defer queue.Close()

	conns := connmanager.New(bus)
	defer conns.Close()

	ring := ringbuffer.NewRegistry(cfg.Buffer.Size)
	mon := monitor.New(time.Hour)
	mon.SubscribeBus(bus)

	broker, err := mqttbroker.New(mqttbroker.Config{Host: cfg.MQTT.Host, Port: cfg.MQTT.Port})
	if err != nil {
		log.Fatalf("adsgateway: construct mqtt broker: %v", err)
	}

	hub := fanout.New(bus, broker)

	gw := gateway.New(gateway.Dependencies{
		Bus:     bus,
		Cache:   cacheClient,
		Queue:   queue,
		Store:   store,
		Conns:   conns,
		Broker:  broker,
		Fanout:  hub,
		Monitor: mon,
		Ring:    ring,
	})

	hub.SetWriteHandler(gw.WriteVariable)
	hub.SetHistoryHandler(func(variableID string, limit int) []fanout.HistoryEntry {
		entries := gw.History(variableID, limit)
		out := make([]fanout.HistoryEntry, len(entries))
		for i, e := range entries {
			out[i] = fanout.HistoryEntry{Timestamp: e.Timestamp, Value: e.Value, Quality: string(e.Quality)}
		}
		return out
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go mon.RunCleanup(ctx, time.Minute)
	go runSystemMetrics(ctx, gw, broker)
	go runRetentionSweep(ctx, store, cfg.Store.RetentionDays)
	if err := queue.Start(ctx); err != nil {
		log.Fatalf("adsgateway: start work queue: %v", err)
	}

	go func() {
		if err := broker.Start(); err != nil {
			slog.Error("adsgateway: mqtt broker stopped", "error", err)
		}
	}()
	defer broker.Close()

	if cfg.ADS.Host != "" {
		defaultConn := gateway.ConnectionConfig{
			ID:          "default",
			Name:        "default",
			Host:        cfg.ADS.Host,
			Port:        cfg.ADS.Port,
			TargetNetID: parseConfiguredNetID(cfg.ADS.TargetIP),
			TargetPort:  uint16(cfg.ADS.TargetPort),
			SourcePort:  uint16(cfg.ADS.SourcePort),
			Enabled:     true,
		}
		if err := gw.AddConnection(defaultConn); err != nil {
			slog.Warn("adsgateway: default connection not started", "error", err)
		}
	}

	srv := api.NewServer(cfg.API.Host, cfg.API.Port, gw, hub, mon)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("adsgateway: api server stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("adsgateway: shutting down")
	srv.Shutdown(config.ShutdownGraceDefault)
	// Drain the queue before canceling ctx: workers and their handlers run
	// on ctx, and pending variable writes must complete inside the grace
	// window before everything else is torn down.
	queue.Shutdown(config.ShutdownGraceDefault)
	cancel()
}

// runSystemMetrics samples process memory and broker counters into the
// system_metrics table every 30 seconds.
func runSystemMetrics(ctx context.Context, gw *gateway.Gateway, broker *mqttbroker.Broker) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			gw.RecordMetric("memory", float64(ms.Alloc))

			stats := broker.Stats()
			gw.RecordMetric("mqtt_clients", float64(stats.Clients))
			gw.RecordMetric("mqtt_messages", float64(stats.Messages))
		}
	}
}

// runRetentionSweep deletes history, metric, and audit rows older than the
// configured retention window.
func runRetentionSweep(ctx context.Context, store *persistence.Store, retentionDays int) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Cleanup(retentionDays)
			if err != nil {
				slog.Warn("adsgateway: retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("adsgateway: retention sweep", "rows_removed", removed)
			}
		}
	}
}

// parseConfiguredNetID parses the dotted AmsNetId in config (e.g.
// "192.168.1.10.1.1") into its six-byte wire form.
func parseConfiguredNetID(s string) [6]byte {
	var out [6]byte
	i, start := 0, 0
	for pos := 0; pos <= len(s) && i < 6; pos++ {
		if pos == len(s) || s[pos] == '.' {
			n := 0
			for _, c := range []byte(s[start:pos]) {
				if c < '0' || c > '9' {
					n = 0
					break
				}
				n = n*10 + int(c-'0')
			}
			out[i] = byte(n)
			i++
			start = pos + 1
		}
	}
	return out
}

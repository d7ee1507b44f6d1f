// Package metrics exposes the agent's Prometheus metrics across three
// categories — connection, operation and backup — and serves them plus a
// liveness probe over a small local diagnostics listener.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectionMetrics tracks the transport's connection lifecycle.
type ConnectionMetrics struct {
	ReconnectAttempts prometheus.Counter
	ReconnectDelay     prometheus.Histogram
	ConnectedState     prometheus.Gauge
	HeartbeatLatency   prometheus.Histogram
}

// OperationMetrics tracks deploy/rollback operations.
type OperationMetrics struct {
	Started  *prometheus.CounterVec
	Finished *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// BackupMetrics tracks the backup store.
type BackupMetrics struct {
	SnapshotsCreated prometheus.Counter
	SnapshotsPruned  prometheus.Counter
	PruneFailures    prometheus.Counter
}

// Registry lazily builds and registers each metrics category on first use,
// mirroring the category-based registry shape this agent's ambient stack is
// written in.
type Registry struct {
	registry *prometheus.Registry

	connectionOnce sync.Once
	connection     *ConnectionMetrics

	operationOnce sync.Once
	operation     *OperationMetrics

	backupOnce sync.Once
	backup     *BackupMetrics
}

// NewRegistry returns an empty Registry backed by its own
// prometheus.Registry (not the global default, so tests can construct
// independent instances).
func NewRegistry() *Registry {
	return &Registry{registry: prometheus.NewRegistry()}
}

// Connection returns the connection metrics category, registering it on
// first call.
func (r *Registry) Connection() *ConnectionMetrics {
	r.connectionOnce.Do(func() {
		m := &ConnectionMetrics{
			ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_reconnect_attempts_total",
				Help: "Total number of reconnection attempts.",
			}),
			ReconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "agent_reconnect_delay_seconds",
				Help:    "Computed reconnect delay before each attempt.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			ConnectedState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agent_connected",
				Help: "1 when the transport is connected and registered, 0 otherwise.",
			}),
			HeartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "agent_heartbeat_rtt_seconds",
				Help:    "Round-trip latency between heartbeat send and ack.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		r.registry.MustRegister(m.ReconnectAttempts, m.ReconnectDelay, m.ConnectedState, m.HeartbeatLatency)
		r.connection = m
	})
	return r.connection
}

// Operation returns the operation metrics category, registering it on
// first call.
func (r *Registry) Operation() *OperationMetrics {
	r.operationOnce.Do(func() {
		m := &OperationMetrics{
			Started: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_operations_started_total",
				Help: "Total number of deploy/rollback operations started.",
			}, []string{"type", "project"}),
			Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_operations_finished_total",
				Help: "Total number of deploy/rollback operations finished.",
			}, []string{"type", "project", "outcome"}),
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agent_operation_duration_seconds",
				Help:    "Duration of deploy/rollback operations.",
				Buckets: prometheus.DefBuckets,
			}, []string{"type", "project"}),
		}
		r.registry.MustRegister(m.Started, m.Finished, m.Duration)
		r.operation = m
	})
	return r.operation
}

// Backup returns the backup metrics category, registering it on first call.
func (r *Registry) Backup() *BackupMetrics {
	r.backupOnce.Do(func() {
		m := &BackupMetrics{
			SnapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_backup_snapshots_created_total",
				Help: "Total number of backup snapshots created.",
			}),
			SnapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_backup_snapshots_pruned_total",
				Help: "Total number of backup snapshots pruned.",
			}),
			PruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_backup_prune_failures_total",
				Help: "Total number of per-entry prune failures.",
			}),
		}
		r.registry.MustRegister(m.SnapshotsCreated, m.SnapshotsPruned, m.PruneFailures)
		r.backup = m
	})
	return r.backup
}

// Server serves /metrics and /healthz on a local diagnostics listener. It is
// observability-only: the agent accepts no inbound control traffic.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the diagnostics HTTP server for registry, serving
// metricsPath and /healthz on addr.
func NewServer(registry *Registry, addr, metricsPath string, logger *slog.Logger) *Server {
	router := mux.NewRouter()
	router.Handle(metricsPath, promhttp.HandlerFor(registry.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		logger:     logger,
	}
}

// Start runs the diagnostics listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diagnostics listener failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
}

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/driftworks/conductor/common/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string

	ExecutionsStarted   prometheus.Counter
	ExecutionsFinished  *prometheus.CounterVec
	ExecutionDuration   prometheus.Histogram
	NodesProcessed      *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec
	TasksEnqueued       *prometheus.CounterVec
	TasksRetried        *prometheus.CounterVec
	EventBusConnections prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
}

// New creates telemetry components
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf(":%d", metricsPort),

		ExecutionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conductor_executions_started_total",
			Help: "Workflow executions moved to running",
		}),
		ExecutionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_executions_finished_total",
			Help: "Workflow executions reaching a terminal status",
		}, []string{"status"}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_execution_duration_seconds",
			Help:    "Wall time from running to terminal per execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}),
		NodesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_nodes_processed_total",
			Help: "Node executions reaching a terminal status",
		}, []string{"node_type", "status"}),
		NodeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_node_duration_seconds",
			Help:    "Wall time per node execution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"node_type"}),
		TasksEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_broker_tasks_enqueued_total",
			Help: "Tasks enqueued to the broker by kind",
		}, []string{"kind"}),
		TasksRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_broker_tasks_retried_total",
			Help: "Delayed retries scheduled by kind",
		}, []string{"kind"}),
		EventBusConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_eventbus_connections",
			Help: "Live websocket connections on the event bus",
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_events_published_total",
			Help: "Status events published by type",
		}, []string{"type"}),
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

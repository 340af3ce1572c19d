// Package metrics declares the Prometheus instrumentation for the
// monitoring supervisor, using the namespace_subsystem_name convention
// under the "roomwatch" namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsActive tracks the current number of registered Supervisors.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomwatch",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with a registered Supervisor",
	})

	// RoomStateTransitions counts Supervisor state-machine transitions.
	RoomStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "supervisor",
		Name:      "state_transitions_total",
		Help:      "Total Supervisor state transitions",
	}, []string{"from", "to"})

	// ReconnectAttempts counts reconnect attempts per room.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "supervisor",
		Name:      "reconnect_attempts_total",
		Help:      "Total reconnect attempts",
	}, []string{"room"})

	// ChatEventsIngested counts processed chat events.
	ChatEventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "processor",
		Name:      "chat_events_total",
		Help:      "Total chat events ingested",
	}, []string{"room"})

	// GiftEventsIngested counts persisted gift rows (post combo-merge).
	GiftEventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "processor",
		Name:      "gift_events_total",
		Help:      "Total gift rows persisted",
	}, []string{"room"})

	// DuplicateTracesDropped counts gifts dropped by wire-level dedup.
	DuplicateTracesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "processor",
		Name:      "duplicate_traces_dropped_total",
		Help:      "Total gift events dropped as duplicate trace ids",
	}, []string{"room"})

	// StorageWriteFailures counts non-fatal storage write errors.
	StorageWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "storage",
		Name:      "write_failures_total",
		Help:      "Total storage write failures absorbed without aborting the stream",
	}, []string{"operation"})

	// SnapshotsProduced counts stats snapshots written by the Scheduler.
	SnapshotsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "scheduler",
		Name:      "snapshots_produced_total",
		Help:      "Total RoomStatsSnapshot rows produced",
	}, []string{"room"})

	// PurgedRows counts rows removed by the purge job.
	PurgedRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "scheduler",
		Name:      "purged_rows_total",
		Help:      "Total rows removed by the retention purge job",
	})

	// CircuitBreakerState tracks each circuit breaker's state (the Fetcher
	// probe and the Subscriber Bus), labelled by service.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomwatch",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// BusPublishTotal counts Subscriber Bus publishes, by topic family.
	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomwatch",
		Subsystem: "bus",
		Name:      "publish_total",
		Help:      "Total Subscriber Bus publish calls",
	}, []string{"topic_family", "status"})

	// StorageOperationDuration tracks Gateway call latency.
	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomwatch",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Storage Gateway operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

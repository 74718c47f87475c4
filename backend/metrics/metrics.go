package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sessions and documents
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_sessions_active",
			Help: "Number of sessions attached to a document",
		},
	)

	DocumentsResident = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_documents_resident",
			Help: "Number of documents loaded in memory",
		},
	)

	OperationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_operations_applied_total",
			Help: "Operations merged into a document, by source",
		},
		[]string{"source"}, // "local", "client", "fabric", "storage"
	)

	ReplicaGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_replica_gaps_total",
			Help: "Operations rejected because an earlier operation of their replica is missing",
		},
		[]string{"source"},
	)

	BackpressureDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_backpressure_disconnects_total",
			Help: "Sessions closed because their outbound queue overflowed",
		},
	)

	// Broadcast fabric
	FabricPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_fabric_published_total",
			Help: "Envelopes published on the broadcast fabric, by kind",
		},
		[]string{"kind"},
	)

	FabricReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_fabric_received_total",
			Help: "Envelopes received from other processes, by kind",
		},
		[]string{"kind"},
	)

	FabricErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_fabric_errors_total",
			Help: "Failed publishes on the broadcast fabric",
		},
	)

	ResyncRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_resync_requests_total",
			Help: "Resynchronization requests, by reason",
		},
		[]string{"reason"}, // "gap", "behind", "load", "reconnect", "client"
	)

	// Persistence
	PersistenceFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_persistence_flushes_total",
			Help: "Update log flushes, by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	PersistenceDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_persistence_degraded",
			Help: "1 when storage is failing and documents are served from memory only",
		},
	)

	CompactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_compaction_duration_seconds",
			Help:    "Duration of snapshot compactions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // "written", "unchanged", "error"
	)

	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_document_load_duration_seconds",
			Help:    "Duration of document loads from storage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // "ok", "rebuilt", "error"
	)

	// Connections
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_connections_closed_total",
			Help: "Closed client connections, by reason",
		},
		[]string{"reason"},
	)
)

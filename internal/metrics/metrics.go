package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// One counter per rejection kind so the drop policy stays observable even
// though rejected payloads are never persisted.
var (
	MalformedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_payload_total",
		Help: "Messages dropped because the payload was not decodable JSON",
	})

	InvalidReadings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invalid_reading_total",
		Help: "Readings dropped by schema or range validation",
	})

	QualityCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quality_check_failed_total",
		Help: "Readings dropped by cross-field data-quality rules",
	})

	IdentityMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identity_mismatch_total",
		Help: "Readings dropped because topic and payload machine IDs differ",
	})

	BufferOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_overflow_total",
		Help: "Readings dropped because the ingest buffer was full",
	})

	ShutdownDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shutdown_dropped_total",
		Help: "Buffered readings discarded when the drain grace window expired",
	})

	ReadingsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readings_persisted_total",
		Help: "Readings durably appended to the store",
	})

	PersistBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persist_batches_total",
		Help: "Successful append_batch calls",
	})

	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persist_retries_total",
		Help: "append_batch attempts retried after a transient store failure",
	})

	StoreUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_unavailable_total",
		Help: "Transient store failures",
	})

	StoreRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_rejected_total",
		Help: "Rows fatally rejected by the store",
	})

	MQTTReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnects_total",
		Help: "Broker reconnect attempts",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Messages delivered by transport before validation",
	}, []string{"source"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "Rejected authentication attempts",
	}, []string{"reason"})

	AnalysisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_requests_total",
		Help: "Health analyses served, by resulting status",
	}, []string{"status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "path", "status"})

	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_buffer_depth",
		Help: "Readings currently awaiting persistence",
	})
)

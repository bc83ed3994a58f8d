package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-side collectors.
var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantlink_connections_current",
		Help: "Number of live device sessions.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_connections_total",
		Help: "Total device sessions accepted since start.",
	})
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_sessions_evicted_total",
		Help: "Sessions replaced by a newer connection for the same device.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_frames_received_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_frames_sent_total",
		Help: "Outbound frames by type.",
	}, []string{"type"})
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_frame_errors_total",
		Help: "ERROR frames sent, by short kind.",
	}, []string{"code"})
	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_rate_limited_frames_total",
		Help: "Frames rejected by the per-device rate limiter.",
	})
	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_outbound_dropped_total",
		Help: "DELIVERED frames dropped by the drop-oldest outbound buffer.",
	})
	OutboundEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_outbound_enqueued_total",
		Help: "DELIVERED frames enqueued toward device sockets.",
	})
)

// Bus adapter collectors.
var (
	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantlink_bus_connected",
		Help: "1 when the bus connection is up.",
	})
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_bus_reconnects_total",
		Help: "Bus reconnections observed.",
	})
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_bus_publishes_total",
		Help: "Publish outcomes by result (ok, duplicate, transient_failure, permanent_failure).",
	}, []string{"result"})
	BusPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_bus_publish_retries_total",
		Help: "Publish attempts retried after a transient bus error.",
	})
	BusMessagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_bus_messages_fetched_total",
		Help: "Messages fetched from durable consumers, by stream.",
	}, []string{"stream"})
	BusAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_bus_acks_total",
		Help: "Acknowledgement outcomes (ack, nak, term, in_progress).",
	}, []string{"outcome"})
)

// Historian collectors.
var (
	HistorianRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_historian_records_total",
		Help: "Records normalized, by family.",
	}, []string{"family"})
	HistorianBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plantlink_historian_batch_size",
		Help:    "Flushed batch sizes, by family.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"family"})
	HistorianBatchesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_historian_batches_dropped_total",
		Help: "Batches dropped after the single retry failed, by family.",
	}, []string{"family"})
	HistorianRecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_historian_records_dropped_total",
		Help: "Records inside dropped batches, by family.",
	}, []string{"family"})
	HistorianDecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantlink_historian_decode_failures_total",
		Help: "Payloads the normalizer could not decode, by family.",
	}, []string{"family"})
	AuditAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_audit_appends_total",
		Help: "Audit chain entries appended.",
	})
	AuditAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantlink_audit_append_failures_total",
		Help: "Audit appends that failed at the persistence layer.",
	})
)

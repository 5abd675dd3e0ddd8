package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_broker_messages_total",
			Help: "Total messages consumed from the broker.",
		},
		[]string{"flavor", "topic", "action"},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txningester_broker_reconnects_total",
			Help: "Broker reconnect attempts.",
		},
	)

	ParseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txningester_parse_duration_seconds",
			Help:    "Per-message parse latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	ParseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_parse_failures_total",
			Help: "Validation failures by field and constraint.",
		},
		[]string{"field", "constraint"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txningester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_db_rows_affected_total",
			Help: "DB rows inserted or merged.",
		},
		[]string{"table", "op"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_errors_total",
			Help: "Errors by taxonomy tag.",
		},
		[]string{"tag"},
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_dead_lettered_total",
			Help: "Messages routed to the dead-letter sink by reason.",
		},
		[]string{"reason"},
	)

	ArchiveFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_archive_flushes_total",
			Help: "Archive buffer flushes by trigger (size, timer, overflow, close).",
		},
		[]string{"trigger"},
	)

	ArchiveFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txningester_archive_flush_size",
			Help:    "Events per flushed blob.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)

	ArchiveUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txningester_archive_upload_duration_seconds",
			Help:    "Blob upload latency per attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	ArchiveBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "txningester_archive_buffer_size",
			Help: "Events currently buffered for archival.",
		},
	)

	RuleFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txningester_rule_firings_total",
			Help: "Rule firings by rule name.",
		},
		[]string{"rule"},
	)

	PoolExhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txningester_pool_exhaustions_total",
			Help: "Connection pool exhaustion events.",
		},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "txningester_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last processed message.",
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		BrokerMessagesTotal,
		BrokerReconnectsTotal,
		ParseDuration,
		ParseFailuresTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		ErrorsTotal,
		DeadLetteredTotal,
		ArchiveFlushesTotal,
		ArchiveFlushSize,
		ArchiveUploadDuration,
		ArchiveBufferSize,
		RuleFiringsTotal,
		PoolExhaustionsTotal,
		LastMsgTimestamp,
	)
}

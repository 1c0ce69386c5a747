package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_kafka_messages_total",
			Help: "Total messages consumed from Kafka.",
		},
		[]string{"topic", "kind"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_decode_errors_total",
			Help: "ALS records rejected before assembly, by reason.",
		},
		[]string{"reason"},
	)

	BundlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_bundles_total",
			Help: "Bundles leaving the assembler (written, expired).",
		},
		[]string{"outcome"},
	)

	BundlesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afctelemetry_bundles_pending",
			Help: "Bundles currently held by the assembler.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afctelemetry_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"subsystem", "op"},
	)

	DBRowsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_db_rows_inserted_total",
			Help: "Rows actually inserted after content dedup.",
		},
		[]string{"table"},
	)

	DedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_dedup_conflicts_total",
			Help: "Content-digest dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"table"},
	)

	OffsetsCommitted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afctelemetry_kafka_committed_offset",
			Help: "Last committed offset per topic/partition.",
		},
		[]string{"topic", "partition"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_rcache_lookups_total",
			Help: "Response-cache lookups by outcome (hit, miss).",
		},
		[]string{"outcome"},
	)

	CacheInvalidatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_rcache_invalidated_total",
			Help: "Cache entries invalidated, by kind (blanket, ruleset, spatial, beam).",
		},
		[]string{"kind"},
	)

	CacheUpdateQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afctelemetry_rcache_update_queue_length",
			Help: "Pending entries in the cache update queue.",
		},
	)

	CacheUpdatesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afctelemetry_rcache_updates_dropped_total",
			Help: "Cache updates dropped on update-queue overflow.",
		},
	)

	BatcherCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_batcher_coalesced_total",
			Help: "Callers served from an already in-flight key.",
		},
		[]string{"kind"},
	)

	BatcherQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afctelemetry_batcher_queries_total",
			Help: "Batched DB queries issued.",
		},
		[]string{"kind"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afctelemetry_batch_size",
			Help:    "Batch sizes flushed to DB or drained by batchers.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"subsystem"},
	)

	PrecomputeInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afctelemetry_rcache_precompute_in_flight",
			Help: "AFC recomputation requests currently in flight.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			KafkaMessagesTotal,
			DecodeErrorsTotal,
			BundlesTotal,
			BundlesPending,
			DBWriteDuration,
			DBRowsInsertedTotal,
			DedupConflictsTotal,
			OffsetsCommitted,
			CacheLookupsTotal,
			CacheInvalidatedTotal,
			CacheUpdateQueueLength,
			CacheUpdatesDroppedTotal,
			BatcherCoalescedTotal,
			BatcherQueriesTotal,
			BatchSize,
			PrecomputeInFlight,
		)
	})
}

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeed_chunks_enqueued_total",
		Help: "The total number of chunks handed to the queue transport",
	}, []string{"priority"})

	enqueueFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_enqueue_fallbacks_total",
		Help: "The total number of chunks enqueued via the HTTP fallback",
	})

	directExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_direct_executions_total",
		Help: "The total number of chunks executed synchronously in-process",
	})

	chunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_chunks_dropped_total",
		Help: "The total number of chunks dropped because the queue was full",
	})

	chunkFeedCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refeed_chunk_feed_count",
		Help:    "Number of feeds per enqueued chunk",
		Buckets: prometheus.LinearBuckets(1, 5, 5), // 1 to 21 feeds
	})
)

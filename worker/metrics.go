package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_chunks_processed_total",
		Help: "The total number of chunks processed successfully",
	})

	entriesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_entries_ingested_total",
		Help: "The total number of new entries stored by chunk workers",
	})

	chunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_chunk_retries_total",
		Help: "The total number of fully failed chunks requeued for another attempt",
	})

	feedFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_feed_fetch_errors_total",
		Help: "The total number of feed fetches that failed after retries",
	})

	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_worker_ws_connection_attempts_total",
		Help: "The total number of connection attempts to the pipeline server websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeed_worker_ws_connection_errors_total",
		Help: "The total number of websocket connection errors encountered",
	})
)

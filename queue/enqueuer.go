package queue

import (
	"context"
	"errors"
	"time"

	"refeed/models"

	log "github.com/sirupsen/logrus"
)

// secondsPerChunk is the advisory per-chunk estimate returned to clients.
const secondsPerChunk = 5

// Processor executes one chunk synchronously. Used only for the
// single-chunk direct fallback when no transport is available.
type Processor interface {
	Process(ctx context.Context, msg models.QueueMessage) error
}

// Enqueuer partitions claimed feeds into chunks and hands them to the
// queue transport, falling back to the HTTP enqueue API and finally to
// direct in-process execution.
type Enqueuer struct {
	transport   Transport // primary binding, may be nil
	fallback    Transport // HTTP enqueue API, may be nil
	direct      Processor // synchronous single-chunk fallback, may be nil
	chunkSize   int
	maxRetries  int
	normalDelay time.Duration
}

func NewEnqueuer(transport, fallback Transport, direct Processor, chunkSize, maxRetries int, normalDelay time.Duration) *Enqueuer {
	return &Enqueuer{
		transport:   transport,
		fallback:    fallback,
		direct:      direct,
		chunkSize:   chunkSize,
		maxRetries:  maxRetries,
		normalDelay: normalDelay,
	}
}

// Enqueue chunks the feeds and dispatches every chunk, returning
// immediately with the batch id. Completion is observed through the
// status stream, never through this call.
func (e *Enqueuer) Enqueue(ctx context.Context, feeds []models.FeedRef, existingGuids []string, newestEntryDate string, priority models.Priority) (*models.RefreshResponse, error) {
	if priority == "" {
		priority = models.PriorityNormal
	}

	batchID := NewBatchID()
	messages := Chunk(batchID, feeds, existingGuids, newestEntryDate, priority, e.chunkSize, e.maxRetries)

	// High priority chunks skip the coalescing delay
	delay := e.normalDelay
	if priority == models.PriorityHigh {
		delay = 0
	}

	chunkIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		chunkFeedCount.Observe(float64(len(msg.Feeds)))
		if err := e.dispatch(ctx, msg, delay); err != nil {
			return nil, err
		}
		chunkIDs = append(chunkIDs, msg.BatchID)
	}

	log.WithFields(log.Fields{
		"batchId":  batchID,
		"chunks":   len(messages),
		"feeds":    len(feeds),
		"priority": priority,
	}).Info("Enqueued refresh batch")

	return &models.RefreshResponse{
		Success:                 true,
		BatchID:                 batchID,
		ChunkIDs:                chunkIDs,
		Status:                  "queued",
		EstimatedProcessingTime: len(messages) * secondsPerChunk,
	}, nil
}

func (e *Enqueuer) dispatch(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	if e.transport != nil {
		err := e.transport.Send(ctx, msg, delay)
		if err == nil {
			chunksEnqueued.WithLabelValues(string(msg.Priority)).Inc()
			return nil
		}
		log.WithFields(log.Fields{
			"batchId": msg.BatchID,
			"error":   err,
		}).Warn("Queue transport unavailable, trying fallback")
	}

	if e.fallback != nil {
		err := e.fallback.Send(ctx, msg, delay)
		if err == nil {
			enqueueFallbacks.Inc()
			chunksEnqueued.WithLabelValues(string(msg.Priority)).Inc()
			return nil
		}
		log.WithFields(log.Fields{
			"batchId": msg.BatchID,
			"error":   err,
		}).Warn("HTTP enqueue fallback failed")
	}

	// Direct processing keeps a single-chunk request alive when no
	// transport works at all. Multi-chunk batches would serialize the
	// very work chunking exists to spread out, so they are refused.
	if e.direct != nil {
		if msg.TotalChunks > 1 {
			return errors.New("queue unavailable and batch spans multiple chunks")
		}
		directExecutions.Inc()
		log.WithFields(log.Fields{
			"batchId": msg.BatchID,
		}).Info("Queue unavailable, processing chunk directly")
		return e.direct.Process(ctx, msg)
	}

	return errors.New("no queue transport available")
}

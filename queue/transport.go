package queue

import (
	"context"
	"errors"
	"time"

	"refeed/models"

	log "github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the transport cannot accept a message
// without blocking; the enqueuer falls back on it.
var ErrQueueFull = errors.New("queue transport is full")

// Transport delivers queue messages to chunk workers. A delay lets
// normal priority chunks coalesce with other concurrently arriving
// requests before workers pick them up.
type Transport interface {
	Send(ctx context.Context, msg models.QueueMessage, delay time.Duration) error
}

// ChannelTransport is the in-process push queue: a bounded channel
// drained by the worker pool and any connected websocket workers.
type ChannelTransport struct {
	messages chan models.QueueMessage
}

func NewChannelTransport(size int) *ChannelTransport {
	return &ChannelTransport{
		messages: make(chan models.QueueMessage, size),
	}
}

func (t *ChannelTransport) Send(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	if delay <= 0 {
		select {
		case t.messages <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrQueueFull
		}
	}

	// Delayed sends are fire-and-forget; the enqueue endpoint has
	// already returned, and its context is gone, by the time the
	// delay elapses.
	go func() {
		time.Sleep(delay)
		select {
		case t.messages <- msg:
		default:
			chunksDropped.Inc()
			log.WithFields(log.Fields{
				"batchId": msg.BatchID,
			}).Warn("Queue full, dropping delayed chunk")
		}
	}()

	return nil
}

// Receive exposes the message stream for workers.
func (t *ChannelTransport) Receive() <-chan models.QueueMessage {
	return t.messages
}

func (t *ChannelTransport) Close() {
	close(t.messages)
}

package batch

import (
	"time"

	"refeed/models"

	log "github.com/sirupsen/logrus"
)

// Commands routed through the actor's channel. The channel is the
// serialization point: every mutation of a BatchState happens on the
// actor goroutine in arrival order, no lock needed.
type command interface{}

type cmdStarted struct {
	chunkID     string
	totalChunks int
}

type cmdCompleted struct {
	chunkID string
	entries []models.Entry
}

type cmdFailed struct {
	chunkID string
	err     string
}

type cmdSubscribe struct {
	key string
	ch  chan models.BatchEvent
}

type cmdUnsubscribe struct {
	key string
}

type cmdSnapshot struct {
	reply chan models.BatchState
}

// actor owns the BatchState for one batch id.
type actor struct {
	id       string
	commands chan command
	state    models.BatchState

	subscribers map[string]chan models.BatchEvent
	seenChunks  map[string]bool
	seenGuids   map[string]bool

	timeout time.Duration
	grace   time.Duration
	onDone  func(id string)
}

func newActor(id string, timeout, grace time.Duration, onDone func(id string)) *actor {
	a := &actor{
		id:       id,
		commands: make(chan command, 64),
		state: models.BatchState{
			BatchID:   id,
			Status:    models.StatusQueued,
			StartedAt: time.Now(),
		},
		subscribers: make(map[string]chan models.BatchEvent),
		seenChunks:  make(map[string]bool),
		seenGuids:   make(map[string]bool),
		timeout:     timeout,
		grace:       grace,
		onDone:      onDone,
	}
	go a.run()
	return a
}

func (a *actor) run() {
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	for {
		select {
		case cmd := <-a.commands:
			a.apply(cmd)
		case <-timer.C:
			if !a.state.Status.Terminal() {
				a.transitionTimeout()
			}
		}

		if a.state.Status.Terminal() {
			a.linger()
			return
		}
	}
}

// linger keeps the terminal actor addressable for the grace period so
// duplicate chunk events are absorbed and snapshots still answer. No
// event history is replayed: late subscribers get a closed channel.
func (a *actor) linger() {
	grace := time.NewTimer(a.grace)
	defer grace.Stop()

	for {
		select {
		case cmd := <-a.commands:
			switch c := cmd.(type) {
			case cmdSubscribe:
				close(c.ch)
			case cmdUnsubscribe:
				a.removeSubscriber(c.key)
			case cmdSnapshot:
				c.reply <- a.state
			default:
				// Redelivered chunk events against a terminal batch are no-ops
				log.WithFields(log.Fields{
					"batchId": a.id,
					"status":  a.state.Status,
				}).Debug("Ignoring chunk event for terminal batch")
			}
		case <-grace.C:
			a.onDone(a.id)
			for key := range a.subscribers {
				a.removeSubscriber(key)
			}
			return
		}
	}
}

func (a *actor) apply(cmd command) {
	switch c := cmd.(type) {
	case cmdSubscribe:
		a.subscribers[c.key] = c.ch
	case cmdUnsubscribe:
		a.removeSubscriber(c.key)
	case cmdSnapshot:
		c.reply <- a.state
	case cmdStarted:
		a.chunkStarted(c)
	case cmdCompleted:
		a.chunkCompleted(c)
	case cmdFailed:
		a.chunkFailed(c)
	}
}

func (a *actor) chunkStarted(c cmdStarted) {
	if a.state.Status == models.StatusQueued {
		a.state.Status = models.StatusProcessing
		a.state.ChunksExpected = c.totalChunks
		a.emit(models.BatchEvent{
			BatchID:         a.id,
			Status:          models.StatusProcessing,
			ChunksExpected:  a.state.ChunksExpected,
			ChunksCompleted: a.state.ChunksCompleted,
		})
	}
}

func (a *actor) chunkCompleted(c cmdCompleted) {
	if a.seenChunks[c.chunkID] {
		log.WithFields(log.Fields{
			"batchId": a.id,
			"chunkId": c.chunkID,
		}).Info("Duplicate chunk completion, ignoring")
		return
	}
	a.seenChunks[c.chunkID] = true

	// Late ChunkStarted loss shouldn't wedge the batch
	if a.state.Status == models.StatusQueued {
		a.state.Status = models.StatusProcessing
	}

	for _, entry := range c.entries {
		if a.seenGuids[entry.GUID] {
			continue
		}
		a.seenGuids[entry.GUID] = true
		a.state.Entries = append(a.state.Entries, entry)
	}
	a.state.ChunksCompleted++

	if a.state.ChunksExpected > 0 && a.state.ChunksCompleted >= a.state.ChunksExpected {
		now := time.Now()
		a.state.Status = models.StatusCompleted
		a.state.CompletedAt = &now
		a.emit(models.BatchEvent{
			BatchID:         a.id,
			Status:          models.StatusCompleted,
			ChunksExpected:  a.state.ChunksExpected,
			ChunksCompleted: a.state.ChunksCompleted,
			Entries:         a.state.Entries,
			NewEntriesCount: len(a.state.Entries),
		})
		log.WithFields(log.Fields{
			"batchId": a.id,
			"entries": len(a.state.Entries),
			"elapsed": now.Sub(a.state.StartedAt),
		}).Info("Batch completed")
		return
	}

	a.emit(models.BatchEvent{
		BatchID:         a.id,
		Status:          models.StatusProcessing,
		ChunksExpected:  a.state.ChunksExpected,
		ChunksCompleted: a.state.ChunksCompleted,
	})
}

func (a *actor) chunkFailed(c cmdFailed) {
	if a.seenChunks[c.chunkID] {
		return
	}
	a.seenChunks[c.chunkID] = true

	// One failed chunk fails the whole batch, even if siblings succeeded
	now := time.Now()
	a.state.Status = models.StatusFailed
	a.state.Error = c.err
	a.state.CompletedAt = &now
	a.emit(models.BatchEvent{
		BatchID: a.id,
		Status:  models.StatusFailed,
		Error:   c.err,
	})
	log.WithFields(log.Fields{
		"batchId": a.id,
		"chunkId": c.chunkID,
		"error":   c.err,
	}).Error("Batch failed")
}

func (a *actor) transitionTimeout() {
	now := time.Now()
	a.state.Status = models.StatusTimeout
	a.state.CompletedAt = &now
	a.emit(models.BatchEvent{
		BatchID: a.id,
		Status:  models.StatusTimeout,
	})
	log.WithFields(log.Fields{
		"batchId":         a.id,
		"chunksExpected":  a.state.ChunksExpected,
		"chunksCompleted": a.state.ChunksCompleted,
	}).Warn("Batch timed out")
}

func (a *actor) emit(event models.BatchEvent) {
	for key, ch := range a.subscribers {
		select {
		case ch <- event: // Non-blocking send
		default:
			log.Warnf("Subscriber channel full, skipping event for client: %v", key)
		}
	}
}

func (a *actor) removeSubscriber(key string) {
	if ch, ok := a.subscribers[key]; ok {
		close(ch)
		delete(a.subscribers, key)
	}
}

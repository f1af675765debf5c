package batch

import (
	"sync"
	"time"

	"refeed/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var liveBatches = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "refeed_live_batches",
	Help: "The current number of live batch status actors",
})

// Registry is the arena of live batch actors, keyed by batch id.
// Actors are created lazily and garbage-collected after they reach a
// terminal state plus a grace period.
type Registry struct {
	mu      sync.Mutex
	actors  map[string]*actor
	timeout time.Duration
	grace   time.Duration
}

func NewRegistry(timeout, grace time.Duration) *Registry {
	return &Registry{
		actors:  make(map[string]*actor),
		timeout: timeout,
		grace:   grace,
	}
}

func (r *Registry) getOrCreate(batchID string) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[batchID]
	if !ok {
		a = newActor(batchID, r.timeout, r.grace, r.remove)
		r.actors[batchID] = a
		liveBatches.Inc()
		log.WithFields(log.Fields{
			"batchId": batchID,
			"live":    len(r.actors),
		}).Info("Created batch actor")
	}
	return a
}

func (r *Registry) remove(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[batchID]; ok {
		delete(r.actors, batchID)
		liveBatches.Dec()
	}
}

func (r *Registry) lookup(batchID string) (*actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[batchID]
	return a, ok
}

// deliver hands a command to the actor without blocking. The buffer is
// large enough for any realistic chunk count; a full buffer means the
// actor is already terminal and draining, where chunk events are no-ops.
func (r *Registry) deliver(a *actor, batchID string, cmd command) {
	select {
	case a.commands <- cmd:
	default:
		log.WithFields(log.Fields{
			"batchId": batchID,
		}).Warn("Batch actor busy, dropping command")
	}
}

// Register creates the status actor for a freshly enqueued batch so
// subscribers can attach before the first chunk reports in.
func (r *Registry) Register(batchID string) {
	r.getOrCreate(batchID)
}

// ChunkStarted records the first sign of life for a batch and sets the
// number of chunks the actor waits for.
func (r *Registry) ChunkStarted(batchID, chunkID string, totalChunks int) {
	r.deliver(r.getOrCreate(batchID), batchID, cmdStarted{chunkID: chunkID, totalChunks: totalChunks})
}

// ChunkCompleted folds one chunk's entries into the batch. Outcomes for
// a batch that was never registered, or already garbage-collected, are
// dropped rather than resurrecting the actor.
func (r *Registry) ChunkCompleted(batchID, chunkID string, entries []models.Entry) {
	a, ok := r.lookup(batchID)
	if !ok {
		log.WithFields(log.Fields{
			"batchId": batchID,
			"chunkId": chunkID,
		}).Debug("Chunk completion for unknown batch, ignoring")
		return
	}
	r.deliver(a, batchID, cmdCompleted{chunkID: chunkID, entries: entries})
}

// ChunkFailed fails the whole batch with the chunk's error.
func (r *Registry) ChunkFailed(batchID, chunkID, errMsg string) {
	a, ok := r.lookup(batchID)
	if !ok {
		log.WithFields(log.Fields{
			"batchId": batchID,
			"chunkId": chunkID,
		}).Debug("Chunk failure for unknown batch, ignoring")
		return
	}
	r.deliver(a, batchID, cmdFailed{chunkID: chunkID, err: errMsg})
}

// Subscribe attaches a listener to the batch's transitions. The
// returned cancel func must be called when the stream closes. An
// unknown or already garbage-collected batch yields a closed channel
// immediately: single-shot batches replay nothing to reconnects, and
// arbitrary ids must not allocate an actor.
func (r *Registry) Subscribe(batchID string) (<-chan models.BatchEvent, func()) {
	ch := make(chan models.BatchEvent, 10)

	a, ok := r.lookup(batchID)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	key := uuid.New().String()
	select {
	case a.commands <- cmdSubscribe{key: key, ch: ch}:
	default:
		close(ch)
		return ch, func() {}
	}

	cancel := func() {
		a, ok := r.lookup(batchID)
		if !ok {
			return
		}
		select {
		case a.commands <- cmdUnsubscribe{key: key}:
		default:
		}
	}

	return ch, cancel
}

// Snapshot returns a copy of the batch state, or false if the batch is
// unknown or already garbage-collected.
func (r *Registry) Snapshot(batchID string) (models.BatchState, bool) {
	r.mu.Lock()
	a, ok := r.actors[batchID]
	r.mu.Unlock()
	if !ok {
		return models.BatchState{}, false
	}

	reply := make(chan models.BatchState, 1)
	select {
	case a.commands <- cmdSnapshot{reply: reply}:
	default:
		return models.BatchState{}, false
	}

	select {
	case state := <-reply:
		return state, true
	case <-time.After(time.Second):
		return models.BatchState{}, false
	}
}

// Live reports the number of active batch actors.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

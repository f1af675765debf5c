package batch_test

import (
	"fmt"
	"testing"
	"time"

	"refeed/batch"
	"refeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(guid string) models.Entry {
	return models.Entry{
		GUID:    guid,
		Title:   "entry " + guid,
		Link:    "https://example.com/" + guid,
		PubDate: time.Now(),
		FeedURL: "https://example.com/feed.xml",
	}
}

// collect drains events until a terminal status or the deadline.
func collect(t *testing.T, events <-chan models.BatchEvent) []models.BatchEvent {
	t.Helper()
	var seen []models.BatchEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return seen
			}
			seen = append(seen, event)
			if event.Status.Terminal() {
				return seen
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal batch event")
		}
	}
}

func TestBatchCompletes(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_1")
	events, cancel := registry.Subscribe("batch_1")
	defer cancel()

	registry.ChunkStarted("batch_1", "batch_1_chunk_0", 3)
	registry.ChunkStarted("batch_1", "batch_1_chunk_1", 3)
	registry.ChunkStarted("batch_1", "batch_1_chunk_2", 3)
	registry.ChunkCompleted("batch_1", "batch_1_chunk_0", []models.Entry{entry("a"), entry("b")})
	registry.ChunkCompleted("batch_1", "batch_1_chunk_1", []models.Entry{entry("c")})
	registry.ChunkCompleted("batch_1", "batch_1_chunk_2", []models.Entry{entry("d"), entry("e")})

	seen := collect(t, events)
	final := seen[len(seen)-1]

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.ChunksCompleted)
	assert.Equal(t, 3, final.ChunksExpected)
	assert.Len(t, final.Entries, 5)
	assert.Equal(t, 5, final.NewEntriesCount)
}

func TestBatchDeduplicatesEntriesAcrossChunks(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_2")
	events, cancel := registry.Subscribe("batch_2")
	defer cancel()

	registry.ChunkStarted("batch_2", "batch_2_chunk_0", 2)
	registry.ChunkCompleted("batch_2", "batch_2_chunk_0", []models.Entry{entry("a"), entry("b")})
	registry.ChunkCompleted("batch_2", "batch_2_chunk_1", []models.Entry{entry("b"), entry("c")})

	seen := collect(t, events)
	final := seen[len(seen)-1]

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Len(t, final.Entries, 3)
}

func TestDuplicateChunkCompletionIsNoOp(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, time.Second)

	registry.Register("batch_3")
	events, cancel := registry.Subscribe("batch_3")
	defer cancel()

	registry.ChunkStarted("batch_3", "batch_3_chunk_0", 2)
	// Redelivered message: same chunk completes twice
	registry.ChunkCompleted("batch_3", "batch_3_chunk_0", []models.Entry{entry("a")})
	registry.ChunkCompleted("batch_3", "batch_3_chunk_0", []models.Entry{entry("a")})

	// Batch must not complete from a duplicate of the same chunk
	time.Sleep(100 * time.Millisecond)
	state, ok := registry.Snapshot("batch_3")
	require.True(t, ok)
	assert.Equal(t, models.StatusProcessing, state.Status)
	assert.Equal(t, 1, state.ChunksCompleted)

	registry.ChunkCompleted("batch_3", "batch_3_chunk_1", []models.Entry{entry("b")})

	seen := collect(t, events)
	final := seen[len(seen)-1]
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.ChunksCompleted)
	assert.Len(t, final.Entries, 2)
}

func TestOneFailedChunkFailsTheBatch(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_4")
	events, cancel := registry.Subscribe("batch_4")
	defer cancel()

	registry.ChunkStarted("batch_4", "batch_4_chunk_0", 3)
	registry.ChunkCompleted("batch_4", "batch_4_chunk_0", []models.Entry{entry("a")})
	registry.ChunkFailed("batch_4", "batch_4_chunk_1", "all 20 feeds in chunk failed")

	seen := collect(t, events)
	final := seen[len(seen)-1]

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, "all 20 feeds in chunk failed", final.Error)
}

func TestTerminalStateIsSticky(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, time.Second)

	registry.Register("batch_5")
	events, cancel := registry.Subscribe("batch_5")
	defer cancel()

	registry.ChunkStarted("batch_5", "batch_5_chunk_0", 1)
	registry.ChunkCompleted("batch_5", "batch_5_chunk_0", []models.Entry{entry("a")})

	seen := collect(t, events)
	assert.Equal(t, models.StatusCompleted, seen[len(seen)-1].Status)

	// Late events against the terminal batch are absorbed
	registry.ChunkFailed("batch_5", "batch_5_chunk_1", "too late")

	assert.Eventually(t, func() bool {
		state, ok := registry.Snapshot("batch_5")
		return ok && state.Status == models.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestBatchTimesOut(t *testing.T) {
	registry := batch.NewRegistry(100*time.Millisecond, 50*time.Millisecond)

	registry.Register("batch_6")
	events, cancel := registry.Subscribe("batch_6")
	defer cancel()

	registry.ChunkStarted("batch_6", "batch_6_chunk_0", 2)
	registry.ChunkCompleted("batch_6", "batch_6_chunk_0", []models.Entry{entry("a")})
	// Second chunk never reports

	seen := collect(t, events)
	final := seen[len(seen)-1]
	assert.Equal(t, models.StatusTimeout, final.Status)
}

func TestTerminalActorIsGarbageCollected(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_7")
	events, cancel := registry.Subscribe("batch_7")
	defer cancel()

	registry.ChunkStarted("batch_7", "batch_7_chunk_0", 1)
	registry.ChunkCompleted("batch_7", "batch_7_chunk_0", nil)
	collect(t, events)

	assert.Eventually(t, func() bool {
		return registry.Live() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscribeAfterTerminalGetsNothing(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 500*time.Millisecond)

	registry.Register("batch_8")
	events, cancel := registry.Subscribe("batch_8")
	registry.ChunkStarted("batch_8", "batch_8_chunk_0", 1)
	registry.ChunkCompleted("batch_8", "batch_8_chunk_0", []models.Entry{entry("a")})
	collect(t, events)
	cancel()

	// A reconnect after the terminal event replays no history
	late, lateCancel := registry.Subscribe("batch_8")
	defer lateCancel()

	select {
	case _, ok := <-late:
		assert.False(t, ok, "late subscriber should get a closed channel, not events")
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber channel was never closed")
	}
}

func TestSubscribeAfterGarbageCollectionGetsNothing(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_10")
	events, cancel := registry.Subscribe("batch_10")
	registry.ChunkStarted("batch_10", "batch_10_chunk_0", 1)
	registry.ChunkCompleted("batch_10", "batch_10_chunk_0", []models.Entry{entry("a")})
	collect(t, events)
	cancel()

	require.Eventually(t, func() bool {
		return registry.Live() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Reconnect after the actor is gone: no resurrection, no events
	late, lateCancel := registry.Subscribe("batch_10")
	defer lateCancel()

	select {
	case event, ok := <-late:
		require.False(t, ok, "reconnect after GC must not receive events, got %+v", event)
	case <-time.After(time.Second):
		t.Fatal("late subscriber channel was never closed")
	}
	assert.Equal(t, 0, registry.Live(), "a late subscription must not allocate an actor")
}

func TestSubscribeUnknownBatchGetsClosedChannel(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, time.Second)

	events, cancel := registry.Subscribe("batch_never_enqueued")
	defer cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("unknown batch subscription was not closed")
	}
	assert.Equal(t, 0, registry.Live())
}

func TestChunkEventsForUnknownBatchAreDropped(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, time.Second)

	registry.ChunkCompleted("batch_ghost", "batch_ghost_chunk_0", []models.Entry{entry("a")})
	registry.ChunkFailed("batch_ghost", "batch_ghost_chunk_1", "too late")

	assert.Equal(t, 0, registry.Live(), "completion events must not resurrect actors")
}

func TestConcurrentChunkCompletionsCountExactly(t *testing.T) {
	registry := batch.NewRegistry(5*time.Second, 50*time.Millisecond)

	registry.Register("batch_9")
	events, cancel := registry.Subscribe("batch_9")
	defer cancel()

	const chunks = 5
	registry.ChunkStarted("batch_9", "batch_9_chunk_0", chunks)
	for i := 0; i < chunks; i++ {
		go func(n int) {
			registry.ChunkCompleted("batch_9", fmt.Sprintf("batch_9_chunk_%d", n), []models.Entry{entry(fmt.Sprintf("g%d", n))})
		}(i)
	}

	seen := collect(t, events)
	final := seen[len(seen)-1]

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, chunks, final.ChunksCompleted)
	assert.Len(t, final.Entries, chunks)

	// Exactly one terminal emission
	terminal := 0
	for _, event := range seen {
		if event.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

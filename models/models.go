package models

import "time"

// FeedRef identifies one followed feed as requested by a client.
type FeedRef struct {
	PostTitle string `json:"postTitle"`
	FeedURL   string `json:"feedUrl"`
	MediaType string `json:"mediaType,omitempty"`
}

// FeedRecord is the stored row for a feed source, shared by all
// followers of that feed. LastFetched is nil until the first
// successful fetch.
type FeedRecord struct {
	Title       string     `json:"title"`
	FeedURL     string     `json:"feedUrl"`
	MediaType   string     `json:"mediaType,omitempty"`
	LastFetched *time.Time `json:"lastFetched"`
}

// Lock is a time-boxed claim on a feed URL. Expiry is the only
// teardown, there is no explicit release.
type Lock struct {
	LockKey   string    `json:"lockKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LockKeyPrefix namespaces feed locks in the locks table.
const LockKeyPrefix = "feed:"

func FeedLockKey(feedURL string) string {
	return LockKeyPrefix + feedURL
}

// Entry is a single fetched item. GUID is the global dedup key; an
// entry is immutable once stored.
type Entry struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description,omitempty"`
	PubDate     time.Time `json:"pubDate"`
	Image       string    `json:"image,omitempty"`
	FeedURL     string    `json:"feedUrl"`
	MediaType   string    `json:"mediaType,omitempty"`
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// QueueMessage is one chunk of refresh work. Immutable once enqueued;
// delivered at least once, so processing must be idempotent.
type QueueMessage struct {
	BatchID         string    `json:"batchId"`
	Timestamp       int64     `json:"timestamp"`
	Feeds           []FeedRef `json:"feeds"`
	ExistingGuids   []string  `json:"existingGuids,omitempty"`
	NewestEntryDate string    `json:"newestEntryDate,omitempty"`
	Priority        Priority  `json:"priority"`
	TotalChunks     int       `json:"totalChunks"`
	RetryCount      int       `json:"retryCount"`
	MaxRetries      int       `json:"maxRetries"`
}

type BatchStatus string

const (
	StatusQueued     BatchStatus = "queued"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusFailed     BatchStatus = "failed"
	StatusTimeout    BatchStatus = "timeout"
)

// Terminal reports whether a status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// BatchState aggregates chunk outcomes for one batch id. All mutations
// are applied serially by the owning actor.
type BatchState struct {
	BatchID         string      `json:"batchId"`
	Status          BatchStatus `json:"status"`
	ChunksExpected  int         `json:"chunksExpected"`
	ChunksCompleted int         `json:"chunksCompleted"`
	Entries         []Entry     `json:"entries,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"startedAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

// BatchEvent is a state transition relayed to the status stream.
type BatchEvent struct {
	BatchID         string      `json:"batchId"`
	Status          BatchStatus `json:"status"`
	ChunksExpected  int         `json:"chunksExpected,omitempty"`
	ChunksCompleted int         `json:"chunksCompleted,omitempty"`
	Entries         []Entry     `json:"entries,omitempty"`
	NewEntriesCount int         `json:"newEntriesCount,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// RefreshRequest is the enqueue endpoint body. PostTitles and FeedURLs
// must be equal length.
type RefreshRequest struct {
	PostTitles      []string `json:"postTitles"`
	FeedURLs        []string `json:"feedUrls"`
	MediaTypes      []string `json:"mediaTypes,omitempty"`
	ExistingGuids   []string `json:"existingGuids,omitempty"`
	NewestEntryDate string   `json:"newestEntryDate,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
}

type RefreshResponse struct {
	Success                 bool     `json:"success"`
	BatchID                 string   `json:"batchId,omitempty"`
	ChunkIDs                []string `json:"chunkIds,omitempty"`
	Status                  string   `json:"status,omitempty"`
	EstimatedProcessingTime int      `json:"estimatedProcessingTime,omitempty"`
	Error                   string   `json:"error,omitempty"`
}

// ChunkReport is the worker callback payload for chunk lifecycle
// events on the batch status actor. Feeds lists the refs that were
// fetched successfully so their last_fetched stamps can be updated.
type ChunkReport struct {
	BatchID     string    `json:"batchId"`
	ChunkID     string    `json:"chunkId"`
	TotalChunks int       `json:"totalChunks,omitempty"`
	Feeds       []FeedRef `json:"feeds,omitempty"`
	Entries     []Entry   `json:"entries,omitempty"`
	Error       string    `json:"error,omitempty"`
}

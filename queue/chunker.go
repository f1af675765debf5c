package queue

import (
	"fmt"
	"regexp"
	"time"

	"refeed/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// NewBatchID derives a fresh batch identifier for a refresh request.
func NewBatchID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

var chunkSuffix = regexp.MustCompile(`_chunk_\d+$`)

// ParentBatchID strips the chunk suffix so chunk outcomes can be
// reported against the owning batch.
func ParentBatchID(chunkID string) string {
	return chunkSuffix.ReplaceAllString(chunkID, "")
}

// Chunk partitions the claimed feeds into queue messages of at most
// chunkSize feeds each. A single-chunk batch keeps the parent id;
// otherwise chunks are numbered {parent}_chunk_{n}.
func Chunk(parentID string, feeds []models.FeedRef, existingGuids []string, newestEntryDate string, priority models.Priority, chunkSize, maxRetries int) []models.QueueMessage {
	parts := lo.Chunk(feeds, chunkSize)
	now := time.Now().UnixMilli()

	messages := make([]models.QueueMessage, 0, len(parts))
	for n, part := range parts {
		id := parentID
		if len(parts) > 1 {
			id = fmt.Sprintf("%s_chunk_%d", parentID, n)
		}
		messages = append(messages, models.QueueMessage{
			BatchID:         id,
			Timestamp:       now,
			Feeds:           part,
			ExistingGuids:   existingGuids,
			NewestEntryDate: newestEntryDate,
			Priority:        priority,
			TotalChunks:     len(parts),
			RetryCount:      0,
			MaxRetries:      maxRetries,
		})
	}

	return messages
}

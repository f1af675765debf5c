package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"refeed/batch"
	"refeed/models"
	"refeed/queue"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"
)

const (
	fetchTimeout = 20 * time.Second

	// Per-feed fetch retries within one chunk attempt. Chunk-level
	// redelivery is governed by QueueMessage.MaxRetries.
	fetchRetries = 1

	requeueBackoff = 2 * time.Second
)

// Reporter receives chunk lifecycle events. In-process workers report
// through the LocalReporter; remote workers report over HTTP and the
// server persists on receipt.
type Reporter interface {
	ChunkStarted(ctx context.Context, batchID, chunkID string, totalChunks int)
	ChunkCompleted(ctx context.Context, report models.ChunkReport) error
	ChunkFailed(ctx context.Context, batchID, chunkID, errMsg string)
}

// Storage is the slice of the store chunk completion needs.
type Storage interface {
	UpsertEntries(ctx context.Context, entries []models.Entry) error
	TouchFeed(ctx context.Context, feed models.FeedRef, fetchedAt time.Time) error
}

// LocalReporter persists chunk results and forwards lifecycle events to
// the batch registry in the same process.
type LocalReporter struct {
	Store    Storage
	Registry *batch.Registry
}

func (r *LocalReporter) ChunkStarted(ctx context.Context, batchID, chunkID string, totalChunks int) {
	r.Registry.ChunkStarted(batchID, chunkID, totalChunks)
}

func (r *LocalReporter) ChunkCompleted(ctx context.Context, report models.ChunkReport) error {
	if err := r.Store.UpsertEntries(ctx, report.Entries); err != nil {
		return fmt.Errorf("store entries: %w", err)
	}
	now := time.Now()
	for _, feed := range report.Feeds {
		if err := r.Store.TouchFeed(ctx, feed, now); err != nil {
			log.WithFields(log.Fields{
				"feedUrl": feed.FeedURL,
				"error":   err,
			}).Error("Failed to stamp feed fetch time")
		}
	}
	r.Registry.ChunkCompleted(report.BatchID, report.ChunkID, report.Entries)
	return nil
}

func (r *LocalReporter) ChunkFailed(ctx context.Context, batchID, chunkID, errMsg string) {
	r.Registry.ChunkFailed(batchID, chunkID, errMsg)
}

// Processor executes one queue message: fetch every feed in the chunk,
// filter to genuinely new entries and report the outcome.
type Processor struct {
	reporter Reporter
	parser   *gofeed.Parser

	// Requeue re-enqueues a fully failed chunk with retryCount+1 until
	// MaxRetries is exhausted; nil means chunks fail on the first
	// unsuccessful attempt.
	Requeue queue.Transport
}

func NewProcessor(reporter Reporter) *Processor {
	return &Processor{
		reporter: reporter,
		parser:   gofeed.NewParser(),
	}
}

// Process handles one chunk. Redelivery is safe: entries are
// GUID-deduplicated in the store and the batch actor ignores duplicate
// chunk completions.
func (p *Processor) Process(ctx context.Context, msg models.QueueMessage) error {
	parentID := queue.ParentBatchID(msg.BatchID)
	p.reporter.ChunkStarted(ctx, parentID, msg.BatchID, msg.TotalChunks)

	known := make(map[string]bool, len(msg.ExistingGuids))
	for _, guid := range msg.ExistingGuids {
		known[guid] = true
	}

	var newestEntryDate time.Time
	if msg.NewestEntryDate != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.NewestEntryDate); err == nil {
			newestEntryDate = parsed
		}
	}

	var entries []models.Entry
	var fetchedFeeds []models.FeedRef
	for _, feed := range msg.Feeds {
		feedEntries, err := p.fetchWithRetry(ctx, feed)
		if err != nil {
			feedFetchErrors.Inc()
			log.WithFields(log.Fields{
				"batchId": msg.BatchID,
				"feedUrl": feed.FeedURL,
				"error":   err,
			}).Error("Feed fetch failed")
			continue
		}
		fetchedFeeds = append(fetchedFeeds, feed)

		for _, entry := range feedEntries {
			if known[entry.GUID] {
				continue
			}
			if !newestEntryDate.IsZero() && !entry.PubDate.After(newestEntryDate) {
				continue
			}
			known[entry.GUID] = true
			entries = append(entries, entry)
		}
	}

	// A chunk where nothing could be fetched gets redelivered until its
	// retry budget runs out; a partially fetched chunk still completes
	// so users are not starved by one dead feed.
	if len(fetchedFeeds) == 0 && len(msg.Feeds) > 0 {
		if p.Requeue != nil && msg.RetryCount < msg.MaxRetries {
			retry := msg
			retry.RetryCount++
			if err := p.Requeue.Send(ctx, retry, time.Duration(retry.RetryCount)*requeueBackoff); err == nil {
				chunkRetries.Inc()
				log.WithFields(log.Fields{
					"batchId":    msg.BatchID,
					"retryCount": retry.RetryCount,
					"maxRetries": msg.MaxRetries,
				}).Warn("All feeds in chunk failed, requeueing")
				return nil
			}
		}
		errMsg := fmt.Sprintf("all %d feeds in chunk failed", len(msg.Feeds))
		p.reporter.ChunkFailed(ctx, parentID, msg.BatchID, errMsg)
		return fmt.Errorf("chunk %s: %s", msg.BatchID, errMsg)
	}

	report := models.ChunkReport{
		BatchID: parentID,
		ChunkID: msg.BatchID,
		Feeds:   fetchedFeeds,
		Entries: entries,
	}
	if err := p.reporter.ChunkCompleted(ctx, report); err != nil {
		p.reporter.ChunkFailed(ctx, parentID, msg.BatchID, "failed to store entries")
		return fmt.Errorf("chunk %s: %w", msg.BatchID, err)
	}

	chunksProcessed.Inc()
	entriesIngested.Add(float64(len(entries)))
	log.WithFields(log.Fields{
		"batchId": msg.BatchID,
		"feeds":   len(msg.Feeds),
		"failed":  len(msg.Feeds) - len(fetchedFeeds),
		"entries": len(entries),
	}).Info("Processed chunk")

	return nil
}

func (p *Processor) fetchWithRetry(ctx context.Context, feed models.FeedRef) ([]models.Entry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	var entries []models.Entry
	operation := func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		parsed, err := p.parser.ParseURLWithContext(feed.FeedURL, fetchCtx)
		if err != nil {
			return err
		}
		entries = convertItems(feed, parsed)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, fetchRetries), ctx))
	return entries, err
}

func convertItems(feed models.FeedRef, parsed *gofeed.Feed) []models.Entry {
	entries := make([]models.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}

		var pubDate time.Time
		if item.PublishedParsed != nil {
			pubDate = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			pubDate = *item.UpdatedParsed
		}

		var image string
		if item.Image != nil {
			image = item.Image.URL
		}

		entries = append(entries, models.Entry{
			GUID:        guid,
			Title:       item.Title,
			Link:        item.Link,
			Description: item.Description,
			PubDate:     pubDate,
			Image:       image,
			FeedURL:     feed.FeedURL,
			MediaType:   feed.MediaType,
		})
	}
	return entries
}

// Pool drains the queue with a bounded number of workers.
type Pool struct {
	maxWorkers int
	messages   <-chan models.QueueMessage
	processor  *Processor
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPool(ctx context.Context, maxWorkers int, messages <-chan models.QueueMessage, processor *Processor) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		maxWorkers: maxWorkers,
		messages:   messages,
		processor:  processor,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		// Register before the goroutine runs so Shutdown waits for
		// workers that have not been scheduled yet.
		p.wg.Add(1)
		go p.startWorker(i)
	}
}

func (p *Pool) startWorker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			log.Infof("Worker %d: Shutting down", id)
			return
		case msg, ok := <-p.messages:
			if !ok {
				return
			}
			if err := p.processor.Process(p.ctx, msg); err != nil {
				log.Errorf("Worker %d: Error processing chunk: %v", id, err)
			}
		}
	}
}

func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

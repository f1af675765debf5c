package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"refeed/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// State of the refresh orchestrator for one feed view.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateDone       State = "done"
	StateError      State = "error"
)

// How long the new-entries badge stays up before it clears itself.
// Variable so tests can shorten the wait.
var notificationTTL = 5 * time.Second

// Client triggers at most one refresh per feed set, consumes the status
// stream and merges genuinely new entries exactly once.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	feeds []models.FeedRef

	// OnNewEntries is invoked with the number of merged entries; a
	// second call with 0 clears the transient notification.
	OnNewEntries func(count int)

	mu           sync.Mutex
	state        State
	hasRefreshed bool
	entries      []models.Entry
	lastErr      error
}

func New(baseURL, token string, feeds []models.FeedRef, seed []models.Entry) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		feeds:   feeds,
		state:   StateIdle,
		entries: seed,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Entries returns a snapshot of the merged timeline.
func (c *Client) Entries() []models.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]models.Entry, len(c.entries))
	copy(snapshot, c.entries)
	return snapshot
}

// TriggerOneTimeRefresh starts a refresh unless one is running or has
// already completed for this feed set. Blocks until the refresh reaches
// a terminal outcome or ctx is cancelled.
func (c *Client) TriggerOneTimeRefresh(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateRefreshing || c.hasRefreshed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateRefreshing
	c.mu.Unlock()

	err := c.refresh(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		// The owning view is gone; leave state untouched beyond the
		// latch so a remount never re-triggers
		c.hasRefreshed = true
		return ctx.Err()
	}
	c.hasRefreshed = true
	if err != nil {
		c.state = StateError
		c.lastErr = err
		return err
	}
	c.state = StateDone
	c.lastErr = nil
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	resp, err := c.enqueue(ctx)
	if err != nil {
		return err
	}

	if resp.Status == "skipped" || resp.BatchID == "" {
		log.Info("Refresh skipped, all feeds fresh or in progress elsewhere")
		return nil
	}

	return c.consumeStream(ctx, resp.BatchID)
}

// enqueue POSTs the refresh request with exponential backoff. Only
// transport-level failures are retried; application rejections (4xx)
// are permanent.
func (c *Client) enqueue(ctx context.Context) (*models.RefreshResponse, error) {
	body := c.buildRequest()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	var result *models.RefreshResponse
	operation := func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/refresh", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err // Transient network failure, retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("refresh rejected: %d %s", resp.StatusCode, data))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}

		var parsed models.RefreshResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("invalid refresh response: %w", err))
		}
		result = &parsed
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) buildRequest() models.RefreshRequest {
	req := models.RefreshRequest{
		PostTitles: make([]string, len(c.feeds)),
		FeedURLs:   make([]string, len(c.feeds)),
		MediaTypes: make([]string, len(c.feeds)),
		Priority:   models.PriorityNormal,
	}
	for i, feed := range c.feeds {
		req.PostTitles[i] = feed.PostTitle
		req.FeedURLs[i] = feed.FeedURL
		req.MediaTypes[i] = feed.MediaType
	}

	c.mu.Lock()
	var newest time.Time
	for _, entry := range c.entries {
		req.ExistingGuids = append(req.ExistingGuids, entry.GUID)
		if entry.PubDate.After(newest) {
			newest = entry.PubDate
		}
	}
	c.mu.Unlock()

	if !newest.IsZero() {
		req.NewestEntryDate = newest.Format(time.RFC3339)
	}

	return req
}

// consumeStream reads the status stream until a terminal event arrives.
func (c *Client) consumeStream(ctx context.Context, batchID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/refresh/"+batchID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status stream connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status stream rejected: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			done, err := c.handleEvent(ctx, eventName, data)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case line == "":
			eventName = ""
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("status stream read failed: %w", err)
	}
	return errors.New("status stream closed before batch finished")
}

func (c *Client) handleEvent(ctx context.Context, eventName, data string) (bool, error) {
	switch models.BatchStatus(eventName) {
	case models.StatusCompleted:
		var event models.BatchEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return false, fmt.Errorf("invalid completed event: %w", err)
		}
		c.merge(ctx, event.Entries)
		return true, nil

	case models.StatusFailed:
		var event models.BatchEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return false, fmt.Errorf("invalid failed event: %w", err)
		}
		return false, fmt.Errorf("refresh failed: %s", event.Error)

	case models.StatusTimeout:
		return false, errors.New("refresh timed out, please try again")
	}

	// connected, ping and processing events carry no terminal outcome
	return false, nil
}

// merge folds the batch result into the timeline exactly once: known
// GUIDs are dropped, the remainder is sorted newest first and prepended.
func (c *Client) merge(ctx context.Context, incoming []models.Entry) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	known := make(map[string]bool, len(c.entries))
	for _, entry := range c.entries {
		known[entry.GUID] = true
	}

	fresh := lo.Filter(incoming, func(entry models.Entry, _ int) bool {
		return !known[entry.GUID]
	})
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].PubDate.After(fresh[j].PubDate)
	})

	c.entries = append(fresh, c.entries...)
	c.mu.Unlock()

	if len(fresh) > 0 && c.OnNewEntries != nil {
		c.OnNewEntries(len(fresh))
		// The timer fires once and the callback checks for cancellation
		// itself, so no goroutine has to outlive the context waiting to
		// stop it.
		time.AfterFunc(notificationTTL, func() {
			if ctx.Err() == nil {
				c.OnNewEntries(0)
			}
		})
	}

	log.WithFields(log.Fields{
		"incoming": len(incoming),
		"merged":   len(fresh),
	}).Info("Merged refresh result")
}

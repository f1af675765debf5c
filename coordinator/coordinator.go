package coordinator

import (
	"context"
	"time"

	"refeed/models"

	log "github.com/sirupsen/logrus"
)

// Storage is the slice of the store the coordinator needs.
type Storage interface {
	GetFeeds(ctx context.Context, urls []string) (map[string]models.FeedRecord, error)
	ActiveLocks(ctx context.Context, keys []string, now time.Time) ([]string, error)
	UpsertLock(ctx context.Context, key string, expiresAt time.Time) error
}

// Coordinator decides which requested feeds genuinely need refreshing
// and claims them with time-boxed locks before any work is enqueued.
type Coordinator struct {
	store              Storage
	stalenessThreshold time.Duration
	lockTTL            time.Duration

	// Optimistic makes storage errors fail open: feeds are treated as
	// stale and unlocked so a storage hiccup never starves updates.
	Optimistic bool

	// Now is swappable for tests
	Now func() time.Time
}

func New(store Storage, stalenessThreshold, lockTTL time.Duration, optimistic bool) *Coordinator {
	return &Coordinator{
		store:              store,
		stalenessThreshold: stalenessThreshold,
		lockTTL:            lockTTL,
		Optimistic:         optimistic,
		Now:                time.Now,
	}
}

// SelectRefreshCandidates returns the subset of requested feeds whose
// record is absent, never fetched, or older than the staleness
// threshold. An empty result means the whole request short-circuits.
func (c *Coordinator) SelectRefreshCandidates(ctx context.Context, feeds []models.FeedRef) ([]models.FeedRef, error) {
	urls := make([]string, len(feeds))
	for i, feed := range feeds {
		urls[i] = feed.FeedURL
	}

	records, err := c.store.GetFeeds(ctx, urls)
	if err != nil {
		if !c.Optimistic {
			return nil, err
		}
		log.WithFields(log.Fields{
			"error": err,
			"feeds": len(feeds),
		}).Error("Staleness check failed, treating all feeds as stale")
		return feeds, nil
	}

	now := c.Now()
	var candidates []models.FeedRef
	for _, feed := range feeds {
		record, ok := records[feed.FeedURL]
		if !ok || record.LastFetched == nil || now.Sub(*record.LastFetched) > c.stalenessThreshold {
			candidates = append(candidates, feed)
		}
	}

	log.WithFields(log.Fields{
		"requested":  len(feeds),
		"candidates": len(candidates),
	}).Info("Selected refresh candidates")

	return candidates, nil
}

// ClaimUnlocked returns the candidates with no unexpired lock. An empty
// result means another in-flight request already covers these feeds.
func (c *Coordinator) ClaimUnlocked(ctx context.Context, candidates []models.FeedRef) ([]models.FeedRef, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(candidates))
	for i, feed := range candidates {
		keys[i] = models.FeedLockKey(feed.FeedURL)
	}

	active, err := c.store.ActiveLocks(ctx, keys, c.Now())
	if err != nil {
		if !c.Optimistic {
			return nil, err
		}
		log.WithFields(log.Fields{
			"error": err,
		}).Error("Lock check failed, treating all candidates as unlocked")
		return candidates, nil
	}

	locked := make(map[string]bool, len(active))
	for _, key := range active {
		locked[key] = true
	}

	var unlocked []models.FeedRef
	for _, feed := range candidates {
		if !locked[models.FeedLockKey(feed.FeedURL)] {
			unlocked = append(unlocked, feed)
		}
	}

	log.WithFields(log.Fields{
		"candidates": len(candidates),
		"locked":     len(active),
		"claimable":  len(unlocked),
	}).Info("Checked feed locks")

	return unlocked, nil
}

// AcquireLocks upserts a lock per claimed feed. The read-then-upsert
// race means two coordinators can both land here for the same feed; the
// later write re-extends the expiry, bounding duplicate work to the two
// racers instead of failing either request.
func (c *Coordinator) AcquireLocks(ctx context.Context, claimed []models.FeedRef) ([]models.FeedRef, error) {
	expiresAt := c.Now().Add(c.lockTTL)

	var acquired []models.FeedRef
	for _, feed := range claimed {
		if err := c.store.UpsertLock(ctx, models.FeedLockKey(feed.FeedURL), expiresAt); err != nil {
			if !c.Optimistic {
				return nil, err
			}
			log.WithFields(log.Fields{
				"feedUrl": feed.FeedURL,
				"error":   err,
			}).Error("Lock acquisition failed, enqueueing feed anyway")
		}
		acquired = append(acquired, feed)
	}

	return acquired, nil
}

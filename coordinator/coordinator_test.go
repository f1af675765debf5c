package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"refeed/coordinator"
	"refeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	feeds     map[string]models.FeedRecord
	locks     []string
	upserted  []string
	feedsErr  error
	locksErr  error
	upsertErr error
}

func (f *fakeStore) GetFeeds(ctx context.Context, urls []string) (map[string]models.FeedRecord, error) {
	if f.feedsErr != nil {
		return nil, f.feedsErr
	}
	return f.feeds, nil
}

func (f *fakeStore) ActiveLocks(ctx context.Context, keys []string, now time.Time) ([]string, error) {
	if f.locksErr != nil {
		return nil, f.locksErr
	}
	return f.locks, nil
}

func (f *fakeStore) UpsertLock(ctx context.Context, key string, expiresAt time.Time) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, key)
	return nil
}

func refs(urls ...string) []models.FeedRef {
	feeds := make([]models.FeedRef, len(urls))
	for i, url := range urls {
		feeds[i] = models.FeedRef{PostTitle: url, FeedURL: url}
	}
	return feeds
}

func TestSelectRefreshCandidates(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	stale := now.Add(-5 * time.Hour)

	tests := []struct {
		name    string
		records map[string]models.FeedRecord
		feeds   []models.FeedRef
		want    []string
	}{
		{
			name: "all fresh short-circuits",
			records: map[string]models.FeedRecord{
				"a": {FeedURL: "a", LastFetched: &fresh},
				"b": {FeedURL: "b", LastFetched: &fresh},
			},
			feeds: refs("a", "b"),
			want:  nil,
		},
		{
			name: "stale feeds are candidates",
			records: map[string]models.FeedRecord{
				"a": {FeedURL: "a", LastFetched: &stale},
				"b": {FeedURL: "b", LastFetched: &fresh},
			},
			feeds: refs("a", "b"),
			want:  []string{"a"},
		},
		{
			name: "unknown feed is a candidate",
			records: map[string]models.FeedRecord{
				"a": {FeedURL: "a", LastFetched: &fresh},
			},
			feeds: refs("a", "b"),
			want:  []string{"b"},
		},
		{
			name: "never fetched feed is a candidate",
			records: map[string]models.FeedRecord{
				"a": {FeedURL: "a", LastFetched: nil},
			},
			feeds: refs("a"),
			want:  []string{"a"},
		},
		{
			name: "exactly at threshold is still fresh",
			records: map[string]models.FeedRecord{
				"a": {FeedURL: "a", LastFetched: ptrTime(now.Add(-4 * time.Hour))},
			},
			feeds: refs("a"),
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{feeds: tt.records}
			c := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)
			c.Now = func() time.Time { return now }

			candidates, err := c.SelectRefreshCandidates(context.Background(), tt.feeds)
			require.NoError(t, err)

			var urls []string
			for _, feed := range candidates {
				urls = append(urls, feed.FeedURL)
			}
			assert.Equal(t, tt.want, urls)
		})
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func TestSelectRefreshCandidatesFailOpen(t *testing.T) {
	store := &fakeStore{feedsErr: errors.New("database locked")}

	optimistic := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)
	candidates, err := optimistic.SelectRefreshCandidates(context.Background(), refs("a", "b"))
	require.NoError(t, err)
	assert.Len(t, candidates, 2, "storage errors should treat all feeds as stale")

	strict := coordinator.New(store, 4*time.Hour, 15*time.Minute, false)
	_, err = strict.SelectRefreshCandidates(context.Background(), refs("a", "b"))
	assert.Error(t, err)
}

func TestClaimUnlocked(t *testing.T) {
	store := &fakeStore{
		locks: []string{models.FeedLockKey("b"), models.FeedLockKey("d")},
	}
	c := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)

	unlocked, err := c.ClaimUnlocked(context.Background(), refs("a", "b", "c", "d", "e"))
	require.NoError(t, err)

	var urls []string
	for _, feed := range unlocked {
		urls = append(urls, feed.FeedURL)
	}
	assert.Equal(t, []string{"a", "c", "e"}, urls)
}

func TestClaimUnlockedAllLocked(t *testing.T) {
	store := &fakeStore{
		locks: []string{models.FeedLockKey("a"), models.FeedLockKey("b")},
	}
	c := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)

	unlocked, err := c.ClaimUnlocked(context.Background(), refs("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, unlocked, "fully locked candidates mean another request already covers them")
}

func TestClaimUnlockedFailOpen(t *testing.T) {
	store := &fakeStore{locksErr: errors.New("database locked")}

	optimistic := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)
	unlocked, err := optimistic.ClaimUnlocked(context.Background(), refs("a", "b"))
	require.NoError(t, err)
	assert.Len(t, unlocked, 2)

	strict := coordinator.New(store, 4*time.Hour, 15*time.Minute, false)
	_, err = strict.ClaimUnlocked(context.Background(), refs("a", "b"))
	assert.Error(t, err)
}

func TestAcquireLocks(t *testing.T) {
	store := &fakeStore{}
	c := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)

	acquired, err := c.AcquireLocks(context.Background(), refs("a", "b"))
	require.NoError(t, err)
	assert.Len(t, acquired, 2)
	assert.Equal(t, []string{models.FeedLockKey("a"), models.FeedLockKey("b")}, store.upserted)
}

func TestAcquireLocksFailOpen(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("disk full")}

	optimistic := coordinator.New(store, 4*time.Hour, 15*time.Minute, true)
	acquired, err := optimistic.AcquireLocks(context.Background(), refs("a", "b"))
	require.NoError(t, err)
	assert.Len(t, acquired, 2, "lock failures should not block the refresh")

	strict := coordinator.New(store, 4*time.Hour, 15*time.Minute, false)
	_, err = strict.AcquireLocks(context.Background(), refs("a"))
	assert.Error(t, err)
}

package db_test

import (
	"context"
	"path"
	"testing"
	"time"

	"refeed/db"
	"refeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *db.Store {
	t.Helper()
	database := path.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Migrate(database))

	store, err := db.NewStore(database)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetFeedsUnknownURLsAreAbsent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	records, err := store.GetFeeds(ctx, []string{"https://example.com/a.xml"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTouchFeedStampsLastFetched(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	feed := models.FeedRef{PostTitle: "Feed A", FeedURL: "https://example.com/a.xml", MediaType: "rss"}
	fetchedAt := time.Now().Truncate(time.Second)
	require.NoError(t, store.TouchFeed(ctx, feed, fetchedAt))

	records, err := store.GetFeeds(ctx, []string{feed.FeedURL})
	require.NoError(t, err)
	require.Contains(t, records, feed.FeedURL)

	record := records[feed.FeedURL]
	assert.Equal(t, "Feed A", record.Title)
	require.NotNil(t, record.LastFetched)
	assert.Equal(t, fetchedAt.Unix(), record.LastFetched.Unix())

	// A later touch updates the stamp in place
	later := fetchedAt.Add(time.Hour)
	require.NoError(t, store.TouchFeed(ctx, feed, later))

	records, err = store.GetFeeds(ctx, []string{feed.FeedURL})
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), records[feed.FeedURL].LastFetched.Unix())
}

func TestActiveLocksFilterExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertLock(ctx, models.FeedLockKey("a"), now.Add(15*time.Minute)))
	require.NoError(t, store.UpsertLock(ctx, models.FeedLockKey("b"), now.Add(-time.Minute)))

	keys := []string{models.FeedLockKey("a"), models.FeedLockKey("b"), models.FeedLockKey("c")}
	active, err := store.ActiveLocks(ctx, keys, now)
	require.NoError(t, err)
	assert.Equal(t, []string{models.FeedLockKey("a")}, active, "expired and absent locks are not active")
}

func TestUpsertLockExtendsExpiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	key := models.FeedLockKey("a")
	require.NoError(t, store.UpsertLock(ctx, key, now.Add(time.Minute)))
	require.NoError(t, store.UpsertLock(ctx, key, now.Add(30*time.Minute)))

	active, err := store.ActiveLocks(ctx, []string{key}, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{key}, active, "the second upsert must extend the expiry")
}

func TestUpsertEntriesIdempotentByGUID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	entries := []models.Entry{
		{GUID: "g1", Title: "first", Link: "https://example.com/1", PubDate: now, FeedURL: "https://example.com/a.xml"},
		{GUID: "g2", Title: "second", Link: "https://example.com/2", PubDate: now.Add(-time.Hour), FeedURL: "https://example.com/a.xml"},
	}
	require.NoError(t, store.UpsertEntries(ctx, entries))

	// Redelivered chunk: same GUIDs with changed titles must not overwrite
	redelivered := []models.Entry{
		{GUID: "g1", Title: "changed", Link: "https://example.com/1", PubDate: now, FeedURL: "https://example.com/a.xml"},
	}
	require.NoError(t, store.UpsertEntries(ctx, redelivered))

	stored, err := store.RecentEntries(ctx, []string{"https://example.com/a.xml"}, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "g1", stored[0].GUID, "newest first")
	assert.Equal(t, "first", stored[0].Title, "stored entries are immutable")
	assert.Equal(t, "g2", stored[1].GUID)
}

func TestRecentEntriesScopedToFeeds(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, store.UpsertEntries(ctx, []models.Entry{
		{GUID: "a1", Title: "a1", Link: "l", PubDate: now, FeedURL: "https://example.com/a.xml"},
		{GUID: "b1", Title: "b1", Link: "l", PubDate: now, FeedURL: "https://example.com/b.xml"},
	}))

	entries, err := store.RecentEntries(ctx, []string{"https://example.com/a.xml"}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].GUID)

	all, err := store.RecentEntries(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPruneEntries(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, store.UpsertEntries(ctx, []models.Entry{
		{GUID: "fresh", Title: "fresh", Link: "l", PubDate: now, FeedURL: "f"},
		{GUID: "ancient", Title: "ancient", Link: "l", PubDate: now.AddDate(0, -6, 0), FeedURL: "f"},
	}))

	pruned, err := store.PruneEntries(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	remaining, err := store.RecentEntries(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].GUID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := path.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Migrate(database))
	require.NoError(t, db.Migrate(database))
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"refeed/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// Store handles all feed, lock and entry persistence.
type Store struct {
	db *sql.DB
}

func NewStore(database string) (*Store, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetFeeds returns the stored records for the given feed URLs, keyed by
// URL. URLs with no record are simply absent from the result.
func (s *Store) GetFeeds(ctx context.Context, urls []string) (map[string]models.FeedRecord, error) {
	records := make(map[string]models.FeedRecord, len(urls))
	if len(urls) == 0 {
		return records, nil
	}

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("feed_url", "title", "media_type", "last_fetched").From("feeds")
	args := make([]interface{}, len(urls))
	for i, url := range urls {
		args[i] = url
	}
	sb.Where(sb.In("feed_url", args...))

	query, queryArgs := sb.BuildWithFlavor(sqlbuilder.SQLite)
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record models.FeedRecord
		var lastFetched sql.NullInt64
		if err := rows.Scan(&record.FeedURL, &record.Title, &record.MediaType, &lastFetched); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		if lastFetched.Valid {
			fetched := time.Unix(lastFetched.Int64, 0)
			record.LastFetched = &fetched
		}
		records[record.FeedURL] = record
	}

	return records, rows.Err()
}

// TouchFeed upserts the feed row and stamps last_fetched. Called by the
// chunk worker after a successful fetch.
func (s *Store) TouchFeed(ctx context.Context, feed models.FeedRef, fetchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (feed_url, title, media_type, last_fetched)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feed_url) DO UPDATE SET
			title = excluded.title,
			media_type = excluded.media_type,
			last_fetched = excluded.last_fetched`,
		feed.FeedURL, feed.PostTitle, feed.MediaType, fetchedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("touch feed error: %w", err)
	}
	return nil
}

// ActiveLocks returns the subset of keys holding an unexpired lock.
func (s *Store) ActiveLocks(ctx context.Context, keys []string, now time.Time) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("lock_key").From("locks")
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	sb.Where(sb.In("lock_key", args...))
	sb.Where(sb.GreaterThan("expires_at", now.Unix()))

	query, queryArgs := sb.BuildWithFlavor(sqlbuilder.SQLite)
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var active []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		active = append(active, key)
	}

	return active, rows.Err()
}

// UpsertLock claims or re-extends a lock. Two racing coordinators both
// land here; the later write extends the expiry rather than failing.
func (s *Store) UpsertLock(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (lock_key, expires_at)
		VALUES (?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			expires_at = excluded.expires_at`,
		key, expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert lock error: %w", err)
	}
	return nil
}

// UpsertEntries stores fetched entries keyed by GUID. Re-inserting an
// existing GUID is a no-op, which keeps redelivered chunks idempotent.
func (s *Store) UpsertEntries(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx error: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (guid, title, link, description, pub_date, image, feed_url, media_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (guid) DO NOTHING`,
			entry.GUID, entry.Title, entry.Link, entry.Description,
			entry.PubDate.Unix(), entry.Image, entry.FeedURL, entry.MediaType,
		); err != nil {
			return fmt.Errorf("insert entry error: %w", err)
		}
	}

	return tx.Commit()
}

// RecentEntries returns entries for the given feeds ordered newest first.
func (s *Store) RecentEntries(ctx context.Context, feedURLs []string, limit int) ([]models.Entry, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("guid", "title", "link", "description", "pub_date", "image", "feed_url", "media_type").From("entries")
	if len(feedURLs) > 0 {
		args := make([]interface{}, len(feedURLs))
		for i, url := range feedURLs {
			args[i] = url
		}
		sb.Where(sb.In("feed_url", args...))
	}
	sb.OrderBy("pub_date").Desc()
	sb.Limit(limit)

	query, queryArgs := sb.BuildWithFlavor(sqlbuilder.SQLite)
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		var entry models.Entry
		var pubDate int64
		if err := rows.Scan(&entry.GUID, &entry.Title, &entry.Link, &entry.Description,
			&pubDate, &entry.Image, &entry.FeedURL, &entry.MediaType); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		entry.PubDate = time.Unix(pubDate, 0)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// PruneEntries deletes entries older than the cutoff and returns how
// many rows were removed.
func (s *Store) PruneEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	deleteEntries := sqlbuilder.NewDeleteBuilder()
	query, args := deleteEntries.DeleteFrom("entries").
		Where(deleteEntries.LessThan("pub_date", olderThan.Unix())).
		BuildWithFlavor(sqlbuilder.SQLite)

	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Info("Pruning entries")

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune error: %w", err)
	}
	return res.RowsAffected()
}

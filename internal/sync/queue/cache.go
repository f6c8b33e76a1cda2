package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// CacheKey builds the cache key for a resource.
func CacheKey(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// PutCached stores a server response. A zero ExpiresAt takes the store TTL.
func (s *Store) PutCached(ctx context.Context, entry models.CachedResponse) error {
	if entry.Key == "" {
		entry.Key = CacheKey(entry.ResourceType, entry.ResourceID)
	}
	if entry.ResourceType == "" {
		return apperrors.New(apperrors.ErrValidation, "cache entry needs a resource type")
	}
	if len(entry.Data) == 0 || !json.Valid(entry.Data) {
		return apperrors.New(apperrors.ErrSerialization, "cache entry data is not valid JSON")
	}
	now := s.now()
	entry.CachedAt = now
	entry.Size = int64(len(entry.Data))
	if entry.ExpiresAt.IsZero() && s.cacheTTL > 0 {
		entry.ExpiresAt = now.Add(s.cacheTTL)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO cached_data (key, resource_type, resource_id, data, size, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			resource_type = excluded.resource_type,
			resource_id = excluded.resource_id,
			data = excluded.data,
			size = excluded.size,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		entry.Key, entry.ResourceType, entry.ResourceID, []byte(entry.Data), entry.Size,
		toMillis(entry.CachedAt), toMillis(entry.ExpiresAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put cached response", err)
	}
	return nil
}

// GetCached returns a live cache entry. Expired entries read as not found.
func (s *Store) GetCached(ctx context.Context, key string) (*models.CachedResponse, error) {
	var (
		c                   models.CachedResponse
		data                []byte
		cachedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, resource_type, resource_id, data, size, cached_at, expires_at
		FROM cached_data WHERE key = ?`, key).
		Scan(&c.Key, &c.ResourceType, &c.ResourceID, &data, &c.Size, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "cache entry %s not found", key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get cached response", err)
	}
	c.Data = json.RawMessage(data)
	c.CachedAt = fromMillis(cachedAt)
	c.ExpiresAt = fromMillis(expiresAt)
	if c.Expired(s.now()) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "cache entry %s expired", key)
	}
	return &c, nil
}

// DeleteCached drops a cache entry if present.
func (s *Store) DeleteCached(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_data WHERE key = ?`, key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete cached response", err)
	}
	return nil
}

// Counts aggregates both collections by status.
func (s *Store) Counts(ctx context.Context) (uploads, actions models.CategoryCounts, err error) {
	if uploads, err = s.countTable(ctx, "upload_queue"); err != nil {
		return
	}
	actions, err = s.countTable(ctx, "offline_actions")
	return
}

func (s *Store) countTable(ctx context.Context, table string) (models.CategoryCounts, error) {
	var c models.CategoryCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return c, apperrors.Wrap(apperrors.ErrDatabase, "count "+table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, apperrors.Wrap(apperrors.ErrDatabase, "count "+table, err)
		}
		switch models.ItemStatus(status) {
		case models.StatusQueued:
			c.Pending = n
		case models.StatusUploading:
			c.InFlight = n
		case models.StatusFailed:
			c.Failed = n
		case models.StatusUploaded:
			c.Uploaded = n
		case models.StatusConflict:
			c.Conflict = n
		}
	}
	return c, rows.Err()
}

// LoadSyncStatus reads the persisted status with fresh counters.
func (s *Store) LoadSyncStatus(ctx context.Context) (models.SyncStatus, error) {
	var st models.SyncStatus
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sync_status WHERE id = 1`).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, apperrors.Wrap(apperrors.ErrDatabase, "load sync status", err)
	default:
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return st, apperrors.Wrap(apperrors.ErrSerialization, "unmarshal sync status", err)
		}
	}

	st.Uploads, st.Actions, err = s.Counts(ctx)
	return st, err
}

// SaveSyncStatus persists the aggregate status.
func (s *Store) SaveSyncStatus(ctx context.Context, st models.SyncStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSerialization, "marshal sync status", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sync_status (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), toMillis(s.now()))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save sync status", err)
	}
	return nil
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

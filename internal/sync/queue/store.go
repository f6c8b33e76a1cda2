// Package queue is the durable offline queue: uploads, deferred actions,
// cached server responses and the aggregate sync status, all in SQLite.
package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/storage"
)

const (
	DefaultQuotaBytes        int64 = 500 << 20
	DefaultQuotaThreshold          = 0.9
	DefaultFailedEvictionAge       = 7 * 24 * time.Hour
	DefaultUploadedGrace           = 5 * time.Minute
	DefaultCacheTTL                = 24 * time.Hour
	DefaultMaxRetries              = 3
)

// Store persists queue items with atomic status transitions.
type Store struct {
	db    *sql.DB
	blobs *storage.BlobStore

	now               func() time.Time
	quota             int64
	threshold         float64
	failedEvictionAge time.Duration
	uploadedGrace     time.Duration
	cacheTTL          time.Duration
	maxRetries        int

	// quotaMu serializes the quota check with the insert that follows it.
	quotaMu sync.Mutex
	// blobMu serializes storing a payload and inserting its row with
	// counting a payload's references and deleting it.
	blobMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQuota sets the storage quota and the fraction of it new writes may fill.
func WithQuota(bytes int64, threshold float64) Option {
	return func(s *Store) {
		if bytes > 0 {
			s.quota = bytes
		}
		if threshold > 0 && threshold <= 1 {
			s.threshold = threshold
		}
	}
}

// WithFailedEvictionAge sets how long terminal failures are kept under quota pressure.
func WithFailedEvictionAge(d time.Duration) Option {
	return func(s *Store) { s.failedEvictionAge = d }
}

// WithUploadedGrace sets how long uploaded items stay visible before removal.
func WithUploadedGrace(d time.Duration) Option {
	return func(s *Store) { s.uploadedGrace = d }
}

// WithCacheTTL sets the default lifetime of cached responses. Zero disables expiry.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) { s.cacheTTL = d }
}

// WithDefaultMaxRetries sets maxRetries for items enqueued without one.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// New creates a Store over an open database and blob directory.
func New(database *db.DB, blobs *storage.BlobStore, opts ...Option) *Store {
	s := &Store{
		db:                database.DB,
		blobs:             blobs,
		now:               time.Now,
		quota:             DefaultQuotaBytes,
		threshold:         DefaultQuotaThreshold,
		failedEvictionAge: DefaultFailedEvictionAge,
		uploadedGrace:     DefaultUploadedGrace,
		cacheTTL:          DefaultCacheTTL,
		maxRetries:        DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Blobs exposes the payload store so transports can stream upload bodies.
func (s *Store) Blobs() *storage.BlobStore {
	return s.blobs
}

// Filter narrows List queries. Zero fields match everything.
type Filter struct {
	Statuses     []models.ItemStatus
	OwnerID      string
	ResourceType string
	ResourceID   string
	// ReadyAt keeps only items whose next_retry_at is not after it.
	ReadyAt time.Time
	Limit   int
}

// ItemState is the persisted retry state of one item after a transition.
type ItemState struct {
	ID          string
	Status      models.ItemStatus
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	Error       string
}

// Terminal reports whether the item will not be attempted again on its own.
func (st ItemState) Terminal() bool {
	return st.Status == models.StatusFailed || st.Status == models.StatusUploaded
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func tableFor(kind models.ItemKind) (string, error) {
	switch kind {
	case models.KindUpload:
		return models.QueuedUpload{}.TableName(), nil
	case models.KindAction:
		return models.QueuedAction{}.TableName(), nil
	}
	return "", apperrors.Newf(apperrors.ErrValidation, "unknown item kind %q", kind)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

func statusArgs(statuses []models.ItemStatus) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	placeholders := make([]byte, 0, len(statuses)*2)
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, string(st))
	}
	return "status IN (" + string(placeholders) + ")", args
}

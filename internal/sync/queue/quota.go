package queue

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Breakdown splits usage by collection.
type Breakdown struct {
	Uploads int64 `json:"uploads"`
	Actions int64 `json:"actions"`
	Cache   int64 `json:"cache"`
}

// Usage reports stored bytes against the quota.
type Usage struct {
	Used      int64     `json:"used"`
	Quota     int64     `json:"quota"`
	Limit     int64     `json:"limit"`
	Breakdown Breakdown `json:"breakdown"`
}

// Available returns the bytes new writes may still use.
func (u Usage) Available() int64 {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Usage sums persisted payload, body and cache sizes.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	u := Usage{Quota: s.quota, Limit: s.limit()}
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COALESCE(SUM(payload_size + length(metadata)), 0) FROM upload_queue),
		(SELECT COALESCE(SUM(body_size), 0) FROM offline_actions),
		(SELECT COALESCE(SUM(size), 0) FROM cached_data)`).
		Scan(&u.Breakdown.Uploads, &u.Breakdown.Actions, &u.Breakdown.Cache)
	if err != nil {
		return u, apperrors.Wrap(apperrors.ErrDatabase, "compute usage", err)
	}
	u.Used = u.Breakdown.Uploads + u.Breakdown.Actions + u.Breakdown.Cache
	return u, nil
}

func (s *Store) limit() int64 {
	return int64(float64(s.quota) * s.threshold)
}

// ensureCapacity checks that incoming bytes fit under the threshold, running
// the default cleanup once before giving up. Callers hold quotaMu.
func (s *Store) ensureCapacity(ctx context.Context, incoming int64) error {
	u, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if u.Used+incoming <= u.Limit {
		return nil
	}

	report, err := s.Cleanup(ctx, s.DefaultCleanup())
	if err != nil {
		return err
	}
	logging.Info("Ran cleanup under quota pressure", map[string]interface{}{
		"used":        u.Used,
		"incoming":    incoming,
		"limit":       u.Limit,
		"bytes_freed": report.BytesFreed,
	})

	u, err = s.Usage(ctx)
	if err != nil {
		return err
	}
	if u.Used+incoming > u.Limit {
		return apperrors.Newf(apperrors.ErrStorageQuotaExceeded,
			"storage quota exceeded: %d used + %d requested > %d allowed", u.Used, incoming, u.Limit)
	}
	return nil
}

// CleanupOptions selects what a cleanup pass may evict.
type CleanupOptions struct {
	// FailedOlderThan evicts terminal failures last touched before now-age. Zero skips.
	FailedOlderThan time.Duration
	// UploadedOlderThan evicts uploaded items past this grace. Zero skips.
	UploadedOlderThan time.Duration
	// AllUploaded evicts every uploaded item regardless of grace.
	AllUploaded bool
	// ExpiredCache evicts cache entries past their expiry.
	ExpiredCache bool
}

// CleanupReport counts what a cleanup pass removed.
type CleanupReport struct {
	FailedUploads   int   `json:"failed_uploads"`
	FailedActions   int   `json:"failed_actions"`
	UploadedUploads int   `json:"uploaded_uploads"`
	UploadedActions int   `json:"uploaded_actions"`
	CacheEntries    int   `json:"cache_entries"`
	BytesFreed      int64 `json:"bytes_freed"`
}

// Removed returns the number of rows evicted.
func (r CleanupReport) Removed() int {
	return r.FailedUploads + r.FailedActions + r.UploadedUploads + r.UploadedActions + r.CacheEntries
}

// DefaultCleanup returns the eviction policy configured on the store.
func (s *Store) DefaultCleanup() CleanupOptions {
	return CleanupOptions{
		FailedOlderThan:   s.failedEvictionAge,
		UploadedOlderThan: s.uploadedGrace,
		ExpiredCache:      true,
	}
}

// PurgeUploaded removes uploaded items past the grace period.
func (s *Store) PurgeUploaded(ctx context.Context) (CleanupReport, error) {
	return s.Cleanup(ctx, CleanupOptions{UploadedOlderThan: s.uploadedGrace})
}

// Cleanup evicts rows per opts in one transaction, then drops unreferenced blobs.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	var report CleanupReport
	var refs []string
	now := s.now()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if opts.FailedOlderThan > 0 {
			cutoff := toMillis(now.Add(-opts.FailedOlderThan))
			n, freed, r, err := evictUploads(ctx, tx, `status = 'failed' AND updated_at < ?`, cutoff)
			if err != nil {
				return err
			}
			report.FailedUploads, report.BytesFreed, refs = n, report.BytesFreed+freed, append(refs, r...)

			n, freed, err = evictActions(ctx, tx, `status = 'failed' AND updated_at < ?`, cutoff)
			if err != nil {
				return err
			}
			report.FailedActions, report.BytesFreed = n, report.BytesFreed+freed
		}

		if opts.AllUploaded || opts.UploadedOlderThan > 0 {
			cutoff := toMillis(now.Add(-opts.UploadedOlderThan))
			if opts.AllUploaded {
				cutoff = toMillis(now) + 1
			}
			n, freed, r, err := evictUploads(ctx, tx, `status = 'uploaded' AND updated_at < ?`, cutoff)
			if err != nil {
				return err
			}
			report.UploadedUploads, report.BytesFreed, refs = n, report.BytesFreed+freed, append(refs, r...)

			n, freed, err = evictActions(ctx, tx, `status = 'uploaded' AND updated_at < ?`, cutoff)
			if err != nil {
				return err
			}
			report.UploadedActions, report.BytesFreed = n, report.BytesFreed+freed
		}

		if opts.ExpiredCache {
			var freed int64
			if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cached_data
				WHERE expires_at > 0 AND expires_at <= ?`, toMillis(now)).Scan(&freed); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "size expired cache", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM cached_data WHERE expires_at > 0 AND expires_at <= ?`, toMillis(now))
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "evict expired cache", err)
			}
			n, _ := res.RowsAffected()
			report.CacheEntries = int(n)
			report.BytesFreed += freed
		}
		return nil
	})
	if err != nil {
		return CleanupReport{}, err
	}

	for _, ref := range dedupe(refs) {
		s.releaseBlob(ctx, ref)
	}
	if report.Removed() > 0 {
		logging.Info("Queue cleanup completed", map[string]interface{}{
			"failed_uploads":   report.FailedUploads,
			"failed_actions":   report.FailedActions,
			"uploaded_uploads": report.UploadedUploads,
			"uploaded_actions": report.UploadedActions,
			"cache_entries":    report.CacheEntries,
			"bytes_freed":      report.BytesFreed,
		})
	}
	return report, nil
}

func evictUploads(ctx context.Context, tx *sql.Tx, where string, cutoff int64) (int, int64, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT payload_ref, payload_size + length(metadata) FROM upload_queue WHERE `+where, cutoff)
	if err != nil {
		return 0, 0, nil, apperrors.Wrap(apperrors.ErrDatabase, "select evictable uploads", err)
	}
	var (
		refs  []string
		freed int64
	)
	for rows.Next() {
		var ref string
		var size int64
		if err := rows.Scan(&ref, &size); err != nil {
			rows.Close()
			return 0, 0, nil, apperrors.Wrap(apperrors.ErrDatabase, "scan evictable upload", err)
		}
		refs = append(refs, ref)
		freed += size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, nil, apperrors.Wrap(apperrors.ErrDatabase, "select evictable uploads", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM upload_queue WHERE `+where, cutoff)
	if err != nil {
		return 0, 0, nil, apperrors.Wrap(apperrors.ErrDatabase, "evict uploads", err)
	}
	n, _ := res.RowsAffected()
	return int(n), freed, refs, nil
}

func evictActions(ctx context.Context, tx *sql.Tx, where string, cutoff int64) (int, int64, error) {
	var freed int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(body_size), 0) FROM offline_actions WHERE `+where, cutoff).Scan(&freed); err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrDatabase, "size evictable actions", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM offline_actions WHERE `+where, cutoff)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrDatabase, "evict actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), freed, nil
}

func dedupe(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

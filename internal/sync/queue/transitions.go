package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// FailureOutcome describes a failed attempt.
type FailureOutcome struct {
	Err string
	// Retryable failures go back to the queue while retries remain.
	Retryable bool
	// RetryAfter is the delay before the next attempt.
	RetryAfter time.Duration
}

func readState(ctx context.Context, tx *sql.Tx, table, id string) (ItemState, error) {
	st := ItemState{ID: id}
	var status string
	var next int64
	err := tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries, next_retry_at, error FROM `+table+` WHERE id = ?`, id).
		Scan(&status, &st.RetryCount, &st.MaxRetries, &next, &st.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return st, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", table, id)
	}
	if err != nil {
		return st, apperrors.Wrap(apperrors.ErrDatabase, "read item state", err)
	}
	st.Status = models.ItemStatus(status)
	st.NextRetryAt = fromMillis(next)
	return st, nil
}

// casStatus moves a row from one status to another, failing if another
// writer got there first.
func casStatus(ctx context.Context, tx *sql.Tx, table string, st ItemState, from models.ItemStatus, now time.Time, setAttempt bool) error {
	query := `UPDATE ` + table + ` SET status = ?, retry_count = ?, next_retry_at = ?, error = ?, updated_at = ?`
	args := []any{string(st.Status), st.RetryCount, toMillis(st.NextRetryAt), st.Error, toMillis(now)}
	if setAttempt {
		query += `, last_attempt_at = ?`
		args = append(args, toMillis(now))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, st.ID, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update status", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "%s changed concurrently", st.ID)
	}
	return nil
}

// UpdateStatus performs a validated state machine transition. errMsg replaces
// the recorded error when non-empty; a successful upload clears it.
func (s *Store) UpdateStatus(ctx context.Context, kind models.ItemKind, id string, to models.ItemStatus, errMsg string) (ItemState, error) {
	table, err := tableFor(kind)
	if err != nil {
		return ItemState{}, err
	}
	if !to.Valid() {
		return ItemState{}, apperrors.Newf(apperrors.ErrValidation, "unknown status %q", to)
	}

	var st ItemState
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		st, err = readState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		from := st.Status
		if !models.CanTransition(from, to) {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s: %s -> %s not allowed", id, from, to)
		}
		if from == models.StatusFailed && to == models.StatusQueued && st.RetryCount >= st.MaxRetries {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s: retries exhausted (%d/%d)", id, st.RetryCount, st.MaxRetries)
		}

		now := s.now()
		st.Status = to
		switch {
		case to == models.StatusUploaded:
			st.Error = ""
		case errMsg != "":
			st.Error = errMsg
		}
		if to == models.StatusQueued {
			st.NextRetryAt = now
		}
		return casStatus(ctx, tx, table, st, from, now, to == models.StatusUploading)
	})
	return st, err
}

// RecordFailure applies a failed attempt in one transaction: the item moves
// uploading -> failed with retryCount incremented, and continues failed ->
// queued at now+RetryAfter when the failure is retryable and retries remain.
func (s *Store) RecordFailure(ctx context.Context, kind models.ItemKind, id string, out FailureOutcome) (ItemState, error) {
	table, err := tableFor(kind)
	if err != nil {
		return ItemState{}, err
	}

	var st ItemState
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		st, err = readState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if st.Status != models.StatusUploading {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s: failure recorded while %s", id, st.Status)
		}

		now := s.now()
		if st.RetryCount < st.MaxRetries {
			st.RetryCount++
		}
		st.Status = models.StatusFailed
		st.Error = out.Err
		if out.Retryable && st.RetryCount < st.MaxRetries {
			st.Status = models.StatusQueued
			st.NextRetryAt = now.Add(out.RetryAfter)
		}
		return casStatus(ctx, tx, table, st, models.StatusUploading, now, false)
	})
	if err != nil {
		return st, err
	}

	if st.Terminal() {
		logging.Warn("Queue item failed permanently", map[string]interface{}{
			"id":          id,
			"retry_count": st.RetryCount,
			"max_retries": st.MaxRetries,
			"error":       st.Error,
		})
	}
	return st, nil
}

// RetryFailed gives a terminally failed item a fresh retry budget.
func (s *Store) RetryFailed(ctx context.Context, kind models.ItemKind, id string) (ItemState, error) {
	table, err := tableFor(kind)
	if err != nil {
		return ItemState{}, err
	}

	var st ItemState
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		st, err = readState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if st.Status != models.StatusFailed {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s is %s, not failed", id, st.Status)
		}
		now := s.now()
		st.Status = models.StatusQueued
		st.RetryCount = 0
		st.NextRetryAt = now
		return casStatus(ctx, tx, table, st, models.StatusFailed, now, false)
	})
	return st, err
}

// RetryAllFailed requeues every terminal failure of kind and returns how many moved.
func (s *Store) RetryAllFailed(ctx context.Context, kind models.ItemKind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+`
		SET status = 'queued', retry_count = 0, next_retry_at = ?, updated_at = ?
		WHERE status = 'failed'`, now, now)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "retry failed items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResolveConflict requeues an action parked in conflict, optionally replacing
// its body with the resolved record.
func (s *Store) ResolveConflict(ctx context.Context, id string, body json.RawMessage) (ItemState, error) {
	if len(body) > 0 && !json.Valid(body) {
		return ItemState{}, apperrors.New(apperrors.ErrSerialization, "resolved body is not valid JSON")
	}

	var st ItemState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = readState(ctx, tx, "offline_actions", id)
		if err != nil {
			return err
		}
		if st.Status != models.StatusConflict {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s is %s, not conflict", id, st.Status)
		}
		if body != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE offline_actions SET body = ?, body_size = ? WHERE id = ?`,
				[]byte(body), len(body), id); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "replace action body", err)
			}
		}
		now := s.now()
		st.Status = models.StatusQueued
		st.NextRetryAt = now
		st.Error = ""
		return casStatus(ctx, tx, "offline_actions", st, models.StatusConflict, now, false)
	})
	return st, err
}

// Remove deletes an item on request. Items in flight cannot be removed.
func (s *Store) Remove(ctx context.Context, kind models.ItemKind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	var ref string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := readState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if st.Status == models.StatusUploading {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "%s is in flight", id)
		}
		if kind == models.KindUpload {
			if err := tx.QueryRowContext(ctx, `SELECT payload_ref FROM upload_queue WHERE id = ?`, id).Scan(&ref); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "read payload ref", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "delete item", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ref != "" {
		s.releaseBlob(ctx, ref)
	}
	return nil
}

// ResetInFlight returns items left uploading by a crash to the queue.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	now := toMillis(s.now())
	total := 0
	for _, table := range []string{"upload_queue", "offline_actions"} {
		res, err := s.db.ExecContext(ctx, `UPDATE `+table+`
			SET status = 'queued', next_retry_at = ?, updated_at = ?
			WHERE status = 'uploading'`, now, now)
		if err != nil {
			return total, apperrors.Wrap(apperrors.ErrDatabase, "reset in-flight items", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if total > 0 {
		logging.Info("Recovered in-flight queue items", map[string]interface{}{"count": total})
	}
	return total, nil
}

// NextRetryAt returns the earliest next_retry_at among queued items that a
// cycle could pick up. Actions held back behind an earlier action on the same
// resource are skipped until that action finishes.
func (s *Store) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(t) FROM (
		SELECT MIN(next_retry_at) AS t FROM upload_queue WHERE status = 'queued'
		UNION ALL
		SELECT MIN(a.next_retry_at) AS t FROM offline_actions a WHERE a.status = 'queued' AND `+notHeldBack+`
	)`).Scan(&next)
	if err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrDatabase, "query next retry", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}

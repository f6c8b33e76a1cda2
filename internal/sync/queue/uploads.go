package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// UploadRequest describes a binary upload to queue.
type UploadRequest struct {
	OwnerID     string
	Payload     []byte
	ContentType string
	Metadata    models.UploadMetadata
	Priority    models.Priority
	// MaxRetries overrides the store default when positive.
	MaxRetries int
}

const uploadColumns = `id, owner_id, payload_ref, payload_size, content_type, metadata, status,
	priority, retry_count, max_retries, created_at, last_attempt_at, next_retry_at, updated_at, error`

// EnqueueUpload validates and persists an upload with status=queued and retryCount=0.
func (s *Store) EnqueueUpload(ctx context.Context, req UploadRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", apperrors.New(apperrors.ErrValidation, "owner id is required")
	}
	if len(req.Payload) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "payload is empty")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", apperrors.Newf(apperrors.ErrValidation, "unknown priority %q", req.Priority)
	}
	if req.MaxRetries < 0 {
		return "", apperrors.New(apperrors.ErrValidation, "max retries must not be negative")
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.maxRetries
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSerialization, "marshal upload metadata", err)
	}

	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	size := int64(len(req.Payload))
	if err := s.ensureCapacity(ctx, size+int64(len(metadata))); err != nil {
		return "", err
	}

	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	ref, _, err := s.blobs.Put(bytes.NewReader(req.Payload))
	if err != nil {
		return "", err
	}

	now := s.now()
	id := uuid.NewWithKind(uuid.KindUpload)
	_, err = s.db.ExecContext(ctx, `INSERT INTO upload_queue (`+uploadColumns+`, priority_weight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, ?, ?, '', ?)`,
		id, req.OwnerID, ref, size, req.ContentType, string(metadata), string(models.StatusQueued),
		string(req.Priority), maxRetries, toMillis(now), toMillis(now), toMillis(now), req.Priority.Weight())
	if err != nil {
		s.releaseBlobLocked(context.WithoutCancel(ctx), ref)
		return "", apperrors.Wrap(apperrors.ErrDatabase, "insert upload", err)
	}

	logging.Debug("Enqueued upload", map[string]interface{}{
		"id":       id,
		"owner_id": req.OwnerID,
		"size":     size,
		"priority": string(req.Priority),
	})
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*models.QueuedUpload, error) {
	var (
		u                                 models.QueuedUpload
		metadata, status, priority        string
		createdAt, nextRetryAt, updatedAt int64
		lastAttempt                       sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.OwnerID, &u.PayloadRef, &u.PayloadSize, &u.ContentType, &metadata, &status,
		&priority, &u.RetryCount, &u.MaxRetries, &createdAt, &lastAttempt, &nextRetryAt, &updatedAt, &u.Error)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &u.Metadata); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "unmarshal upload metadata", err)
	}
	u.Status = models.ItemStatus(status)
	u.Priority = models.Priority(priority)
	u.CreatedAt = fromMillis(createdAt)
	u.LastAttemptAt = fromNullMillis(lastAttempt)
	u.NextRetryAt = fromMillis(nextRetryAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// GetUpload returns one upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (*models.QueuedUpload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_queue WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "upload %s not found", id)
	}
	if err != nil {
		return nil, wrapDB("get upload", err)
	}
	return u, nil
}

// ListUploads returns uploads matching f in creation order.
func (s *Store) ListUploads(ctx context.Context, f Filter) ([]*models.QueuedUpload, error) {
	var (
		where []string
		args  []any
	)
	if clause, sargs := statusArgs(f.Statuses); clause != "" {
		where = append(where, clause)
		args = append(args, sargs...)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if !f.ReadyAt.IsZero() {
		where = append(where, "next_retry_at <= ?")
		args = append(args, toMillis(f.ReadyAt))
	}

	query := `SELECT ` + uploadColumns + ` FROM upload_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list uploads", err)
	}
	defer rows.Close()

	var out []*models.QueuedUpload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, wrapDB("scan upload", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list uploads", err)
	}
	return out, nil
}

// ListReadyUploads returns queued uploads whose retry time has come.
func (s *Store) ListReadyUploads(ctx context.Context, limit int) ([]*models.QueuedUpload, error) {
	return s.ListUploads(ctx, Filter{
		Statuses: []models.ItemStatus{models.StatusQueued},
		ReadyAt:  s.now(),
		Limit:    limit,
	})
}

// VerifyPayloads fails queued uploads whose payload blob is missing or no
// longer matches its hash. It returns the number of uploads failed.
func (s *Store) VerifyPayloads(ctx context.Context) (int, error) {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	corrupted, err := s.blobs.Verify()
	if err != nil {
		return 0, err
	}
	bad := make(map[string]string, len(corrupted))
	for _, ref := range corrupted {
		bad[ref] = "payload corrupted"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT payload_ref FROM upload_queue WHERE status = 'queued'`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "list payload refs", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "scan payload ref", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "list payload refs", err)
	}
	for _, ref := range refs {
		if _, ok := bad[ref]; !ok && !s.blobs.Exists(ref) {
			bad[ref] = "payload missing"
		}
	}

	failed := 0
	now := toMillis(s.now())
	for ref, reason := range bad {
		res, err := s.db.ExecContext(ctx, `UPDATE upload_queue SET status = 'failed', error = ?, updated_at = ?
			WHERE payload_ref = ? AND status = 'queued'`, reason, now, ref)
		if err != nil {
			return failed, apperrors.Wrap(apperrors.ErrDatabase, "fail unreadable upload", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			logging.Warn("Failed uploads with unreadable payload", map[string]interface{}{
				"ref":     ref,
				"reason":  reason,
				"uploads": n,
			})
		}
		failed += int(n)
	}
	return failed, nil
}

// releaseBlob deletes a payload blob once no upload row references it.
func (s *Store) releaseBlob(ctx context.Context, ref string) {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()
	s.releaseBlobLocked(ctx, ref)
}

// releaseBlobLocked is releaseBlob for callers holding blobMu.
func (s *Store) releaseBlobLocked(ctx context.Context, ref string) {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_queue WHERE payload_ref = ?`, ref).Scan(&refs); err != nil {
		logging.Error("Failed to count blob references", err, map[string]interface{}{"ref": ref})
		return
	}
	if refs > 0 {
		return
	}
	if err := s.blobs.Delete(ref); err != nil {
		logging.Error("Failed to delete payload blob", err, map[string]interface{}{"ref": ref})
	}
}

// wrapDB keeps AppErrors from scan helpers and wraps everything else.
func wrapDB(message string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}

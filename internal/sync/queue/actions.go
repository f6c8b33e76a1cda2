package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// ActionRequest describes a deferred mutation to queue.
type ActionRequest struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         json.RawMessage
	Priority     int
	MaxRetries   int
	ResourceType string
	ResourceID   string
}

const actionColumns = `id, resource_type, resource_id, method, url, headers, body, priority, status,
	retry_count, max_retries, timestamp, last_attempt_at, next_retry_at, updated_at, error`

var allowedMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func validateAction(req *ActionRequest) error {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if !allowedMethods[req.Method] {
		return apperrors.Newf(apperrors.ErrValidation, "unsupported method %q", req.Method)
	}
	if strings.TrimSpace(req.URL) == "" {
		return apperrors.New(apperrors.ErrValidation, "url is required")
	}
	if _, err := url.Parse(req.URL); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid url", err)
	}
	if req.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrValidation, "max retries must not be negative")
	}
	if req.ResourceID != "" && req.ResourceType == "" {
		return apperrors.New(apperrors.ErrValidation, "resource id given without resource type")
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return apperrors.New(apperrors.ErrSerialization, "action body is not valid JSON")
	}
	return nil
}

// EnqueueAction validates and persists a deferred mutation with timestamp=now.
func (s *Store) EnqueueAction(ctx context.Context, req ActionRequest) (string, error) {
	if err := validateAction(&req); err != nil {
		return "", err
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.maxRetries
	}
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSerialization, "marshal action headers", err)
	}
	if req.Headers == nil {
		headers = []byte("{}")
	}

	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	if err := s.ensureCapacity(ctx, int64(len(req.Body))); err != nil {
		return "", err
	}

	now := toMillis(s.now())
	id := uuid.NewWithKind(uuid.KindAction)
	var body any
	if len(req.Body) > 0 {
		body = []byte(req.Body)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO offline_actions (`+actionColumns+`, body_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, ?, ?, '', ?)`,
		id, req.ResourceType, req.ResourceID, req.Method, req.URL, string(headers), body, req.Priority,
		string(models.StatusQueued), maxRetries, now, now, now, len(req.Body))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "insert action", err)
	}

	logging.Debug("Enqueued action", map[string]interface{}{
		"id":            id,
		"method":        req.Method,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
	})
	return id, nil
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	var (
		a                                 models.QueuedAction
		headers, status                   string
		body                              []byte
		timestamp, nextRetryAt, updatedAt int64
		lastAttempt                       sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Intent.ResourceType, &a.Intent.ResourceID, &a.Intent.Method, &a.Intent.URL,
		&headers, &body, &a.Priority, &status, &a.RetryCount, &a.MaxRetries, &timestamp, &lastAttempt,
		&nextRetryAt, &updatedAt, &a.Error)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &a.Intent.Headers); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "unmarshal action headers", err)
	}
	if len(body) > 0 {
		a.Intent.Body = json.RawMessage(body)
	}
	a.Status = models.ItemStatus(status)
	a.Timestamp = fromMillis(timestamp)
	a.LastAttemptAt = fromNullMillis(lastAttempt)
	a.NextRetryAt = fromMillis(nextRetryAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// GetAction returns one action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*models.QueuedAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM offline_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", id)
	}
	if err != nil {
		return nil, wrapDB("get action", err)
	}
	return a, nil
}

// ListActions returns actions matching f in enqueue order.
func (s *Store) ListActions(ctx context.Context, f Filter) ([]*models.QueuedAction, error) {
	var (
		where []string
		args  []any
	)
	if clause, sargs := statusArgs(f.Statuses); clause != "" {
		where = append(where, clause)
		args = append(args, sargs...)
	}
	if f.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if !f.ReadyAt.IsZero() {
		where = append(where, "next_retry_at <= ?")
		args = append(args, toMillis(f.ReadyAt))
	}

	query := `SELECT ` + actionColumns + ` FROM offline_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryActions(ctx, query, args...)
}

// notHeldBack matches actions on alias a with no earlier unfinished action on
// the same resource.
const notHeldBack = `NOT (a.resource_id != '' AND EXISTS (
			SELECT 1 FROM offline_actions b
			WHERE b.resource_type = a.resource_type
			AND b.resource_id = a.resource_id
			AND b.status IN ('queued', 'uploading', 'conflict')
			AND (b.timestamp < a.timestamp OR (b.timestamp = a.timestamp AND b.rowid < a.rowid))
		))`

// ListReadyActions returns queued actions whose retry time has come. An action
// is held back while an earlier action on the same resource is still queued,
// in flight or waiting on conflict resolution, so writes reach the server in
// the order they were made.
func (s *Store) ListReadyActions(ctx context.Context, limit int) ([]*models.QueuedAction, error) {
	query := `SELECT ` + actionColumns + ` FROM offline_actions a
		WHERE a.status = 'queued' AND a.next_retry_at <= ?
		AND ` + notHeldBack + `
		ORDER BY a.timestamp ASC, a.rowid ASC`
	args := []any{toMillis(s.now())}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryActions(ctx, query, args...)
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]*models.QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list actions", err)
	}
	defer rows.Close()

	var out []*models.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, wrapDB("scan action", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list actions", err)
	}
	return out, nil
}

// ReplaceActionBody swaps the body of an action that is in flight or parked
// in conflict, so a later attempt sends the resolved record.
func (s *Store) ReplaceActionBody(ctx context.Context, id string, body json.RawMessage) error {
	if len(body) > 0 && !json.Valid(body) {
		return apperrors.New(apperrors.ErrSerialization, "action body is not valid JSON")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE offline_actions SET body = ?, body_size = ?, updated_at = ?
		WHERE id = ? AND status IN ('uploading', 'conflict')`,
		[]byte(body), len(body), toMillis(s.now()), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "replace action body", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "replace action body", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "%s is not in flight or in conflict", id)
	}
	return nil
}

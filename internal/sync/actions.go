package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"reflect"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

func (e *Engine) processUpload(ctx context.Context, u *models.QueuedUpload, run *cycleRun) error {
	ok, err := e.claim(ctx, models.KindUpload, u.ID)
	if err != nil || !ok {
		return err
	}
	e.emit(Event{Type: EventUploadStarted, ItemID: u.ID, Kind: models.KindUpload})

	data, err := e.store.Blobs().Get(u.PayloadRef)
	if err != nil {
		return e.fail(ctx, models.KindUpload, u.ID, u.RetryCount, outcome{kind: outcomePermanent, err: err}, run)
	}
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return e.fail(ctx, models.KindUpload, u.ID, u.RetryCount, outcome{
			kind: outcomePermanent,
			err:  apperrors.Wrap(apperrors.ErrSerialization, "marshal upload metadata", err),
		}, run)
	}

	o, _ := e.send(ctx, Request{
		URL:     e.cfg.UploadURL,
		Method:  http.MethodPost,
		Headers: map[string]string{"Idempotency-Key": u.ID},
		File: &File{
			FieldName:   "file",
			FileName:    u.ID,
			ContentType: u.ContentType,
			Data:        data,
			Fields: map[string]string{
				"id":       u.ID,
				"owner_id": u.OwnerID,
				"priority": string(u.Priority),
				"metadata": string(metadata),
			},
		},
	})
	switch o.kind {
	case outcomeSuccess:
		return e.succeed(ctx, models.KindUpload, u.ID, run)
	case outcomeConflict:
		o.kind = outcomePermanent
	}
	return e.fail(ctx, models.KindUpload, u.ID, u.RetryCount, o, run)
}

func actionRequest(id string, intent models.ActionIntent) Request {
	headers := maps.Clone(intent.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	if _, ok := headers["Idempotency-Key"]; !ok {
		headers["Idempotency-Key"] = id
	}
	if len(intent.Body) > 0 {
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	return Request{URL: intent.URL, Method: intent.Method, Headers: headers, Body: intent.Body}
}

func (e *Engine) processAction(ctx context.Context, a *models.QueuedAction, run *cycleRun) error {
	ok, err := e.claim(ctx, models.KindAction, a.ID)
	if err != nil || !ok {
		return err
	}

	o, _ := e.send(ctx, actionRequest(a.ID, a.Intent))
	switch o.kind {
	case outcomeSuccess:
		return e.succeed(ctx, models.KindAction, a.ID, run)
	case outcomeConflict:
		if a.Intent.ResourceType == "" || a.Intent.ResourceID == "" {
			o.kind = outcomePermanent
			break
		}
		return e.handleConflict(ctx, a, run)
	}
	return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, o, run)
}

// handleConflict pulls the server copy of the action's resource and resolves
// it against the local body. Auto-resolved records are sent once more;
// anything else parks the action in conflict.
func (e *Engine) handleConflict(ctx context.Context, a *models.QueuedAction, run *cycleRun) error {
	intent := a.Intent

	server, err := e.fetchServerCopy(ctx, intent, a.ID)
	if err != nil {
		kind := outcomeTransient
		if apperrors.Is(err, apperrors.ErrSerialization) || apperrors.Is(err, apperrors.ErrNetworkPermanent) {
			kind = outcomePermanent
		}
		return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, outcome{kind: kind, err: err}, run)
	}

	var local conflict.Record
	if intent.Method != http.MethodDelete {
		local, err = conflict.ParseRecord(intent.Body)
		if err != nil {
			return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, outcome{kind: outcomePermanent, err: err}, run)
		}
	}

	result, err := e.resolver.ResolveConflicts(local, server, intent.ResourceType, intent.ResourceID)
	if err != nil {
		return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, outcome{kind: outcomePermanent, err: err}, run)
	}

	auto := len(result.Conflicts) - len(result.Unresolved)
	run.add(func(r *CycleResult) {
		r.AutoResolved += auto
		r.Conflicts += len(result.Unresolved)
	})
	for _, c := range result.Conflicts {
		e.metrics.RecordConflict(ctx, intent.ResourceType, c.Applied != nil)
	}

	if !result.Resolved {
		return e.park(ctx, a, result)
	}
	return e.retryResolved(ctx, a, server, result.Record, run)
}

// fetchServerCopy GETs the resource at the action URL and caches it. A 404 or
// 410 means the resource no longer exists on the server.
func (e *Engine) fetchServerCopy(ctx context.Context, intent models.ActionIntent, id string) (conflict.Record, error) {
	headers := maps.Clone(intent.Headers)
	delete(headers, "Content-Type")
	delete(headers, "If-Match")

	o, resp := e.send(ctx, Request{URL: intent.URL, Method: http.MethodGet, Headers: headers})
	key := queue.CacheKey(intent.ResourceType, intent.ResourceID)
	wctx := context.WithoutCancel(ctx)

	if resp != nil && (resp.Status == http.StatusNotFound || resp.Status == http.StatusGone) {
		if err := e.store.DeleteCached(wctx, key); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Error("Failed to drop cached server copy", err, map[string]interface{}{"key": key})
		}
		return nil, nil
	}
	switch o.kind {
	case outcomeSuccess:
	case outcomeTransient:
		return nil, apperrors.Newf(apperrors.ErrNetworkTransient, "fetch server copy: %s", o.message())
	default:
		return nil, apperrors.Newf(apperrors.ErrNetworkPermanent, "fetch server copy: %s", o.message())
	}

	server, err := conflict.ParseRecord(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutCached(wctx, models.CachedResponse{
		Key:          key,
		ResourceType: intent.ResourceType,
		ResourceID:   intent.ResourceID,
		Data:         resp.Body,
	}); err != nil {
		logging.Error("Failed to cache server copy", err, map[string]interface{}{"key": key, "action_id": id})
	}
	return server, nil
}

// retryResolved sends an auto-resolved record once. When the resolved record
// is what the server already holds, there is nothing left to send.
func (e *Engine) retryResolved(ctx context.Context, a *models.QueuedAction, server, record conflict.Record, run *cycleRun) error {
	if record == nil || reflect.DeepEqual(record, server) {
		logging.Info("Action superseded by server copy", map[string]interface{}{
			"id":            a.ID,
			"resource_type": a.Intent.ResourceType,
			"resource_id":   a.Intent.ResourceID,
		})
		return e.supersede(ctx, a.ID, run)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, outcome{
			kind: outcomePermanent,
			err:  apperrors.Wrap(apperrors.ErrSerialization, "marshal resolved record", err),
		}, run)
	}
	if err := e.store.ReplaceActionBody(context.WithoutCancel(ctx), a.ID, body); err != nil {
		return ignoreRace(err, a.ID)
	}

	intent := a.Intent
	intent.Body = body
	req := actionRequest(a.ID, intent)
	if v, ok := server["version"]; ok {
		req.Headers["If-Match"] = fmt.Sprint(v)
	}

	o, _ := e.send(ctx, req)
	switch o.kind {
	case outcomeSuccess:
		return e.succeed(ctx, models.KindAction, a.ID, run)
	case outcomeConflict:
		o.kind = outcomeTransient
		o.err = apperrors.New(apperrors.ErrNetworkTransient, "server copy changed again during conflict retry")
	}
	return e.fail(ctx, models.KindAction, a.ID, a.RetryCount, o, run)
}

// park moves an action to conflict and surfaces each unresolved conflict.
func (e *Engine) park(ctx context.Context, a *models.QueuedAction, result *conflict.Result) error {
	msg := fmt.Sprintf("%d unresolved conflicts", len(result.Unresolved))
	if _, err := e.store.UpdateStatus(context.WithoutCancel(ctx), models.KindAction, a.ID, models.StatusConflict, msg); err != nil {
		e.resolver.Discard(a.Intent.ResourceType, a.Intent.ResourceID)
		return ignoreRace(err, a.ID)
	}

	logging.Warn("Action parked for manual conflict resolution", map[string]interface{}{
		"id":            a.ID,
		"resource_type": a.Intent.ResourceType,
		"resource_id":   a.Intent.ResourceID,
		"unresolved":    len(result.Unresolved),
	})
	for _, c := range result.Unresolved {
		e.emit(Event{Type: EventConflictDetected, ItemID: a.ID, Kind: models.KindAction, Conflict: c, Error: msg})
	}
	return nil
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (e *Engine) PendingConflicts() []*conflict.DataConflict {
	return e.resolver.PendingConflicts()
}

// ApplyResolution applies a manual resolution. Once every conflict of the
// resource is settled, its parked actions are requeued with the resolved
// record, or removed when the resolution makes them moot.
func (e *Engine) ApplyResolution(ctx context.Context, conflictID, resolutionID string) (conflict.Record, error) {
	applied, err := e.resolver.Apply(conflictID, resolutionID)
	if err != nil {
		return nil, err
	}
	if !applied.Complete {
		return applied.Record, nil
	}

	parked, err := e.store.ListActions(ctx, queue.Filter{
		Statuses:     []models.ItemStatus{models.StatusConflict},
		ResourceType: applied.ResourceType,
		ResourceID:   applied.ResourceID,
	})
	if err != nil {
		return nil, err
	}

	var body json.RawMessage
	if applied.Record != nil {
		if body, err = json.Marshal(applied.Record); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSerialization, "marshal resolved record", err)
		}
	}

	for _, a := range parked {
		var err error
		switch {
		case a.Intent.Method == http.MethodDelete && applied.Record == nil:
			_, err = e.store.ResolveConflict(ctx, a.ID, nil)
		case a.Intent.Method == http.MethodDelete || applied.Record == nil:
			err = e.store.Remove(ctx, models.KindAction, a.ID)
		default:
			_, err = e.store.ResolveConflict(ctx, a.ID, body)
		}
		if err = ignoreRace(err, a.ID); err != nil {
			return nil, err
		}
	}

	logging.Info("Manual resolution applied", map[string]interface{}{
		"conflict_id":   conflictID,
		"resolution_id": resolutionID,
		"resource_type": applied.ResourceType,
		"resource_id":   applied.ResourceID,
		"actions":       len(parked),
	})
	return applied.Record, nil
}

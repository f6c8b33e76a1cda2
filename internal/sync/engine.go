// Package sync runs offline sync cycles. It drains the durable queue through
// a Transport in priority batches, retries failures with backoff and routes
// version conflicts to the conflict resolver.
package sync

import (
	"context"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/batch"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultCycleLimit     = 500
)

// Config tunes an Engine.
type Config struct {
	// UploadURL receives queued uploads as multipart POSTs.
	UploadURL string
	// RequestTimeout bounds every transport call. A timeout is a transient failure.
	RequestTimeout time.Duration
	// CycleLimit caps how many ready items of each kind one cycle loads.
	CycleLimit int
	Retry      RetryPolicy
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: DefaultRequestTimeout,
		CycleLimit:     DefaultCycleLimit,
		Retry:          DefaultRetryPolicy(),
	}
}

// Scope restricts a cycle to a subset of the queue.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeUploads Scope = "uploads"
	ScopeActions Scope = "actions"
)

func (s Scope) includes(kind models.ItemKind) bool {
	switch s {
	case ScopeUploads:
		return kind == models.KindUpload
	case ScopeActions:
		return kind == models.KindAction
	}
	return true
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	ID        string        `json:"id,omitempty"`
	Scope     Scope         `json:"scope"`
	Skipped   bool          `json:"skipped,omitempty"`
	Paused    bool          `json:"paused,omitempty"`
	Quality   batch.Quality `json:"quality,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Batches   int           `json:"batches"`
	Uploaded  int           `json:"uploaded"`
	Synced    int           `json:"synced"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	// Superseded is the part of Synced retired in favour of the server copy.
	Superseded int `json:"superseded"`
	// AutoResolved counts conflicts settled by policy; Conflicts counts those
	// left for manual resolution.
	AutoResolved int    `json:"auto_resolved"`
	Conflicts    int    `json:"conflicts"`
	Error        string `json:"error,omitempty"`
}

// cycleRun guards the result of a cycle while batches run concurrently.
type cycleRun struct {
	mu  stdsync.Mutex
	res *CycleResult
}

func (r *cycleRun) add(fn func(res *CycleResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.res)
}

// CycleOption configures one RunCycle call.
type CycleOption func(*cycleOptions)

type cycleOptions struct {
	scope Scope
}

// WithScope restricts the cycle to uploads or actions.
func WithScope(s Scope) CycleOption {
	return func(o *cycleOptions) { o.scope = s }
}

// Engine orchestrates sync cycles. Each Engine owns its own single-flight
// guard and listener registry.
type Engine struct {
	store        *queue.Store
	transport    Transport
	connectivity Connectivity
	batcher      *batch.Batcher
	resolver     *conflict.Resolver
	metrics      *telemetry.SyncMetrics
	tracer       trace.Tracer
	cfg          Config
	quotaCleanup queue.CleanupOptions

	events *listeners
	paused atomic.Bool

	mu      stdsync.Mutex
	syncing bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.UploadURL != "" {
			e.cfg.UploadURL = cfg.UploadURL
		}
		if cfg.RequestTimeout > 0 {
			e.cfg.RequestTimeout = cfg.RequestTimeout
		}
		if cfg.CycleLimit > 0 {
			e.cfg.CycleLimit = cfg.CycleLimit
		}
		if cfg.Retry.BaseDelay > 0 {
			e.cfg.Retry = cfg.Retry
		}
	}
}

// WithConnectivity sets the link quality source.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) { e.connectivity = c }
}

// WithBatcher sets the batch planner.
func WithBatcher(b *batch.Batcher) Option {
	return func(e *Engine) { e.batcher = b }
}

// WithResolver sets the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics records cycle metrics. Nil metrics are a no-op.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets the provider for cycle spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = telemetry.Tracer(tp) }
}

// WithQuotaCleanup sets the eviction pass run when an enqueue hits the quota.
func WithQuotaCleanup(opts queue.CleanupOptions) Option {
	return func(e *Engine) { e.quotaCleanup = opts }
}

// New creates an Engine over store and transport.
func New(store *queue.Store, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		transport:    transport,
		connectivity: StaticConnectivity(batch.QualityUnknown),
		batcher:      batch.New(batch.Balanced),
		resolver:     conflict.NewResolver(),
		tracer:       telemetry.Tracer(nil),
		cfg:          DefaultConfig(),
		quotaCleanup: queue.CleanupOptions{
			FailedOlderThan: 24 * time.Hour,
			AllUploaded:     true,
			ExpiredCache:    true,
		},
		events: newListeners(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver returns the engine's conflict resolver.
func (e *Engine) Resolver() *conflict.Resolver {
	return e.resolver
}

// Store returns the engine's queue store.
func (e *Engine) Store() *queue.Store {
	return e.store
}

// Subscribe registers a listener for engine events.
func (e *Engine) Subscribe(fn Listener) SubscriptionID {
	return e.events.add(fn)
}

// Unsubscribe removes a listener. It reports whether the id was registered.
func (e *Engine) Unsubscribe(id SubscriptionID) bool {
	return e.events.remove(id)
}

func (e *Engine) emit(ev Event) {
	ev.Time = e.store.Now()
	e.events.emit(ev)
}

// Pause stops new batches from starting. In-flight requests complete.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		logging.Info("Sync paused", nil)
	}
}

// Resume allows batches to start again.
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		logging.Info("Sync resumed", nil)
	}
}

// IsPaused reports whether the engine is paused.
func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// IsSyncing reports whether a cycle is running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return false
	}
	e.syncing = true
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

// ForceSync runs a full cycle now.
func (e *Engine) ForceSync(ctx context.Context) (*CycleResult, error) {
	return e.RunCycle(ctx)
}

// ForceSyncUploads runs a cycle over uploads only.
func (e *Engine) ForceSyncUploads(ctx context.Context) (*CycleResult, error) {
	return e.RunCycle(ctx, WithScope(ScopeUploads))
}

// ForceSyncActions runs a cycle over actions only.
func (e *Engine) ForceSyncActions(ctx context.Context) (*CycleResult, error) {
	return e.RunCycle(ctx, WithScope(ScopeActions))
}

// RunCycle drains ready queue items once. A call made while another cycle is
// running returns immediately with Skipped set.
func (e *Engine) RunCycle(ctx context.Context, opts ...CycleOption) (*CycleResult, error) {
	co := cycleOptions{scope: ScopeAll}
	for _, opt := range opts {
		opt(&co)
	}

	if !e.begin() {
		logging.Debug("Sync cycle already running, skipping", map[string]interface{}{"scope": string(co.scope)})
		return &CycleResult{Scope: co.scope, Skipped: true}, nil
	}
	defer e.end()

	start := time.Now()
	run := &cycleRun{res: &CycleResult{
		ID:        uuid.NewWithKind(uuid.KindCycle),
		Scope:     co.scope,
		StartedAt: e.store.Now(),
	}}

	ctx, span := e.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("cycle.id", run.res.ID),
		attribute.String("cycle.scope", string(co.scope)),
	))
	defer span.End()

	e.recordAttempt(ctx)
	err := e.runCycle(ctx, co.scope, run)

	res := run.res
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
	}
	e.recordOutcome(context.WithoutCancel(ctx), err)
	e.metrics.RecordCycle(ctx, string(co.scope), res.Duration, err == nil)

	span.SetAttributes(
		attribute.Int("cycle.batches", res.Batches),
		attribute.Int("cycle.uploaded", res.Uploaded),
		attribute.Int("cycle.synced", res.Synced),
		attribute.Int("cycle.failed", res.Failed),
		attribute.Int("cycle.conflicts", res.Conflicts),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.ErrorWithCode("Sync cycle failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"cycle_id": res.ID, "scope": string(co.scope)})
		e.emit(Event{Type: EventCycleError, Error: err.Error(), Cycle: res})
		return res, err
	}

	logging.Info("Sync cycle completed", map[string]interface{}{
		"cycle_id":      res.ID,
		"scope":         string(co.scope),
		"quality":       string(res.Quality),
		"batches":       res.Batches,
		"uploaded":      res.Uploaded,
		"synced":        res.Synced,
		"retrying":      res.Retrying,
		"failed":        res.Failed,
		"auto_resolved": res.AutoResolved,
		"conflicts":     res.Conflicts,
		"paused":        res.Paused,
		"duration_ms":   res.Duration.Milliseconds(),
	})
	e.emit(Event{Type: EventCycleCompleted, Cycle: res})
	return res, nil
}

func (e *Engine) runCycle(ctx context.Context, scope Scope, run *cycleRun) error {
	if _, err := e.store.PurgeUploaded(ctx); err != nil {
		return err
	}

	quality := e.connectivity.ConnectionQuality()
	run.res.Quality = quality

	batches, err := e.plan(ctx, scope, quality)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(e.batcher.Concurrency(quality))

	dispatched := 0
	for i := 0; i < len(batches); i++ {
		if e.IsPaused() {
			run.res.Paused = true
			logging.Info("Sync paused, leaving batches queued", map[string]interface{}{"remaining": len(batches) - i})
			break
		}
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if q := e.connectivity.ConnectionQuality(); batch.Degraded(quality, q) {
				logging.Info("Connection degraded, replanning", map[string]interface{}{
					"from": string(quality),
					"to":   string(q),
				})
				batches = append(batches[:i:i], e.batcher.Replan(batches[i:], q)...)
				quality = q
				run.res.Quality = q
			}
		}

		b := batches[i]
		b.Status = batch.StatusProcessing
		dispatched++
		g.Go(func() error { return e.runBatch(ctx, b, run) })
	}
	err = g.Wait()
	run.res.Batches = dispatched
	if err != nil {
		return err
	}
	return ctx.Err()
}

// plan loads ready items in scope and partitions them per kind, ordered by
// batch priority.
func (e *Engine) plan(ctx context.Context, scope Scope, q batch.Quality) ([]*batch.SyncBatch, error) {
	var batches []*batch.SyncBatch

	if scope.includes(models.KindUpload) {
		uploads, err := e.store.ListReadyUploads(ctx, e.cfg.CycleLimit)
		if err != nil {
			return nil, err
		}
		items := make([]batch.Item, len(uploads))
		for i, u := range uploads {
			items[i] = u
		}
		batches = append(batches, e.batcher.Plan(items, q)...)
	}

	if scope.includes(models.KindAction) {
		actions, err := e.store.ListReadyActions(ctx, e.cfg.CycleLimit)
		if err != nil {
			return nil, err
		}
		items := make([]batch.Item, len(actions))
		for i, a := range actions {
			items[i] = a
		}
		batches = append(batches, e.batcher.Plan(items, q)...)
	}

	slices.SortStableFunc(batches, func(a, b *batch.SyncBatch) int {
		return b.PriorityWeight - a.PriorityWeight
	})
	return batches, nil
}

// runBatch processes the items of one batch sequentially.
func (e *Engine) runBatch(ctx context.Context, b *batch.SyncBatch, run *cycleRun) error {
	for _, item := range b.Items {
		if ctx.Err() != nil {
			break
		}
		var err error
		switch it := item.(type) {
		case *models.QueuedUpload:
			err = e.processUpload(ctx, it, run)
		case *models.QueuedAction:
			err = e.processAction(ctx, it, run)
		}
		if err != nil {
			b.Status = batch.StatusFailed
			return err
		}
	}
	b.Status = batch.StatusCompleted
	return nil
}

// claim moves an item to uploading. ok is false when another writer changed
// the item first.
func (e *Engine) claim(ctx context.Context, kind models.ItemKind, id string) (bool, error) {
	_, err := e.store.UpdateStatus(ctx, kind, id, models.StatusUploading, "")
	if err != nil {
		return false, ignoreRace(err, id)
	}
	return true, nil
}

// ignoreRace drops errors caused by an item changing under us.
func ignoreRace(err error, id string) error {
	if apperrors.Is(err, apperrors.ErrInvalidTransition) || apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Debug("Queue item changed concurrently, skipping", map[string]interface{}{"id": id, "reason": err.Error()})
		return nil
	}
	return err
}

func (e *Engine) send(ctx context.Context, req Request) (outcome, *Response) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	resp, err := e.transport.Send(rctx, req)
	return classify(resp, err, e.store.Now()), resp
}

func (e *Engine) succeed(ctx context.Context, kind models.ItemKind, id string, run *cycleRun) error {
	if _, err := e.store.UpdateStatus(context.WithoutCancel(ctx), kind, id, models.StatusUploaded, ""); err != nil {
		return ignoreRace(err, id)
	}
	e.metrics.RecordItem(ctx, string(kind), "synced")

	if kind == models.KindUpload {
		run.add(func(r *CycleResult) { r.Uploaded++ })
		e.emit(Event{Type: EventUploadCompleted, ItemID: id, Kind: kind})
	} else {
		run.add(func(r *CycleResult) { r.Synced++ })
		e.emit(Event{Type: EventActionSynced, ItemID: id, Kind: kind})
	}
	return nil
}

// supersede retires an action whose conflict was settled in favour of the
// server copy. It counts as synced but the event carries Superseded.
func (e *Engine) supersede(ctx context.Context, id string, run *cycleRun) error {
	if _, err := e.store.UpdateStatus(context.WithoutCancel(ctx), models.KindAction, id, models.StatusUploaded, ""); err != nil {
		return ignoreRace(err, id)
	}
	e.metrics.RecordItem(ctx, string(models.KindAction), "superseded")

	run.add(func(r *CycleResult) {
		r.Synced++
		r.Superseded++
	})
	e.emit(Event{
		Type:       EventActionSynced,
		ItemID:     id,
		Kind:       models.KindAction,
		Superseded: true,
		Error:      "superseded by server copy",
	})
	return nil
}

// fail records a failed attempt. A failure caused by the cycle being
// cancelled returns the item to the queue without spending a retry.
func (e *Engine) fail(ctx context.Context, kind models.ItemKind, id string, retryCount int, o outcome, run *cycleRun) error {
	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil && o.kind != outcomePermanent {
		_, err := e.store.UpdateStatus(wctx, kind, id, models.StatusQueued, "")
		return ignoreRace(err, id)
	}

	st, err := e.store.RecordFailure(wctx, kind, id, queue.FailureOutcome{
		Err:        o.message(),
		Retryable:  o.kind == outcomeTransient,
		RetryAfter: e.cfg.Retry.Delay(retryCount, o.retryAfter),
	})
	if err != nil {
		return ignoreRace(err, id)
	}

	terminal := st.Terminal()
	label := "retrying"
	if terminal {
		label = "failed"
		run.add(func(r *CycleResult) { r.Failed++ })
	} else {
		run.add(func(r *CycleResult) { r.Retrying++ })
	}
	e.metrics.RecordItem(ctx, string(kind), label)

	logging.Warn("Queue item attempt failed", map[string]interface{}{
		"id":          id,
		"kind":        string(kind),
		"error":       st.Error,
		"retry_count": st.RetryCount,
		"max_retries": st.MaxRetries,
		"terminal":    terminal,
		"next_retry":  st.NextRetryAt,
	})

	typ := EventUploadFailed
	if kind == models.KindAction {
		typ = EventActionFailed
	}
	e.emit(Event{Type: typ, ItemID: id, Kind: kind, Terminal: terminal, Error: st.Error})
	return nil
}

// Status returns the persisted sync status with live queue counts.
func (e *Engine) Status(ctx context.Context) (models.SyncStatus, error) {
	st, err := e.store.LoadSyncStatus(ctx)
	if err != nil {
		return models.SyncStatus{}, err
	}
	st.IsSyncing = e.IsSyncing()
	return st, nil
}

func (e *Engine) recordAttempt(ctx context.Context) {
	st, err := e.store.LoadSyncStatus(ctx)
	if err != nil {
		logging.Error("Failed to load sync status", err, nil)
		return
	}
	now := e.store.Now()
	st.LastSyncAttempt = &now
	st.IsSyncing = true
	if err := e.store.SaveSyncStatus(ctx, st); err != nil {
		logging.Error("Failed to save sync status", err, nil)
	}
}

func (e *Engine) recordOutcome(ctx context.Context, cycleErr error) {
	st, err := e.store.LoadSyncStatus(ctx)
	if err != nil {
		logging.Error("Failed to load sync status", err, nil)
		return
	}
	st.IsSyncing = false
	if cycleErr != nil {
		st.LastError = cycleErr.Error()
	} else {
		now := e.store.Now()
		st.LastSuccessfulSync = &now
		st.LastError = ""
	}
	if err := e.store.SaveSyncStatus(ctx, st); err != nil {
		logging.Error("Failed to save sync status", err, nil)
	}

	for kind, counts := range map[models.ItemKind]models.CategoryCounts{
		models.KindUpload: st.Uploads,
		models.KindAction: st.Actions,
	} {
		e.metrics.RecordQueueDepth(ctx, string(kind), string(models.StatusQueued), int64(counts.Pending))
		e.metrics.RecordQueueDepth(ctx, string(kind), string(models.StatusFailed), int64(counts.Failed))
		e.metrics.RecordQueueDepth(ctx, string(kind), string(models.StatusConflict), int64(counts.Conflict))
	}
}

// NextRetryAt returns when the earliest queued item becomes ready.
func (e *Engine) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	return e.store.NextRetryAt(ctx)
}

// Recover prepares the queue after a restart. Items left in flight are
// requeued, queued uploads with an unreadable payload are failed, and actions
// parked in conflict whose resolver state was lost are requeued so the
// conflict is detected again.
func (e *Engine) Recover(ctx context.Context) error {
	if _, err := e.store.ResetInFlight(ctx); err != nil {
		return err
	}
	if _, err := e.store.VerifyPayloads(ctx); err != nil {
		return err
	}

	parked, err := e.store.ListActions(ctx, queue.Filter{Statuses: []models.ItemStatus{models.StatusConflict}})
	if err != nil {
		return err
	}
	requeued := 0
	for _, a := range parked {
		if len(e.resolver.PendingFor(a.Intent.ResourceType, a.Intent.ResourceID)) > 0 {
			continue
		}
		if _, err := e.store.ResolveConflict(ctx, a.ID, nil); err != nil {
			if ignoreRace(err, a.ID) != nil {
				return err
			}
			continue
		}
		requeued++
	}
	if requeued > 0 {
		logging.Info("Requeued actions with lost conflict state", map[string]interface{}{"count": requeued})
	}
	return nil
}

// EnqueueUpload queues a binary payload. The content type is taken from
// metadata.MIMEType when set and sniffed from the payload otherwise. When the
// store is over quota a cleanup pass runs and the enqueue is retried once.
func (e *Engine) EnqueueUpload(ctx context.Context, ownerID string, payload []byte, metadata models.UploadMetadata, priority models.Priority) (string, error) {
	req := queue.UploadRequest{
		OwnerID:     ownerID,
		Payload:     payload,
		ContentType: contentType(payload, metadata),
		Metadata:    metadata,
		Priority:    priority,
	}
	return e.withQuotaRetry(ctx, func() (string, error) {
		return e.store.EnqueueUpload(ctx, req)
	})
}

// EnqueueAction queues a deferred mutation, with the same quota handling as
// EnqueueUpload.
func (e *Engine) EnqueueAction(ctx context.Context, req queue.ActionRequest) (string, error) {
	return e.withQuotaRetry(ctx, func() (string, error) {
		return e.store.EnqueueAction(ctx, req)
	})
}

func contentType(payload []byte, metadata models.UploadMetadata) string {
	if ct := strings.TrimSpace(metadata.MIMEType); ct != "" {
		return ct
	}
	return mimetype.Detect(payload).String()
}

func (e *Engine) withQuotaRetry(ctx context.Context, enqueue func() (string, error)) (string, error) {
	id, err := enqueue()
	if !apperrors.Is(err, apperrors.ErrStorageQuotaExceeded) {
		return id, err
	}

	logging.Warn("Storage quota reached, running cleanup", map[string]interface{}{"error": err.Error()})
	if _, cerr := e.store.Cleanup(ctx, e.quotaCleanup); cerr != nil {
		return "", cerr
	}
	id, err = enqueue()
	if err != nil {
		logging.ErrorWithCode("Enqueue rejected after cleanup", string(apperrors.CodeOf(err)), err, nil)
		return "", err
	}
	return id, nil
}

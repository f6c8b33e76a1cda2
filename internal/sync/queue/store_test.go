package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	blobs, err := storage.NewBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(database, blobs, opts...), clock
}

func enqueuePhoto(t *testing.T, s *Store, payload string, p models.Priority) string {
	t.Helper()
	id, err := s.EnqueueUpload(context.Background(), UploadRequest{
		OwnerID:  "user-1",
		Payload:  []byte(payload),
		Metadata: models.UploadMetadata{Device: models.DeviceInfo{Platform: "android"}},
		Priority: p,
	})
	require.NoError(t, err)
	return id
}

// ============================================================================
// Enqueue
// ============================================================================

// TestEnqueueUpload_roundTrip verifies a new upload is listed queued with no retries.
func TestEnqueueUpload_roundTrip(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	id := enqueuePhoto(t, s, "jpeg bytes", models.PriorityHigh)

	items, err := s.ListUploads(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, "android", got.Metadata.Device.Platform)
	assert.Equal(t, clock.Now(), got.CreatedAt)
	assert.Nil(t, got.LastAttemptAt)

	data, err := s.Blobs().Get(got.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

// TestEnqueueUpload_validation verifies malformed input is rejected synchronously.
func TestEnqueueUpload_validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  UploadRequest
		code apperrors.ErrorCode
	}{
		{"missing owner", UploadRequest{Payload: []byte("x")}, apperrors.ErrValidation},
		{"empty payload", UploadRequest{OwnerID: "u"}, apperrors.ErrValidation},
		{"bad priority", UploadRequest{OwnerID: "u", Payload: []byte("x"), Priority: "asap"}, apperrors.ErrValidation},
		{"negative retries", UploadRequest{OwnerID: "u", Payload: []byte("x"), MaxRetries: -1}, apperrors.ErrValidation},
		{
			"unserializable metadata",
			UploadRequest{OwnerID: "u", Payload: []byte("x"), Metadata: models.UploadMetadata{Fields: map[string]any{"cb": func() {}}}},
			apperrors.ErrSerialization,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.EnqueueUpload(ctx, tt.req)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}

	items, err := s.ListUploads(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// TestEnqueueAction verifies persisted intent fields.
func TestEnqueueAction(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueAction(ctx, ActionRequest{
		Method:       "patch",
		URL:          "https://api.example.com/analyses/a-1",
		Headers:      map[string]string{"If-Match": "v3"},
		Body:         json.RawMessage(`{"notes":"abc"}`),
		Priority:     5,
		MaxRetries:   2,
		ResourceType: "analysis",
		ResourceID:   "a-1",
	})
	require.NoError(t, err)

	a, err := s.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PATCH", a.Intent.Method)
	assert.Equal(t, "v3", a.Intent.Headers["If-Match"])
	assert.JSONEq(t, `{"notes":"abc"}`, string(a.Intent.Body))
	assert.Equal(t, 5, a.Priority)
	assert.Equal(t, 2, a.MaxRetries)
	assert.Equal(t, clock.Now(), a.Timestamp)
	assert.Equal(t, models.StatusQueued, a.Status)
}

// TestEnqueueAction_validation verifies method, url and body checks.
func TestEnqueueAction_validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueAction(ctx, ActionRequest{Method: "GET", URL: "/x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = s.EnqueueAction(ctx, ActionRequest{Method: "POST"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = s.EnqueueAction(ctx, ActionRequest{Method: "POST", URL: "/x", Body: json.RawMessage(`{broken`)})
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization))

	_, err = s.EnqueueAction(ctx, ActionRequest{Method: "POST", URL: "/x", ResourceID: "1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestGet_notFound verifies missing ids map to NOT_FOUND.
func TestGet_notFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetUpload(context.Background(), "upl_missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = s.GetAction(context.Background(), "act_missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// ============================================================================
// State machine
// ============================================================================

// TestUpdateStatus_happyPath verifies queued -> uploading -> uploaded.
func TestUpdateStatus_happyPath(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)

	clock.Advance(time.Second)
	_, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
	require.NoError(t, err)
	u, err := s.GetUpload(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, u.LastAttemptAt)
	assert.Equal(t, clock.Now(), *u.LastAttemptAt)

	st, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploaded, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, st.Status)

	// uploaded is terminal
	_, err = s.UpdateStatus(ctx, models.KindUpload, id, models.StatusQueued, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

// TestUpdateStatus_invalid verifies unknown statuses and illegal edges are rejected.
func TestUpdateStatus_invalid(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)

	_, err := s.UpdateStatus(ctx, models.KindUpload, id, "done", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploaded, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	_, err = s.UpdateStatus(ctx, "blob", id, models.StatusUploading, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestRecordFailure_exhaustsRetries verifies three transient failures end in
// failed with retryCount == maxRetries and the last error kept.
func TestRecordFailure_exhaustsRetries(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
		require.NoError(t, err)

		st, err := s.RecordFailure(ctx, models.KindUpload, id, FailureOutcome{
			Err:        "HTTP 500",
			Retryable:  true,
			RetryAfter: time.Minute,
		})
		require.NoError(t, err)
		assert.Equal(t, attempt, st.RetryCount)
		assert.LessOrEqual(t, st.RetryCount, st.MaxRetries)

		if attempt < 3 {
			assert.Equal(t, models.StatusQueued, st.Status)
			assert.Equal(t, clock.Now().Add(time.Minute), st.NextRetryAt)

			ready, err := s.ListReadyUploads(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, ready, "item must wait for its retry time")
			clock.Advance(time.Minute)
		} else {
			assert.Equal(t, models.StatusFailed, st.Status)
		}
	}

	u, err := s.GetUpload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, u.Status)
	assert.Equal(t, 3, u.RetryCount)
	assert.Equal(t, "HTTP 500", u.Error)

	// automatic retry is gated once exhausted
	_, err = s.UpdateStatus(ctx, models.KindUpload, id, models.StatusQueued, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	// manual retry resets the budget
	st, err := s.RetryFailed(ctx, models.KindUpload, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, st.Status)
	assert.Equal(t, 0, st.RetryCount)
}

// TestRecordFailure_permanent verifies non-retryable failures are terminal at once.
func TestRecordFailure_permanent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)

	_, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
	require.NoError(t, err)
	st, err := s.RecordFailure(ctx, models.KindUpload, id, FailureOutcome{Err: "HTTP 404"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.True(t, st.Terminal())
}

// TestRecordFailure_requiresInFlight verifies failures are only recorded for uploading items.
func TestRecordFailure_requiresInFlight(t *testing.T) {
	s, _ := newTestStore(t)
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)
	_, err := s.RecordFailure(context.Background(), models.KindUpload, id, FailureOutcome{Err: "x", Retryable: true})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

// TestUpdateStatus_concurrentClaim verifies only one writer wins a transition.
func TestUpdateStatus_concurrentClaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// TestEnqueue_concurrent verifies concurrent enqueues are all persisted.
func TestEnqueue_concurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: []byte{byte(i), 1, 2}})
			assert.NoError(t, err)
			_, err = s.EnqueueAction(ctx, ActionRequest{Method: "POST", URL: "/notes"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	uploads, actions, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, uploads.Pending)
	assert.Equal(t, 25, actions.Pending)
}

// ============================================================================
// Actions and conflicts
// ============================================================================

// TestListReadyActions_perResourceOrder verifies later writes wait for earlier ones.
func TestListReadyActions_perResourceOrder(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	enqueue := func(resourceID string) string {
		clock.Advance(time.Millisecond)
		id, err := s.EnqueueAction(ctx, ActionRequest{
			Method: "PUT", URL: "/notes/" + resourceID, ResourceType: "note", ResourceID: resourceID,
			Body: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		return id
	}
	first := enqueue("1")
	second := enqueue("1")
	other := enqueue("2")

	ids := func() []string {
		ready, err := s.ListReadyActions(ctx, 0)
		require.NoError(t, err)
		var out []string
		for _, a := range ready {
			out = append(out, a.ID)
		}
		return out
	}
	assert.Equal(t, []string{first, other}, ids())

	// a conflicted predecessor keeps holding the resource
	_, err := s.UpdateStatus(ctx, models.KindAction, first, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, models.KindAction, first, models.StatusConflict, "version mismatch")
	require.NoError(t, err)
	assert.Equal(t, []string{other}, ids())

	// once resolved and synced, the next write is released
	_, err = s.ResolveConflict(ctx, first, json.RawMessage(`{"notes":"merged"}`))
	require.NoError(t, err)
	a, err := s.GetAction(ctx, first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"notes":"merged"}`, string(a.Intent.Body))
	assert.Equal(t, models.StatusQueued, a.Status)

	_, err = s.UpdateStatus(ctx, models.KindAction, first, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, models.KindAction, first, models.StatusUploaded, "")
	require.NoError(t, err)
	assert.Equal(t, []string{second, other}, ids())
}

// TestResolveConflict_requiresConflict verifies only parked actions can be resolved.
func TestResolveConflict_requiresConflict(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.EnqueueAction(context.Background(), ActionRequest{Method: "POST", URL: "/x"})
	require.NoError(t, err)
	_, err = s.ResolveConflict(context.Background(), id, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

// TestReplaceActionBody verifies the body can only change while in flight or in conflict.
func TestReplaceActionBody(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.EnqueueAction(ctx, ActionRequest{
		Method: "PUT", URL: "/analyses/a1", Body: json.RawMessage(`{"notes":"old"}`),
		ResourceType: "analysis", ResourceID: "a1",
	})
	require.NoError(t, err)

	err = s.ReplaceActionBody(ctx, id, json.RawMessage(`{"notes":"new"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	_, err = s.UpdateStatus(ctx, models.KindAction, id, models.StatusUploading, "")
	require.NoError(t, err)
	require.NoError(t, s.ReplaceActionBody(ctx, id, json.RawMessage(`{"notes":"new"}`)))

	a, err := s.GetAction(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"notes":"new"}`, string(a.Intent.Body))

	err = s.ReplaceActionBody(ctx, id, json.RawMessage(`{broken`))
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization))
}

// ============================================================================
// Removal, quota and cleanup
// ============================================================================

// TestRemove_sharedBlob verifies a payload blob outlives its last reference only.
func TestRemove_sharedBlob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := enqueuePhoto(t, s, "same bytes", models.PriorityNormal)
	b := enqueuePhoto(t, s, "same bytes", models.PriorityLow)
	ref := storage.Hash([]byte("same bytes"))

	require.NoError(t, s.Remove(ctx, models.KindUpload, a))
	assert.True(t, s.Blobs().Exists(ref))

	require.NoError(t, s.Remove(ctx, models.KindUpload, b))
	assert.False(t, s.Blobs().Exists(ref))

	err := s.Remove(ctx, models.KindUpload, a)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestEnqueueUpload_concurrentPurge verifies an identical payload enqueued
// while its earlier uploaded copy is purged keeps its blob.
func TestEnqueueUpload_concurrentPurge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		prev := enqueuePhoto(t, s, "same frame", models.PriorityNormal)
		_, err := s.UpdateStatus(ctx, models.KindUpload, prev, models.StatusUploading, "")
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, models.KindUpload, prev, models.StatusUploaded, "")
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			id       string
			enqErr   error
			cleanErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cleanErr = s.Cleanup(ctx, CleanupOptions{AllUploaded: true})
		}()
		go func() {
			defer wg.Done()
			id, enqErr = s.EnqueueUpload(ctx, UploadRequest{OwnerID: "user-1", Payload: []byte("same frame")})
		}()
		wg.Wait()
		require.NoError(t, cleanErr)
		require.NoError(t, enqErr)

		u, err := s.GetUpload(ctx, id)
		require.NoError(t, err)
		_, err = s.Blobs().Get(u.PayloadRef)
		require.NoError(t, err, "payload lost in iteration %d", i)

		_, err = s.GetUpload(ctx, prev)
		require.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		require.NoError(t, s.Remove(ctx, models.KindUpload, id))
	}
}

// TestRemove_inFlight verifies uploading items cannot be removed.
func TestRemove_inFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)
	_, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
	require.NoError(t, err)
	assert.True(t, apperrors.Is(s.Remove(ctx, models.KindUpload, id), apperrors.ErrInvalidTransition))
}

// TestEnqueue_quotaExceeded verifies the store refuses writes it cannot make room for.
func TestEnqueue_quotaExceeded(t *testing.T) {
	s, clock := newTestStore(t, WithQuota(1000, 1.0), WithUploadedGrace(time.Minute))
	ctx := context.Background()

	payload := make([]byte, 500)
	first, err := s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: payload})
	require.NoError(t, err)

	payload[0] = 1
	_, err = s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: payload})
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded), "got %v", err)

	// the refused write leaves nothing behind
	items, err := s.ListUploads(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// an uploaded item past grace is evicted by the cleanup pass
	_, err = s.UpdateStatus(ctx, models.KindUpload, first, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, models.KindUpload, first, models.StatusUploaded, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: payload})
	require.NoError(t, err)
	_, err = s.GetUpload(ctx, first)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestEnqueue_evictsOldFailures verifies terminal failures past the age are purged under pressure.
func TestEnqueue_evictsOldFailures(t *testing.T) {
	s, clock := newTestStore(t, WithQuota(1000, 1.0), WithFailedEvictionAge(time.Hour))
	ctx := context.Background()

	failed, err := s.EnqueueAction(ctx, ActionRequest{
		Method: "POST", URL: "/x", MaxRetries: 1, Body: json.RawMessage(`"` + strings.Repeat("a", 600) + `"`),
	})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, models.KindAction, failed, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.RecordFailure(ctx, models.KindAction, failed, FailureOutcome{Err: "HTTP 400"})
	require.NoError(t, err)

	big := make([]byte, 500)
	_, err = s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: big})
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded), "failure is too recent to evict")

	clock.Advance(2 * time.Hour)
	_, err = s.EnqueueUpload(ctx, UploadRequest{OwnerID: "u", Payload: big})
	require.NoError(t, err)
	_, err = s.GetAction(ctx, failed)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestUsage verifies the per-collection breakdown.
func TestUsage(t *testing.T) {
	s, _ := newTestStore(t, WithQuota(10_000, 0.5))
	ctx := context.Background()

	_, err := s.EnqueueAction(ctx, ActionRequest{Method: "POST", URL: "/x", Body: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.NoError(t, s.PutCached(ctx, models.CachedResponse{ResourceType: "note", ResourceID: "1", Data: json.RawMessage(`{"b":2}`)}))

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, u.Breakdown.Actions)
	assert.EqualValues(t, 7, u.Breakdown.Cache)
	assert.EqualValues(t, 14, u.Used)
	assert.EqualValues(t, 10_000, u.Quota)
	assert.EqualValues(t, 5_000, u.Limit)
	assert.EqualValues(t, 4_986, u.Available())
}

// ============================================================================
// Cache, status and recovery
// ============================================================================

// TestCache_expiry verifies TTL handling and cleanup of expired entries.
func TestCache_expiry(t *testing.T) {
	s, clock := newTestStore(t, WithCacheTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.PutCached(ctx, models.CachedResponse{
		ResourceType: "analysis", ResourceID: "a-1", Data: json.RawMessage(`{"status":"approved"}`),
	}))

	got, err := s.GetCached(ctx, CacheKey("analysis", "a-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"approved"}`, string(got.Data))
	assert.Equal(t, clock.Now().Add(time.Hour), got.ExpiresAt)

	clock.Advance(2 * time.Hour)
	_, err = s.GetCached(ctx, CacheKey("analysis", "a-1"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	report, err := s.Cleanup(ctx, CleanupOptions{ExpiredCache: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CacheEntries)
}

// TestSyncStatus_roundTrip verifies persisted fields and fresh counters.
func TestSyncStatus_roundTrip(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	enqueuePhoto(t, s, "a", models.PriorityNormal)

	attempt := clock.Now()
	require.NoError(t, s.SaveSyncStatus(ctx, models.SyncStatus{LastSyncAttempt: &attempt, LastError: "offline"}))

	st, err := s.LoadSyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastSyncAttempt)
	assert.True(t, attempt.Equal(*st.LastSyncAttempt))
	assert.Equal(t, "offline", st.LastError)
	assert.Equal(t, 1, st.Uploads.Pending)
}

// TestResetInFlight verifies crash recovery requeues uploading items.
func TestResetInFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueuePhoto(t, s, "a", models.PriorityNormal)
	_, err := s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
	require.NoError(t, err)

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, err := s.GetUpload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, u.Status)
}

// TestNextRetryAt verifies the earliest pending retry is reported.
func TestNextRetryAt(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	id := enqueuePhoto(t, s, "a", models.PriorityNormal)
	_, err = s.UpdateStatus(ctx, models.KindUpload, id, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.RecordFailure(ctx, models.KindUpload, id, FailureOutcome{Err: "503", Retryable: true, RetryAfter: 30 * time.Second})
	require.NoError(t, err)

	next, ok, err := s.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, clock.Now().Add(30*time.Second), next)
}

// TestNextRetryAt_skipsHeldBack verifies actions waiting behind a conflicted
// predecessor do not count as due.
func TestNextRetryAt_skipsHeldBack(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	enqueue := func() string {
		clock.Advance(time.Millisecond)
		id, err := s.EnqueueAction(ctx, ActionRequest{
			Method: "PATCH", URL: "/notes/7", ResourceType: "note", ResourceID: "7",
			Body: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		return id
	}
	first := enqueue()
	enqueue()

	_, err := s.UpdateStatus(ctx, models.KindAction, first, models.StatusUploading, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, models.KindAction, first, models.StatusConflict, "version mismatch")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ready, err := s.ListReadyActions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, ok, err := s.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held-back action must not be reported as due")

	// resolving the conflict makes the resource due again
	_, err = s.ResolveConflict(ctx, first, nil)
	require.NoError(t, err)
	next, ok, err := s.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, clock.Now(), next)
}

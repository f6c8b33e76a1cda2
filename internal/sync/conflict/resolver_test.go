package conflict

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestResolver(opts ...Option) *Resolver {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewResolver(opts...)
}

func findConflict(t *testing.T, conflicts []*DataConflict, field string) *DataConflict {
	t.Helper()
	for _, c := range conflicts {
		if c.Field == field {
			return c
		}
	}
	t.Fatalf("no conflict for field %q", field)
	return nil
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		local  any
		server any
		want   any
		ok     bool
	}{
		{"strings", "abc", "def", "abc | def", true},
		{"equal strings", "abc", "abc", "abc", true},
		{"array union", []any{1.0, 2.0}, []any{2.0, 3.0}, []any{1.0, 2.0, 3.0}, true},
		{
			"object local wins",
			map[string]any{"a": 1.0, "b": 2.0},
			map[string]any{"b": 3.0, "c": 4.0},
			map[string]any{"a": 1.0, "b": 2.0, "c": 4.0},
			true,
		},
		{"numbers", 1.0, 2.0, nil, false},
		{"mixed", "a", []any{"a"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Merge(tt.local, tt.server)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConflicts_noConflict(t *testing.T) {
	r := newTestResolver()
	local := Record{"id": "a1", "notes": "same", "updatedAt": "2026-03-14T08:00:00Z"}
	server := Record{"id": "a1", "notes": "same", "updatedAt": "2026-03-14T08:30:00Z", "version": 4.0}

	res, err := r.ResolveConflicts(local, server, "analysis", "a1")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 4.0, res.Record["version"], "system fields come from the server")
}

func TestResolveConflicts_analysisPolicy(t *testing.T) {
	r := newTestResolver()
	local := Record{"id": "a1", "status": "pending", "notes": "abc"}
	server := Record{"id": "a1", "status": "approved", "notes": "old"}

	res, err := r.ResolveConflicts(local, server, "analysis", "a1")
	require.NoError(t, err)

	require.True(t, res.Resolved)
	assert.Equal(t, "approved", res.Record["status"])
	assert.Equal(t, "abc", res.Record["notes"])

	status := findConflict(t, res.Conflicts, "status")
	assert.Equal(t, SeverityHigh, status.Severity)
	assert.Equal(t, RuleTypePolicy, status.Rule)
	require.NotNil(t, status.Applied)
	assert.Equal(t, ResolutionKeepServer, status.Applied.Type)

	notes := findConflict(t, res.Conflicts, "notes")
	assert.Equal(t, ResolutionKeepLocal, notes.Applied.Type)
	assert.Len(t, r.History(), 2)
	assert.Empty(t, r.PendingConflicts())
}

func TestResolveConflicts_precedence(t *testing.T) {
	older := "2026-03-14T07:00:00Z"
	newer := "2026-03-14T08:00:00Z"

	tests := []struct {
		name         string
		resourceType string
		local        Record
		server       Record
		opts         []Option
		wantSide     ResolutionType
		wantRule     Rule
	}{
		{
			name:         "type policy beats timestamps",
			resourceType: "review",
			local:        Record{"notes": "l", "updatedAt": newer},
			server:       Record{"notes": "s", "updatedAt": older},
			wantSide:     ResolutionKeepServer,
			wantRule:     RuleTypePolicy,
		},
		{
			name:         "newer local wins",
			resourceType: "note",
			local:        Record{"notes": "l", "updatedAt": newer},
			server:       Record{"notes": "s", "updatedAt": older},
			wantSide:     ResolutionKeepLocal,
			wantRule:     RuleTimestamp,
		},
		{
			name:         "newer server wins",
			resourceType: "note",
			local:        Record{"notes": "l", "updatedAt": older},
			server:       Record{"notes": "s", "updatedAt": newer},
			wantSide:     ResolutionKeepServer,
			wantRule:     RuleTimestamp,
		},
		{
			name:         "tie falls back to user data",
			resourceType: "note",
			local:        Record{"notes": "l", "updatedAt": newer},
			server:       Record{"notes": "s", "updatedAt": newer},
			wantSide:     ResolutionKeepLocal,
			wantRule:     RuleDefault,
		},
		{
			name:         "default prefers server when configured",
			resourceType: "note",
			local:        Record{"notes": "l"},
			server:       Record{"notes": "s"},
			opts:         []Option{WithPrioritizeUserData(false)},
			wantSide:     ResolutionKeepServer,
			wantRule:     RuleDefault,
		},
		{
			name:         "epoch millis compare",
			resourceType: "note",
			local:        Record{"notes": "l", "timestamp": float64(testNow.Add(-time.Hour).UnixMilli())},
			server:       Record{"notes": "s", "timestamp": float64(testNow.Add(-2 * time.Hour).UnixMilli())},
			wantSide:     ResolutionKeepLocal,
			wantRule:     RuleTimestamp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(tt.opts...)
			res, err := r.ResolveConflicts(tt.local, tt.server, tt.resourceType, "r1")
			require.NoError(t, err)
			require.True(t, res.Resolved)

			c := findConflict(t, res.Conflicts, "notes")
			assert.Equal(t, tt.wantSide, c.Applied.Type)
			assert.Equal(t, tt.wantRule, c.Rule)
		})
	}
}

func TestResolveConflicts_criticalNeverAutoResolved(t *testing.T) {
	r := newTestResolver()
	local := Record{"ownerId": "u1", "notes": "l"}
	server := Record{"ownerId": "u2", "notes": "s"}

	res, err := r.ResolveConflicts(local, server, "setting", "s1")
	require.NoError(t, err)

	assert.False(t, res.Resolved)
	require.Len(t, res.Unresolved, 1)
	owner := res.Unresolved[0]
	assert.Equal(t, "ownerId", owner.Field)
	assert.Equal(t, SeverityCritical, owner.Severity)
	assert.False(t, owner.AutoResolvable)
	assert.Nil(t, owner.Applied)

	assert.Equal(t, "u2", res.Record["ownerId"], "baseline keeps the server value")
	assert.Equal(t, "l", res.Record["notes"], "auto decisions are applied to the baseline")
	assert.Len(t, r.PendingConflicts(), 1)
}

func TestResolveConflicts_outsideWindow(t *testing.T) {
	r := newTestResolver()
	stale := testNow.Add(-48 * time.Hour).Format(time.RFC3339)
	local := Record{"notes": "l", "updatedAt": stale}
	server := Record{"notes": "s", "updatedAt": stale}

	res, err := r.ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	require.Len(t, res.Unresolved, 1)

	r = newTestResolver(WithAutoResolveWindow(0))
	res, err = r.ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
}

func TestResolveConflicts_deleteAndCreate(t *testing.T) {
	r := newTestResolver()

	res, err := r.ResolveConflicts(Record{"notes": "l"}, nil, "note", "n1")
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	del := res.Conflicts[0]
	assert.Equal(t, TypeDelete, del.Type)
	assert.False(t, del.AutoResolvable)
	assert.False(t, res.Resolved)
	assert.Nil(t, res.Record)

	res, err = r.ResolveConflicts(nil, Record{"notes": "s"}, "note", "n2")
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, TypeCreate, res.Conflicts[0].Type)
	assert.Equal(t, RuleAdoptServer, res.Conflicts[0].Rule)
	assert.True(t, res.Resolved)
	assert.Equal(t, Record{"notes": "s"}, res.Record)

	res, err = r.ResolveConflicts(nil, nil, "note", "n3")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Empty(t, res.Conflicts)
}

func TestResolveConflicts_deterministicIDs(t *testing.T) {
	local := Record{"ownerId": "u1"}
	server := Record{"ownerId": "u2"}

	a, err := newTestResolver().ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)
	b, err := newTestResolver().ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)

	assert.Equal(t, a.Conflicts[0].ID, b.Conflicts[0].ID)
	assert.Len(t, a.Conflicts[0].ID, 16)
	assert.Equal(t, ConflictID("note", "n1", "ownerId", TypeField), a.Conflicts[0].ID)
	assert.Equal(t, a.Conflicts[0].ID+"/keep_local", a.Conflicts[0].Resolutions[0].ID)
}

func TestApplyResolution(t *testing.T) {
	r := newTestResolver()
	local := Record{"ownerId": "u1", "tags": []any{"a", "b"}}
	server := Record{"ownerId": "u2", "tags": []any{"b", "c"}}

	res, err := r.ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)
	require.Len(t, res.Unresolved, 1)
	owner := res.Unresolved[0]

	applied, err := r.Apply(owner.ID, owner.ID+"/keep_local")
	require.NoError(t, err)
	assert.True(t, applied.Complete)
	assert.Equal(t, "u1", applied.Record["ownerId"])
	assert.Equal(t, []any{"a", "b"}, applied.Record["tags"])
	assert.Empty(t, r.PendingConflicts())
}

func TestApplyResolution_merge(t *testing.T) {
	r := newTestResolver()
	local := Record{"ownerId": "u1", "tags": []any{"a", "b"}}
	server := Record{"ownerId": "u1x", "tags": []any{"b", "c"}}
	res, err := r.ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)

	owner := findConflict(t, res.Conflicts, "ownerId")
	merge, ok := owner.Resolution(owner.ID + "/merge")
	require.True(t, ok)
	assert.Equal(t, "u1 | u1x", merge.MergedData)

	record, err := r.ApplyResolution(owner.ID, merge.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1 | u1x", record["ownerId"])
}

func TestApplyResolution_idempotent(t *testing.T) {
	r := newTestResolver()
	res, err := r.ResolveConflicts(Record{"ownerId": "u1"}, Record{"ownerId": "u2"}, "note", "n1")
	require.NoError(t, err)
	id := res.Unresolved[0].ID

	first, err := r.ApplyResolution(id, id+"/keep_server")
	require.NoError(t, err)
	second, err := r.ApplyResolution(id, id+"/keep_server")
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
	assert.Len(t, r.History(), 1)
}

func TestApplyResolution_errors(t *testing.T) {
	r := newTestResolver()
	_, err := r.Apply("missing", "missing/keep_local")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	res, err := r.ResolveConflicts(Record{"ownerId": "u1"}, Record{"ownerId": "u2"}, "note", "n1")
	require.NoError(t, err)
	_, err = r.Apply(res.Unresolved[0].ID, "bogus")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestApplyResolution_partial(t *testing.T) {
	r := newTestResolver()
	local := Record{"ownerId": "u1", "userId": "x1"}
	server := Record{"ownerId": "u2", "userId": "x2"}
	res, err := r.ResolveConflicts(local, server, "note", "n1")
	require.NoError(t, err)
	require.Len(t, res.Unresolved, 2)

	owner := findConflict(t, res.Unresolved, "ownerId")
	user := findConflict(t, res.Unresolved, "userId")

	applied, err := r.Apply(owner.ID, owner.ID+"/keep_local")
	require.NoError(t, err)
	assert.False(t, applied.Complete)

	applied, err = r.Apply(user.ID, user.ID+"/keep_server")
	require.NoError(t, err)
	assert.True(t, applied.Complete)
	assert.Equal(t, Record{"ownerId": "u1", "userId": "x2"}, applied.Record)
}

func TestResolveConflicts_replacesPending(t *testing.T) {
	r := newTestResolver()
	_, err := r.ResolveConflicts(Record{"ownerId": "u1"}, Record{"ownerId": "u2"}, "note", "n1")
	require.NoError(t, err)
	_, err = r.ResolveConflicts(Record{"ownerId": "u1"}, Record{"ownerId": "u3"}, "note", "n1")
	require.NoError(t, err)

	pending := r.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, "u3", pending[0].ServerValue)

	r.Discard("note", "n1")
	assert.Empty(t, r.PendingConflicts())
}

func TestHistory_bounded(t *testing.T) {
	r := newTestResolver(WithHistorySize(3))
	for i := 0; i < 5; i++ {
		_, err := r.ResolveConflicts(Record{"notes": "l"}, Record{"notes": "s"}, "note", fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}

	h := r.History()
	require.Len(t, h, 3)
	assert.Equal(t, "n2", h[0].ResourceID)
	assert.Equal(t, "n4", h[2].ResourceID)
}

func TestRecordOf_typed(t *testing.T) {
	type analysis struct {
		ID     string   `json:"id"`
		Status string   `json:"status"`
		Tags   []string `json:"tags"`
	}
	rec, err := RecordOf(analysis{ID: "a1", Status: "done", Tags: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, rec["tags"])

	back, err := Into[analysis](rec)
	require.NoError(t, err)
	assert.Equal(t, "done", back.Status)

	empty, err := ParseRecord([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPendingFor(t *testing.T) {
	r := newTestResolver()
	_, err := r.ResolveConflicts(Record{"ownerId": "u1", "userId": "a"}, Record{"ownerId": "u2", "userId": "b"}, "note", "n1")
	require.NoError(t, err)

	assert.Len(t, r.PendingFor("note", "n1"), 2)
	assert.Empty(t, r.PendingFor("note", "other"))
}

// TestDefaultSeverityTable verifies the built-in field classes.
func TestDefaultSeverityTable(t *testing.T) {
	table := DefaultSeverityTable()
	tests := []struct {
		resourceType string
		field        string
		want         Severity
	}{
		{"photo", "ownerId", SeverityCritical},
		{"photo", "status", SeverityHigh},
		{"photo", "tags", SeverityMedium},
		{"photo", "rating", SeverityMedium},
		{"photo", "ratings", SeverityMedium},
		{"photo", "notes", SeverityMedium},
		{"photo", "caption", SeverityLow},
		{"analysis", "diagnosis", SeverityHigh},
		{"review", "reviewerId", SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Classify(tt.resourceType, tt.field), "%s.%s", tt.resourceType, tt.field)
	}
}

// Package conflict detects divergence between local and server copies of a
// resource and resolves it by policy, or offers candidate resolutions when
// it cannot decide safely.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// ConflictType classifies a divergence.
type ConflictType string

const (
	TypeCreate ConflictType = "create"
	TypeDelete ConflictType = "delete"
	TypeField  ConflictType = "field"
)

// ResolutionType is the kind of decision a Resolution applies.
type ResolutionType string

const (
	ResolutionKeepLocal  ResolutionType = "keep_local"
	ResolutionKeepServer ResolutionType = "keep_server"
	ResolutionMerge      ResolutionType = "merge"
	ResolutionManual     ResolutionType = "manual"
)

// Rule names the precedence step that decided an automatic resolution.
type Rule string

const (
	RuleAdoptServer Rule = "adopt_server"
	RuleTypePolicy  Rule = "type_policy"
	RuleTimestamp   Rule = "timestamp"
	RuleDefault     Rule = "default"
)

// Resolution is a concrete or candidate decision for one conflict.
type Resolution struct {
	ID          string         `json:"id"`
	Type        ResolutionType `json:"type"`
	Description string         `json:"description"`
	MergedData  any            `json:"merged_data,omitempty"`
}

// DataConflict is one detected divergence.
type DataConflict struct {
	ID             string       `json:"id"`
	ResourceType   string       `json:"resource_type"`
	ResourceID     string       `json:"resource_id"`
	Field          string       `json:"field,omitempty"`
	Type           ConflictType `json:"type"`
	LocalValue     any          `json:"local_value,omitempty"`
	ServerValue    any          `json:"server_value,omitempty"`
	LocalVersion   Record       `json:"local_version,omitempty"`
	ServerVersion  Record       `json:"server_version,omitempty"`
	Severity       Severity     `json:"severity"`
	AutoResolvable bool         `json:"auto_resolvable"`
	Resolutions    []Resolution `json:"resolutions,omitempty"`
	DetectedAt     time.Time    `json:"detected_at"`
	// Applied and Rule are set when the conflict was resolved automatically.
	Applied *Resolution `json:"applied,omitempty"`
	Rule    Rule        `json:"rule,omitempty"`
}

// Resolution returns the candidate with the given id.
func (c *DataConflict) Resolution(id string) (Resolution, bool) {
	for _, res := range c.Resolutions {
		if res.ID == id {
			return res, true
		}
	}
	return Resolution{}, false
}

// Result is the outcome of ResolveConflicts.
type Result struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Resolved     bool            `json:"resolved"`
	Conflicts    []*DataConflict `json:"conflicts"`
	Unresolved   []*DataConflict `json:"unresolved,omitempty"`
	// Record is the resolved record when Resolved, otherwise the server copy
	// with automatic decisions applied. nil means the resource should not exist.
	Record Record `json:"record"`
}

// Applied is the outcome of applying one resolution.
type Applied struct {
	ConflictID   string
	ResolutionID string
	ResourceType string
	ResourceID   string
	Record       Record
	// Complete is true when no conflicts remain open for the resource.
	Complete bool
}

type appliedEntry struct {
	data         []byte
	complete     bool
	resourceType string
	resourceID   string
}

type workingSet struct {
	local     Record
	server    Record
	record    Record
	remaining map[string]bool
}

// Resolver detects and resolves conflicts. It is safe for concurrent use.
type Resolver struct {
	severities         SeverityTable
	policies           map[string]TypePolicy
	prioritizeUserData bool
	window             time.Duration
	now                func() time.Time

	mu      sync.Mutex
	pending map[string]*DataConflict
	working map[string]*workingSet
	applied map[string]*appliedEntry
	history *history
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPrioritizeUserData sets the global default: local wins when true.
func WithPrioritizeUserData(v bool) Option {
	return func(r *Resolver) { r.prioritizeUserData = v }
}

// WithAutoResolveWindow limits automatic resolution to conflicts whose newest
// timestamp is within d of now. Zero removes the limit.
func WithAutoResolveWindow(d time.Duration) Option {
	return func(r *Resolver) { r.window = d }
}

// WithHistorySize bounds the applied-resolution history.
func WithHistorySize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.history = newHistory(n)
		}
	}
}

// WithTypePolicy installs or replaces the rule for a resource type.
func WithTypePolicy(resourceType string, p TypePolicy) Option {
	return func(r *Resolver) { r.policies[resourceType] = p }
}

// WithSeverityTable replaces the field classification.
func WithSeverityTable(t SeverityTable) Option {
	return func(r *Resolver) { r.severities = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

const (
	DefaultHistorySize       = 100
	DefaultAutoResolveWindow = 24 * time.Hour
)

// NewResolver creates a Resolver with the built-in tables.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		severities:         DefaultSeverityTable(),
		policies:           DefaultTypePolicies(),
		prioritizeUserData: true,
		window:             DefaultAutoResolveWindow,
		now:                time.Now,
		pending:            make(map[string]*DataConflict),
		working:            make(map[string]*workingSet),
		applied:            make(map[string]*appliedEntry),
		history:            newHistory(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConflictID derives the stable identifier of a conflict.
func ConflictID(resourceType, resourceID, field string, t ConflictType) string {
	sum := sha256.Sum256([]byte(resourceType + "|" + resourceID + "|" + field + "|" + string(t)))
	return hex.EncodeToString(sum[:8])
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func appliedKey(conflictID, resolutionID string) string {
	return conflictID + "#" + resolutionID
}

// ResolveConflicts compares local and server copies of one resource. A nil
// record means the resource does not exist on that side.
func (r *Resolver) ResolveConflicts(local, server Record, resourceType, resourceID string) (*Result, error) {
	local, err := normalize(local)
	if err != nil {
		return nil, err
	}
	server, err = normalize(server)
	if err != nil {
		return nil, err
	}

	now := r.now()
	result := &Result{ResourceType: resourceType, ResourceID: resourceID}
	base := conflictBase{resourceType: resourceType, resourceID: resourceID, local: local, server: server, now: now}

	switch {
	case local == nil && server == nil:
	case server == nil:
		result.Conflicts = append(result.Conflicts, base.whole(TypeDelete, SeverityHigh, false))
	case local == nil:
		result.Conflicts = append(result.Conflicts, base.whole(TypeCreate, SeverityMedium, true))
	default:
		for _, field := range diffFields(local, server) {
			sev := r.severities.Classify(resourceType, field)
			result.Conflicts = append(result.Conflicts, base.field(field, sev, sev != SeverityCritical))
		}
	}

	withinWindow := r.withinWindow(now, local, server)
	record := server.Clone()
	for _, c := range result.Conflicts {
		side, rule, ok := r.decide(c, local, server, withinWindow)
		if !ok {
			result.Unresolved = append(result.Unresolved, c)
			continue
		}
		res, _ := c.Resolution(c.ID + "/" + string(side))
		c.Applied = &res
		c.Rule = rule
		record = applyTo(record, c, res, local, server)
	}
	result.Record = record
	result.Resolved = len(result.Unresolved) == 0

	r.register(result, local, server)
	return result, nil
}

type conflictBase struct {
	resourceType string
	resourceID   string
	local        Record
	server       Record
	now          time.Time
}

func (b conflictBase) whole(t ConflictType, sev Severity, auto bool) *DataConflict {
	c := &DataConflict{
		ID:             ConflictID(b.resourceType, b.resourceID, "", t),
		ResourceType:   b.resourceType,
		ResourceID:     b.resourceID,
		Type:           t,
		LocalValue:     b.local.Clone(),
		ServerValue:    b.server.Clone(),
		LocalVersion:   b.local.Clone(),
		ServerVersion:  b.server.Clone(),
		Severity:       sev,
		AutoResolvable: auto,
		DetectedAt:     b.now,
	}
	c.Resolutions = []Resolution{
		{ID: c.ID + "/keep_local", Type: ResolutionKeepLocal, Description: "Keep the local copy of the " + b.resourceType},
		{ID: c.ID + "/keep_server", Type: ResolutionKeepServer, Description: "Keep the server copy of the " + b.resourceType},
	}
	return c
}

func (b conflictBase) field(field string, sev Severity, auto bool) *DataConflict {
	c := &DataConflict{
		ID:             ConflictID(b.resourceType, b.resourceID, field, TypeField),
		ResourceType:   b.resourceType,
		ResourceID:     b.resourceID,
		Field:          field,
		Type:           TypeField,
		LocalValue:     cloneValue(b.local[field]),
		ServerValue:    cloneValue(b.server[field]),
		LocalVersion:   b.local.Clone(),
		ServerVersion:  b.server.Clone(),
		Severity:       sev,
		AutoResolvable: auto,
		DetectedAt:     b.now,
	}
	c.Resolutions = []Resolution{
		{ID: c.ID + "/keep_local", Type: ResolutionKeepLocal, Description: "Keep the local value of " + field},
		{ID: c.ID + "/keep_server", Type: ResolutionKeepServer, Description: "Keep the server value of " + field},
	}
	if merged, ok := Merge(b.local[field], b.server[field]); ok {
		c.Resolutions = append(c.Resolutions, Resolution{
			ID:          c.ID + "/merge",
			Type:        ResolutionMerge,
			Description: "Merge local and server values of " + field,
			MergedData:  merged,
		})
	}
	return c
}

// diffFields returns the sorted non-system fields whose values differ.
func diffFields(local, server Record) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range []Record{local, server} {
		for field := range r {
			if seen[field] || IsSystemField(field) {
				continue
			}
			seen[field] = true
			lv, lok := local[field]
			sv, sok := server[field]
			if lok != sok || !reflect.DeepEqual(lv, sv) {
				fields = append(fields, field)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func (r *Resolver) withinWindow(now time.Time, local, server Record) bool {
	if r.window <= 0 {
		return true
	}
	newest, ok := newestTime(local, server)
	if !ok {
		return true
	}
	return now.Sub(newest) <= r.window
}

// decide applies the precedence table: type policy, then timestamps, then
// the global default.
func (r *Resolver) decide(c *DataConflict, local, server Record, withinWindow bool) (ResolutionType, Rule, bool) {
	if !c.AutoResolvable || !withinWindow {
		return "", "", false
	}
	if c.Type == TypeCreate {
		return ResolutionKeepServer, RuleAdoptServer, true
	}
	if policy, ok := r.policies[c.ResourceType]; ok {
		if side, ok := policy(c.Field); ok {
			return side, RuleTypePolicy, true
		}
	}
	if side, ok := compareTimestamps(local, server); ok {
		return side, RuleTimestamp, true
	}
	if r.prioritizeUserData {
		return ResolutionKeepLocal, RuleDefault, true
	}
	return ResolutionKeepServer, RuleDefault, true
}

// applyTo applies one resolution to record and returns the updated record.
func applyTo(record Record, c *DataConflict, res Resolution, local, server Record) Record {
	switch c.Type {
	case TypeCreate, TypeDelete:
		if res.Type == ResolutionKeepLocal {
			return local.Clone()
		}
		return server.Clone()
	}

	if record == nil {
		record = Record{}
	}
	switch res.Type {
	case ResolutionKeepLocal:
		setOrDelete(record, c.Field, local)
	case ResolutionKeepServer:
		setOrDelete(record, c.Field, server)
	case ResolutionMerge:
		record[c.Field] = cloneValue(res.MergedData)
	}
	return record
}

func setOrDelete(record Record, field string, from Record) {
	if v, ok := from[field]; ok {
		record[field] = cloneValue(v)
		return
	}
	delete(record, field)
}

// register records automatic decisions in the history and parks unresolved
// conflicts for ApplyResolution. A new attempt on the same resource replaces
// anything parked from an earlier one.
func (r *Resolver) register(result *Result, local, server Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := resourceKey(result.ResourceType, result.ResourceID)
	if ws, ok := r.working[key]; ok {
		for id := range ws.remaining {
			delete(r.pending, id)
		}
		delete(r.working, key)
	}

	data, _ := json.Marshal(result.Record)
	for _, c := range result.Conflicts {
		for _, res := range c.Resolutions {
			delete(r.applied, appliedKey(c.ID, res.ID))
		}
		if c.Applied == nil {
			continue
		}
		r.recordHistory(HistoryEntry{
			ConflictID:   c.ID,
			ResolutionID: c.Applied.ID,
			ResourceType: c.ResourceType,
			ResourceID:   c.ResourceID,
			Field:        c.Field,
			Type:         c.Applied.Type,
			Auto:         true,
			Rule:         c.Rule,
			AppliedAt:    c.DetectedAt,
			Record:       data,
		})
		logging.Debug("Conflict auto-resolved", map[string]interface{}{
			"conflict_id":   c.ID,
			"resource_type": c.ResourceType,
			"resource_id":   c.ResourceID,
			"field":         c.Field,
			"resolution":    string(c.Applied.Type),
			"rule":          string(c.Rule),
		})
	}

	if result.Resolved {
		return
	}
	ws := &workingSet{
		local:     local,
		server:    server,
		record:    result.Record.Clone(),
		remaining: make(map[string]bool, len(result.Unresolved)),
	}
	for _, c := range result.Unresolved {
		r.pending[c.ID] = c
		ws.remaining[c.ID] = true
	}
	r.working[key] = ws

	logging.Warn("Conflicts require manual resolution", map[string]interface{}{
		"resource_type": result.ResourceType,
		"resource_id":   result.ResourceID,
		"unresolved":    len(result.Unresolved),
	})
}

// Apply applies a candidate resolution to a parked conflict. Applying the
// same pair again returns the same record.
func (r *Resolver) Apply(conflictID, resolutionID string) (*Applied, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := appliedKey(conflictID, resolutionID)
	if entry, ok := r.applied[key]; ok {
		return entry.result(conflictID, resolutionID)
	}

	c, ok := r.pending[conflictID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s is not pending", conflictID)
	}
	res, ok := c.Resolution(resolutionID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrValidation, "resolution %s does not belong to conflict %s", resolutionID, conflictID)
	}

	rkey := resourceKey(c.ResourceType, c.ResourceID)
	ws := r.working[rkey]
	ws.record = applyTo(ws.record, c, res, ws.local, ws.server)
	delete(ws.remaining, conflictID)
	delete(r.pending, conflictID)

	data, err := json.Marshal(ws.record)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "marshal resolved record", err)
	}
	entry := &appliedEntry{
		data:         data,
		complete:     len(ws.remaining) == 0,
		resourceType: c.ResourceType,
		resourceID:   c.ResourceID,
	}
	if entry.complete {
		delete(r.working, rkey)
	}
	r.applied[key] = entry
	r.recordHistory(HistoryEntry{
		ConflictID:   conflictID,
		ResolutionID: resolutionID,
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		Field:        c.Field,
		Type:         res.Type,
		AppliedAt:    r.now(),
		Record:       data,
	})

	logging.Info("Conflict resolution applied", map[string]interface{}{
		"conflict_id":   conflictID,
		"resolution_id": resolutionID,
		"resource_type": c.ResourceType,
		"resource_id":   c.ResourceID,
		"complete":      entry.complete,
	})
	return entry.result(conflictID, resolutionID)
}

func (e *appliedEntry) result(conflictID, resolutionID string) (*Applied, error) {
	var record Record
	if err := json.Unmarshal(e.data, &record); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "unmarshal resolved record", err)
	}
	return &Applied{
		ConflictID:   conflictID,
		ResolutionID: resolutionID,
		ResourceType: e.resourceType,
		ResourceID:   e.resourceID,
		Record:       record,
		Complete:     e.complete,
	}, nil
}

// ApplyResolution applies a resolution and returns the resulting record.
func (r *Resolver) ApplyResolution(conflictID, resolutionID string) (Record, error) {
	applied, err := r.Apply(conflictID, resolutionID)
	if err != nil {
		return nil, err
	}
	return applied.Record, nil
}

// PendingConflicts returns every parked conflict ordered by detection time.
func (r *Resolver) PendingConflicts() []*DataConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*DataConflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingFor returns the parked conflicts of one resource.
func (r *Resolver) PendingFor(resourceType, resourceID string) []*DataConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.working[resourceKey(resourceType, resourceID)]
	if !ok {
		return nil
	}
	out := make([]*DataConflict, 0, len(ws.remaining))
	for id := range ws.remaining {
		out = append(out, r.pending[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Discard drops parked conflicts for a resource.
func (r *Resolver) Discard(resourceType, resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := resourceKey(resourceType, resourceID)
	if ws, ok := r.working[key]; ok {
		for id := range ws.remaining {
			delete(r.pending, id)
		}
		delete(r.working, key)
	}
}

// History returns applied resolutions, oldest first.
func (r *Resolver) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.list()
}

// recordHistory appends to the history. Callers hold mu.
func (r *Resolver) recordHistory(e HistoryEntry) {
	if evicted, ok := r.history.push(e); ok && !evicted.Auto {
		delete(r.applied, appliedKey(evicted.ConflictID, evicted.ResolutionID))
	}
}

package conflict

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Severity ranks how risky it is to pick a side without asking.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var defaultSeverities = map[string]Severity{
	"ownerId":    SeverityCritical,
	"userId":     SeverityCritical,
	"accountId":  SeverityCritical,
	"status":     SeverityHigh,
	"result":     SeverityHigh,
	"aiOutput":   SeverityHigh,
	"confidence": SeverityHigh,
	"score":      SeverityHigh,
	"tags":       SeverityMedium,
	"rating":     SeverityMedium,
	"ratings":    SeverityMedium,
	"notes":      SeverityMedium,
}

// SeverityTable classifies fields, with per resource type overrides.
type SeverityTable struct {
	Default map[string]Severity
	ByType  map[string]map[string]Severity
}

// DefaultSeverityTable returns the built-in classification.
func DefaultSeverityTable() SeverityTable {
	def := make(map[string]Severity, len(defaultSeverities))
	for k, v := range defaultSeverities {
		def[k] = v
	}
	return SeverityTable{
		Default: def,
		ByType: map[string]map[string]Severity{
			"analysis": {"diagnosis": SeverityHigh, "comments": SeverityMedium},
			"review":   {"reviewerId": SeverityCritical, "verdict": SeverityHigh},
		},
	}
}

// Classify returns the severity of field on resourceType.
func (t SeverityTable) Classify(resourceType, field string) Severity {
	if s, ok := t.ByType[resourceType][field]; ok {
		return s
	}
	if s, ok := t.Default[field]; ok {
		return s
	}
	return SeverityLow
}

// TypePolicy picks a side for a field of one resource type. ok is false when
// the policy has no opinion and resolution falls through to timestamps.
type TypePolicy func(field string) (side ResolutionType, ok bool)

// Always returns a policy that picks side for every field.
func Always(side ResolutionType) TypePolicy {
	return func(string) (ResolutionType, bool) { return side, true }
}

// SplitByOrigin returns a policy where machine-derived fields come from the
// server and user-authored fields from the local copy.
func SplitByOrigin(machine, user []string) TypePolicy {
	m := toSet(machine)
	u := toSet(user)
	return func(field string) (ResolutionType, bool) {
		switch {
		case m[field]:
			return ResolutionKeepServer, true
		case u[field]:
			return ResolutionKeepLocal, true
		}
		return "", false
	}
}

func toSet(fields []string) map[string]bool {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// DefaultTypePolicies returns the built-in resource type rules.
func DefaultTypePolicies() map[string]TypePolicy {
	return map[string]TypePolicy{
		"analysis": SplitByOrigin(
			[]string{"status", "result", "aiOutput", "confidence", "score", "labels", "diagnosis", "model"},
			[]string{"notes", "tags", "rating", "comments", "title"},
		),
		"setting": Always(ResolutionKeepLocal),
		"review":  Always(ResolutionKeepServer),
	}
}

// TimestampFields are tried in order when comparing record age.
var TimestampFields = []string{"updatedAt", "modifiedAt", "lastModified", "timestamp", "createdAt"}

// recordTime returns the first parseable timestamp field of r.
func recordTime(r Record, field string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	v, ok := r[field]
	if !ok {
		return time.Time{}, false
	}
	return parseTime(v)
}

// parseTime accepts RFC 3339 strings and epoch numbers. Numbers above 1e12
// are milliseconds, smaller ones seconds.
func parseTime(v any) (time.Time, bool) {
	var n float64
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case float64:
		n = t
	case int64:
		n = float64(t)
	case int:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		n = f
	default:
		return time.Time{}, false
	}
	if n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Unix(int64(n), 0).UTC(), true
}

// compareTimestamps walks TimestampFields until one is present in both
// records. It returns the newer side, or ok=false when no field is shared or
// the shared field ties.
func compareTimestamps(local, server Record) (side ResolutionType, ok bool) {
	for _, field := range TimestampFields {
		lt, lok := recordTime(local, field)
		st, sok := recordTime(server, field)
		if !lok || !sok {
			continue
		}
		switch {
		case lt.After(st):
			return ResolutionKeepLocal, true
		case st.After(lt):
			return ResolutionKeepServer, true
		}
		return "", false
	}
	return "", false
}

// newestTime returns the most recent timestamp found in either record.
func newestTime(records ...Record) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, r := range records {
		for _, field := range TimestampFields {
			if ts, ok := recordTime(r, field); ok {
				if !found || ts.After(newest) {
					newest = ts
				}
				found = true
			}
		}
	}
	return newest, found
}

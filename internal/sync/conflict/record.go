package conflict

import (
	"encoding/json"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// Record is a resource as exchanged with the server, in JSON value form.
type Record map[string]any

// SystemFieldsVersion identifies the current system-field allowlist.
const SystemFieldsVersion = 1

// systemFieldsV1 are server-owned fields that never produce field conflicts.
var systemFieldsV1 = map[string]bool{
	"id":        true,
	"createdAt": true,
	"updatedAt": true,
	"version":   true,
}

// IsSystemField reports whether field is on the system-field allowlist.
func IsSystemField(field string) bool {
	return systemFieldsV1[field]
}

// SystemFields returns the allowlist in a stable order.
func SystemFields() []string {
	return []string{"id", "createdAt", "updatedAt", "version"}
}

// RecordOf converts a typed resource into a Record through its JSON form.
func RecordOf[T any](v T) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "marshal record", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "record is not a JSON object", err)
	}
	return r, nil
}

// Into converts a Record into a typed resource.
func Into[T any](r Record) (T, error) {
	var out T
	data, err := json.Marshal(r)
	if err != nil {
		return out, apperrors.Wrap(apperrors.ErrSerialization, "marshal record", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, apperrors.Wrap(apperrors.ErrSerialization, "unmarshal record", err)
	}
	return out, nil
}

// ParseRecord decodes a JSON object. JSON null yields a nil Record.
func ParseRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "parse record", err)
	}
	return r, nil
}

// normalize returns a deep copy holding only JSON value types.
func normalize(r Record) (Record, error) {
	if r == nil {
		return nil, nil
	}
	return RecordOf(r)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

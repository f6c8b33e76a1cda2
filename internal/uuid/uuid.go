// Package uuid generates and validates identifiers for queued work.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind prefixes distinguish queue collections in logs and on the wire.
const (
	KindUpload = "upl"
	KindAction = "act"
	KindBatch  = "bat"
	KindCycle  = "cyc"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewWithKind returns "<kind>_<uuid v4>".
func NewWithKind(kind string) string {
	return kind + "_" + uuid.New().String()
}

// Parse splits a kinded identifier and validates its UUID part.
func Parse(id string) (kind string, u uuid.UUID, err error) {
	kind, raw, ok := strings.Cut(id, "_")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("identifier %q has no kind prefix", id)
	}
	u, err = uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid UUID in %q: %w", id, err)
	}
	if u.Version() != 4 {
		return "", uuid.Nil, fmt.Errorf("expected UUID v4 in %q, got v%d", id, u.Version())
	}
	return kind, u, nil
}

// Validate returns an error unless id is a kinded UUID v4 of the given kind.
func Validate(id, kind string) error {
	got, _, err := Parse(id)
	if err != nil {
		return err
	}
	if got != kind {
		return fmt.Errorf("identifier %q has kind %q, want %q", id, got, kind)
	}
	return nil
}

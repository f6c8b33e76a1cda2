package conflict

import (
	"encoding/json"
	"time"
)

// HistoryEntry records one applied resolution.
type HistoryEntry struct {
	ConflictID   string          `json:"conflict_id"`
	ResolutionID string          `json:"resolution_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Field        string          `json:"field,omitempty"`
	Type         ResolutionType  `json:"type"`
	Auto         bool            `json:"auto"`
	Rule         Rule            `json:"rule,omitempty"`
	AppliedAt    time.Time       `json:"applied_at"`
	Record       json.RawMessage `json:"record"`
}

// history is a fixed-size ring of entries.
type history struct {
	entries []HistoryEntry
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{entries: make([]HistoryEntry, size)}
}

// push appends e, returning the entry it overwrote if the ring was full.
func (h *history) push(e HistoryEntry) (HistoryEntry, bool) {
	evicted, had := h.entries[h.next], h.full
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
	return evicted, had
}

func (h *history) list() []HistoryEntry {
	if !h.full {
		return append([]HistoryEntry(nil), h.entries[:h.next]...)
	}
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

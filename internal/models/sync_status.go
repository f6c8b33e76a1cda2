package models

import "time"

// CategoryCounts aggregates queue items of one kind by status.
type CategoryCounts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Uploaded int `json:"uploaded"`
	Conflict int `json:"conflict"`
}

// Total returns the number of items still held by the queue.
func (c CategoryCounts) Total() int {
	return c.Pending + c.InFlight + c.Failed + c.Uploaded + c.Conflict
}

// SyncStatus is the aggregate sync state reported to callers.
type SyncStatus struct {
	Uploads            CategoryCounts `json:"uploads"`
	Actions            CategoryCounts `json:"actions"`
	LastSyncAttempt    *time.Time     `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time     `json:"last_successful_sync,omitempty"`
	IsSyncing          bool           `json:"is_syncing"`
	LastError          string         `json:"last_error,omitempty"`
}

// TableName returns the table name for SyncStatus.
func (SyncStatus) TableName() string {
	return "sync_status"
}

// Clone returns a deep copy safe to hand to callers.
func (s SyncStatus) Clone() SyncStatus {
	out := s
	if s.LastSyncAttempt != nil {
		t := *s.LastSyncAttempt
		out.LastSyncAttempt = &t
	}
	if s.LastSuccessfulSync != nil {
		t := *s.LastSuccessfulSync
		out.LastSuccessfulSync = &t
	}
	return out
}

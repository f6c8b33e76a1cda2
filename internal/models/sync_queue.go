// Package models provides data model definitions for the offline sync core.
package models

import (
	"encoding/json"
	"time"
)

// ItemKind distinguishes the two queue collections.
type ItemKind string

const (
	KindUpload ItemKind = "upload"
	KindAction ItemKind = "action"
)

// ItemStatus is the lifecycle state of a queued upload or action.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusUploading ItemStatus = "uploading"
	StatusUploaded  ItemStatus = "uploaded"
	StatusFailed    ItemStatus = "failed"
	StatusConflict  ItemStatus = "conflict"
)

// transitions lists the allowed edges of the queue item state machine.
// failed -> queued is additionally gated on retryCount < maxRetries.
var transitions = map[ItemStatus][]ItemStatus{
	StatusQueued:    {StatusUploading, StatusFailed},
	StatusUploading: {StatusUploaded, StatusFailed, StatusConflict, StatusQueued},
	StatusFailed:    {StatusQueued},
	StatusConflict:  {StatusQueued, StatusFailed},
}

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusUploading, StatusUploaded, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
// uploading -> queued is only used by crash recovery.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority is the upload priority class.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the ordering weight; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 40
	case PriorityHigh:
		return 30
	case PriorityNormal:
		return 20
	case PriorityLow:
		return 10
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// DeviceInfo describes the capturing device.
type DeviceInfo struct {
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Network    string `json:"network,omitempty"`
}

// UploadMetadata is the structured metadata persisted next to an upload payload.
type UploadMetadata struct {
	MIMEType string         `json:"mime_type,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Device   DeviceInfo     `json:"device"`
	Context  map[string]any `json:"context,omitempty"`
}

// QueuedUpload is a binary upload waiting for connectivity.
type QueuedUpload struct {
	ID            string         `db:"id" json:"id"`
	OwnerID       string         `db:"owner_id" json:"owner_id"`
	PayloadRef    string         `db:"payload_ref" json:"payload_ref"`
	PayloadSize   int64          `db:"payload_size" json:"payload_size"`
	ContentType   string         `db:"content_type" json:"content_type,omitempty"`
	Metadata      UploadMetadata `db:"metadata" json:"metadata"`
	Status        ItemStatus     `db:"status" json:"status"`
	Priority      Priority       `db:"priority" json:"priority"`
	RetryCount    int            `db:"retry_count" json:"retry_count"`
	MaxRetries    int            `db:"max_retries" json:"max_retries"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	LastAttemptAt *time.Time     `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time      `db:"next_retry_at" json:"next_retry_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	Error         string         `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for QueuedUpload.
func (QueuedUpload) TableName() string {
	return "upload_queue"
}

func (u *QueuedUpload) QueueID() string     { return u.ID }
func (u *QueuedUpload) Kind() ItemKind      { return KindUpload }
func (u *QueuedUpload) PriorityWeight() int { return u.Priority.Weight() }
func (u *QueuedUpload) QueuedAt() time.Time { return u.CreatedAt }
func (u *QueuedUpload) SizeBytes() int64    { return u.PayloadSize }

// ActionIntent describes a deferred mutation against the remote API.
type ActionIntent struct {
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
}

// QueuedAction is a remote mutation waiting for connectivity.
type QueuedAction struct {
	ID            string       `db:"id" json:"id"`
	Intent        ActionIntent `db:"intent" json:"intent"`
	Priority      int          `db:"priority" json:"priority"`
	Status        ItemStatus   `db:"status" json:"status"`
	RetryCount    int          `db:"retry_count" json:"retry_count"`
	MaxRetries    int          `db:"max_retries" json:"max_retries"`
	Timestamp     time.Time    `db:"timestamp" json:"timestamp"`
	LastAttemptAt *time.Time   `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time    `db:"next_retry_at" json:"next_retry_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
	Error         string       `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "offline_actions"
}

func (a *QueuedAction) QueueID() string     { return a.ID }
func (a *QueuedAction) Kind() ItemKind      { return KindAction }
func (a *QueuedAction) PriorityWeight() int { return a.Priority }
func (a *QueuedAction) QueuedAt() time.Time { return a.Timestamp }
func (a *QueuedAction) SizeBytes() int64    { return int64(len(a.Intent.Body)) }

package models

import (
	"encoding/json"
	"time"
)

// CachedResponse is a server response kept for offline reads and conflict checks.
type CachedResponse struct {
	Key          string          `db:"key" json:"key"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Data         json.RawMessage `db:"data" json:"data"`
	Size         int64           `db:"size" json:"size"`
	CachedAt     time.Time       `db:"cached_at" json:"cached_at"`
	ExpiresAt    time.Time       `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedResponse.
func (CachedResponse) TableName() string {
	return "cached_data"
}

// Expired reports whether the entry is stale at now.
func (c *CachedResponse) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

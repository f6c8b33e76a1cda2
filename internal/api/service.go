//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service,Trigger

// Package api serves the local control API of the sync daemon: queue status,
// pending conflicts and their manual resolution.
package api

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
)

// Service is the engine surface behind the control routes.
type Service interface {
	Status(ctx context.Context) (models.SyncStatus, error)
	PendingConflicts() []*conflict.DataConflict
	ApplyResolution(ctx context.Context, conflictID, resolutionID string) (conflict.Record, error)
	Subscribe(fn syncpkg.Listener) syncpkg.SubscriptionID
	Unsubscribe(id syncpkg.SubscriptionID) bool
}

// Trigger starts an out-of-schedule sync cycle.
type Trigger interface {
	SyncNow(ctx context.Context) (*syncpkg.CycleResult, error)
}

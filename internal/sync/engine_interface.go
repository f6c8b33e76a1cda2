package sync

import (
	"context"
	"time"
)

// Syncer is the engine surface driven by the scheduler.
type Syncer interface {
	// RunCycle drains ready queue items once.
	RunCycle(ctx context.Context, opts ...CycleOption) (*CycleResult, error)

	// NextRetryAt returns when the earliest queued item becomes ready.
	NextRetryAt(ctx context.Context) (time.Time, bool, error)

	// IsPaused reports whether new batches are held back.
	IsPaused() bool
}

var _ Syncer = (*Engine)(nil)

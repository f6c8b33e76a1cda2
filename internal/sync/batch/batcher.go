// Package batch partitions ready queue items into priority-homogeneous
// batches sized for the current connection quality.
package batch

import (
	"slices"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// MaxBatchBytes caps the payload bytes in one batch. A single larger item
// travels in a batch of its own.
const MaxBatchBytes int64 = 5 << 20

// Item is a queue entry the batcher can order and size.
type Item interface {
	QueueID() string
	Kind() models.ItemKind
	PriorityWeight() int
	QueuedAt() time.Time
	SizeBytes() int64
}

// Status is the lifecycle of an ephemeral batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SyncBatch is a group of same-priority items dispatched together.
type SyncBatch struct {
	ID                string
	Items             []Item
	PriorityWeight    int
	EstimatedBytes    int64
	EstimatedDuration time.Duration
	Status            Status
	RetryCount        int
}

// Batcher plans batches from a Strategy.
type Batcher struct {
	strategy Strategy
	maxBytes int64
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxBytes overrides the per-batch byte ceiling.
func WithMaxBytes(n int64) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// New creates a Batcher.
func New(strategy Strategy, opts ...Option) *Batcher {
	b := &Batcher{strategy: strategy, maxBytes: MaxBatchBytes}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Strategy returns the configured strategy.
func (b *Batcher) Strategy() Strategy {
	return b.strategy
}

// Concurrency returns how many batches may run at once on q.
func (b *Batcher) Concurrency(q Quality) int {
	return b.strategy.ProfileFor(q).Concurrency
}

// Sort orders items by priority weight descending, then queue time ascending.
// Ties keep their input order. The input slice is not modified.
func Sort(items []Item) []Item {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b Item) int {
		if a.PriorityWeight() != b.PriorityWeight() {
			return b.PriorityWeight() - a.PriorityWeight()
		}
		return a.QueuedAt().Compare(b.QueuedAt())
	})
	return sorted
}

// Plan partitions items into batches for quality q. A new batch starts when
// the priority changes, the batch is full, or the next item would push it
// past the byte ceiling.
func (b *Batcher) Plan(items []Item, q Quality) []*SyncBatch {
	profile := b.strategy.ProfileFor(q)

	var (
		batches []*SyncBatch
		cur     *SyncBatch
	)
	flush := func() {
		if cur != nil && len(cur.Items) > 0 {
			cur.EstimatedDuration = EstimateDuration(cur.EstimatedBytes, len(cur.Items), q)
			batches = append(batches, cur)
		}
		cur = nil
	}

	for _, item := range Sort(items) {
		size := item.SizeBytes()
		if cur != nil && (item.PriorityWeight() != cur.PriorityWeight ||
			len(cur.Items) >= profile.BatchSize ||
			cur.EstimatedBytes+size > b.maxBytes) {
			flush()
		}
		if cur == nil {
			cur = &SyncBatch{
				ID:             uuid.NewWithKind(uuid.KindBatch),
				PriorityWeight: item.PriorityWeight(),
				Status:         StatusPending,
			}
		}
		cur.Items = append(cur.Items, item)
		cur.EstimatedBytes += size
	}
	flush()
	return batches
}

// Replan re-partitions the items of batches that have not started for a new
// quality. Started batches are kept as they are. Uploads and actions are
// planned separately, and the new batches are ordered by priority across both
// kinds.
func (b *Batcher) Replan(batches []*SyncBatch, q Quality) []*SyncBatch {
	var (
		kept    []*SyncBatch
		kinds   []models.ItemKind
		pending = make(map[models.ItemKind][]Item)
	)
	for _, batch := range batches {
		if batch.Status != StatusPending {
			kept = append(kept, batch)
			continue
		}
		for _, item := range batch.Items {
			if _, seen := pending[item.Kind()]; !seen {
				kinds = append(kinds, item.Kind())
			}
			pending[item.Kind()] = append(pending[item.Kind()], item)
		}
	}
	var replanned []*SyncBatch
	for _, kind := range kinds {
		replanned = append(replanned, b.Plan(pending[kind], q)...)
	}
	slices.SortStableFunc(replanned, func(x, y *SyncBatch) int {
		return y.PriorityWeight - x.PriorityWeight
	})
	return append(kept, replanned...)
}

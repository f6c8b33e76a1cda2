package sync

import (
	stdsync "sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
)

// EventType names an engine notification.
type EventType string

const (
	EventUploadStarted    EventType = "upload_started"
	EventUploadCompleted  EventType = "upload_completed"
	EventUploadFailed     EventType = "upload_failed"
	EventActionSynced     EventType = "action_synced"
	EventActionFailed     EventType = "action_failed"
	EventConflictDetected EventType = "conflict_detected"
	EventCycleCompleted   EventType = "cycle_completed"
	EventCycleError       EventType = "cycle_error"
)

// Event is delivered to subscribers.
type Event struct {
	Type   EventType       `json:"type"`
	Time   time.Time       `json:"time"`
	ItemID string          `json:"item_id,omitempty"`
	Kind   models.ItemKind `json:"kind,omitempty"`
	// Terminal is set on failure events when no further attempt will be made.
	Terminal bool `json:"terminal,omitempty"`
	// Superseded is set on action_synced when the server copy was kept and
	// the queued request itself was never applied.
	Superseded bool                   `json:"superseded,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Conflict   *conflict.DataConflict `json:"conflict,omitempty"`
	Cycle      *CycleResult           `json:"cycle,omitempty"`
}

// Listener receives events. It runs on the engine goroutine that produced
// the event and must not block.
type Listener func(Event)

// SubscriptionID identifies a registered listener.
type SubscriptionID uint64

// listeners is the engine-owned registry of subscribers.
type listeners struct {
	mu   stdsync.RWMutex
	next SubscriptionID
	subs map[SubscriptionID]Listener
}

func newListeners() *listeners {
	return &listeners{subs: make(map[SubscriptionID]Listener)}
}

func (l *listeners) add(fn Listener) SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.subs[l.next] = fn
	return l.next
}

func (l *listeners) remove(id SubscriptionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[id]
	delete(l.subs, id)
	return ok
}

func (l *listeners) emit(e Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, e)
	}
}

func deliver(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Event listener panicked", map[string]interface{}{
				"event": string(e.Type),
				"panic": r,
			})
		}
	}()
	fn(e)
}

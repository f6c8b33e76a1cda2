// Package scheduler drives sync cycles in the background: on a fixed
// interval, when the earliest persisted retry comes due, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.Syncer
	syncInterval time.Duration
	minWait      time.Duration
	cycleTimeout time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.CycleResult
	lastError      string
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // Upper bound between cycles while online (default: 5 minutes)
	MinWait      time.Duration // Floor between cycles when retries are already due (default: 1 second)
	CycleTimeout time.Duration // Deadline for one cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		MinWait:      time.Second,
		CycleTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take defaults.
func NewScheduler(engine syncpkg.Syncer, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}

	s := &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		minWait:      config.MinWait,
		cycleTimeout: config.CycleTimeout,
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.minWait <= 0 {
		s.minWait = def.MinWait
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = def.CycleTimeout
	}
	return s
}

// Start starts the background sync loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.wake()
	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. While offline
// no cycles run; coming back online triggers one.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.wake()
	}
}

// TriggerSync asks the loop to run a cycle as soon as possible.
// Returns false if the scheduler is stopped or a cycle is already running.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	ok := s.isRunning && !s.syncInProgress
	s.mu.RUnlock()

	if !ok {
		return false
	}
	s.wake()
	return true
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.syncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.trigger:
		case <-timer.C:
		}

		if s.IsOnline() && !s.engine.IsPaused() {
			s.runSync(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait(ctx))
	}
}

// nextWait returns how long to sleep: until the earliest queued retry, bounded
// by the sync interval and floored at minWait.
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.syncInterval

	at, ok, err := s.engine.NextRetryAt(ctx)
	if err != nil {
		logging.Error("Failed to read next retry time", err, nil)
		return wait
	}
	if ok {
		if d := time.Until(at); d < wait {
			wait = d
		}
	}
	if wait < s.minWait {
		wait = s.minWait
	}
	return wait
}

// runSync executes one cycle and records its outcome.
func (s *Scheduler) runSync(ctx context.Context) {
	res, err := s.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, skipping", nil)
			return
		}
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
		return
	}

	logging.Debug("Scheduled sync completed",
		map[string]interface{}{
			"cycle_id":  res.ID,
			"uploaded":  res.Uploaded,
			"synced":    res.Synced,
			"retrying":  res.Retrying,
			"conflicts": res.Conflicts,
		})
}

// SyncNow runs a cycle and waits for completion. It returns an
// ErrSyncInProgress error when a cycle is already running.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.CycleResult, error) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	res, err := s.engine.RunCycle(syncCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if res != nil && res.Skipped {
		return res, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	s.lastResult = res
	if err != nil {
		s.lastError = err.Error()
		return res, err
	}
	s.lastError = ""
	s.lastSyncTime = time.Now()
	return res, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	LastSyncTime   *time.Time           `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.CycleResult `json:"last_result,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	SyncInProgress bool                 `json:"sync_in_progress"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		LastResult:     s.lastResult,
		LastError:      s.lastError,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

package syncer

import (
	"context"
	"sync"
	"time"

	"campoquest/field-sync/internal/queue"

	"go.uber.org/zap"
)

// PassRunner executes one sync pass
type PassRunner interface {
	RunSyncPass(ctx context.Context) (Summary, error)
}

// Scheduler decides when a sync pass runs. It is a two-state machine
// (idle/syncing): passes never overlap, and triggers arriving while a pass is
// in flight coalesce into at most one deferred pass. Triggers are ignored
// while offline; the offline-to-online transition is itself a trigger, so
// nothing is lost.
type Scheduler struct {
	runner PassRunner
	store  queue.Store
	online func() bool
	tick   time.Duration
	logger *zap.Logger

	triggerChan chan string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu      sync.RWMutex
	syncing bool
}

// NewScheduler creates a scheduler. online reports current reachability;
// tick is the periodic trigger interval.
func NewScheduler(runner PassRunner, store queue.Store, online func() bool, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 60 * time.Second
	}
	return &Scheduler{
		runner:      runner,
		store:       store,
		online:      online,
		tick:        tick,
		logger:      logger,
		triggerChan: make(chan string, 1),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the scheduling loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Sync scheduler started", zap.Duration("tick", s.tick))
}

// Stop terminates the loop; an in-flight pass runs to completion first
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}

// Trigger requests a sync pass. Safe from any goroutine; requests arriving
// while a pass runs coalesce into a single deferred pass.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.triggerChan <- reason:
	default:
		// a pass is already pending; coalesce
	}
}

// ConnectivityChanged implements the connectivity subscription: regaining the
// network re-evaluates any remembered triggers
func (s *Scheduler) ConnectivityChanged(online bool) {
	if online {
		s.Trigger("back online")
	}
}

// Syncing reports whether a pass is currently in flight
func (s *Scheduler) Syncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runPass("periodic tick")
		case reason := <-s.triggerChan:
			s.runPass(reason)
		case <-s.stopChan:
			return
		}

		// A tick that fired while the pass ran is the same wake-up as any
		// trigger from that window; fold it into the single pending slot so
		// at most one deferred pass follows.
		select {
		case <-ticker.C:
			s.Trigger("periodic tick")
		default:
		}
	}
}

func (s *Scheduler) runPass(reason string) {
	if !s.online() {
		s.logger.Debug("Skipping sync pass while offline", zap.String("reason", reason))
		return
	}

	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()

	s.logger.Debug("Starting sync pass", zap.String("reason", reason))
	summary, err := s.runner.RunSyncPass(context.Background())

	s.mu.Lock()
	s.syncing = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Sync pass failed", zap.Error(err))
		return
	}

	// Items enqueued during the pass were not part of its snapshot. When the
	// queue holds more than the retried leftovers, schedule a follow-up pass.
	pending, err := s.store.PendingCount(context.Background())
	if err != nil {
		s.logger.Error("Failed to check queue depth", zap.Error(err))
		return
	}
	if pending > summary.Failed {
		s.Trigger("items enqueued during pass")
	}
}

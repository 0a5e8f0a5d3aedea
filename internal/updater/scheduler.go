// ABOUTME: Per-key recurring timers driving render-and-publish tasks.
// ABOUTME: One timer per conversation; Cancel clears it synchronously.

package updater

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-bridge/internal/session"
)

// Scheduler runs a recurring task per conversation key. It pairs one timer
// with one task loop per key; contention handling (skip, not queue) lives in
// the task itself via the session's publish mutex.
type Scheduler struct {
	mu      sync.Mutex
	entries map[session.Key]*entry
	logger  *slog.Logger
}

type entry struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// NewScheduler creates an empty scheduler. Pass nil logger for default.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries: make(map[session.Key]*entry),
		logger:  logger.With("component", "scheduler"),
	}
}

// Schedule installs a recurring task for key at the given interval,
// replacing any existing schedule for that key.
func (s *Scheduler) Schedule(key session.Key, interval time.Duration, task func()) {
	e := &entry{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		old.ticker.Stop()
		close(old.stop)
	}
	s.entries[key] = e
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-e.stop:
				return
			case <-e.ticker.C:
				task()
			}
		}
	}()

	s.logger.Debug("schedule installed", "key", key, "interval", interval)
}

// Cancel clears the timer for key synchronously. A task already running is
// allowed to finish undisturbed.
func (s *Scheduler) Cancel(key session.Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	e.ticker.Stop()
	close(e.stop)
	s.logger.Debug("schedule cancelled", "key", key)
}

// CancelAll clears every timer. Idempotent.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[session.Key]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.ticker.Stop()
		close(e.stop)
	}
}

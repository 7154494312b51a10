// Package autosync pushes full token lists on a fixed period while the
// transport is connected.
package autosync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bifrost-vtt/conduit/internal/schedule"
)

// DefaultInterval applies when Start is given a non-positive interval.
const DefaultInterval = 30 * time.Second

// Link reports transport state.
type Link interface {
	Connected() bool
}

// PushFunc sends one snapshot.
type PushFunc func(ctx context.Context) error

// Scheduler owns the auto-sync timer.
type Scheduler struct {
	tasks  *schedule.Tasks
	link   Link
	push   PushFunc
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	ticks    int
	skipped  int
}

func New(tasks *schedule.Tasks, link Link, push PushFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: tasks, link: link, push: push, logger: logger}
}

// Start replaces any running timer with one firing every interval.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	s.tasks.Every(schedule.AutoSync, interval, s.tick)
	s.logger.Info("Auto-sync started", "interval", interval)
}

// Stop cancels the timer. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	if s.tasks.Cancel(schedule.AutoSync) {
		s.logger.Info("Auto-sync stopped")
	}
}

func (s *Scheduler) Running() bool {
	return s.tasks.Active(schedule.AutoSync)
}

// Interval is the period of the current or last timer.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stats returns how many ticks fired and how many of them were skipped
// because the transport was down.
func (s *Scheduler) Stats() (ticks, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.skipped
}

func (s *Scheduler) tick() {
	connected := s.link.Connected()

	s.mu.Lock()
	s.ticks++
	if !connected {
		s.skipped++
	}
	s.mu.Unlock()

	if !connected {
		return
	}
	if err := s.push(context.Background()); err != nil {
		s.logger.Warn("Auto-sync push failed", "error", err)
	}
}

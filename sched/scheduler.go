// Package sched runs the engine's periodic background tasks.
package sched

import (
	"context"
	"sync"
	"time"
)

// Task is one periodic unit of work. The context is cancelled when the
// scheduler stops.
type Task func(ctx context.Context)

// Scheduler runs named tasks on fixed-delay loops: the next run is scheduled
// only after the previous one returns, so a slow task never overlaps itself.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a running scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every schedules task to run each interval until Stop. The name is only
// used for identification by callers; the scheduler itself does not log.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
				task(s.ctx)
				timer.Reset(interval)
			}
		}
	}()
}

// Stop cancels every task's context and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

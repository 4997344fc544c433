// Package jobs runs periodic background work (channel refresh, guide
// rebuild) on a shared worker pool.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"dlhd-proxy/work/logger"
)

// Scheduler dispatches recurring tasks onto a bounded worker pool so a slow
// task never piles up goroutines.
type Scheduler struct {
	pool *ants.Pool

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler backed by a pre-allocated pool of workers.
func New(workers int) (*Scheduler, error) {
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Scheduler{pool: pool, quit: make(chan struct{})}, nil
}

// Every runs task on a fixed interval until Stop is called.
func (s *Scheduler) Every(interval time.Duration, name string, task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
				s.submit(name, task)
			}
		}
	}()
}

// Daily runs task once a day at the given "HH:MM" wall-clock time in loc.
func (s *Scheduler) Daily(at string, loc *time.Location, name string, task func()) error {
	if _, err := time.ParseInLocation("15:04", at, loc); err != nil {
		return fmt.Errorf("invalid daily schedule %q: %w", at, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(nextRun(time.Now().In(loc), at, loc))
			timer := time.NewTimer(wait)
			select {
			case <-s.quit:
				timer.Stop()
				return
			case <-timer.C:
				s.submit(name, task)
			}
		}
	}()
	return nil
}

// Stop halts all schedules and releases the worker pool. In-flight tasks
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Release()
}

func (s *Scheduler) submit(name string, task func()) {
	err := s.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("{jobs - submit} task %s panicked: %v", name, r)
			}
		}()
		task()
	})
	if err != nil {
		logger.Warn("{jobs - submit} could not schedule task %s: %v", name, err)
	}
}

// nextRun returns the next occurrence of the "HH:MM" wall-clock time at or
// after now. A time earlier in the day rolls over to tomorrow.
func nextRun(now time.Time, at string, loc *time.Location) time.Time {
	t, _ := time.ParseInLocation("15:04", at, loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Package scheduler owns the lifecycle of the supervisor's long-running
// background tasks (idle detection sweeps, diff-cache refreshes). Each task
// used to be an ad-hoc goroutine with its own ticker; this package gives
// them one start/stop path and one place to recover from a panicking task
// without taking the whole process down.
package scheduler

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named recurring jobs on cron-style schedules, expressed in
// seconds resolution so short intervals like "@every 2s" are expressible.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	logger  *slog.Logger
	entries map[string]cron.EntryID
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a named job on the given spec (e.g. "@every 2s"). cron
// starts each run of the job on its own goroutine; a panicking job is
// recovered and logged rather than crashing the process.
func (s *Scheduler) Add(name, spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked", "job", name, "panic", r)
			}
		}()
		job()
	}

	id, err := s.cron.AddFunc(spec, wrapped)
	if err != nil {
		return err
	}
	s.entries[name] = id
	return nil
}

// Start begins running registered jobs. Safe to call once; a second call is
// a no-op on an already-running scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the dispatch goroutine and waits for any in-flight job to
// finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

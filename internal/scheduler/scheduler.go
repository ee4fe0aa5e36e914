// Package scheduler triggers the engine's recurring jobs from a single
// ticking loop: every tick it scans a priority-ordered job table and
// dispatches due jobs as independent goroutines. No hidden task registry;
// the job table is explicit.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anisbkh/drbackup/internal/logger"
)

// JobKind names one recurring job.
type JobKind string

const (
	JobWALShip        JobKind = "wal_ship"
	JobFullBackup     JobKind = "full_backup"
	JobTenantBackup   JobKind = "tenant_backup"
	JobConfigBackup   JobKind = "config_backup"
	JobIntegritySweep JobKind = "integrity_sweep"
	JobTestRestore    JobKind = "test_restore"
	JobCleanup        JobKind = "cleanup"
)

// RunFunc executes one job occurrence. key is the idempotency key derived
// from (kind, scheduled time bucket); jobs that create records use it as
// the record id so a re-trigger of the same occurrence is a no-op.
type RunFunc func(ctx context.Context, key string) error

// Job is one entry in the job table.
type Job struct {
	Kind     JobKind
	Cadence  time.Duration
	Priority int
	Run      RunFunc
}

// Scheduler drives the job table. A job still running when its next
// trigger fires is skipped, never queued twice; a failed run waits for the
// next scheduled trigger unless manually re-triggered.
type Scheduler struct {
	jobs []Job
	tick time.Duration
	log  logger.Logger

	mu         sync.Mutex
	running    map[JobKind]bool
	lastBucket map[JobKind]int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler over the given job table. Jobs dispatch in
// priority order (highest first) within a tick.
func New(jobs []Job, tick time.Duration) *Scheduler {
	if tick == 0 {
		tick = time.Minute
	}
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Scheduler{
		jobs:       sorted,
		tick:       tick,
		log:        logger.Global().With("component", "scheduler"),
		running:    make(map[JobKind]bool),
		lastBucket: make(map[JobKind]int64),
		stop:       make(chan struct{}),
	}
}

// Start runs the ticking loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		// First pass immediately so a fresh start does not wait a tick.
		s.dispatchDue(ctx, time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.dispatchDue(ctx, now)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// TriggerNow dispatches a job out of schedule (manual re-trigger). The
// occurrence gets a fresh key so pipeline idempotency does not swallow it.
func (s *Scheduler) TriggerNow(ctx context.Context, kind JobKind) error {
	for _, job := range s.jobs {
		if job.Kind != kind {
			continue
		}
		key := fmt.Sprintf("%s:manual:%d", kind, time.Now().UnixNano())
		if !s.tryDispatch(ctx, job, key) {
			return fmt.Errorf("job %s is already running", kind)
		}
		return nil
	}
	return fmt.Errorf("unknown job kind %q", kind)
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		bucket := now.Truncate(job.Cadence).Unix()

		s.mu.Lock()
		seen := s.lastBucket[job.Kind] == bucket
		if !seen {
			// The bucket is consumed whether the job runs or is
			// skipped; an overlapped occurrence is dropped, not queued.
			s.lastBucket[job.Kind] = bucket
		}
		s.mu.Unlock()
		if seen {
			continue
		}

		key := fmt.Sprintf("%s:%d", job.Kind, bucket)
		if !s.tryDispatch(ctx, job, key) {
			s.log.Info("previous run still active, skipping trigger",
				"job", string(job.Kind),
				"key", key,
			)
		}
	}
}

// tryDispatch starts the job unless it is already running.
func (s *Scheduler) tryDispatch(ctx context.Context, job Job, key string) bool {
	s.mu.Lock()
	if s.running[job.Kind] {
		s.mu.Unlock()
		return false
	}
	s.running[job.Kind] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running[job.Kind] = false
			s.mu.Unlock()
		}()

		start := time.Now()
		s.log.Debug("job started", "job", string(job.Kind), "key", key)
		if err := job.Run(ctx, key); err != nil {
			// Retried at the next scheduled trigger, not immediately.
			s.log.Error("job failed",
				"job", string(job.Kind),
				"key", key,
				"error", err.Error(),
			)
			return
		}
		s.log.Info("job finished",
			"job", string(job.Kind),
			"key", key,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	}()
	return true
}

// Package sched arranges for the upload worker and the dirty-record sync
// to run under connectivity constraints.
//
// Scheduling requests are deduplicated through named job slots: the
// immediate upload occupies a single slot so two triggers can never claim
// and double-upload the same queued record, and periodic sync jobs are
// keyed so re-scheduling with the same key keeps the existing job.
package sched

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pillbox/laporbox/internal/upload"
)

// periodicSyncKey names the periodic dirty-sync job slot.
const periodicSyncKey = "periodic-sync"

// DefaultSyncPeriod is the reference interval for the periodic dirty sync.
const DefaultSyncPeriod = 6 * time.Hour

// Config carries the scheduler's collaborators.
type Config struct {
	// Worker drains the pending-report queue, one record per run.
	Worker *upload.Worker

	// Sync pushes the user's dirty records; the bool reports whether all
	// pushes succeeded.
	Sync func(ctx context.Context) (bool, error)

	// Online reports current network connectivity. Jobs are deferred
	// while it returns false. Nil means always online.
	Online func() bool

	// RetryDelay is how long to wait before re-running after a transient
	// failure or while offline.
	RetryDelay time.Duration

	Logger *log.Logger
}

// Scheduler owns the background job slots.
type Scheduler struct {
	worker     *upload.Worker
	sync       func(ctx context.Context) (bool, error)
	online     func() bool
	retryDelay time.Duration
	logger     *log.Logger

	uploadSlot chan struct{}

	mu       sync.Mutex
	periodic map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler and starts its upload loop. Call Stop to shut
// the scheduler down.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sched] ", log.LstdFlags)
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		worker:     cfg.Worker,
		sync:       cfg.Sync,
		online:     online,
		retryDelay: retryDelay,
		logger:     logger,
		uploadSlot: make(chan struct{}, 1),
		periodic:   make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.uploadLoop()

	return s
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ScheduleImmediateUpload fires the upload worker once, as soon as the
// network allows. A trigger that arrives while one is already queued is
// coalesced into it.
func (s *Scheduler) ScheduleImmediateUpload() {
	select {
	case s.uploadSlot <- struct{}{}:
	default:
		// A run is already queued; this trigger rides along with it.
	}
}

// SchedulePeriodicSync runs the dirty-record sync on a fixed interval
// whenever the network is available. Re-scheduling while a periodic job
// exists keeps the existing job (the new request is dropped).
func (s *Scheduler) SchedulePeriodicSync(period time.Duration) {
	if period <= 0 {
		period = DefaultSyncPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.periodic[periodicSyncKey]; exists {
		return
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	s.periodic[periodicSyncKey] = cancel

	s.wg.Add(1)
	go s.periodicSyncLoop(jobCtx, period)
	s.logger.Printf("Periodic sync scheduled every %s", period)
}

// CancelPeriodicSync cancels the periodic dirty-sync job, if scheduled.
func (s *Scheduler) CancelPeriodicSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.periodic[periodicSyncKey]; ok {
		cancel()
		delete(s.periodic, periodicSyncKey)
		s.logger.Printf("Periodic sync cancelled")
	}
}

// uploadLoop is the single consumer of the upload slot. Being the only
// consumer is what guarantees at most one worker run at a time.
func (s *Scheduler) uploadLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.uploadSlot:
		}

		if !s.online() {
			s.logger.Printf("Offline, deferring upload run")
			s.requeueAfter(s.retryDelay)
			continue
		}

		res, err := s.worker.RunOnce(s.ctx)
		if err != nil && s.ctx.Err() != nil {
			return
		}

		switch res.Outcome {
		case upload.Done, upload.Dropped:
			// More records may be queued; drain them in FIFO order.
			s.ScheduleImmediateUpload()
		case upload.Retry:
			s.logger.Printf("Upload run will retry in %s: %s", s.retryDelay, res.Reason)
			s.requeueAfter(s.retryDelay)
		case upload.NoWork:
			// Idle until the next trigger.
		}
	}
}

// requeueAfter re-arms the upload slot after a delay without blocking the
// loop's shutdown.
func (s *Scheduler) requeueAfter(d time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
		case <-time.After(d):
			s.ScheduleImmediateUpload()
		}
	}()
}

// periodicSyncLoop runs the dirty sync on its interval, skipping ticks
// while offline.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, period time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.online() {
			s.logger.Printf("Offline, skipping periodic sync tick")
			continue
		}

		ok, err := s.sync(ctx)
		if err != nil {
			s.logger.Printf("Periodic sync error: %v", err)
			continue
		}
		if !ok {
			s.logger.Printf("Periodic sync incomplete; will retry next tick")
		}
	}
}

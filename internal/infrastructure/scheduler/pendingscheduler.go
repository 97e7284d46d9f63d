// Package scheduler runs the background loops: the pending-consultation poller
// and the stale-quota reset sweep.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	consultapp "presenca/internal/application/consultation"
	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
	"presenca/internal/shared/goroutine"
	"presenca/internal/shared/logger"
)

// PendingQueue is the slice of the consultation repository the poller needs.
type PendingQueue interface {
	ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error)
	Claim(ctx context.Context, id uint) (*domain.QueueItem, error)
	MarkStatus(ctx context.Context, id uint, status domain.Status, message *string) (int64, error)
}

// PendingProcessor drives one claimed row through quota, workflow and
// persistence. The scheduler only inspects the error to pick a terminal status.
type PendingProcessor interface {
	ProcessClaimed(ctx context.Context, item *domain.QueueItem) (*consultapp.ClaimedOutcome, error)
}

// SchedulerState is an observability snapshot of the poller.
type SchedulerState struct {
	Paused         bool       `json:"paused"`
	Reason         string     `json:"reason,omitempty"`
	PausedAt       *time.Time `json:"pausedAt,omitempty"`
	ResumedAt      *time.Time `json:"resumedAt,omitempty"`
	RunningCycle   bool       `json:"runningCycle"`
	PollIntervalMS int        `json:"pollIntervalMs"`
	BatchSize      int        `json:"batchSize"`
}

// PendingScheduler polls the queue for Pendente rows, claims them one by one
// and hands each to the processor. At most one cycle runs at a time; overlapping
// ticks are dropped, not queued. Pause takes effect between items: a pause
// observed after a claim rolls the row back to Pendente untouched.
type PendingScheduler struct {
	queue     PendingQueue
	processor PendingProcessor

	pollInterval time.Duration
	batchSize    int

	cycleRunning atomic.Bool

	mu        sync.Mutex
	paused    bool
	reason    string
	pausedAt  *time.Time
	resumedAt *time.Time

	logger   logger.Interface
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// DefaultPollInterval is used when the configured interval is not positive.
const DefaultPollInterval = 30 * time.Second

// DefaultBatchSize is used when the configured batch size is not positive.
const DefaultBatchSize = 10

func NewPendingScheduler(
	queue PendingQueue,
	processor PendingProcessor,
	pollIntervalMS int,
	batchSize int,
	log logger.Interface,
) *PendingScheduler {
	pollInterval := time.Duration(pollIntervalMS) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &PendingScheduler{
		queue:        queue,
		processor:    processor,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       log.Named("scheduler.pending"),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (s *PendingScheduler) Start(ctx context.Context) {
	s.logger.Infow("starting pending consultation scheduler",
		"poll_interval", s.pollInterval,
		"batch_size", s.batchSize,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop stops the scheduler gracefully and waits for an in-flight cycle.
// Safe to call multiple times.
func (s *PendingScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Infow("stopping pending consultation scheduler")
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Infow("pending consultation scheduler stopped")
	})
}

func (s *PendingScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("pending scheduler loop stopped due to context cancellation")
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// cycleStats accumulates counters across the batches of one cycle.
type cycleStats struct {
	listed    int
	processed int
	concluded int
	failed    int
	limited   int
	raced     int
}

// RunCycle drains the pending backlog: it lists and processes fresh batches
// until the queue comes back empty, the scheduler is paused or stopped. It
// returns immediately when a cycle is already in flight or the scheduler is
// paused.
func (s *PendingScheduler) RunCycle(ctx context.Context) {
	if !s.cycleRunning.CompareAndSwap(false, true) {
		s.logger.Debugw("cycle skipped, previous cycle still running")
		return
	}
	defer s.cycleRunning.Store(false)

	if s.isPaused() {
		s.logger.Debugw("cycle skipped, scheduler paused")
		return
	}

	startTime := time.Now()
	var stats cycleStats

	for {
		items, err := s.queue.ListPending(ctx, s.batchSize)
		if err != nil {
			s.logger.Errorw("failed to list pending consultations", "error", err)
			break
		}
		if len(items) == 0 {
			break
		}
		stats.listed += len(items)

		before := stats.processed
		if interrupted := s.processBatch(ctx, items, &stats); interrupted {
			break
		}
		// A full pass with no successful claim means another poller owns the
		// remaining rows; leave them to it instead of spinning on the listing.
		if stats.processed == before {
			break
		}
	}

	if stats.listed == 0 {
		return
	}
	s.logger.Infow("pending cycle finished",
		"listed", stats.listed,
		"processed", stats.processed,
		"concluded", stats.concluded,
		"failed", stats.failed,
		"quota_limited", stats.limited,
		"raced", stats.raced,
		"duration", time.Since(startTime),
	)
}

// processBatch claims and processes one listed batch. It reports true when the
// cycle must end early because of cancellation, stop or pause.
func (s *PendingScheduler) processBatch(ctx context.Context, items []domain.QueueItem, stats *cycleStats) bool {
	for i := range items {
		select {
		case <-ctx.Done():
			return true
		case <-s.stopChan:
			return true
		default:
		}
		if s.isPaused() {
			s.logger.Infow("cycle interrupted by pause",
				"processed", stats.processed,
				"remaining", len(items)-i,
			)
			return true
		}

		claimed, err := s.queue.Claim(ctx, items[i].ID)
		if err != nil {
			s.logger.Errorw("failed to claim consultation", "id", items[i].ID, "error", err)
			continue
		}
		if claimed == nil {
			// Raced away by a concurrent poller or no longer pending.
			stats.raced++
			continue
		}

		// Re-check after the claim: a pause that landed in between must not
		// strand the row in Processando.
		if s.isPaused() {
			if _, err := s.queue.MarkStatus(ctx, claimed.ID, domain.StatusPending, nil); err != nil {
				s.logger.Errorw("failed to roll back claimed row after pause",
					"id", claimed.ID, "error", err)
			}
			s.logger.Infow("cycle interrupted by pause, claimed row returned to queue",
				"id", claimed.ID, "processed", stats.processed)
			return true
		}

		status := s.processOne(ctx, claimed)
		stats.processed++
		switch status {
		case domain.StatusConcluded:
			stats.concluded++
		case domain.StatusLimit:
			stats.limited++
		default:
			stats.failed++
		}
	}
	return false
}

// processOne runs one claimed row and guarantees it leaves Processando. The
// processor persists the terminal state itself on the success path; on error
// the scheduler writes Erro, or Limite when the quota ledger rejected the
// consumption.
func (s *PendingScheduler) processOne(ctx context.Context, item *domain.QueueItem) domain.Status {
	outcome, err := s.processor.ProcessClaimed(ctx, item)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			msg := exceeded.Error()
			if _, markErr := s.queue.MarkStatus(ctx, item.ID, domain.StatusLimit, &msg); markErr != nil {
				s.logger.Errorw("failed to mark quota-limited row", "id", item.ID, "error", markErr)
			}
			s.logger.Warnw("consultation hit daily quota",
				"id", item.ID,
				"owner", item.Owner,
				"used", exceeded.Used,
				"total", exceeded.Total,
			)
			return domain.StatusLimit
		}

		msg := err.Error()
		if _, markErr := s.queue.MarkStatus(ctx, item.ID, domain.StatusError, &msg); markErr != nil {
			s.logger.Errorw("failed to mark failed row", "id", item.ID, "error", markErr)
		}
		s.logger.Errorw("consultation processing failed",
			"id", item.ID,
			"cpf", item.CPFString(),
			"error", err,
		)
		return domain.StatusError
	}

	status := domain.StatusConcluded
	if outcome.Result != nil && !outcome.Result.Success {
		status = domain.StatusError
	}
	s.logger.Infow("consultation processed",
		"id", item.ID,
		"cpf", item.CPFString(),
		"status", status,
		"updated", outcome.Persisted.Updated,
		"inserted", outcome.Persisted.Inserted,
	)
	return status
}

// Pause suspends processing. The in-flight item, if any, finishes; the rest of
// the cycle is abandoned. Pausing an already paused scheduler only refreshes
// the reason.
func (s *PendingScheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		s.reason = reason
		return
	}
	now := time.Now()
	s.paused = true
	s.reason = reason
	s.pausedAt = &now
	s.logger.Infow("pending scheduler paused", "reason", reason)
}

// Resume lifts a pause and triggers an immediate cycle. Resuming a scheduler
// that is not paused still triggers the cycle, so operators can force a poll
// without waiting for the ticker.
func (s *PendingScheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	wasPaused := s.paused
	if wasPaused {
		now := time.Now()
		s.paused = false
		s.reason = ""
		s.resumedAt = &now
	}
	s.mu.Unlock()

	if wasPaused {
		s.logger.Infow("pending scheduler resumed")
	}
	goroutine.SafeGo(s.logger, "pending-resume-cycle", func() {
		s.RunCycle(ctx)
	})
}

// State reports the scheduler's pause and cycle status.
func (s *PendingScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerState{
		Paused:         s.paused,
		Reason:         s.reason,
		PausedAt:       s.pausedAt,
		ResumedAt:      s.resumedAt,
		RunningCycle:   s.cycleRunning.Load(),
		PollIntervalMS: int(s.pollInterval / time.Millisecond),
		BatchSize:      s.batchSize,
	}
}

func (s *PendingScheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

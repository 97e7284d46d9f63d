package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"presenca/internal/domain/quota"
	"presenca/internal/shared/logger"
)

// QuotaResetScheduler periodically zeroes quota counters left over from a
// previous business day. The sweep is idempotent: once today's rows are
// touched their updated_at moves into today and later sweeps match nothing.
type QuotaResetScheduler struct {
	ledger       quota.Ledger
	pollInterval time.Duration
	filter       quota.ResetFilter
	enabled      bool

	sweepRunning atomic.Bool

	logger   logger.Interface
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// DefaultResetPollInterval is used when the configured interval is not positive.
const DefaultResetPollInterval = time.Minute

func NewQuotaResetScheduler(
	ledger quota.Ledger,
	enabled bool,
	pollIntervalMS int,
	filter quota.ResetFilter,
	log logger.Interface,
) *QuotaResetScheduler {
	pollInterval := time.Duration(pollIntervalMS) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = DefaultResetPollInterval
	}
	return &QuotaResetScheduler{
		ledger:       ledger,
		pollInterval: pollInterval,
		filter:       filter,
		enabled:      enabled,
		logger:       log.Named("scheduler.quotareset"),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the sweep loop. A no-op when the scheduler is disabled.
func (s *QuotaResetScheduler) Start(ctx context.Context) {
	if !s.enabled {
		s.logger.Infow("quota reset scheduler disabled")
		return
	}

	s.logger.Infow("starting quota reset scheduler",
		"poll_interval", s.pollInterval,
		"filter_login", s.filter.Login,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop stops the scheduler gracefully. Safe to call multiple times.
func (s *QuotaResetScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if s.enabled {
			s.logger.Infow("quota reset scheduler stopped")
		}
	})
}

func (s *QuotaResetScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.RunSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunSweep(ctx)
		}
	}
}

// RunSweep executes one reset pass. Overlapping invocations are dropped.
func (s *QuotaResetScheduler) RunSweep(ctx context.Context) {
	if !s.sweepRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.sweepRunning.Store(false)

	startTime := time.Now()
	records, err := s.ledger.ResetStale(ctx, s.filter)
	if err != nil {
		s.logger.Errorw("quota reset sweep failed", "error", err)
		return
	}
	if len(records) == 0 {
		s.logger.Debugw("quota reset sweep found nothing stale")
		return
	}

	preview := records
	if len(preview) > 5 {
		preview = preview[:5]
	}
	for _, r := range preview {
		s.logger.Infow("quota counter reset",
			"login", r.Login,
			"previous_used", r.PreviousUsed,
			"remaining", r.Remaining,
			"last_update", r.PreviousUpdatedAt.Format(time.RFC3339),
		)
	}
	s.logger.Infow("quota reset sweep finished",
		"reset_count", len(records),
		"duration", time.Since(startTime),
	)
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consultapp "presenca/internal/application/consultation"
	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
	"presenca/internal/shared/logger"
)

type fakePendingQueue struct {
	mu        sync.Mutex
	pending   []domain.QueueItem
	claimed   []uint
	marks     []statusMark
	listCalls int
	onClaim   func(id uint)
	claimNil  map[uint]bool
}

type statusMark struct {
	id      uint
	status  domain.Status
	message *string
}

// ListPending mirrors the repository: only rows still Pendente are visible,
// so a draining cycle sees its own claims and terminal marks.
func (f *fakePendingQueue) ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]domain.QueueItem, 0, limit)
	for i := range f.pending {
		if len(out) == limit {
			break
		}
		if f.pending[i].Status == domain.StatusPending {
			out = append(out, f.pending[i])
		}
	}
	return out, nil
}

func (f *fakePendingQueue) Claim(ctx context.Context, id uint) (*domain.QueueItem, error) {
	if f.onClaim != nil {
		f.onClaim(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimNil[id] {
		return nil, nil
	}
	for i := range f.pending {
		if f.pending[i].ID == id && f.pending[i].Status == domain.StatusPending {
			f.pending[i].Status = domain.StatusProcessing
			f.claimed = append(f.claimed, id)
			item := f.pending[i]
			return &item, nil
		}
	}
	return nil, nil
}

func (f *fakePendingQueue) MarkStatus(ctx context.Context, id uint, status domain.Status, message *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, statusMark{id: id, status: status, message: message})
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending[i].Status = status
		}
	}
	return 1, nil
}

func (f *fakePendingQueue) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []uint
	errs      map[uint]error
}

func (f *fakeProcessor) ProcessClaimed(ctx context.Context, item *domain.QueueItem) (*consultapp.ClaimedOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, item.ID)
	if err := f.errs[item.ID]; err != nil {
		return nil, err
	}
	return &consultapp.ClaimedOutcome{
		Result:    &consultapp.WorkflowResult{Success: true},
		Persisted: domain.CompleteResult{Updated: 1},
	}, nil
}

func pendingItems(ids ...uint) []domain.QueueItem {
	items := make([]domain.QueueItem, len(ids))
	for i, id := range ids {
		items[i] = domain.QueueItem{ID: id, CPF: int64(id), Owner: "owner", Status: domain.StatusPending}
	}
	return items
}

func newTestScheduler(queue *fakePendingQueue, proc *fakeProcessor) *PendingScheduler {
	return NewPendingScheduler(queue, proc, 60000, 10, logger.NewLogger())
}

func TestPendingScheduler_RunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("processes every listed item", func(t *testing.T) {
		queue := &fakePendingQueue{pending: pendingItems(1, 2, 3)}
		proc := &fakeProcessor{}
		s := newTestScheduler(queue, proc)

		s.RunCycle(ctx)

		assert.Equal(t, []uint{1, 2, 3}, proc.processed)
		assert.Equal(t, []uint{1, 2, 3}, queue.claimed)
	})

	t.Run("drains a backlog larger than the batch size", func(t *testing.T) {
		queue := &fakePendingQueue{pending: pendingItems(1, 2, 3, 4, 5)}
		proc := &fakeProcessor{}
		s := NewPendingScheduler(queue, proc, 60000, 2, logger.NewLogger())

		s.RunCycle(ctx)

		assert.Equal(t, []uint{1, 2, 3, 4, 5}, proc.processed)
		// Three batches of two plus the empty listing that ends the cycle.
		assert.GreaterOrEqual(t, queue.listCallCount(), 3)
	})

	t.Run("skips rows claimed away by a concurrent poller", func(t *testing.T) {
		queue := &fakePendingQueue{
			pending:  pendingItems(1, 2),
			claimNil: map[uint]bool{1: true},
		}
		proc := &fakeProcessor{}
		s := newTestScheduler(queue, proc)

		s.RunCycle(ctx)

		assert.Equal(t, []uint{2}, proc.processed)
	})

	t.Run("quota rejection marks the row Limite and continues", func(t *testing.T) {
		queue := &fakePendingQueue{pending: pendingItems(1, 2)}
		proc := &fakeProcessor{errs: map[uint]error{
			1: &quota.ExceededError{Total: 10, Used: 10, Requested: 1},
		}}
		s := newTestScheduler(queue, proc)

		s.RunCycle(ctx)

		require.Len(t, queue.marks, 1)
		assert.Equal(t, uint(1), queue.marks[0].id)
		assert.Equal(t, domain.StatusLimit, queue.marks[0].status)
		require.NotNil(t, queue.marks[0].message)

		assert.Equal(t, []uint{1, 2}, proc.processed, "the next item still runs")
	})

	t.Run("processing failure marks the row Erro", func(t *testing.T) {
		queue := &fakePendingQueue{pending: pendingItems(5)}
		proc := &fakeProcessor{errs: map[uint]error{5: errors.New("collaborator down")}}
		s := newTestScheduler(queue, proc)

		s.RunCycle(ctx)

		require.Len(t, queue.marks, 1)
		assert.Equal(t, domain.StatusError, queue.marks[0].status)
		require.NotNil(t, queue.marks[0].message)
		assert.Contains(t, *queue.marks[0].message, "collaborator down")
	})

	t.Run("paused scheduler does not poll", func(t *testing.T) {
		queue := &fakePendingQueue{pending: pendingItems(1)}
		proc := &fakeProcessor{}
		s := newTestScheduler(queue, proc)

		s.Pause("maintenance")
		s.RunCycle(ctx)

		assert.Empty(t, proc.processed)
		assert.Empty(t, queue.claimed)
	})
}

func TestPendingScheduler_PauseAfterClaimRollsBack(t *testing.T) {
	queue := &fakePendingQueue{pending: pendingItems(1, 2)}
	proc := &fakeProcessor{}
	s := newTestScheduler(queue, proc)

	// Pause lands while the first row is being claimed; the scheduler must
	// return it to the queue untouched and abandon the cycle.
	queue.onClaim = func(id uint) { s.Pause("operator intervention") }

	s.RunCycle(context.Background())

	assert.Empty(t, proc.processed)
	require.Len(t, queue.marks, 1)
	assert.Equal(t, uint(1), queue.marks[0].id)
	assert.Equal(t, domain.StatusPending, queue.marks[0].status)
	assert.Nil(t, queue.marks[0].message)
}

func TestPendingScheduler_PauseResume(t *testing.T) {
	queue := &fakePendingQueue{}
	s := newTestScheduler(queue, &fakeProcessor{})

	assert.False(t, s.State().Paused)

	s.Pause("first reason")
	state := s.State()
	assert.True(t, state.Paused)
	assert.Equal(t, "first reason", state.Reason)
	require.NotNil(t, state.PausedAt)
	firstPausedAt := *state.PausedAt

	// Pausing again only refreshes the reason.
	s.Pause("second reason")
	state = s.State()
	assert.Equal(t, "second reason", state.Reason)
	require.NotNil(t, state.PausedAt)
	assert.Equal(t, firstPausedAt, *state.PausedAt)

	s.Resume(context.Background())
	// Resume kicks an immediate cycle in the background.
	assert.Eventually(t, func() bool {
		state := s.State()
		return !state.Paused && state.ResumedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestPendingScheduler_ResumeWhenNotPausedKicksCycle(t *testing.T) {
	queue := &fakePendingQueue{pending: pendingItems(1)}
	proc := &fakeProcessor{}
	s := newTestScheduler(queue, proc)

	require.False(t, s.State().Paused)
	s.Resume(context.Background())

	// The manual kick polls immediately even though nothing was paused.
	assert.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.processed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.State().Paused)
}

func TestPendingScheduler_StartStop(t *testing.T) {
	queue := &fakePendingQueue{pending: pendingItems(1)}
	proc := &fakeProcessor{}
	s := NewPendingScheduler(queue, proc, 10, 5, logger.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)

	assert.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.processed) > 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}

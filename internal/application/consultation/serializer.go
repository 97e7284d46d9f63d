package consultation

import (
	"context"
	"sync"
)

// Serializer executes submitted tasks strictly one at a time, in submission
// order. The partner workflow opens a stateful external session that is not
// safe to run concurrently with itself; this lane is the single admission
// point guaranteeing process-wide mutual exclusion on that session, no matter
// how many scheduler or request-handling paths submit work at once.
type Serializer struct {
	mu      sync.Mutex
	running bool
	queue   []*laneWaiter
}

type laneWaiter struct {
	ready   chan struct{}
	granted bool
}

// SerializerStats is an observability snapshot of the lane.
type SerializerStats struct {
	Running bool `json:"running"`
	Waiting int  `json:"waiting"`
}

func NewSerializer() *Serializer {
	return &Serializer{}
}

// Run enqueues task and blocks until it has executed or ctx is cancelled
// while still waiting. A task's failure is isolated: it neither aborts nor
// delays subsequently queued tasks.
func (s *Serializer) Run(ctx context.Context, task func(ctx context.Context) error) error {
	w := &laneWaiter{ready: make(chan struct{})}

	s.mu.Lock()
	s.queue = append(s.queue, w)
	s.advanceLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		s.mu.Lock()
		if !w.granted {
			s.removeLocked(w)
			s.mu.Unlock()
			return ctx.Err()
		}
		// The grant raced the cancellation; the lane is ours and must be
		// released without running the task.
		s.mu.Unlock()
		s.release()
		return ctx.Err()
	}

	defer s.release()
	return task(ctx)
}

// Stats reports whether a task is executing and how many are queued behind it.
func (s *Serializer) Stats() SerializerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SerializerStats{Running: s.running, Waiting: len(s.queue)}
}

func (s *Serializer) advanceLocked() {
	if s.running || len(s.queue) == 0 {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.running = true
	next.granted = true
	close(next.ready)
}

func (s *Serializer) removeLocked(target *laneWaiter) {
	for i, w := range s.queue {
		if w == target {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Serializer) release() {
	s.mu.Lock()
	s.running = false
	s.advanceLocked()
	s.mu.Unlock()
}

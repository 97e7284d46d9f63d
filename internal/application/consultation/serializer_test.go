package consultation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_RunsTasksOneAtATime(t *testing.T) {
	lane := NewSerializer()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lane.Run(ctx, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestSerializer_PreservesSubmissionOrder(t *testing.T) {
	lane := NewSerializer()
	ctx := context.Background()

	// Park the lane so later submissions queue up in a known order.
	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lane.Run(ctx, func(ctx context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = lane.Run(ctx, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Give each submission time to enqueue before the next.
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSerializer_FailureDoesNotBlockQueue(t *testing.T) {
	lane := NewSerializer()
	ctx := context.Background()

	boom := errors.New("workflow exploded")
	err := lane.Run(ctx, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = lane.Run(ctx, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestSerializer_PanicReleasesLane(t *testing.T) {
	lane := NewSerializer()
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = lane.Run(ctx, func(ctx context.Context) error { panic("boom") })
	}()

	done := make(chan error, 1)
	go func() {
		done <- lane.Run(ctx, func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lane stayed locked after a panicking task")
	}
}

func TestSerializer_CancelledWhileWaiting(t *testing.T) {
	lane := NewSerializer()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lane.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ran := false
	go func() {
		errCh <- lane.Run(ctx, func(ctx context.Context) error {
			ran = true
			return nil
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran, "cancelled waiter must not execute its task")
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	close(gate)
}

func TestSerializer_Stats(t *testing.T) {
	lane := NewSerializer()

	assert.Equal(t, SerializerStats{}, lane.Stats())

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lane.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	waiting := make(chan struct{})
	go func() {
		close(waiting)
		_ = lane.Run(context.Background(), func(ctx context.Context) error { return nil })
	}()
	<-waiting
	time.Sleep(5 * time.Millisecond)

	stats := lane.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Waiting)

	close(gate)
}

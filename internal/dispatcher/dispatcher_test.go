package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, worker.Config{ID: "w1"}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil, Config{}, nil)

	err := dispatch.Enqueue(context.Background(), clone.QueueItem{JobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestDispatcherWatchdogSweeps(t *testing.T) {
	t.Parallel()

	reaper := &countingReaper{}
	dispatch := New(&blockingQueue{started: make(chan struct{}, 1)}, nil, reaper,
		Config{HungAfter: time.Minute, SweepInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return reaper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, time.Minute, reaper.lastHungAfter())
}

func TestDispatcherSweepReportsCount(t *testing.T) {
	t.Parallel()

	reaper := &countingReaper{failed: 3}
	dispatch := New(nil, nil, reaper, Config{HungAfter: time.Hour}, nil)
	require.Equal(t, 3, dispatch.Sweep(context.Background()))

	reaper.err = errors.New("store down")
	require.Equal(t, 3, dispatch.Sweep(context.Background()))
	require.Equal(t, int64(2), reaper.settles.Load())
}

func TestDispatcherSweepSettlesWithoutWatchdog(t *testing.T) {
	t.Parallel()

	reaper := &countingReaper{failed: 3}
	dispatch := New(nil, nil, reaper, Config{}, nil)
	require.Zero(t, dispatch.Sweep(context.Background()))
	require.Zero(t, reaper.calls.Load())
	require.Equal(t, int64(1), reaper.settles.Load())
}

type countingReaper struct {
	calls   atomic.Int64
	settles atomic.Int64
	hung    atomic.Int64
	failed  int
	err     error
}

func (r *countingReaper) SettleOutstanding(context.Context) (int, error) {
	r.settles.Add(1)
	return 0, nil
}

func (r *countingReaper) FailStale(_ context.Context, hungAfter time.Duration) (int, error) {
	r.calls.Add(1)
	r.hung.Store(int64(hungAfter))
	return r.failed, r.err
}

func (r *countingReaper) lastHungAfter() time.Duration {
	return time.Duration(r.hung.Load())
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ clone.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (clone.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return clone.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, clone.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (clone.QueueItem, error) {
	return clone.QueueItem{}, nil
}

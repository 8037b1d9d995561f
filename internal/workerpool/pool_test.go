package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsInSubmissionOrder(t *testing.T) {
	pool, err := New(4, 256)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	for i := 0; i < 200; i++ {
		i := i
		require.NoError(t, pool.Submit(42, func(context.Context) {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, pool.Close(context.Background()))

	require.Len(t, seen, 200)
	for i, v := range seen {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestSubmitReportsFullQueueWithoutBlocking(t *testing.T) {
	pool, err := New(1, 1)
	require.NoError(t, err)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit(1, func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit(1, func(context.Context) {}))

	err = pool.Submit(1, func(context.Context) {})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(release)
	require.NoError(t, pool.Close(context.Background()))
	require.ErrorIs(t, pool.Submit(1, func(context.Context) {}), ErrClosed)
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	pool, err := New(1, 4)
	require.NoError(t, err)
	done := make(chan struct{})

	require.NoError(t, pool.Submit(1, func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(1, func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
	require.NoError(t, pool.Close(context.Background()))
}

func TestResizePreservesPerKeyOrder(t *testing.T) {
	pool, err := New(2, 64)
	require.NoError(t, err)
	gate := make(chan struct{})

	var mu sync.Mutex
	var seen []int
	record := func(i int) Task {
		return func(context.Context) {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
		}
	}

	require.NoError(t, pool.Submit(9, func(context.Context) { <-gate }))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(9, record(i)))
	}
	require.NoError(t, pool.Resize(5, 64))
	require.Equal(t, 5, pool.Size())
	for i := 10; i < 20; i++ {
		require.NoError(t, pool.Submit(9, record(i)))
	}
	close(gate)
	require.NoError(t, pool.Close(context.Background()))

	require.Len(t, seen, 20)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestCloseHonoursDeadline(t *testing.T) {
	pool, err := New(1, 1)
	require.NoError(t, err)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, pool.Submit(1, func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(1, 0)
	require.Error(t, err)
}

package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	b := BackoffPolicy{Base: time.Second, Factor: 2, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	flat := BackoffPolicy{Base: time.Second, Factor: 0.5}
	assert.Equal(t, time.Second, flat.Delay(3))
}

// recordingHandler fails the first failures calls of each execution.
type recordingHandler struct {
	mu        sync.Mutex
	failures  int
	seen      map[uint]int
	handled   []Job
	exhausted []Job
	lastErr   error
}

func newRecordingHandler(failures int) *recordingHandler {
	return &recordingHandler{failures: failures, seen: map[uint]int{}}
}

func (h *recordingHandler) HandleJob(_ context.Context, job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, job)
	h.seen[job.ExecutionID]++
	if h.seen[job.ExecutionID] <= h.failures {
		return errors.New("transient")
	}
	return nil
}

func (h *recordingHandler) HandleExhausted(_ context.Context, job Job, lastErr error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = append(h.exhausted, job)
	h.lastErr = lastErr
	return nil
}

func (h *recordingHandler) snapshot() (handled, exhausted int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled), len(h.exhausted)
}

func TestRunJob_RetriesThenExhausts(t *testing.T) {
	sched := &fakeScheduler{}
	h := newRecordingHandler(10)
	job := NewJob(42, 0, 3, BackoffPolicy{Base: time.Second, Factor: 2})

	require.True(t, runJob(context.Background(), sched, h, job, quietLogger()))
	retry, ok := sched.pop()
	require.True(t, ok)
	assert.Equal(t, 1, retry.job.Attempt)
	assert.Equal(t, time.Second, retry.delay)
	assert.NotEqual(t, job.ID, retry.job.ID)

	require.True(t, runJob(context.Background(), sched, h, retry.job, quietLogger()))
	retry, ok = sched.pop()
	require.True(t, ok)
	assert.Equal(t, 2, retry.job.Attempt)
	assert.Equal(t, 2*time.Second, retry.delay)

	require.True(t, runJob(context.Background(), sched, h, retry.job, quietLogger()))
	assert.Zero(t, sched.len())
	handled, exhausted := h.snapshot()
	assert.Equal(t, 3, handled)
	assert.Equal(t, 1, exhausted)
	assert.EqualError(t, h.lastErr, "transient")
}

func TestRunJob_EnqueueFailureExhausts(t *testing.T) {
	sched := &fakeScheduler{err: errors.New("redis down")}
	h := newRecordingHandler(1)

	require.True(t, runJob(context.Background(), sched, h, NewJob(1, 0, 3, DefaultBackoff()), quietLogger()))
	_, exhausted := h.snapshot()
	assert.Equal(t, 1, exhausted)
	assert.EqualError(t, h.lastErr, "redis down")
}

func TestRunJob_ShutdownLeavesJobWithBackend(t *testing.T) {
	h := newRecordingHandler(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, runJob(ctx, &fakeScheduler{}, h, NewJob(1, 0, 3, DefaultBackoff()), quietLogger()))

	closed := &fakeScheduler{err: ErrSchedulerClosed}
	assert.False(t, runJob(context.Background(), closed, newRecordingHandler(1), NewJob(2, 0, 3, DefaultBackoff()), quietLogger()))
	_, exhausted := h.snapshot()
	assert.Zero(t, exhausted)
}

func TestMemoryScheduler_DeliversWithRetry(t *testing.T) {
	sched := NewMemoryScheduler(2, 8, quietLogger())
	h := newRecordingHandler(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx, h))
	defer sched.Close()

	backoff := BackoffPolicy{Base: 5 * time.Millisecond, Factor: 2, Max: 20 * time.Millisecond}
	require.NoError(t, sched.Enqueue(ctx, NewJob(1, 0, 3, backoff), 0))
	require.NoError(t, sched.Enqueue(ctx, NewJob(2, 0, 3, backoff), 10*time.Millisecond))

	require.Eventually(t, func() bool {
		handled, _ := h.snapshot()
		return handled == 4
	}, 2*time.Second, 5*time.Millisecond)
	_, exhausted := h.snapshot()
	assert.Zero(t, exhausted)
	assert.Error(t, sched.Start(ctx, h))
}

func TestMemoryScheduler_CloseDropsTimers(t *testing.T) {
	sched := NewMemoryScheduler(1, 1, quietLogger())
	require.NoError(t, sched.Enqueue(context.Background(), NewJob(1, 0, 1, DefaultBackoff()), time.Hour))
	assert.Equal(t, 1, sched.Pending())

	require.NoError(t, sched.Close())
	assert.Zero(t, sched.Pending())
	assert.ErrorIs(t, sched.Enqueue(context.Background(), NewJob(2, 0, 1, DefaultBackoff()), 0), ErrSchedulerClosed)
	assert.NoError(t, sched.Close())
}

package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSchedulerClosed is returned by Enqueue after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// MemoryScheduler keeps jobs in process: delays are timers, due jobs go
// through a buffered channel to a fixed worker pool. Jobs do not survive a
// restart; open records are picked up again by Executor.Resume.
type MemoryScheduler struct {
	workers int
	queue   chan Job
	logger  *logrus.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewMemoryScheduler(workers, buffer int, logger *logrus.Logger) *MemoryScheduler {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryScheduler{
		workers: workers,
		queue:   make(chan Job, buffer),
		logger:  logger,
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
}

func (s *MemoryScheduler) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, job.ID)
		s.mu.Unlock()
		select {
		case s.queue <- job:
		case <-s.done:
		}
	})
	return nil
}

// Start launches the worker pool and returns immediately.
func (s *MemoryScheduler) Start(ctx context.Context, h JobHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx, h)
	}
	return nil
}

func (s *MemoryScheduler) work(ctx context.Context, h JobHandler) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case job := <-s.queue:
			runJob(ctx, s, h, job, s.logger)
		}
	}
}

// Pending reports jobs that are delayed or queued but not yet running.
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.queue)
}

// Close stops timers and waits for in-flight jobs to return.
func (s *MemoryScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

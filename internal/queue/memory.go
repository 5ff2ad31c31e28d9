package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process Queue with the same retry and dead-letter policy as
// JetStream. Idempotency keys are remembered for the life of the process.
type Memory struct {
	opts Options

	mu      sync.Mutex
	keys    map[string]struct{}
	queues  map[Class][]Job
	timers  map[*time.Timer]struct{}
	pending int
	signal  chan struct{}
	closed  bool
}

// NewMemory builds an empty in-memory queue.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		keys:   make(map[string]struct{}),
		queues: make(map[Class][]Job),
		timers: make(map[*time.Timer]struct{}),
		signal: make(chan struct{}),
	}
}

// Enqueue implements Enqueuer.
func (m *Memory) Enqueue(_ context.Context, job Job) error {
	if !job.Class.Valid() {
		return fmt.Errorf("unknown job class %q", job.Class)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, dup := m.keys[job.Key]; dup {
		return nil
	}
	m.keys[job.Key] = struct{}{}
	job.Attempt = 0
	m.pending++
	m.pushLocked(job)
	return nil
}

func (m *Memory) pushLocked(job Job) {
	m.queues[job.Class] = append(m.queues[job.Class], job)
	m.broadcastLocked()
}

func (m *Memory) broadcastLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *Memory) next(ctx context.Context, class Class) (Job, bool) {
	for {
		m.mu.Lock()
		if q := m.queues[class]; len(q) > 0 {
			job := q[0]
			m.queues[class] = q[1:]
			m.mu.Unlock()
			return job, true
		}
		sig := m.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-sig:
		}
	}
}

// Run implements Queue.
func (m *Memory) Run(ctx context.Context, class Class, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				job, ok := m.next(ctx, class)
				if !ok {
					return nil
				}
				m.handle(work, job, handler)
			}
		})
	}
	return g.Wait()
}

func (m *Memory) handle(ctx context.Context, job Job, handler Handler) {
	job.Attempt++
	d, delay := m.opts.process(ctx, job, handler)

	m.mu.Lock()
	defer m.mu.Unlock()
	if d != decisionRetry || m.closed {
		m.pending--
		m.broadcastLocked()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, timer)
		if m.closed {
			m.pending--
			m.broadcastLocked()
			return
		}
		m.pushLocked(job)
	})
	m.timers[timer] = struct{}{}
}

// WaitIdle blocks until no job is queued, delayed or running.
func (m *Memory) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.pending == 0 {
			m.mu.Unlock()
			return nil
		}
		sig := m.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
		}
	}
}

// Pending returns the number of queued, delayed and running jobs.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Close drops delayed retries and rejects further jobs.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for timer := range m.timers {
		if timer.Stop() {
			m.pending--
		}
		delete(m.timers, timer)
	}
	m.broadcastLocked()
	return nil
}

// Package scheduler provides a bounded executor running at most N units at a time.
//
// Units are queued in FIFO order and drained by up to N workers. Workers are spawned on
// demand when a unit is submitted and exit when the queue is empty, an idle scheduler
// owns no goroutines. N is fixed for the lifetime of a Scheduler: to change it, Close
// the scheduler and create a new one.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-modnet/internal/queue"
	"github.com/arloliu/go-modnet/logger"
)

// ErrInvalidConcurrency indicates a concurrency limit below 1.
var ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")

// Handle identifies a submitted unit.
type Handle struct {
	fn      func()
	done    chan struct{}
	qh      *queue.Handle[*Handle]
	started atomic.Bool
	removed atomic.Bool
}

// Done is closed when the unit finished or was removed before it started.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Started reports whether a worker picked up the unit.
func (h *Handle) Started() bool { return h.started.Load() }

// Removed reports whether the unit was removed before it started.
func (h *Handle) Removed() bool { return h.removed.Load() }

// Scheduler is a bounded FIFO executor.
type Scheduler struct {
	max    int
	logger logger.Logger

	mu      sync.Mutex
	pending *queue.FIFO[*Handle]
	workers int
	closed  bool

	running   atomic.Int32
	peak      atomic.Int32
	completed atomic.Uint64
	units     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used to report panicking units.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler running at most maxConcurrency units at a time.
func New(maxConcurrency int, opts ...Option) (*Scheduler, error) {
	if maxConcurrency < 1 {
		return nil, ErrInvalidConcurrency
	}

	s := &Scheduler{
		max:     maxConcurrency,
		logger:  logger.GetLogger(),
		pending: queue.NewFIFO[*Handle](),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// MaxConcurrency returns the concurrency limit.
func (s *Scheduler) MaxConcurrency() int { return s.max }

// Running returns the number of units executing now.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

// PeakRunning returns the highest number of units that executed at the same time.
func (s *Scheduler) PeakRunning() int { return int(s.peak.Load()) }

// Completed returns the number of units that finished.
func (s *Scheduler) Completed() uint64 { return s.completed.Load() }

// Queued returns the number of units waiting for a worker.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Length()
}

// Submit queues fn and returns its handle. It returns nil when the scheduler is closed.
func (s *Scheduler) Submit(fn func()) *Handle {
	h := &Handle{fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.units.Add(1)
	h.qh = s.pending.Enqueue(h)

	if s.workers < s.max {
		s.workers++
		go s.worker()
	}

	return h
}

// Remove removes a queued unit. It returns false when the unit already started,
// finished or was removed.
func (s *Scheduler) Remove(h *Handle) bool {
	if h == nil {
		return false
	}

	s.mu.Lock()
	ok := s.pending.Remove(h.qh)
	s.mu.Unlock()

	if ok {
		s.drop(h)
	}

	return ok
}

// Wait blocks until every submitted unit finished or was removed.
func (s *Scheduler) Wait() {
	s.units.Wait()
}

// Close rejects further submissions and removes every queued unit. Units already
// running are not interrupted, use Wait to await them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var dropped []*Handle
	for {
		h, ok := s.pending.Dequeue()
		if !ok {
			break
		}
		dropped = append(dropped, h)
	}
	s.mu.Unlock()

	for _, h := range dropped {
		s.drop(h)
	}
}

func (s *Scheduler) drop(h *Handle) {
	h.removed.Store(true)
	close(h.done)
	s.units.Done()
}

func (s *Scheduler) worker() {
	for {
		s.mu.Lock()
		h, ok := s.pending.Dequeue()
		if !ok {
			s.workers--
			s.mu.Unlock()

			return
		}
		h.started.Store(true)
		s.mu.Unlock()

		s.run(h)
	}
}

func (s *Scheduler) run(h *Handle) {
	n := s.running.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled unit", "panic", r)
		}
		s.running.Add(-1)
		s.completed.Add(1)
		close(h.done)
		s.units.Done()
	}()

	h.fn()
}

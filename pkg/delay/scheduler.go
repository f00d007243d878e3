// One-shot deadline scheduler that fires each registered callback exactly once
// A single poller drains a min-heap of deadlines into a bounded worker pool
package delay

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// ErrClosed is returned by Schedule after Close has been called.
var ErrClosed = errors.New("scheduler closed")

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 8

// Func is the work run at or after a deadline. A returned error is logged
// and counted; it is never retried.
type Func func(ctx context.Context) error

// Scheduler registers one-shot work to run no earlier than a deadline.
// Schedule returns immediately; the wait happens inside the scheduler.
// Each registered Func runs exactly once and there is no ordering guarantee
// between different registrations.
type Scheduler interface {
	Schedule(deadline time.Time, fn Func) error
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Fired     int64 `json:"fired"`
	Failed    int64 `json:"failed"`
	Pending   int   `json:"pending"`
}

// Options configures a HeapScheduler.
type Options struct {
	// Workers bounds concurrently running callbacks. Zero selects DefaultWorkers.
	Workers int
	Logger  *slog.Logger
}

// HeapScheduler is a Scheduler backed by a min-heap of deadlines.
//
// When all workers are busy the poller waits for a free slot, so callbacks
// may run later than their deadline under load, but never earlier.
type HeapScheduler struct {
	mu      sync.Mutex
	items   itemHeap
	seq     uint64
	closing bool

	wake      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	base      context.Context
	cancel    context.CancelFunc
	workers   *pool.Pool
	logger    *slog.Logger
	now       func() time.Time

	scheduled atomic.Int64
	fired     atomic.Int64
	failed    atomic.Int64
}

// New creates a HeapScheduler and starts its poller.
func New(opts Options) *HeapScheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base, cancel := context.WithCancel(context.Background())
	s := &HeapScheduler{
		base:    base,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
		workers: pool.New().WithMaxGoroutines(workers),
		logger:  logger,
		now:     time.Now,
	}
	go s.run()
	return s
}

// Schedule implements Scheduler.
func (s *HeapScheduler) Schedule(deadline time.Time, fn Func) error {
	if fn == nil {
		return errors.New("nil func")
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.seq++
	heap.Push(&s.items, &item{deadline: deadline, seq: s.seq, fn: fn})
	s.mu.Unlock()

	s.scheduled.Add(1)
	s.signal()
	return nil
}

// ScheduleAfter registers fn to run no earlier than d from now.
func (s *HeapScheduler) ScheduleAfter(d time.Duration, fn Func) error {
	return s.Schedule(s.now().Add(d), fn)
}

// Stats returns current counters.
func (s *HeapScheduler) Stats() Stats {
	s.mu.Lock()
	pending := s.items.Len()
	s.mu.Unlock()
	return Stats{
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Failed:    s.failed.Load(),
		Pending:   pending,
	}
}

// Close stops accepting new work and waits until every pending callback has
// fired at its deadline and finished. If ctx ends first, callbacks not yet
// started are dropped, the context passed to running callbacks is cancelled,
// and ctx's error is returned once they have returned.
func (s *HeapScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.abortOnce.Do(func() { close(s.abort) })
		s.cancel()
		<-s.done
		s.mu.Lock()
		dropped := s.items.Len()
		s.mu.Unlock()
		s.logger.Warn("scheduler closed before draining", "dropped", dropped)
		return fmt.Errorf("draining scheduler: %w", ctx.Err())
	}
}

func (s *HeapScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *HeapScheduler) run() {
	defer close(s.done)
	defer s.workers.Wait()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, next, idle := s.takeDue()
		for _, it := range due {
			s.workers.Go(func() { s.fire(it) })
		}

		if idle {
			s.mu.Lock()
			closing := s.closing && s.items.Len() == 0
			s.mu.Unlock()
			if closing {
				return
			}
		} else {
			timer.Reset(next)
		}

		select {
		case <-s.wake:
		case <-timer.C:
		case <-s.abort:
			return
		}
	}
}

// takeDue pops every item whose deadline has passed. It returns the wait
// until the next deadline, or idle=true if the heap is empty.
func (s *HeapScheduler) takeDue() (due []*item, next time.Duration, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.items.Len() > 0 && !s.items[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.items).(*item))
	}
	if s.items.Len() == 0 {
		return due, 0, true
	}
	return due, s.items[0].deadline.Sub(now), false
}

func (s *HeapScheduler) fire(it *item) {
	s.fired.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Error("scheduled callback panicked", "panic", fmt.Sprint(r), "deadline", it.deadline)
		}
	}()
	if err := it.fn(s.base); err != nil {
		s.failed.Add(1)
		s.logger.Error("scheduled callback failed", "error", err, "deadline", it.deadline)
	}
}

type item struct {
	deadline time.Time
	seq      uint64
	fn       Func
}

// itemHeap orders by deadline, breaking ties by registration order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Package scheduler provides a generic delayed and periodic job emitter.
// Jobs become due at a point in time; when one or more are due the scheduler
// emits them together as a batch on the Due channel.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// entry is one scheduled job.
type entry[T any] struct {
	value T
	at    time.Time
	every time.Duration // zero for one-shot jobs
	seq   uint64        // insertion order, breaks ties on equal deadlines
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[T]) Push(x interface{}) { *h = append(*h, x.(*entry[T])) }
func (h *entryHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TaskScheduler emits batches of due jobs of type T.
// Thread-safe: Schedule and ScheduleEvery may be called while Run is active.
type TaskScheduler[T any] struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries entryHeap[T]
	seq     uint64
	wake    chan struct{}
	due     chan []T
}

// New creates a scheduler. buffer is the capacity of the Due channel.
//
// Example:
//
//	s := scheduler.New[[]models.WsServerMessage](clock.New(), 1)
//	s.ScheduleEvery(msgs, 10*time.Second)
//	go s.Run(ctx)
//	for batch := range s.Due() { ... }
func New[T any](clk clock.Clock, buffer int) *TaskScheduler[T] {
	if clk == nil {
		clk = clock.New()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &TaskScheduler[T]{
		clock: clk,
		wake:  make(chan struct{}, 1),
		due:   make(chan []T, buffer),
	}
}

// Schedule emits value once, after delay.
func (s *TaskScheduler[T]) Schedule(value T, delay time.Duration) {
	s.push(value, delay, 0)
}

// ScheduleEvery emits value every interval, the first time one interval from
// now. A non-positive interval is ignored.
func (s *TaskScheduler[T]) ScheduleEvery(value T, every time.Duration) {
	if every <= 0 {
		return
	}
	s.push(value, every, every)
}

func (s *TaskScheduler[T]) push(value T, delay, every time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	s.seq++
	heap.Push(&s.entries, &entry[T]{
		value: value,
		at:    s.clock.Now().Add(delay),
		every: every,
		seq:   s.seq,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of scheduled jobs, periodic ones included.
func (s *TaskScheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Due delivers batches of jobs in deadline order.
func (s *TaskScheduler[T]) Due() <-chan []T {
	return s.due
}

// Run waits for deadlines and emits due batches until ctx is cancelled.
// Emission blocks when the Due channel is full; a slow consumer delays
// later batches rather than losing them.
func (s *TaskScheduler[T]) Run(ctx context.Context) {
	for {
		wait, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		if wait > 0 {
			timer := s.clock.Timer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
				continue
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		batch := s.popDue()
		if len(batch) == 0 {
			continue
		}
		select {
		case s.due <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// next returns the time until the earliest deadline.
func (s *TaskScheduler[T]) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, false
	}
	return s.entries[0].at.Sub(s.clock.Now()), true
}

// popDue removes every due job and reschedules periodic ones.
func (s *TaskScheduler[T]) popDue() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var (
		batch    []T
		periodic []*entry[T]
	)
	for len(s.entries) > 0 && !s.entries[0].at.After(now) {
		e := heap.Pop(&s.entries).(*entry[T])
		batch = append(batch, e.value)
		if e.every > 0 {
			periodic = append(periodic, e)
		}
	}
	for _, e := range periodic {
		e.at = e.at.Add(e.every)
		if !e.at.After(now) {
			// Missed cycles are skipped, not replayed.
			e.at = now.Add(e.every)
		}
		heap.Push(&s.entries, e)
	}
	return batch
}

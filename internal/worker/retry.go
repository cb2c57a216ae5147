package worker

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type retryEntry struct {
	readyAt time.Time
	seq     int64
	itemID  uuid.UUID
}

type retryHeap []retryEntry

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(retryEntry)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// retryScheduler holds failed items until their backoff elapses, then hands
// them to the fire callback, which re-arms them in the store. Pending
// entries live in a min-heap ordered by readyAt, and a single time.Timer is
// always set to the head's deadline.
type retryScheduler struct {
	in      chan retryEntry
	fire    func(ctx context.Context, itemID uuid.UUID)
	seq     atomic.Int64
	timer   *time.Timer
	pending retryHeap
}

func newRetryScheduler(fire func(ctx context.Context, itemID uuid.UUID)) *retryScheduler {
	return &retryScheduler{
		in:    make(chan retryEntry, 64),
		fire:  fire,
		timer: time.NewTimer(time.Hour),
	}
}

// run is the scheduler's main loop. It exits when ctx is cancelled; items
// still pending at that point are re-armed on the next startup by the
// pool's failed-item sweep.
func (s *retryScheduler) run(ctx context.Context) {
	heap.Init(&s.pending)

	// The constructor armed the timer with a placeholder. Stop it before the
	// loop takes over and manages it explicitly.
	if !s.timer.Stop() {
		<-s.timer.C
	}

	for {
		var deadline <-chan time.Time

		if len(s.pending) > 0 {
			d := time.Until(s.pending[0].readyAt)
			if d < 0 {
				d = 0
			}
			s.resetTimer(d)
			deadline = s.timer.C
		}

		select {
		case <-ctx.Done():
			s.timer.Stop()
			return

		case entry := <-s.in:
			heap.Push(&s.pending, entry)

		case <-deadline:
			if len(s.pending) == 0 {
				continue
			}
			entry := heap.Pop(&s.pending).(retryEntry)
			s.fire(ctx, entry.itemID)
		}
	}
}

// schedule queues itemID to fire no earlier than at. It returns false when
// the scheduler is shutting down and the entry was not accepted.
func (s *retryScheduler) schedule(ctx context.Context, itemID uuid.UUID, at time.Time) bool {
	select {
	case s.in <- retryEntry{readyAt: at, seq: s.seq.Add(1), itemID: itemID}:
		return true
	case <-ctx.Done():
		return false
	}
}

// resetTimer re-arms the shared timer to fire after d, draining a stale
// expiry if one is buffered.
func (s *retryScheduler) resetTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}

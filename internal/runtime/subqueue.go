package runtime

import (
	"sync"
	"sync/atomic"
)

// SubQueue decouples a producer that must never block (an event dispatcher)
// from one slow subscriber. Items wait in an in-memory queue until the
// subscriber channel has room. When the queue holds maxQueue items the oldest
// one is dropped.
type SubQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	maxQueue int
	closed   bool
	dropped  atomic.Uint64

	outCh  chan T // consumer reads from this
	done   chan struct{}
	paused bool // gate dispatch until the snapshot is primed
}

// NewSubQueue creates a paused queue. maxQueue <= 0 means unbounded.
func NewSubQueue[T any](outBuf, maxQueue int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:    make(chan T, outBuf),
		done:     make(chan struct{}),
		maxQueue: maxQueue,
		paused:   true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Chan is the channel exposed to the subscriber. It is closed by Close.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends to the queue and wakes the dispatcher. It reports false
// when ev was not queued or evicted an older item.
func (sq *SubQueue[T]) Enqueue(ev T) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return false
	}
	ok := true
	if sq.maxQueue > 0 && len(sq.queue) >= sq.maxQueue {
		sq.queue = sq.queue[1:]
		sq.dropped.Add(1)
		ok = false
	}
	sq.queue = append(sq.queue, ev)
	sq.cond.Signal()
	return ok
}

// Prime puts items ahead of everything already queued. Subscriptions use it
// to deliver a snapshot before the live events that arrived while it was
// being taken.
func (sq *SubQueue[T]) Prime(items []T) {
	if len(items) == 0 {
		return
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	q := make([]T, 0, len(items)+len(sq.queue))
	q = append(q, items...)
	sq.queue = append(q, sq.queue...)
	sq.cond.Signal()
}

// SetPaused gates dispatching.
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Dropped returns how many items were evicted because the queue was full.
func (sq *SubQueue[T]) Dropped() uint64 { return sq.dropped.Load() }

// Close stops the dispatcher and closes the out channel. Queued items that
// were not yet handed to the channel are discarded.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	if !sq.closed {
		sq.closed = true
		close(sq.done)
	}
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		ev := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		select {
		case sq.outCh <- ev:
		case <-sq.done:
			close(sq.outCh)
			return
		}
	}
}

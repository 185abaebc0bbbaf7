package application

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type QueueParams struct {
	Capacity int
	Policy   OverflowPolicy

	// OnAccept runs under the queue lock before the item becomes visible to
	// Dequeue. It must not call back into the queue.
	OnAccept func(p *PendingPublish)

	Now func() time.Time
}

// Queue is the bounded holding area between producers and the scheduler.
//
// Exactly-once items are gated per topic: while an exactly-once dispatch for a
// topic has not been released, later exactly-once items on that topic are
// skipped by Dequeue and stay in place.
type Queue struct {
	params QueueParams

	mu        sync.Mutex
	items     *list.List
	seq       uint64
	dispatch  uint64
	gated     map[string]uint64
	closed    bool
	discarded bool

	readable chan struct{}
	writable chan struct{}
	closing  chan struct{}
}

func NewQueue(params QueueParams) (*Queue, error) {
	if params.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive")
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Queue{
		params:   params,
		items:    list.New(),
		gated:    make(map[string]uint64),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}, nil
}

// Enqueue accepts msg and assigns its sequence number. When the queue is full
// it fails with ErrQueueFull, or waits for space under OverflowBlock.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (*PendingPublish, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.items.Len() < q.params.Capacity {
			q.seq++
			p := &PendingPublish{
				Seq:        q.seq,
				Message:    msg,
				EnqueuedAt: q.params.Now(),
				future:     newFuture(q.seq),
			}
			if q.params.OnAccept != nil {
				q.params.OnAccept(p)
			}
			q.items.PushBack(p)
			spare := q.items.Len() < q.params.Capacity
			q.mu.Unlock()

			notify(q.readable)
			if spare {
				// pass the wakeup on to the next blocked producer
				notify(q.writable)
			}
			return p, nil
		}
		q.mu.Unlock()

		if q.params.Policy == OverflowReject {
			return nil, ErrQueueFull
		}
		select {
		case <-q.writable:
		case <-q.closing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dequeue waits for the next eligible item and returns it with a dispatch id
// that identifies this hand-out. Once the queue is closed and empty it returns
// ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (*PendingPublish, uint64, error) {
	for {
		q.mu.Lock()
		if q.discarded {
			q.mu.Unlock()
			return nil, 0, ErrQueueClosed
		}
		if e := q.nextEligible(); e != nil {
			p := q.items.Remove(e).(*PendingPublish)
			q.dispatch++
			id := q.dispatch
			if p.Message.QoS == ExactlyOnce {
				q.gated[p.Message.Topic] = id
			}
			remaining := q.items.Len()
			q.mu.Unlock()

			notify(q.writable)
			if remaining > 0 {
				notify(q.readable)
			}
			return p, id, nil
		}
		if q.closed && q.items.Len() == 0 {
			q.mu.Unlock()
			return nil, 0, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (q *Queue) nextEligible() *list.Element {
	for e := q.items.Front(); e != nil; e = e.Next() {
		p := e.Value.(*PendingPublish)
		if p.Message.QoS != ExactlyOnce {
			return e
		}
		if _, busy := q.gated[p.Message.Topic]; !busy {
			return e
		}
	}
	return nil
}

// Requeue puts a dispatched item back at the head of the queue and lifts the
// topic gate it held. Requeued items do not count against capacity; they are
// bounded by the in-flight window. It reports false once the queue has been
// discarded.
func (q *Queue) Requeue(p *PendingPublish, dispatch uint64) bool {
	q.mu.Lock()
	if q.discarded {
		q.mu.Unlock()
		return false
	}
	q.ungate(p.Message.Topic, dispatch)
	q.items.PushFront(p)
	q.mu.Unlock()

	notify(q.readable)
	return true
}

// Release lifts the topic gate held by dispatch, if it still holds it.
func (q *Queue) Release(topic string, dispatch uint64) {
	q.mu.Lock()
	released := q.ungate(topic, dispatch)
	q.mu.Unlock()

	if released {
		notify(q.readable)
	}
}

func (q *Queue) ungate(topic string, dispatch uint64) bool {
	if id, ok := q.gated[topic]; ok && id == dispatch {
		delete(q.gated, topic)
		return true
	}
	return false
}

// Close rejects further Enqueue calls. Items already queued remain available
// to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closeLocked()
	q.mu.Unlock()

	notify(q.readable)
}

func (q *Queue) closeLocked() {
	if !q.closed {
		q.closed = true
		close(q.closing)
	}
}

// Discard closes the queue and removes every remaining item.
func (q *Queue) Discard() []*PendingPublish {
	q.mu.Lock()
	q.closeLocked()
	q.discarded = true
	out := make([]*PendingPublish, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PendingPublish))
	}
	q.items.Init()
	q.mu.Unlock()

	notify(q.readable)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) Capacity() int {
	return q.params.Capacity
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

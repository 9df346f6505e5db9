// Package broadcast fans PTY output out to every client attached to a
// session, with a bounded queue per subscriber. A slow subscriber never
// blocks the others or the PTY reader: once its queue is full the oldest
// queued batch is dropped and the loss is reported on the next receive.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Msg is one item delivered to a subscriber. Exactly one of Data or
// Dropped is meaningful for a given Msg: Dropped > 0 signals that older
// batches were discarded before this one could be read.
type Msg struct {
	Data    []byte
	Dropped int
}

// Subscription is a single subscriber's handle, returned by Subscribe.
// It must be closed with Unsubscribe when no longer needed.
type Subscription struct {
	id      uuid.UUID
	ch      chan []byte
	dropped int64 // atomic; batches dropped since the last Recv
}

// ID returns the opaque identifier assigned to this subscription.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Recv blocks until a message is available, ctx is done, or the
// subscription is closed (ok == false in the latter two cases). A pending
// drop notification is always surfaced before the next data batch.
func (s *Subscription) Recv(ctx context.Context) (Msg, bool) {
	if n := atomic.SwapInt64(&s.dropped, 0); n > 0 {
		return Msg{Dropped: int(n)}, true
	}
	select {
	case data, ok := <-s.ch:
		if !ok {
			return Msg{}, false
		}
		return Msg{Data: data}, true
	case <-ctx.Done():
		return Msg{}, false
	}
}

// Broadcaster fans a byte stream out to any number of subscribers, each
// with its own bounded queue of pending batches.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Subscription
	queueDepth int
}

// New creates a Broadcaster whose subscriber queues hold up to queueDepth
// pending batches before the oldest is dropped.
func New(queueDepth int) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Broadcaster{
		subs:       make(map[uuid.UUID]*Subscription),
		queueDepth: queueDepth,
	}
}

// Subscribe registers a new subscriber with an empty queue. Bytes fed
// after this call (and only after) are delivered to it.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New(),
		ch: make(chan []byte, b.queueDepth),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Feed publishes data to every current subscriber. Publishing with zero
// subscribers is not an error. A subscriber whose queue is full has its
// oldest pending batch dropped to make room; the drop is signalled on
// that subscriber's next Recv.
func (b *Broadcaster) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	// Copy so a slow subscriber can't observe mutation of the caller's
	// buffer, and so each subscriber gets an independent slice.
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- cp:
		default:
			select {
			case <-s.ch:
				atomic.AddInt64(&s.dropped, 1)
			default:
			}
			select {
			case s.ch <- cp:
			default:
				atomic.AddInt64(&s.dropped, 1)
			}
		}
	}
}

// CloseAll unsubscribes and closes every current subscriber, used when a
// session transitions to stopped or is destroyed.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uuid.UUID]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}

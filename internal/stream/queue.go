package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type deliveryKind uint8

const (
	deliverPacket deliveryKind = iota
	deliverMetaData
	deliverStatus
)

// delivery is one queued intent for a subscriber worker. A packet delivery
// owns one claim on the packet payload until it is released.
type delivery struct {
	kind       deliveryKind
	live       bool
	packet     *Packet
	meta       MetaData
	status     StreamStatus
	enqueuedAt time.Time
}

func (d delivery) size() int64 {
	if d.packet == nil {
		return 0
	}
	return int64(d.packet.Len())
}

func (d delivery) release() {
	if d.packet != nil && d.packet.Payload != nil {
		d.packet.Payload.Release()
	}
}

type offerResult uint8

const (
	offerQueued offerResult = iota
	offerDiscarded
	offerClosed
)

// deliveryQueue is an unbounded FIFO with a single consumer. The discard
// policy keeps it from growing without limit under a slow transport.
type deliveryQueue struct {
	mu        sync.Mutex
	items     deque.Deque[delivery]
	size      int64
	closed    bool
	signal    chan struct{}
	discarder *Discarder
}

func newDeliveryQueue(policy DiscardPolicy) *deliveryQueue {
	return &deliveryQueue{
		signal:    make(chan struct{}, 1),
		discarder: NewDiscarder(policy),
	}
}

// enqueueLocked appends and wakes the consumer. Must be called with mu held.
func (q *deliveryQueue) enqueueLocked(d delivery) {
	q.items.PushBack(d)
	q.size += d.size()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// push appends without consulting the discard policy. It returns false when
// the queue is closed; the caller keeps ownership of the delivery then.
func (q *deliveryQueue) push(d delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.enqueueLocked(d)
	return true
}

// offer appends a media packet unless the discard policy drops it.
// On anything but offerQueued the caller keeps ownership of the delivery.
func (q *deliveryQueue) offer(d delivery) offerResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return offerClosed
	}
	skippable := d.packet != nil && d.packet.Skippable
	if q.discarder.ShouldDiscard(skippable, q.size, q.items.Len()) {
		return offerDiscarded
	}
	q.enqueueLocked(d)
	return offerQueued
}

// pop blocks until a delivery is available, the queue is closed or ctx is
// done.
func (q *deliveryQueue) pop(ctx context.Context) (delivery, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			d := q.items.PopFront()
			q.size -= d.size()
			q.mu.Unlock()
			return d, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return delivery{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// close rejects further deliveries and hands back whatever is still queued
// so the caller can release it.
func (q *deliveryQueue) close() []delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	rest := make([]delivery, 0, q.items.Len())
	for q.items.Len() > 0 {
		rest = append(rest, q.items.PopFront())
	}
	q.size = 0
	close(q.signal)
	return rest
}

func (q *deliveryQueue) outstanding() (int64, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, q.items.Len()
}

func (q *deliveryQueue) setPolicy(policy DiscardPolicy) {
	q.mu.Lock()
	q.discarder.SetPolicy(policy)
	q.mu.Unlock()
}

func (q *deliveryQueue) discarding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discarder.Discarding()
}

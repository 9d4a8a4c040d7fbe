package rabbitmq

import (
	"sync"
	"sync/atomic"
)

// Outbox buffers publishes while the broker is unavailable. Each exchange
// has a bounded FIFO; when one is full its oldest entry is evicted. Entries
// drain in their original order across exchanges.
type Outbox struct {
	capacity int

	mu     sync.Mutex
	queues map[string][]OutboundMessage
	seq    uint64
	size   int

	overflowed atomic.Uint64
}

// NewOutbox creates an outbox holding up to capacity entries per exchange
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Outbox{
		capacity: capacity,
		queues:   make(map[string][]OutboundMessage),
	}
}

// Push appends msg and reports whether an older entry was evicted
func (o *Outbox) Push(msg OutboundMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq++
	msg.seq = o.seq

	q := o.queues[msg.Exchange]
	evicted := false
	if len(q) >= o.capacity {
		q = q[1:]
		o.size--
		evicted = true
		o.overflowed.Add(1)
	}
	o.queues[msg.Exchange] = append(q, msg)
	o.size++
	return evicted
}

// PeekN returns up to n of the oldest entries in drain order
func (o *Outbox) PeekN(n int) []OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	heads := make(map[string]int, len(o.queues))
	var out []OutboundMessage
	for len(out) < n {
		var (
			next   OutboundMessage
			nextEx string
			found  bool
		)
		for ex, q := range o.queues {
			i := heads[ex]
			if i >= len(q) {
				continue
			}
			if !found || q[i].seq < next.seq {
				next, nextEx, found = q[i], ex, true
			}
		}
		if !found {
			break
		}
		heads[nextEx]++
		out = append(out, next)
	}
	return out
}

// Remove drops msg once it has been published. An entry evicted in the
// meantime is ignored.
func (o *Outbox) Remove(msg OutboundMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[msg.Exchange]
	if len(q) == 0 || q[0].seq != msg.seq {
		return
	}
	q = q[1:]
	o.size--
	if len(q) == 0 {
		delete(o.queues, msg.Exchange)
		return
	}
	o.queues[msg.Exchange] = q
}

// Len returns the number of buffered entries
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Overflowed returns the number of evicted entries
func (o *Outbox) Overflowed() uint64 {
	return o.overflowed.Load()
}

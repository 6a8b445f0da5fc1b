package pipeline

import (
	"context"
	"sync"

	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/mutation"
)

// Forwarder is the slave-side half of spec.md §4.3: it accepts mutations
// from local front-ends and hands them, head-first, to whatever is
// currently draining the upstream connection. It holds no socket itself
// — replication.SlaveClient owns the connection and calls Next/Ack in a
// loop — so the queue survives reconnects untouched.
//
// The "write-in-progress" flag from spec.md is represented here as the
// draining bool: Next() will not hand out a second mutation until the
// caller has Ack'd or Nack'd the one it's holding, which keeps forwarded
// writes strictly ordered even though Next/Ack may be called from a
// different goroutine than Enqueue.
type Forwarder struct {
	mu       sync.Mutex
	queue    []mutation.Mutation
	draining bool
	inFlight *mutation.Mutation
	notify   chan struct{}
}

// NewForwarder creates an empty forwarding queue.
func NewForwarder() *Forwarder {
	return &Forwarder{notify: make(chan struct{}, 1)}
}

// Enqueue appends mut to the tail of the forwarding queue. Safe to call
// while the queue is being drained; the mutation is picked up by the
// next Next() call.
func (f *Forwarder) Enqueue(mut mutation.Mutation) {
	f.mu.Lock()
	f.queue = append(f.queue, mut)
	depth := len(f.queue)
	f.mu.Unlock()
	metrics.ForwardQueueDepth.Set(float64(depth))
	f.wake()
}

// Wait blocks until a mutation may be available to drain (Enqueue was
// called, or a prior Ack/Nack freed the draining slot) or ctx is done.
// It never guarantees Next() will succeed afterward; callers must still
// check Next()'s ok return.
func (f *Forwarder) Wait(ctx context.Context) {
	select {
	case <-f.notify:
	case <-ctx.Done():
	}
}

func (f *Forwarder) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Next returns the head-of-queue mutation to send upstream, marking the
// queue as draining so a concurrent Enqueue doesn't race a second Next
// into returning the same mutation. ok is false if the queue is empty or
// a send is already in flight.
func (f *Forwarder) Next() (mut mutation.Mutation, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining || len(f.queue) == 0 {
		return mutation.Mutation{}, false
	}
	mut = f.queue[0]
	f.draining = true
	f.inFlight = &mut
	return mut, true
}

// Ack confirms the in-flight mutation was written upstream, popping it
// from the queue and clearing the draining flag so the next Next() can
// proceed.
func (f *Forwarder) Ack() {
	f.mu.Lock()
	if f.inFlight != nil {
		f.queue = f.queue[1:]
		f.inFlight = nil
	}
	f.draining = false
	depth := len(f.queue)
	f.mu.Unlock()
	metrics.ForwardQueueDepth.Set(float64(depth))
	f.wake()
}

// Nack reports that the in-flight send failed (e.g. the upstream socket
// broke). The mutation stays at the head of the queue for the next
// connection to retry, per spec.md §4.3's "queue is preserved" guarantee.
func (f *Forwarder) Nack() {
	f.mu.Lock()
	f.draining = false
	f.inFlight = nil
	f.mu.Unlock()
	f.wake()
}

// Len reports the current queue depth, including any in-flight entry.
func (f *Forwarder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Package mailbox implements the point-to-point data-exchange channel between
// a producer operator and a consumer operator, possibly on different workers.
// Channels are identified by a composite address, created lazily on first
// reference from either side, and carry blocks in strict FIFO order. Local
// channels are in-memory queues; remote ones cross the network through a
// length-prefixed TCP frame protocol invisible to operator code.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/quercusdb/quercus/pkg/query/block"
)

var (
	// ErrNotReady reports that no block was queued within the poll bound.
	// Callers reschedule instead of occupying a worker thread.
	ErrNotReady = errors.New("mailbox not ready")

	// ErrBackpressure reports that the receiver queue could not accept a
	// block within the send bound. The caller yields and retries with the
	// same block.
	ErrBackpressure = errors.New("mailbox backpressure")

	// ErrClosed reports a protocol violation: sending after a terminal block
	// has been delivered on the handle, or after the channel was released.
	ErrClosed = errors.New("mailbox closed")
)

// Sender is the producing end of one channel, bound to exactly one receiver.
// Safe for use from any goroutine.
type Sender interface {
	// Send enqueues a block in FIFO order. Delivery order to the receiver
	// matches send order.
	Send(b *block.Block) error
	Close()
}

// Receiver is the consuming end of one channel.
type Receiver interface {
	// Poll returns the next queued block, or ErrNotReady when none arrives
	// within timeout. It never blocks indefinitely.
	Poll(timeout time.Duration) (*block.Block, error)
	Close()
}

// queue is the shared state of one channel. The channel itself provides the
// SPSC FIFO; the mutex guards the lifecycle flags around it.
type queue struct {
	id        string
	requestID uint64
	ch        chan *block.Block

	mu           sync.Mutex
	deadline     time.Time
	senderDone   bool // terminal block enqueued
	receiverDone bool // terminal block observed by the receiver
	released     bool
}

// trySend enqueues without blocking. Terminal blocks flip senderDone so any
// later send is reported as a protocol violation.
func (q *queue) trySend(b *block.Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released || q.senderDone {
		return ErrClosed
	}
	select {
	case q.ch <- b:
		if b.IsTerminal() {
			q.senderDone = true
		}
		return nil
	default:
		return ErrBackpressure
	}
}

// sendCtx enqueues with a bounded polling wait, used by the transport server
// and the error fan-out path where a scheduling yield is not available.
func (q *queue) sendCtx(ctx context.Context, clock quartz.Clock, interval time.Duration, b *block.Block) error {
	for {
		err := q.trySend(b)
		if err == nil || !errors.Is(err, ErrBackpressure) {
			return err
		}
		q.mu.Lock()
		deadline := q.deadline
		q.mu.Unlock()
		if !deadline.IsZero() && clock.Now().After(deadline) {
			return ErrBackpressure
		}
		timer := clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *queue) tryRecv() (*block.Block, bool) {
	select {
	case b := <-q.ch:
		if b.IsTerminal() {
			q.mu.Lock()
			q.receiverDone = true
			q.mu.Unlock()
		}
		return b, true
	default:
		return nil, false
	}
}

func (q *queue) bothDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.senderDone && q.receiverDone
}

func (q *queue) release() {
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()
	// Queued blocks for a released channel are dropped, not leaked.
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

func (q *queue) extendDeadline(deadline time.Time) {
	q.mu.Lock()
	if deadline.After(q.deadline) {
		q.deadline = deadline
	}
	q.mu.Unlock()
}

// localSender delivers into the in-memory queue of the local registry.
type localSender struct {
	svc *Service
	q   *queue
}

func (s *localSender) Send(b *block.Block) error {
	err := s.q.trySend(b)
	if err == nil {
		s.svc.metrics.sendsTotal.WithLabelValues(transportLocal).Inc()
		s.svc.maybeRelease(s.q)
	}
	return err
}

func (s *localSender) Close() {
	s.q.mu.Lock()
	// Closing an exhausted sender is a normal release; closing one that has
	// not delivered a terminal block poisons the queue for both ends.
	if !s.q.senderDone {
		s.q.mu.Unlock()
		s.q.release()
		s.svc.drop(s.q.id)
		return
	}
	s.q.mu.Unlock()
}

// receiver is the consuming handle; identical for local and remote channels
// since remote blocks land in the local registry through the transport
// server.
type receiver struct {
	svc *Service
	q   *queue
}

func (r *receiver) Poll(timeout time.Duration) (*block.Block, error) {
	if b, ok := r.q.tryRecv(); ok {
		r.svc.maybeRelease(r.q)
		return b, nil
	}
	if timeout <= 0 {
		return nil, ErrNotReady
	}
	timer := r.svc.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-r.q.ch:
		if b.IsTerminal() {
			r.q.mu.Lock()
			r.q.receiverDone = true
			r.q.mu.Unlock()
		}
		r.svc.maybeRelease(r.q)
		return b, nil
	case <-timer.C:
		return nil, ErrNotReady
	}
}

func (r *receiver) Close() {
	r.q.mu.Lock()
	done := r.q.receiverDone
	r.q.mu.Unlock()
	if !done {
		r.q.release()
		r.svc.drop(r.q.id)
	}
}

package apicaller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrRelayClosed is returned by Post after Close.
var ErrRelayClosed = errors.New("relay closed")

// Kind identifies the terminal outcome carried by a Message.
type Kind int

const (
	KindSucceeded Kind = iota
	KindFailed
	KindAuthFailed
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Message carries one terminal outcome across goroutines.
type Message struct {
	Kind     Kind
	Listener Listener
	Result   string
	Err      error
}

// Relay moves messages posted from any goroutine onto a single consumer, which
// invokes the listener. Post never blocks; delivery order matches post order.
//
// The consumer is either Run, or an event loop calling Drain. Only one consumer
// should be active at a time.
type Relay struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	// deliverMu serializes consumers so batches are never interleaved.
	deliverMu sync.Mutex

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRelay creates an open relay with an empty queue.
func NewRelay() *Relay {
	return &Relay{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues msg for delivery. Safe for concurrent use.
func (r *Relay) Post(msg Message) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.queue = append(r.queue, msg)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain delivers every queued message on the calling goroutine and returns the
// number of messages processed.
func (r *Relay) Drain() int {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	processed := 0
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return processed
		}
		for _, msg := range batch {
			deliver(msg)
		}
		processed += len(batch)
	}
}

// Run consumes messages on the calling goroutine until ctx is done or the relay
// is closed. Messages queued before Close are delivered before Run returns nil.
func (r *Relay) Run(ctx context.Context) error {
	for {
		r.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			r.Drain()
			return nil
		case <-r.wake:
		}
	}
}

// Close stops accepting new messages. Already queued messages remain deliverable.
func (r *Relay) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
	})
}

// Pending returns the number of queued, undelivered messages.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// deliver invokes the listener method matching msg.Kind. A panicking listener is
// logged and does not stop the consumer.
func deliver(msg Message) {
	if msg.Listener == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("listener panicked", "kind", msg.Kind.String(), "panic", rec)
		}
	}()

	switch msg.Kind {
	case KindSucceeded:
		msg.Listener.OnAPICallSucceeded(msg.Result)
	case KindFailed:
		msg.Listener.OnAPICallFailed(msg.Err)
	case KindAuthFailed:
		msg.Listener.OnAuthorizationFailed()
	default:
		slog.Warn("dropping relay message of unknown kind", "kind", int(msg.Kind))
	}
}

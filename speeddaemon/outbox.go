package speeddaemon

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"sync"
)

var ErrOutboxClosed = errors.New("outbox closed")

// A frame is an encoded server message, or the terminate sentinel when data is nil.
type frame struct {
	data []byte
}

func (f frame) terminate() bool {
	return f.data == nil
}

// An Outbox queues frames for a single client connection.
//
// Any number of goroutines may send to an Outbox. Exactly one goroutine, the connection writer, drains it. Once
// Terminate has been called or the writer has stopped, sends fail with ErrOutboxClosed, so every frame accepted by
// Send is queued ahead of the terminate sentinel.
type Outbox struct {
	// mu is held for reading while sending and for writing while terminating.
	mu         sync.RWMutex
	terminated bool

	queue chan frame
	done  chan struct{}
}

func NewOutbox(size int) *Outbox {
	return &Outbox{
		queue: make(chan frame, size),
		done:  make(chan struct{}),
	}
}

// Send queues an encoded message, blocking while the queue is full.
func (o *Outbox) Send(ctx context.Context, m encoding.BinaryMarshaler) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.terminated {
		return ErrOutboxClosed
	}
	return o.enqueue(ctx, frame{data: data})
}

// Terminate asks the writer to flush pending frames and close the connection. Later sends fail.
func (o *Outbox) Terminate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated {
		return ErrOutboxClosed
	}
	o.terminated = true
	return o.enqueue(ctx, frame{})
}

func (o *Outbox) enqueue(ctx context.Context, f frame) error {
	if o.stopped() {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- f:
		return nil
	case <-o.done:
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the writer has stopped.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Closed reports whether the outbox no longer accepts frames.
func (o *Outbox) Closed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.terminated || o.stopped()
}

func (o *Outbox) stopped() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// close marks the outbox as closed. Only the writer calls it, exactly once.
func (o *Outbox) close() {
	close(o.done)
}

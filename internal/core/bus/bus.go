// Package bus is the process-local broadcast channel shared by every typed
// topic handle. It carries raw envelope bytes and knows nothing about topics.
//
// Each receiver sees the messages published after it attached, in publish
// order. Capacity is bounded: a receiver that falls more than Capacity
// messages behind loses the oldest ones and its next receive reports a
// *LaggedError. Publishers never wait on slow receivers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of messages retained for lagging receivers.
const DefaultCapacity = 32

var (
	ErrClosed = errors.New("bus: closed")
	ErrLagged = errors.New("bus: receiver lagged")
	ErrEmpty  = errors.New("bus: no message pending")
)

// LaggedError reports how many messages a receiver missed.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: receiver lagged, %d messages dropped", e.Missed)
}

func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Bus is a bounded multi-producer/multi-consumer broadcast ring.
type Bus struct {
	mu     sync.Mutex
	buf    [][]byte
	head   uint64 // sequence number of the next publish
	closed bool
	notify chan struct{}
}

// New returns a bus retaining up to capacity messages per receiver.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bus{
		buf:    make([][]byte, capacity),
		notify: make(chan struct{}),
	}
}

func (b *Bus) Capacity() int {
	return len(b.buf)
}

// Publish hands msg to every attached receiver. Having no receivers is not an error.
func (b *Bus) Publish(msg []byte) error {
	cp := append([]byte(nil), msg...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.buf[b.head%uint64(len(b.buf))] = cp
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Subscribe attaches a receiver positioned at the current head.
func (b *Bus) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Receiver{bus: b, next: b.head}
}

// Close tears the bus down. Receivers drain what is buffered, then get ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

func (b *Bus) oldest() uint64 {
	if n := uint64(len(b.buf)); b.head > n {
		return b.head - n
	}
	return 0
}

// Receiver is one consumer's cursor into the bus. It is not safe for
// concurrent use; attach one receiver per consuming goroutine.
type Receiver struct {
	bus  *Bus
	next uint64
}

// TryRecv returns the next message without waiting, or ErrEmpty. The caller
// owns the returned bytes.
func (r *Receiver) TryRecv() ([]byte, error) {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if oldest := b.oldest(); r.next < oldest {
		missed := oldest - r.next
		r.next = oldest
		return nil, &LaggedError{Missed: missed}
	}
	if r.next < b.head {
		msg := append([]byte(nil), b.buf[r.next%uint64(len(b.buf))]...)
		r.next++
		return msg, nil
	}
	if b.closed {
		return nil, ErrClosed
	}
	return nil, ErrEmpty
}

// Ready returns a channel that is closed once TryRecv has something to report.
func (r *Receiver) Ready() <-chan struct{} {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || r.next < b.head {
		return closedCh
	}
	return b.notify
}

// Recv waits for the next message. There is no built-in timeout; ctx bounds the wait.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	for {
		msg, err := r.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.Ready():
		}
	}
}

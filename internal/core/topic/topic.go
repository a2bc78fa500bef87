// Package topic provides typed views over the shared bus. A Topic[T] is bound
// to one tag and one payload codec; it encodes values into envelopes on
// publish and filters envelopes by tag on receive.
package topic

import (
	"context"
	"errors"
	"fmt"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/envelope"
)

var (
	ErrEncode = errors.New("topic: encode")
	ErrBus    = errors.New("topic: bus rejected publish")
)

// Kind binds a topic tag to a payload type and its wire codec.
type Kind[T any] struct {
	Tag       string
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

// Topic is a typed handle over a bus. It holds no messages of its own.
type Topic[T any] struct {
	kind Kind[T]
	bus  *bus.Bus
}

// New returns a handle for kind on b. Prefer Bind, which also records the
// tag in a Registry so conflicting bindings are rejected.
func New[T any](b *bus.Bus, kind Kind[T]) *Topic[T] {
	return &Topic[T]{kind: kind, bus: b}
}

func (t *Topic[T]) Tag() string {
	return t.kind.Tag
}

// Encode returns the envelope bytes Publish would put on the bus.
func (t *Topic[T]) Encode(v T) ([]byte, error) {
	payload, err := t.kind.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, t.kind.Tag, err)
	}
	raw, err := envelope.Encode(t.kind.Tag, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return raw, nil
}

// Publish encodes v under this handle's tag and hands it to the bus.
func (t *Topic[T]) Publish(v T) error {
	raw, err := t.Encode(v)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrBus, err)
	}
	return nil
}

// Match decodes raw and reports whether it carries this handle's tag. The
// payload is only decoded when the tag matches.
func (t *Topic[T]) Match(raw []byte) (T, bool, error) {
	var zero T
	env, err := envelope.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	if env.Topic != t.kind.Tag {
		return zero, false, nil
	}
	v, err := t.kind.Unmarshal(env.Payload)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %s payload: %w", envelope.ErrDecode, t.kind.Tag, err)
	}
	return v, true, nil
}

// Receive attaches to the bus and waits for the next message carrying this
// handle's tag, skipping any other tags in between.
func (t *Topic[T]) Receive(ctx context.Context) (T, error) {
	return t.Subscribe().Next(ctx)
}

// Subscribe attaches a persistent subscription; it observes messages
// published from now on.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	return &Subscription[T]{topic: t, rx: t.bus.Subscribe()}
}

// Subscription delivers the matching values of one topic in publish order.
type Subscription[T any] struct {
	topic *Topic[T]
	rx    *bus.Receiver
}

// Next blocks until a matching envelope arrives. It fails with bus.ErrClosed,
// a *bus.LaggedError (the subscription stays usable), envelope.ErrDecode, or
// the context's error.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		raw, err := s.rx.Recv(ctx)
		if err != nil {
			return zero, err
		}
		v, ok, err := s.topic.Match(raw)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
	}
}

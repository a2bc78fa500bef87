package topic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/envelope"
)

type note struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

func jsonKind[T any](tag string) Kind[T] {
	return Kind[T]{
		Tag:     tag,
		Marshal: func(v T) ([]byte, error) { return json.Marshal(v) },
		Unmarshal: func(b []byte) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

var (
	pingKind  = jsonKind[note]("ping")
	eventKind = jsonKind[note]("event")
)

func within(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func TestPublishReceiveRoundTrip(t *testing.T) {
	b := bus.New(8)
	pings := New(b, pingKind)
	sub := pings.Subscribe()

	want := note{Seq: 7, Text: "hello"}
	require.NoError(t, pings.Publish(want))

	ctx, cancel := within(time.Second)
	defer cancel()
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEncodeMatchesEnvelope(t *testing.T) {
	pings := New(bus.New(1), pingKind)
	v := note{Seq: 1, Text: "x"}
	raw, err := pings.Encode(v)
	require.NoError(t, err)

	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "ping", env.Topic)
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, payload, env.Payload)

	decoded, ok, err := pings.Match(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, decoded)
}

func TestTagIsolation(t *testing.T) {
	b := bus.New(32)
	pings := New(b, pingKind)
	events := New(b, eventKind)
	sub := pings.Subscribe()

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			require.NoError(t, events.Publish(note{Seq: i, Text: "event"}))
		} else {
			require.NoError(t, pings.Publish(note{Seq: i, Text: "ping"}))
		}
	}

	ctx, cancel := within(time.Second)
	defer cancel()
	for _, want := range []int{1, 3, 5, 7, 9} {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.Seq)
		require.Equal(t, "ping", got.Text)
	}

	short, cancelShort := within(20 * time.Millisecond)
	defer cancelShort()
	_, err := sub.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveKeepsWaitingPastOtherTags(t *testing.T) {
	b := bus.New(8)
	pings := New(b, pingKind)
	events := New(b, eventKind)

	got := make(chan note, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := within(2 * time.Second)
		defer cancel()
		v, err := pings.Receive(ctx)
		if err != nil {
			errCh <- err
			return
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, events.Publish(note{Seq: 1}))
	require.NoError(t, pings.Publish(note{Seq: 2}))

	select {
	case v := <-got:
		require.Equal(t, 2, v.Seq)
	case err := <-errCh:
		t.Fatalf("receive failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return")
	}
}

func TestLaggedSubscription(t *testing.T) {
	b := bus.New(32)
	pings := New(b, pingKind)
	sub := pings.Subscribe()
	for i := 0; i < 40; i++ {
		require.NoError(t, pings.Publish(note{Seq: i}))
	}

	ctx, cancel := within(time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, bus.ErrLagged)

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, got.Seq)
}

func TestReceiveOnClosedBus(t *testing.T) {
	b := bus.New(4)
	pings := New(b, pingKind)
	sub := pings.Subscribe()
	b.Close()

	ctx, cancel := within(time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, bus.ErrClosed)

	err = pings.Publish(note{})
	require.ErrorIs(t, err, ErrBus)
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestPublishEncodeFailure(t *testing.T) {
	broken := Kind[note]{
		Tag:       "ping",
		Marshal:   func(note) ([]byte, error) { return nil, errors.New("boom") },
		Unmarshal: pingKind.Unmarshal,
	}
	err := New(bus.New(1), broken).Publish(note{})
	require.ErrorIs(t, err, ErrEncode)
}

func TestMatchingTagWithBadPayload(t *testing.T) {
	b := bus.New(4)
	pings := New(b, pingKind)
	sub := pings.Subscribe()

	raw, err := envelope.Encode("ping", []byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, b.Publish(raw))

	ctx, cancel := within(time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, envelope.ErrDecode)
}

func TestRegistryRejectsConflictingTypes(t *testing.T) {
	r := NewRegistry()
	b := bus.New(1)

	_, err := Bind(r, b, pingKind)
	require.NoError(t, err)
	_, err = Bind(r, b, pingKind)
	require.NoError(t, err, "rebinding the same type is allowed")

	_, err = Bind(r, b, jsonKind[string]("ping"))
	require.ErrorIs(t, err, ErrTagConflict)

	require.NoError(t, Register(r, eventKind))
	require.Equal(t, []string{"event", "ping"}, r.Tags())

	typ, ok := r.Lookup("ping")
	require.True(t, ok)
	require.Equal(t, "note", typ.Name())
}

func TestRegistryRejectsIncompleteKinds(t *testing.T) {
	r := NewRegistry()
	require.Error(t, Register(r, Kind[note]{Tag: "", Marshal: pingKind.Marshal, Unmarshal: pingKind.Unmarshal}))
	require.Error(t, Register(r, Kind[note]{Tag: "ping"}))
}

package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/model"
)

func TestProducerEmitsPingsInOrder(t *testing.T) {
	b := bus.New(bus.DefaultCapacity)
	events := topic.New(b, model.EventKind)
	sub := events.Subscribe()

	p := &Producer{Events: events, Count: 10, Interval: 5 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, model.PingTag, ev.Topic)
		ping, err := model.UnmarshalPing(ev.Data)
		require.NoError(t, err)
		require.Equal(t, uint8(i), ping.Rand)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer did not finish")
	}
}

func TestProducerStopsOnCancel(t *testing.T) {
	b := bus.New(bus.DefaultCapacity)
	p := &Producer{Events: topic.New(b, model.EventKind), Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer ignored cancellation")
	}
}

func TestProducerSurvivesClosedBus(t *testing.T) {
	b := bus.New(bus.DefaultCapacity)
	b.Close()
	p := &Producer{Events: topic.New(b, model.EventKind), Count: 3, Interval: time.Millisecond}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a closed bus")
	}
}

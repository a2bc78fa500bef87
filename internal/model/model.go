// Package model holds the payload types relayed over the room channel.
package model

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"ClawdCity-Room/internal/core/envelope"
	"ClawdCity-Room/internal/core/topic"
)

const (
	PingTag  = "ping"
	EventTag = "event"
)

var errPing = errors.New("ping")

// Ping is the liveness value emitted by the bootstrap producer.
type Ping struct {
	Rand uint8 `json:"rand"`
}

func (p Ping) Marshal() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(p.Rand)), nil
}

func UnmarshalPing(b []byte) (Ping, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Ping{}, fmt.Errorf("%w: %v", errPing, protowire.ParseError(n))
	}
	if num != 1 || typ != protowire.VarintType {
		return Ping{}, fmt.Errorf("%w: unexpected field %d", errPing, num)
	}
	v, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return Ping{}, fmt.Errorf("%w: %v", errPing, protowire.ParseError(m))
	}
	if v > math.MaxUint8 {
		return Ping{}, fmt.Errorf("%w: rand %d out of range", errPing, v)
	}
	if len(b) != n+m {
		return Ping{}, fmt.Errorf("%w: trailing bytes", errPing)
	}
	return Ping{Rand: uint8(v)}, nil
}

// Event wraps another typed value: Topic names the inner kind and Data holds
// its encoded payload. On the wire it is itself an envelope.
type Event struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

func (e Event) Marshal() ([]byte, error) {
	return envelope.Encode(e.Topic, e.Data)
}

func UnmarshalEvent(b []byte) (Event, error) {
	env, err := envelope.Decode(b)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: env.Topic, Data: env.Payload}, nil
}

// NewPingEvent nests a ping inside an event.
func NewPingEvent(rand uint8) (Event, error) {
	data, err := Ping{Rand: rand}.Marshal()
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: PingTag, Data: data}, nil
}

var (
	PingKind = topic.Kind[Ping]{
		Tag:       PingTag,
		Marshal:   Ping.Marshal,
		Unmarshal: UnmarshalPing,
	}
	EventKind = topic.Kind[Event]{
		Tag:       EventTag,
		Marshal:   Event.Marshal,
		Unmarshal: UnmarshalEvent,
	}
)

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"ClawdCity-Room/internal/core/envelope"
)

func TestPingRoundTrip(t *testing.T) {
	for _, r := range []uint8{0, 1, 127, 128, 255} {
		raw, err := Ping{Rand: r}.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalPing(raw)
		require.NoError(t, err)
		require.Equal(t, Ping{Rand: r}, got)
	}
}

func TestUnmarshalPingRejectsBadInput(t *testing.T) {
	tooBig := protowire.AppendTag(nil, 1, protowire.VarintType)
	tooBig = protowire.AppendVarint(tooBig, 256)

	wrongField := protowire.AppendTag(nil, 2, protowire.VarintType)
	wrongField = protowire.AppendVarint(wrongField, 1)

	good, err := Ping{Rand: 3}.Marshal()
	require.NoError(t, err)

	for name, raw := range map[string][]byte{
		"empty":        nil,
		"out of range": tooBig,
		"wrong field":  wrongField,
		"trailing":     append(good, 0),
		"truncated":    good[:1],
	} {
		_, err := UnmarshalPing(raw)
		require.Error(t, err, name)
	}
}

func TestPingEventNests(t *testing.T) {
	ev, err := NewPingEvent(4)
	require.NoError(t, err)
	require.Equal(t, PingTag, ev.Topic)

	raw, err := ev.Marshal()
	require.NoError(t, err)

	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, PingTag, env.Topic)

	back, err := UnmarshalEvent(raw)
	require.NoError(t, err)
	ping, err := UnmarshalPing(back.Data)
	require.NoError(t, err)
	require.EqualValues(t, 4, ping.Rand)
}

func TestUnmarshalEventMalformed(t *testing.T) {
	_, err := UnmarshalEvent([]byte{0xde, 0xad})
	require.ErrorIs(t, err, envelope.ErrDecode)
}

func TestKindsAreBound(t *testing.T) {
	require.Equal(t, PingTag, PingKind.Tag)
	require.Equal(t, EventTag, EventKind.Tag)
}

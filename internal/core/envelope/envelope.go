package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTopic   protowire.Number = 1
	fieldPayload protowire.Number = 2
)

var (
	ErrEncode = errors.New("envelope: encode")
	ErrDecode = errors.New("envelope: decode")
)

// Envelope is a topic tag plus the serialized payload it labels.
// Payload must not be interpreted before Topic has been checked.
type Envelope struct {
	Topic   string
	Payload []byte
}

// Encode returns the canonical wire form of {topic, payload}.
func Encode(topic string, payload []byte) ([]byte, error) {
	return Envelope{Topic: topic, Payload: payload}.Marshal()
}

// Marshal writes topic then payload as length-delimited protobuf fields.
// Both fields are always present so the output is deterministic.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrEncode)
	}
	if !utf8.ValidString(e.Topic) {
		return nil, fmt.Errorf("%w: topic is not valid utf-8", ErrEncode)
	}
	b := make([]byte, 0, len(e.Topic)+len(e.Payload)+2*(1+protowire.SizeVarint(uint64(len(e.Payload)))))
	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, e.Topic)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b, nil
}

// Decode parses bytes produced by Encode. Anything else, including unknown,
// repeated or reordered fields, fails with ErrDecode.
func Decode(b []byte) (Envelope, error) {
	var env Envelope

	topic, rest, err := consumeField(b, fieldTopic)
	if err != nil {
		return Envelope{}, err
	}
	if len(topic) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty topic", ErrDecode)
	}
	if !utf8.Valid(topic) {
		return Envelope{}, fmt.Errorf("%w: topic is not valid utf-8", ErrDecode)
	}
	env.Topic = string(topic)

	payload, rest, err := consumeField(rest, fieldPayload)
	if err != nil {
		return Envelope{}, err
	}
	if len(rest) != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(rest))
	}
	env.Payload = append([]byte{}, payload...)
	return env, nil
}

func consumeField(b []byte, want protowire.Number) ([]byte, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: missing field %d", ErrDecode, want)
	}
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
	}
	if num != want || typ != protowire.BytesType {
		return nil, nil, fmt.Errorf("%w: unexpected field %d (wire type %d), want %d", ErrDecode, num, typ, want)
	}
	b = b[n:]
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: field %d: %v", ErrDecode, want, protowire.ParseError(n))
	}
	return v, b[n:], nil
}

package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoChannel is returned when a frame carries no channel name.
var ErrNoChannel = errors.New("message has no channel")

// Message is one frame of the host/child protocol. The wire form is a flat
// JSON object {channel, pid, kitScript, ...payload}; Raw keeps the whole
// object so forwarders can relay it unchanged.
type Message struct {
	Channel   Channel
	PID       int
	KitScript string
	Raw       json.RawMessage
}

type envelope struct {
	Channel   Channel `json:"channel"`
	PID       int     `json:"pid"`
	KitScript string  `json:"kitScript"`
}

// Parse decodes one wire frame.
func Parse(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if env.Channel == "" {
		return Message{}, ErrNoChannel
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	return Message{Channel: env.Channel, PID: env.PID, KitScript: env.KitScript, Raw: raw}, nil
}

// New builds a message from a channel and a payload struct whose fields are
// flattened next to the envelope fields.
func New(ch Channel, payload any) (Message, error) {
	fields := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return Message{}, fmt.Errorf("payload for %s must be an object: %w", ch, err)
		}
	}
	fields["channel"] = ch
	b, err := json.Marshal(fields)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: ch, Raw: b}, nil
}

// Decode unmarshals the frame into a typed payload.
func (m Message) Decode(v any) error {
	if len(m.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Channel, err)
	}
	return nil
}

// MarshalJSON writes the original frame.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(envelope{Channel: m.Channel, PID: m.PID, KitScript: m.KitScript})
}

// Reply is a host -> child frame. Payload fields are flattened beside channel.
type Reply struct {
	Channel Channel
	Payload any
}

// MarshalJSON flattens the payload next to the channel field.
func (r Reply) MarshalJSON() ([]byte, error) {
	m, err := New(r.Channel, r.Payload)
	if err != nil {
		return nil, err
	}
	return m.Raw, nil
}

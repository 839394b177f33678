// Package wire defines the envelope format exchanged with the chat backend
// and the typed payloads carried inside it. It is pure serialization: no
// state, no transport concerns.
package wire

import (
	"encoding/json"
	"fmt"
)

// Outbound envelope types.
const (
	TypeMessage            = "message"
	TypeGroupMessage       = "group_message"
	TypeTyping             = "typing"
	TypeStoppedTyping      = "stopped_typing"
	TypeGroupTyping        = "group_typing"
	TypeGroupStoppedTyping = "group_stopped_typing"
	TypeMarkRead           = "mark_read"
	TypePing               = "ping"
)

// Inbound envelope types.
const (
	TypeStatusUpdate      = "status_update"
	TypeTypingUpdate      = "typing_update"
	TypeGroupTypingUpdate = "group_typing_update"
	TypeMessagesRead      = "messages_read"
	TypePong              = "pong"
)

// Envelope is the unit of wire communication: a type discriminator plus a
// polymorphic payload. New event types are added by adding payload structs,
// never by widening the envelope.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into a complete envelope frame.
func Encode(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return data, nil
}

// Decode parses an envelope frame. A frame without a type discriminator is
// malformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

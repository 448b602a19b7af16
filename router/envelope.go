package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/transport"
)

// Envelope is the wire shape of every application and control message. Body
// stays raw so a receiver can read EventName before picking a body type.
type Envelope struct {
	EventName      string          `json:"eventName"`
	SenderStableID string          `json:"senderStableID"`
	SendTime       float64         `json:"sendTime"`
	MessageID      string          `json:"messageID,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// Message is a decoded Envelope together with the handle it arrived on.
type Message struct {
	EventName string
	SenderID  identity.ID
	Sender    transport.Handle
	SentAt    time.Time
	Body      json.RawMessage
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %q has no body", ErrSerialization, m.EventName)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: decode %q body: %v", ErrSerialization, m.EventName, err)
	}
	return nil
}

func encodeEnvelope(env Envelope, body any) ([]byte, error) {
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %q body: %v", ErrSerialization, env.EventName, err)
		}
		env.Body = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %q: %v", ErrSerialization, env.EventName, err)
	}
	return data, nil
}

func decodeEnvelope(raw []byte, from transport.Handle) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, Message{}, fmt.Errorf("%w: decode envelope: %v", ErrSerialization, err)
	}
	if env.SenderStableID == "" {
		return env, Message{}, fmt.Errorf("%w: envelope without sender", ErrSerialization)
	}
	return env, Message{
		EventName: env.EventName,
		SenderID:  identity.ID(env.SenderStableID),
		Sender:    from,
		SentAt:    crypto.FromUnixSeconds(env.SendTime),
		Body:      env.Body,
	}, nil
}

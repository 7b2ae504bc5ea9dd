// Package wire defines the envelope exchanged over the realtime transport.
//
// A frame is a single flat JSON object with a mandatory "type" field; the
// remaining fields are the payload and are opaque to routing.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved envelope types. "connected" and "pong" are consumed by the
// transport itself and never reach generic subscribers; "ping" is the
// outbound heartbeat frame.
const (
	TypeConnected = "connected"
	TypePong      = "pong"
	TypePing      = "ping"
)

// ErrMissingType is returned when an inbound frame carries no "type" field.
var ErrMissingType = errors.New("wire: envelope missing type field")

// Envelope is one realtime frame. The zero value is not a valid frame; build
// outbound envelopes with NewEnvelope.
type Envelope struct {
	Type string

	raw json.RawMessage // the full flat object, including the type field
}

// NewEnvelope builds an envelope of the given type. payload, when non-nil,
// must marshal to a JSON object; its fields are folded into the frame next
// to "type".
func NewEnvelope(typ string, payload any) (Envelope, error) {
	obj := map[string]json.RawMessage{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: marshal payload: %w", err)
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return Envelope{}, fmt.Errorf("wire: payload of %T is not a JSON object: %w", payload, err)
		}
	}
	tb, err := json.Marshal(typ)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal type: %w", err)
	}
	obj["type"] = tb
	raw, err := json.Marshal(obj)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return Envelope{Type: typ, raw: raw}, nil
}

// MarshalJSON emits the flat frame.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(map[string]string{"type": e.Type})
}

// UnmarshalJSON parses an inbound frame, extracting the type tag and keeping
// the full raw object for later payload decoding.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}
	if head.Type == "" {
		return ErrMissingType
	}
	e.Type = head.Type
	e.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Decode unmarshals the frame's payload into v (a pointer). The type field
// is part of the object, so payload structs may ignore or capture it.
func (e Envelope) Decode(v any) error {
	if e.raw == nil {
		return nil
	}
	return json.Unmarshal(e.raw, v)
}

// Reserved reports whether typ is handled internally by the transport.
func Reserved(typ string) bool {
	return typ == TypeConnected || typ == TypePong
}

// ConnectedPayload is the body of the server's post-handshake "connected"
// frame. Informational.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload is the body of a heartbeat reply. Informational.
type PongPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

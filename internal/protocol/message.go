// Package protocol defines the relay wire envelope and reserved message
// types shared by the relay client and its tests.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is sent in the handshake.
const Version = "1.0.0"

// Reserved message types.
const (
	TypeHandshake         = "handshake"
	TypeAuth              = "auth"
	TypeAuthResponse      = "auth_response"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
)

// ErrMissingType is returned when an inbound frame has no type tag.
var ErrMissingType = errors.New("message has no type")

// Message is the envelope for every frame exchanged with the relay.
type Message struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// AuthKey is only set on auth messages; relay servers read it from
	// the envelope rather than from data.
	AuthKey string `json:"auth_key,omitempty"`
}

// Handshake is the data of a handshake message.
type Handshake struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// AuthResponse is the data of an auth_response message.
type AuthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// New builds a message stamped with clientID and the current time.
// data may be nil, a json.RawMessage, or any JSON-marshalable value.
func New(msgType, clientID string, data any) (Message, error) {
	msg := Message{
		Type:      msgType,
		ClientID:  clientID,
		Timestamp: Timestamp(time.Now()),
	}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		msg.Data = d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s data: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Encode serializes a message to a JSON text frame.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a JSON text frame.
func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// DecodeData unmarshals the message data into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Time returns the timestamp as a time.Time.
func (m Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Timestamp converts t to float epoch seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single unit of work received from the queue.
//
// ID is used for logging and correlation only; uniqueness is the producer's
// responsibility. Payload is kept as raw JSON so handlers decide how to read it.
type Message struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	MessageType string          `json:"message_type"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

var (
	ErrMissingID          = errors.New("contracts: missing field id")
	ErrMissingPayload     = errors.New("contracts: missing field payload")
	ErrMissingMessageType = errors.New("contracts: missing field message_type")
)

// NewMessage builds a message for publishing. An empty id gets a generated UUID.
func NewMessage(id, messageType string, payload any) (*Message, error) {
	if messageType == "" {
		return nil, &SerializationError{Err: ErrMissingMessageType}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	if id == "" {
		id = uuid.New().String()
	}

	return &Message{
		ID:          id,
		Payload:     raw,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DecodeMessage parses one delivery body. Keys are matched exactly, so
// "ID" or "Message_Type" count as missing fields.
func DecodeMessage(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &SerializationError{Err: err}
	}
	if fields == nil {
		return nil, &SerializationError{Err: errors.New("contracts: message is not a JSON object")}
	}

	id, err := requiredString(fields, "id", ErrMissingID)
	if err != nil {
		return nil, err
	}

	payload := fields["payload"]
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &SerializationError{Err: ErrMissingPayload}
	}

	messageType, err := requiredString(fields, "message_type", ErrMissingMessageType)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:          id,
		Payload:     payload,
		MessageType: messageType,
	}

	// created_at may be absent or null
	if raw, ok := fields["created_at"]; ok {
		var createdAt *string
		if err := json.Unmarshal(raw, &createdAt); err != nil {
			return nil, &SerializationError{Err: fmt.Errorf("field created_at: %w", err)}
		}
		if createdAt != nil {
			msg.CreatedAt = *createdAt
		}
	}

	return msg, nil
}

func requiredString(fields map[string]json.RawMessage, key string, missing error) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &SerializationError{Err: missing}
	}

	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", &SerializationError{Err: fmt.Errorf("field %s: %w", key, err)}
	}
	if value == nil {
		return "", &SerializationError{Err: missing}
	}
	return *value, nil
}

// Encode serializes the message in wire format
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// DecodePayload unmarshals the payload into v
func (m *Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &SerializationError{Err: fmt.Errorf("decode payload of message %s: %w", m.ID, err)}
	}
	return nil
}

package contracts

import (
	"errors"
	"fmt"
)

// SerializationError reports a delivery body that cannot be parsed into a Message.
// Retrying will not help, so consumers acknowledge and drop such deliveries.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ProcessingError is a handler-reported business failure. The delivery is
// requeued so the broker can redeliver it.
type ProcessingError struct {
	MessageID string
	Reason    string
	Err       error
}

// NewProcessingError creates a processing error for the given message
func NewProcessingError(messageID, reason string, err error) *ProcessingError {
	return &ProcessingError{
		MessageID: messageID,
		Reason:    reason,
		Err:       err,
	}
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processing error: message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("processing error: message %s: %s", e.MessageID, e.Reason)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsSerializationError reports whether err is or wraps a SerializationError
func IsSerializationError(err error) bool {
	var serErr *SerializationError
	return errors.As(err, &serErr)
}

// IsProcessingError reports whether err is or wraps a ProcessingError
func IsProcessingError(err error) bool {
	var procErr *ProcessingError
	return errors.As(err, &procErr)
}

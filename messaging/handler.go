package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-worker/contracts"
)

// MessageHandler processes a single decoded message.
// Returning nil acknowledges the delivery; any error requeues it.
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// HandlerFunc is a function adapter for MessageHandler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements MessageHandler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// LogHandler is the default handler. It records the message and succeeds.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a pass-through handler
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// Handle implements MessageHandler
func (h *LogHandler) Handle(ctx context.Context, msg *contracts.Message) error {
	h.logger.InfoContext(ctx, "processing message",
		"messageId", msg.ID,
		"messageType", msg.MessageType,
		"payloadBytes", len(msg.Payload),
	)
	return nil
}

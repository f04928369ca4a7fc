package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-worker/contracts"
)

// TypeRouter dispatches messages to handlers by their message_type
type TypeRouter struct {
	handlers map[string]MessageHandler
	fallback MessageHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RouterOption configures the TypeRouter
type RouterOption func(*TypeRouter)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *TypeRouter) {
		r.logger = logger
	}
}

// WithFallback sets the handler used for unregistered message types
func WithFallback(handler MessageHandler) RouterOption {
	return func(r *TypeRouter) {
		r.fallback = handler
	}
}

// NewTypeRouter creates an empty router
func NewTypeRouter(options ...RouterOption) *TypeRouter {
	r := &TypeRouter{
		handlers: make(map[string]MessageHandler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds a handler to a message type, replacing any previous one
func (r *TypeRouter) Register(messageType string, handler MessageHandler) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = handler

	r.logger.Debug("registered handler", "messageType", messageType)
	return nil
}

// MessageTypes returns the registered message types
func (r *TypeRouter) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Handle implements MessageHandler
func (r *TypeRouter) Handle(ctx context.Context, msg *contracts.Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[msg.MessageType]
	r.mu.RUnlock()

	if !ok {
		if r.fallback == nil {
			return contracts.NewProcessingError(msg.ID,
				fmt.Sprintf("no handler registered for message type %q", msg.MessageType), nil)
		}
		handler = r.fallback
	}

	return handler.Handle(ctx, msg)
}

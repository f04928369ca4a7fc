package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-worker/contracts"
)

// Middleware wraps a handler with cross-cutting behavior
type Middleware func(MessageHandler) MessageHandler

// Chain applies middleware so that the first one listed runs outermost
func Chain(handler MessageHandler, middleware ...Middleware) MessageHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// Recovery converts handler panics into a ProcessingError so the delivery is
// requeued instead of crashing the consumer.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next MessageHandler) MessageHandler {
		return HandlerFunc(func(ctx context.Context, msg *contracts.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.ErrorContext(ctx, "handler panic recovered",
						"messageId", msg.ID,
						"panic", r,
						"stack", string(buf[:n]),
					)
					err = contracts.NewProcessingError(msg.ID, "handler panic", fmt.Errorf("%v", r))
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}

// Logging logs the duration and outcome of every handler call
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next MessageHandler) MessageHandler {
		return HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			start := time.Now()
			err := next.Handle(ctx, msg)
			elapsed := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "handler failed",
					"messageId", msg.ID,
					"messageType", msg.MessageType,
					"elapsed", elapsed,
					"error", err,
				)
				return err
			}

			logger.DebugContext(ctx, "handler succeeded",
				"messageId", msg.ID,
				"messageType", msg.MessageType,
				"elapsed", elapsed,
			)
			return nil
		})
	}
}

// Metrics reports every handler call to the collector
func Metrics(collector MetricsCollector) Middleware {
	if collector == nil {
		collector = &NoOpMetricsCollector{}
	}
	return func(next MessageHandler) MessageHandler {
		return HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			start := time.Now()
			err := next.Handle(ctx, msg)
			collector.RecordMessage(msg.MessageType, time.Since(start), err == nil, ErrorType(err))
			return err
		})
	}
}

// ErrorType returns a low-cardinality label for err
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case contracts.IsSerializationError(err):
		return "serialization"
	case contracts.IsProcessingError(err):
		return "processing"
	default:
		return "other"
	}
}

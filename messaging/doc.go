// Package messaging defines the extension point of the worker: the MessageHandler.
//
// This package provides:
//   - MessageHandler / HandlerFunc: the single-method handler contract
//   - LogHandler: default pass-through handler
//   - TypeRouter: dispatches on message_type with an optional fallback
//   - ForwardHandler: relays messages to a downstream HTTP service
//   - Middleware: Recovery, Logging and Metrics wrappers composed with Chain
//
// A handler returning nil gets its delivery acknowledged; any error requeues it.
//
// Example usage:
//
//	router := messaging.NewTypeRouter(messaging.WithFallback(messaging.NewLogHandler(logger)))
//	router.Register("payment.created", paymentHandler)
//
//	handler := messaging.Chain(router,
//		messaging.Recovery(logger),
//		messaging.Logging(logger),
//	)
package messaging

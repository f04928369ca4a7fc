// Package reliability keeps the worker's consume sequence alive.
//
// The Restarter re-runs a task after every failure or clean end, always
// waiting the same fixed delay. Nothing it supervises is fatal to the process;
// only context cancellation stops it.
//
// Example usage:
//
//	r := NewRestarter(WithRestartDelay(5 * time.Second))
//	err := r.Run(ctx, func(ctx context.Context) error {
//	    return consumeOnce(ctx)
//	})
package reliability

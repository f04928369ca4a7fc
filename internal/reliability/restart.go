package reliability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRestartDelay is the pause between supervised attempts
const DefaultRestartDelay = 5 * time.Second

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Restarter runs a task forever with a fixed delay between attempts.
// There is no backoff growth and no attempt cap.
type Restarter struct {
	delay     time.Duration
	logger    *slog.Logger
	sleep     SleepFunc
	onRestart func(attempt int64, err error)
	attempts  atomic.Int64
}

// RestartOption configures the Restarter
type RestartOption func(*Restarter)

// WithRestartDelay sets the delay between attempts
func WithRestartDelay(delay time.Duration) RestartOption {
	return func(r *Restarter) {
		if delay > 0 {
			r.delay = delay
		}
	}
}

// WithRestartLogger sets the logger
func WithRestartLogger(logger *slog.Logger) RestartOption {
	return func(r *Restarter) {
		r.logger = logger
	}
}

// WithSleep replaces the wait between attempts
func WithSleep(sleep SleepFunc) RestartOption {
	return func(r *Restarter) {
		r.sleep = sleep
	}
}

// WithOnRestart registers a hook called before each restart delay.
// err is nil when the task ended cleanly.
func WithOnRestart(hook func(attempt int64, err error)) RestartOption {
	return func(r *Restarter) {
		r.onRestart = hook
	}
}

// NewRestarter creates a new restarter
func NewRestarter(options ...RestartOption) *Restarter {
	r := &Restarter{
		delay:  DefaultRestartDelay,
		logger: slog.Default(),
		sleep:  sleepContext,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Run calls fn until ctx is cancelled and returns ctx.Err()
func (r *Restarter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt := r.attempts.Add(1)
		if err != nil {
			r.logger.Error("worker task failed, restarting",
				"error", err,
				"attempt", attempt,
				"delay", r.delay,
			)
		} else {
			r.logger.Warn("worker task ended, restarting",
				"attempt", attempt,
				"delay", r.delay,
			)
		}

		if r.onRestart != nil {
			r.onRestart(attempt, err)
		}

		if err := r.sleep(ctx, r.delay); err != nil {
			return err
		}
	}
}

// Attempts returns how many restarts have been scheduled
func (r *Restarter) Attempts() int64 {
	return r.attempts.Load()
}

// Delay returns the configured delay
func (r *Restarter) Delay() time.Duration {
	return r.delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

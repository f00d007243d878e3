// Exponential-backoff retry decorator for record writers
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxTries is the number of write attempts made before giving up.
const DefaultMaxTries = 3

// RetryOptions configures a RetryWriter.
type RetryOptions struct {
	// MaxTries is the total number of attempts. Zero selects DefaultMaxTries.
	MaxTries uint
	// InitialInterval is the wait before the first retry; it doubles after each failure.
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// RetryWriter retries failed writes on the wrapped Writer with exponential
// backoff. Invalid records and context cancellation are not retried.
type RetryWriter struct {
	next     Writer
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// NewRetryWriter wraps next.
func NewRetryWriter(next Writer, opts RetryOptions) *RetryWriter {
	w := &RetryWriter{
		next:     next,
		maxTries: opts.MaxTries,
		initial:  opts.InitialInterval,
		logger:   opts.Logger,
	}
	if w.maxTries == 0 {
		w.maxTries = DefaultMaxTries
	}
	if w.initial <= 0 {
		w.initial = 100 * time.Millisecond
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w
}

// Write implements Writer.
func (w *RetryWriter) Write(ctx context.Context, r Record) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.Multiplier = 2

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := w.next.Write(ctx, r)
		if errors.Is(err, ErrInvalidRecord) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			w.logger.Warn("sink write failed, retrying",
				"span_id", r.SpanID, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("writing record %s after %d attempts: %w", r.SpanID, attempt, err)
	}
	return nil
}

package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Options configures Do.
type Options struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration

	// ShouldRetry decides whether an error is retried. Defaults to IsRecoverable.
	ShouldRetry func(err error) bool
}

// Option customizes Options.
type Option func(*Options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBaseWait sets the delay before the first retry. Later delays double.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

// WithMaxWait caps the delay between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

// WithShouldRetry overrides the default recoverability check.
func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// Do calls fn until it succeeds, returns an error that should not be retried,
// or the retries are used up. The last error is returned as is.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := Options{
		MaxRetries:  3,
		BaseWait:    time.Second,
		MaxWait:     30 * time.Second,
		ShouldRetry: IsRecoverable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.MaxRetries || !o.ShouldRetry(err) {
			return err
		}
		timer := time.NewTimer(Backoff(attempt, o.BaseWait, o.MaxWait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the delay before retry number attempt (zero based) using
// exponential growth with full jitter on the upper half.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << min(attempt, 30)
	if limit > 0 && (d > limit || d <= 0) {
		d = limit
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	defaultMaxRetries = 3
	defaultBaseWait   = 50 * time.Millisecond
	defaultMaxWait    = 2 * time.Second
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBaseWait sets the initial backoff delay.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.baseWait = d
		}
	}
}

// WithMaxWait caps a single backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

// Do calls fn until it succeeds, returns an error that is not recoverable, or
// the retry budget is exhausted. The last error from fn is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: defaultMaxRetries,
		baseWait:   defaultBaseWait,
		maxWait:    defaultMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}

	backoff := goretry.NewExponential(o.baseWait)
	backoff = goretry.WithCappedDuration(o.maxWait, backoff)
	backoff = goretry.WithMaxRetries(uint64(o.maxRetries), backoff)

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRecoverable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

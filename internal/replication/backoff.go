package replication

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff is the retry policy for a single fetch.
//
// Waits grow exponentially from MinWait up to MaxWait with jitter. A
// positive MaxAttempts bounds the number of tries; zero leaves only the
// library's elapsed-time limit.
type Backoff struct {
	MinWait     time.Duration
	MaxWait     time.Duration
	MaxAttempts int
}

// DefaultBackoff is used by clients built without WithBackoff.
var DefaultBackoff = Backoff{
	MinWait:     50 * time.Millisecond,
	MaxWait:     2 * time.Second,
	MaxAttempts: 4,
}

// options translates b into backoff.Retry options. notify, if non-nil,
// sees every failure that will be retried.
func (b Backoff) options(notify backoff.Notify) []backoff.RetryOption {
	exp := backoff.NewExponentialBackOff()
	if b.MinWait > 0 {
		exp.InitialInterval = b.MinWait
	}
	if b.MaxWait > 0 {
		exp.MaxInterval = b.MaxWait
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(exp)}
	if b.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(b.MaxAttempts)))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}

// permanent marks a failure retrying cannot fix.
func permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

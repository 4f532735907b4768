package brocker

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the local-retry companion to Queue.Sub's ack/nack
// semantics: a handler chain outcome that fails is retried this many times
// (with exponential backoff) before the delivery is finally nacked. This is
// the type the teacher's own Consume/ConsumeOnce signatures reference
// (`rp ...*RetryPolicy`) without ever defining in the retrieved source; it
// is supplied here on top of the same backoff library the rest of the
// corpus reaches for (cenkalti/backoff/v4), not a hand-rolled sleep loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRetryPolicy builds a RetryPolicy with sane exponential-backoff
// defaults, retrying up to maxAttempts times.
func NewRetryPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// newAttemptTracker starts a fresh, single-delivery view over this policy.
// A tracker is not shared across deliveries, so concurrent subscriptions
// (or a policy reused across queues) never race on retry counters.
func (p *RetryPolicy) newAttemptTracker() *retryAttempt {
	if p == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed wall time
	b.Reset()            // start the first interval from InitialInterval
	return &retryAttempt{backoff: b, max: p.MaxAttempts}
}

type retryAttempt struct {
	backoff *backoff.ExponentialBackOff
	max     int
	count   int
}

func (a *retryAttempt) shouldRetry() bool {
	return a != nil && a.count < a.max
}

func (a *retryAttempt) next() time.Duration {
	a.count++
	return a.backoff.NextBackOff()
}

func (a *retryAttempt) attemptLabel() string {
	if a == nil {
		return "0/0"
	}
	return fmt.Sprintf("%d/%d", a.count, a.max)
}

// Package policy decides what happens after a failed task attempt: schedule
// a retry after a backoff delay, or fail the task for good.
package policy

import (
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
)

// BackoffFactor is the exponential growth base between retries.
const BackoffFactor = 2

// jitterFraction spreads computed delays by ±25% so mass failures do not
// come back as one redelivery wave.
const jitterFraction = 0.25

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Evaluate applies the definition's retry policy to the attempt that just
// failed. attempts is the total attempts made so far, counting the one that
// failed. rnd must return values in [0,1); nil means no jitter.
func Evaluate(def *registry.Definition, attempts int, retryable bool, rnd func() float64) Decision {
	if !retryable {
		return Decision{Reason: "error is not retryable"}
	}
	if attempts > def.MaxRetries {
		return Decision{Reason: "retries exhausted"}
	}
	return Decision{Retry: true, Delay: Backoff(def, attempts, rnd)}
}

// Backoff computes the delay before retry number `attempts` (1-based: the
// delay after the first failed attempt uses the flat RetryDelay). With
// backoff enabled the delay doubles per attempt, capped at RetryBackoffMax,
// then jittered ±25%.
func Backoff(def *registry.Definition, attempts int, rnd func() float64) time.Duration {
	d := def.RetryDelay
	if def.RetryBackoff {
		if attempts < 1 {
			attempts = 1
		}
		for i := 1; i < attempts; i++ {
			d *= BackoffFactor
			if d >= def.RetryBackoffMax {
				d = def.RetryBackoffMax
				break
			}
		}
		if d > def.RetryBackoffMax {
			d = def.RetryBackoffMax
		}
		if rnd != nil {
			d = time.Duration(float64(d) * (1 - jitterFraction + 2*jitterFraction*rnd()))
			if d > def.RetryBackoffMax {
				d = def.RetryBackoffMax
			}
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Package backoff provides the retry delay policies used by resource
// initialization and transport reconnection.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// MaxRetries is the default attempt cap for resource initializers.
	MaxRetries = 3
	// MaxReconnectAttempts is the default attempt cap for transport
	// reconnection. Beyond it the connection stays down until the caller
	// reconnects explicitly.
	MaxReconnectAttempts = 5

	// DefaultRetryBase is the base delay for resource retries.
	DefaultRetryBase = 1 * time.Second
	// DefaultReconnectBase is the base delay for reconnection attempts.
	DefaultReconnectBase = 1 * time.Second
)

// Policy maps an attempt number (1-based) to a delay before that attempt.
// Delay must be non-decreasing in the attempt number.
type Policy interface {
	Delay(attempt int) time.Duration
	MaxAttempts() int
}

type linear struct {
	base time.Duration
	max  int
}

// Linear returns a policy with delay base*attempt, capped at maxAttempts.
func Linear(base time.Duration, maxAttempts int) Policy {
	return linear{base: base, max: maxAttempts}
}

func (p linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.base * time.Duration(attempt)
}

func (p linear) MaxAttempts() int { return p.max }

type exponential struct {
	base time.Duration
	max  int
}

// Exponential returns a policy with delay base*2^(attempt-1), capped at
// maxAttempts.
func Exponential(base time.Duration, maxAttempts int) Policy {
	return exponential{base: base, max: maxAttempts}
}

func (p exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.base << uint(attempt-1)
}

func (p exponential) MaxAttempts() int { return p.max }

type jittered struct {
	inner    Policy
	fraction float64
}

// WithJitter wraps a policy, adding up to fraction*delay of random extra
// delay to spread out retries from multiple clients. Jitter only ever adds,
// so the non-decreasing guarantee of the inner policy is preserved.
func WithJitter(p Policy, fraction float64) Policy {
	if fraction < 0 {
		fraction = 0
	}
	return jittered{inner: p, fraction: fraction}
}

func (p jittered) Delay(attempt int) time.Duration {
	d := p.inner.Delay(attempt)
	if p.fraction == 0 || d <= 0 {
		return d
	}
	span := int64(float64(d) * p.fraction)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span))
}

func (p jittered) MaxAttempts() int { return p.inner.MaxAttempts() }

// Package delivery sends webhook payloads to their destinations and decides
// what to do with each outcome. Classification and the retry policy are pure
// so the full decision table is testable without a network.
package delivery

import (
	"math/rand/v2"
	"time"
)

// Class buckets a delivery outcome for the retry policy, the breaker, and
// the dead-letter record.
type Class string

const (
	ClassSuccess         Class = "success_2xx"
	ClassPermanent4xx    Class = "client_4xx_permanent"
	ClassRetriable4xx    Class = "client_4xx_retriable"
	ClassServer5xx       Class = "server_5xx"
	ClassTimeout         Class = "timeout"
	ClassConnectionError Class = "connection_error"
	ClassInvalidURL      Class = "invalid_url"
)

// retriable4xx are client errors that indicate a transient receiver
// condition rather than a broken registration.
var retriable4xx = map[int]bool{
	408: true, // request timeout
	425: true, // too early
	429: true, // rate limited
}

// ClassifyStatus maps an HTTP response code to its outcome class. Any
// non-2xx code outside the 4xx/5xx ranges is treated as permanent: the
// receiver answered, but not with anything a retry would change.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassSuccess
	case code >= 500 && code < 600:
		return ClassServer5xx
	case code >= 400 && code < 500:
		if retriable4xx[code] {
			return ClassRetriable4xx
		}
		return ClassPermanent4xx
	default:
		return ClassPermanent4xx
	}
}

// Retriable reports whether the class permits another attempt at all.
func (c Class) Retriable() bool {
	switch c {
	case ClassRetriable4xx, ClassServer5xx, ClassTimeout, ClassConnectionError:
		return true
	}
	return false
}

// CountsForBreaker reports whether the class should count as a failure on
// the destination host's breaker. Permanent client errors are the
// receiver's answer, not its unavailability, so they never trip a breaker.
func (c Class) CountsForBreaker(excludeTimeouts bool) bool {
	switch c {
	case ClassServer5xx, ClassConnectionError:
		return true
	case ClassTimeout:
		return !excludeTimeouts
	}
	return false
}

// Action is what the caller should do after an attempt.
type Action int

const (
	ActionSucceed Action = iota
	ActionRetry
	ActionDeadLetter
)

// Decision is the policy's verdict for one attempt outcome.
type Decision struct {
	Action Action
	// Delay is the wait before the next attempt; set only for ActionRetry.
	Delay time.Duration
}

// Policy decides retry behavior from (class, attempts) alone.
type Policy struct {
	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int
	// BaseDelay and MaxDelay bound the exponential backoff before jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// rand returns a uniform float in [0, 1); overridable in tests.
	rand func() float64
}

// NewPolicy creates a retry policy with jittered exponential backoff.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		rand:        rand.Float64,
	}
}

// Decide returns the verdict for an attempt that ended in class, where
// attempts is the number of attempts already made (including this one).
func (p *Policy) Decide(class Class, attempts int) Decision {
	if class == ClassSuccess {
		return Decision{Action: ActionSucceed}
	}
	if !class.Retriable() {
		return Decision{Action: ActionDeadLetter}
	}
	if attempts >= p.MaxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	return Decision{Action: ActionRetry, Delay: p.backoff(attempts)}
}

// RetryDelay returns the jittered backoff after `attempts` tries, for
// callers that decide retriability themselves (the compute retry policy).
func (p *Policy) RetryDelay(attempts int) time.Duration {
	return p.backoff(attempts)
}

// backoff computes the capped exponential delay for the next attempt after
// `attempts` tries, jittered uniformly over [0.5x, 1.5x] to spread
// synchronized retries.
func (p *Policy) backoff(attempts int) time.Duration {
	base := p.BaseDelay
	for i := 1; i < attempts; i++ {
		base *= 2
		if base >= p.MaxDelay {
			base = p.MaxDelay
			break
		}
	}
	if base > p.MaxDelay {
		base = p.MaxDelay
	}
	jitter := 0.5 + p.rand()
	return time.Duration(float64(base) * jitter)
}

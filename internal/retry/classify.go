package retry

import (
	"strings"
	"time"
)

// Classification is the outcome class of a failed attempt.
type Classification int

const (
	Transient   Classification = iota // counts toward the error-block threshold
	RateLimited                       // blocks the credential immediately
	Fatal                             // no retry; the credential is not at fault
)

func (c Classification) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

// rateLimitMarkers are matched case-insensitively against the error text.
// Provider adapters surface failures as plain messages, so this is a
// substring heuristic rather than a status code check.
var rateLimitMarkers = []string{"429", "rate limit", "quota", "too many requests"}

// Classify sorts a failed attempt. Errors wrapped with Permanent are Fatal,
// rate limit wording is RateLimited, anything else is Transient.
func Classify(err error) Classification {
	if err == nil {
		return Transient
	}
	if IsPermanent(err) {
		return Fatal
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return RateLimited
		}
	}
	return Transient
}

// Backoff returns base doubled for every attempt after the first, capped at
// ceiling. Attempts count from 1.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

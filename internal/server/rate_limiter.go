// Package server implements per-connection throttling of broadcast chunks
// on top of a token bucket.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows burst chunks per interval. It returns nil, meaning
// unlimited, when burst is not positive.
func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Every(interval / time.Duration(burst))
	return &rateLimiter{limiter: rate.NewLimiter(every, burst)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}

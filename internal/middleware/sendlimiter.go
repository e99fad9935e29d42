package middleware

import (
	"sync"
	"time"
)

// SendLimiter is a token bucket guarding outbound message sends. A
// client that burns through its burst has further sends rejected
// locally; nothing ever reaches the socket.
type SendLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perToken time.Duration
	lastTick time.Time
	now      func() time.Time
}

// NewSendLimiter allows burst sends immediately and refills one token
// every refill interval.
func NewSendLimiter(burst int, refill time.Duration) *SendLimiter {
	return &SendLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perToken: refill,
		lastTick: time.Now(),
		now:      time.Now,
	}
}

// Allow consumes a token if one is available.
func (l *SendLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastTick)
	if elapsed > 0 {
		l.tokens += float64(elapsed) / float64(l.perToken)
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.lastTick = now
	}

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

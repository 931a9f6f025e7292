package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"golang.org/x/time/rate"
)

// MessageLimiter throttles raw inbound frames per identity with a token bucket.
// All connections of an identity share one bucket, and a bucket is only
// dropped once it has refilled, so reconnecting never restores tokens early.
type MessageLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limiters map[domain.Identity]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewMessageLimiter(perSecond float64, burst int, clock clockwork.Clock) *MessageLimiter {
	return &MessageLimiter{
		clock:    clock,
		limiters: make(map[domain.Identity]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether one more frame from identity is allowed now.
func (l *MessageLimiter) Allow(identity domain.Identity) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[identity]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[identity] = limiter
	}
	l.mu.Unlock()

	return limiter.AllowN(l.clock.Now(), 1)
}

// Release drops identity's bucket if it is full. A depleted bucket stays until
// Sweep finds it refilled.
func (l *MessageLimiter) Release(identity domain.Identity) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[identity]; ok && l.full(limiter, now) {
		delete(l.limiters, identity)
	}
}

// Sweep drops every full bucket and returns how many were dropped.
func (l *MessageLimiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for identity, limiter := range l.limiters {
		if l.full(limiter, now) {
			delete(l.limiters, identity)
			dropped++
		}
	}
	return dropped
}

// Run sweeps on every interval tick until ctx is cancelled.
func (l *MessageLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if dropped := l.Sweep(); dropped > 0 {
				slog.DebugContext(ctx, "Frame limiter sweep dropped refilled buckets", "dropped", dropped)
			}
		}
	}
}

func (l *MessageLimiter) full(limiter *rate.Limiter, now time.Time) bool {
	return limiter.TokensAt(now) >= float64(l.burst)
}

func (l *MessageLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

package tunnel

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// Policy is a fixed-budget retry policy with capped exponential backoff.
// It is shared by the connection pool and the WebSocket connect path so
// backoff behavior is defined in exactly one place.
type Policy struct {
	// Attempts is the total attempt budget, including the first try.
	Attempts int
	// Delay is the backoff before the second attempt. Each subsequent
	// delay doubles, capped at MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy is the pool's request retry policy: 3 attempts, 500ms
// initial delay, 5s cap.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		MaxDelay: 5 * time.Second,
	}
}

// WebSocketDialPolicy is the WebSocket connect path's retry policy:
// 3 attempts, 500ms initial delay, 2.5s cap.
func WebSocketDialPolicy() Policy {
	return Policy{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		MaxDelay: 2500 * time.Millisecond,
	}
}

// DelayFor returns the backoff to sleep after the given zero-based failed
// attempt: min(Delay * 2^attempt, MaxDelay).
func (p Policy) DelayFor(attempt int) time.Duration {
	delay := p.Delay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Sleep waits out the backoff for the given failed attempt, or returns
// early with the context's error.
func (p Policy) Sleep(ctx context.Context, clock quartz.Clock, attempt int) error {
	timer := clock.NewTimer(p.DelayFor(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

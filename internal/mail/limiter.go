package mail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limited paces calls to an underlying Provider with a token bucket and
// bounds each call with a timeout.
type Limited struct {
	next Provider

	mu      sync.RWMutex
	lim     *rate.Limiter
	timeout time.Duration
}

// NewLimited wraps p. ratePerSec <= 0 disables pacing.
func NewLimited(p Provider, cfg Config) *Limited {
	l := &Limited{next: p}
	l.Apply(cfg)
	return l
}

// Apply updates the rate and timeout without touching the wrapped provider.
func (l *Limited) Apply(cfg Config) {
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	l.mu.Lock()
	l.lim = lim
	l.timeout = cfg.Timeout
	l.mu.Unlock()
}

func (l *Limited) Name() string { return l.next.Name() }

// Unwrap returns the wrapped provider.
func (l *Limited) Unwrap() Provider { return l.next }

func (l *Limited) Send(ctx context.Context, m Message) (string, error) {
	l.mu.RLock()
	lim := l.lim
	timeout := l.timeout
	l.mu.RUnlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", err
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.next.Send(ctx, m)
}

package adapter

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"merchlink/internal/model"
)

const (
	defaultRPS   = 10
	defaultBurst = 5
)

// Limiter applies a per-provider token bucket to outbound calls. Callers
// block until a token is available instead of failing fast; upstream quota
// exhaustion is strictly worse than added latency here.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: map[string]*rate.Limiter{}}
}

// Wait blocks until the provider's bucket grants a token or ctx is done.
// Live and sandbox traffic use separate buckets.
func (l *Limiter) Wait(ctx context.Context, p model.Provider) error {
	return l.bucket(p).Wait(ctx)
}

func (l *Limiter) bucket(p model.Provider) *rate.Limiter {
	key := strings.ToLower(p.Name)
	if p.Sandbox {
		key += "|sandbox"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	rps := p.Settings.Retry.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := p.Settings.Retry.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	b := rate.NewLimiter(rate.Limit(rps), burst)
	l.buckets[key] = b
	return b
}

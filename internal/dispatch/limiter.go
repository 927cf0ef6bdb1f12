package dispatch

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiters share one token bucket per tenant across all of its jobs.
// A nil receiver or a non-positive rate never blocks.
type tenantLimiters struct {
	rps float64

	mu   sync.Mutex
	byID map[string]*rate.Limiter
}

func newTenantLimiters(rps float64) *tenantLimiters {
	if rps <= 0 {
		return nil
	}
	return &tenantLimiters{rps: rps, byID: map[string]*rate.Limiter{}}
}

func (l *tenantLimiters) Wait(ctx context.Context, tenantID string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	lim := l.byID[tenantID]
	if lim == nil {
		burst := int(math.Ceil(l.rps))
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.rps), burst)
		l.byID[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

package fetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HostRateLimiter paces requests per server with a token bucket each
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	log      *logrus.Entry
}

// NewHostRateLimiter allows perSecond requests to each host. A
// non-positive rate disables pacing.
func NewHostRateLimiter(perSecond float64, burst int, log *logrus.Entry) *HostRateLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		log:      log,
	}
}

func (r *HostRateLimiter) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx ends
func (r *HostRateLimiter) Wait(ctx context.Context, host string) error {
	if r.limit == rate.Inf {
		return ctx.Err()
	}
	l := r.limiter(host)
	if l.Tokens() < 1 {
		r.log.WithField("host", host).Trace("Rate limit delaying request")
	}
	return l.Wait(ctx)
}

// Hosts returns the number of hosts with a limiter
func (r *HostRateLimiter) Hosts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerClient keeps one token bucket per client key.
type PerClient struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerClient allows requestsPerMinute per key with a burst of a tenth of
// that. It returns nil, which allows everything, when requestsPerMinute is
// not positive.
func NewPerClient(requestsPerMinute int) *PerClient {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &PerClient{
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   burst,
		idle:    5 * time.Minute,
		clients: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether key may make a request now.
func (p *PerClient) Allow(key string) bool {
	if p == nil {
		return true
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.clients[key]
	if !ok {
		p.evictLocked(now)
		b = &bucket{limiter: rate.NewLimiter(p.limit, p.burst), lastSeen: now}
		p.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (p *PerClient) evictLocked(now time.Time) {
	for key, b := range p.clients {
		if now.Sub(b.lastSeen) > p.idle {
			delete(p.clients, key)
		}
	}
}

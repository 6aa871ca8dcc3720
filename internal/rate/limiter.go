package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerHost keeps one token bucket per API host. A non-positive rate disables
// limiting entirely.
type PerHost struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerHost {
	if burst < 1 {
		burst = 1
	}
	return &PerHost{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 1024,
	}
}

func (p *PerHost) entry(host string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if e, ok := p.m[host]; ok {
		e.lastUsed = now
		return e
	}
	if len(p.m) >= p.maxEntries {
		p.prune(now.Add(-1 * time.Hour))
	}
	e := &limitEntry{
		limiter:  rate.NewLimiter(rate.Limit(p.perSecond), p.burst),
		lastUsed: now,
	}
	p.m[host] = e
	return e
}

// prune drops buckets idle since before cutoff. Caller holds p.mu.
func (p *PerHost) prune(cutoff time.Time) {
	for host, e := range p.m {
		if e.lastUsed.Before(cutoff) {
			delete(p.m, host)
		}
	}
}

func (p *PerHost) Allow(host string) bool {
	if p.perSecond <= 0 {
		return true
	}
	return p.entry(host).limiter.Allow()
}

// Wait blocks until a request to host may proceed or ctx is done.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	if p.perSecond <= 0 {
		return ctx.Err()
	}
	return p.entry(host).limiter.Wait(ctx)
}

package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per sender. Idle buckets are
// dropped by a background sweep.
type limiterPool struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
	sweep   sync.Once
	stop    chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     10 * time.Minute,
		entries: make(map[string]*limiterEntry),
		stop:    make(chan struct{}),
	}
}

// Allow reports whether key may send now.
func (p *limiterPool) Allow(key string) bool {
	p.sweep.Do(func() { go p.sweepLoop(time.Minute) })

	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	p.mu.Unlock()

	return entry.limiter.Allow()
}

func (p *limiterPool) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle(time.Now().Add(-p.ttl))
		}
	}
}

func (p *limiterPool) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for key, entry := range p.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(p.entries, key)
			evicted++
		}
	}
	return evicted
}

func (p *limiterPool) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

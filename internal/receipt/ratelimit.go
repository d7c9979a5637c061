package receipt

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ownerLimiter hands out one token bucket per owner. Idle buckets are dropped
// on the next allow call after limiterIdle.
type ownerLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastPrune time.Time
	now       func() time.Time
}

// newOwnerLimiter returns nil when rps is not positive, which disables limiting.
func newOwnerLimiter(rps float64, burst int) *ownerLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *ownerLimiter) allow(owner string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdle {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdle {
				delete(l.visitors, key)
			}
		}
		l.lastPrune = now
	}

	v, ok := l.visitors[owner]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[owner] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

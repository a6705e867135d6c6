package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket per (identity, resource) pair.
type Limiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	lk       sync.Mutex
	limiters map[string]*entry
	now      func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter allowing rps events per second with the given burst. Buckets unused for
// longer than idle are dropped by Prune.
func New(rps float64, burst int, idle time.Duration) *Limiter {
	return &Limiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		limiters: make(map[string]*entry),
		now:      time.Now,
	}
}

func (l *Limiter) Allow(identity, resource string) bool {
	key := identity + "|" + resource
	now := l.now()

	l.lk.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.lk.Unlock()

	return e.lim.AllowN(now, 1)
}

// Prune drops idle buckets and returns how many were removed.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.idle)

	l.lk.Lock()
	defer l.lk.Unlock()

	n := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

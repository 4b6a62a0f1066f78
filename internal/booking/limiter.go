package booking

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a key may stay unused before it is dropped. A bucket
// refills completely within a minute, so a dropped key behaves like a fresh one.
const limiterIdle = time.Minute

type phoneLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// attemptLimiter throttles booking attempts per customer phone.
type attemptLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*phoneLimiter
	perMin    int
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(perMinute int) *attemptLimiter {
	return &attemptLimiter{
		limiters: make(map[string]*phoneLimiter),
		perMin:   perMinute,
		now:      time.Now,
	}
}

// allow reports whether key may attempt another booking. A zero rate disables throttling.
func (l *attemptLimiter) allow(key string) bool {
	if l.perMin <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdle {
		l.sweep(now)
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &phoneLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops keys idle for at least limiterIdle. Callers hold mu.
func (l *attemptLimiter) sweep(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

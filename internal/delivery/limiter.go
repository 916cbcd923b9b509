package delivery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// streamLimiter tracks the rate limiter and last-seen time for one
// destination stream.
type streamLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiters paces write calls per destination stream. A zero rate disables
// pacing.
type limiters struct {
	mu      sync.Mutex
	streams map[string]*streamLimiter
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

func newLimiters(r rate.Limit, burst int) *limiters {
	if burst < 1 {
		burst = 1
	}
	return &limiters{
		streams: make(map[string]*streamLimiter),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// get returns the limiter for key, creating one if needed. It returns nil
// when pacing is disabled.
func (l *limiters) get(key string) *rate.Limiter {
	if l.rate <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.streams[key]
	if !ok {
		entry = &streamLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.streams[key] = entry
	}
	entry.lastSeen = l.now()
	return entry.limiter
}

// cleanup removes streams not used within staleAfter and returns how many
// were removed.
func (l *limiters) cleanup(staleAfter time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-staleAfter)
	n := 0
	for key, entry := range l.streams {
		if entry.lastSeen.Before(cutoff) {
			delete(l.streams, key)
			n++
		}
	}
	return n
}

func (l *limiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

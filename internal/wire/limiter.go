package wire

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default limits (§6): 60 messages/minute per IP, 100/minute per session.
const (
	DefaultIPLimitPerMinute      = 60
	DefaultSessionLimitPerMinute = 100
	MaxFrameBytes                = 1 << 20 // 1 MiB
)

func perMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// IPLimiters tracks one token-bucket limiter per remote IP, evicting
// idle entries so long-lived gateways don't leak memory on churn.
type IPLimiters struct {
	mu         sync.Mutex
	limiters   map[string]*ipEntry
	perMinute  int
	idleExpiry time.Duration
}

type ipEntry struct {
	limiter *rate.Limiter
	lastHit time.Time
}

// NewIPLimiters builds a registry bounding per-IP message rates.
func NewIPLimiters(perMinute int) *IPLimiters {
	if perMinute <= 0 {
		perMinute = DefaultIPLimitPerMinute
	}
	return &IPLimiters{
		limiters:   make(map[string]*ipEntry),
		perMinute:  perMinute,
		idleExpiry: 10 * time.Minute,
	}
}

// Allow reports whether ip may send another message now, and the
// milliseconds the caller should suggest the client wait if not.
func (l *IPLimiters) Allow(ip string) (bool, int64) {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: perMinuteLimiter(l.perMinute)}
		l.limiters[ip] = entry
	}
	entry.lastHit = time.Now()
	l.evictLocked()
	l.mu.Unlock()

	res := entry.limiter.Reserve()
	if !res.OK() {
		return false, 1000
	}
	delay := res.Delay()
	if delay <= 0 {
		return true, 0
	}
	res.Cancel()
	return false, delay.Milliseconds()
}

func (l *IPLimiters) evictLocked() {
	cutoff := time.Now().Add(-l.idleExpiry)
	for ip, e := range l.limiters {
		if e.lastHit.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// SessionLimiter bounds one session's message rate independent of its
// peer IP (a session behind a shared IP shouldn't starve, nor should one
// abusive session hide inside an otherwise-healthy IP's budget).
type SessionLimiter struct {
	limiter *rate.Limiter
}

// NewSessionLimiter builds a per-session limiter.
func NewSessionLimiter(perMinute int) *SessionLimiter {
	if perMinute <= 0 {
		perMinute = DefaultSessionLimitPerMinute
	}
	return &SessionLimiter{limiter: perMinuteLimiter(perMinute)}
}

// Allow reports whether another message may be processed now.
func (s *SessionLimiter) Allow() (bool, int64) {
	res := s.limiter.Reserve()
	if !res.OK() {
		return false, 1000
	}
	delay := res.Delay()
	if delay <= 0 {
		return true, 0
	}
	res.Cancel()
	return false, delay.Milliseconds()
}

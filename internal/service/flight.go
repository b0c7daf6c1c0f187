package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// attemptLease is the single-flight guard around a settlement attempt. An
// in-process attempt holds it until the call returns; a split attempt leases
// it from prepare until finalize, abort or expiry.
type attemptLease struct {
	mu      sync.Mutex
	ttl     time.Duration
	planID  string
	pinned  bool
	expires time.Time
}

func newAttemptLease(ttl time.Duration) *attemptLease {
	if ttl <= 0 {
		ttl = DefaultAttemptLease
	}
	return &attemptLease{ttl: ttl}
}

// acquire takes the guard for ttl.
func (l *attemptLease) acquire(planID string, now time.Time) bool {
	return l.take(planID, now, false)
}

// hold takes the guard with no expiry; only release frees it.
func (l *attemptLease) hold(planID string, now time.Time) bool {
	return l.take(planID, now, true)
}

func (l *attemptLease) take(planID string, now time.Time, pinned bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy(now) {
		return false
	}
	l.planID = planID
	l.pinned = pinned
	l.expires = now.Add(l.ttl)
	return true
}

func (l *attemptLease) busy(now time.Time) bool {
	return l.planID != "" && (l.pinned || now.Before(l.expires))
}

func (l *attemptLease) release(planID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.planID == "" || l.planID != planID {
		return false
	}
	l.planID = ""
	l.pinned = false
	l.expires = time.Time{}
	return true
}

func (l *attemptLease) holder(now time.Time) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.busy(now) {
		return "", false
	}
	return l.planID, true
}

// forceThrottle limits how often a forced attempt may skip the interval rule.
type forceThrottle struct {
	limiter *rate.Limiter
}

func newForceThrottle(minBetween time.Duration) *forceThrottle {
	limit := rate.Inf
	if minBetween > 0 {
		limit = rate.Every(minBetween)
	}
	return &forceThrottle{limiter: rate.NewLimiter(limit, 1)}
}

func (t *forceThrottle) allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}

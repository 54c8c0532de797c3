package httpapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"goldpos/backend/internal/domain"
)

// attemptKey names whose attempts are being counted. Login attempts are
// counted per account and origin address; approver PIN attempts per
// approver and requesting actor inside one branch.
type attemptKey struct {
	scope   string
	branch  string
	subject string
	origin  string
}

func loginKey(req domain.LoginRequest, r *http.Request) attemptKey {
	return attemptKey{
		scope:   "login",
		subject: strings.ToLower(strings.TrimSpace(req.UserID)),
		origin:  remoteHost(r),
	}
}

func approvalKey(actor domain.Actor, approverID string) attemptKey {
	return attemptKey{
		scope:   "approval",
		branch:  actor.BranchID,
		subject: strings.ToLower(strings.TrimSpace(approverID)),
		origin:  actor.ID,
	}
}

// attemptLimiter allows at most max attempts per key inside a sliding window.
type attemptLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[attemptKey][]time.Time
	now      func() time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		max:      max,
		window:   window,
		attempts: make(map[attemptKey][]time.Time),
		now:      time.Now,
	}
}

func (l *attemptLimiter) Allow(key attemptKey) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.attempts[key], now.Add(-l.window))
	if len(recent) >= l.max {
		l.attempts[key] = recent
		return false
	}
	l.attempts[key] = append(recent, now)
	l.sweep(now)
	return true
}

// sweep drops keys whose attempts have all left the window.
func (l *attemptLimiter) sweep(now time.Time) {
	if len(l.attempts) < 1024 {
		return
	}
	cutoff := now.Add(-l.window)
	for key, times := range l.attempts {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.attempts, key)
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func remoteHost(r *http.Request) string {
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw == "" {
		return "unknown"
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.Unmap().String()
	}
	return raw
}

package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failure budget of one client address
	// and of one API key id.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTracked bounds the number of budgets kept in memory.
	DefaultMaxTracked = 10000

	sweepInterval = time.Minute
	idleAfter     = 5 * time.Minute
)

// ThrottleScope names the budget that rejected an authentication attempt.
type ThrottleScope string

const (
	// ScopeAddress budgets failures per client IP.
	ScopeAddress ThrottleScope = "address"
	// ScopeAPIKey budgets failures per claimed API key id, whatever address
	// they come from.
	ScopeAPIKey ThrottleScope = "api_key"
)

// Attempt identifies one bearer authentication: the client address and the
// key id the token claims ("id" of "id.secret"). Either may be empty.
type Attempt struct {
	IP    string
	KeyID string
}

type budgetKey struct {
	scope ThrottleScope
	id    string
}

func (a Attempt) budgetKeys() []budgetKey {
	keys := make([]budgetKey, 0, 2)
	if a.IP != "" {
		keys = append(keys, budgetKey{scope: ScopeAddress, id: a.IP})
	}
	if a.KeyID != "" {
		keys = append(keys, budgetKey{scope: ScopeAPIKey, id: a.KeyID})
	}
	return keys
}

type budget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed API key authentications. Every failure spends
// from the budget of its address and of the key id it claimed. An address
// that has spent its budget is refused before its token is checked; a key id
// that has spent its budget only turns further failures into 429s, so a
// caller holding the real secret is never locked out by someone guessing.
type RateLimiter struct {
	mu         sync.Mutex
	budgets    map[budgetKey]*budget
	perMinute  int
	maxTracked int
	now        func() time.Time
	cancel     context.CancelFunc
}

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithMaxTracked overrides [DefaultMaxTracked].
func WithMaxTracked(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter starts a limiter allowing perMinute failures per address
// and per key id. Pass 0 to use [DefaultMaxAttemptsPerMinute]. Idle budgets
// are swept until ctx is done or [RateLimiter.Stop] is called.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		budgets:    make(map[budgetKey]*budget),
		perMinute:  perMinute,
		maxTracked: DefaultMaxTracked,
		now:        time.Now,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Blocked reports whether the attempt's address has no failures left. It
// spends nothing.
func (rl *RateLimiter) Blocked(a Attempt) bool {
	if a.IP == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.budgets[budgetKey{scope: ScopeAddress, id: a.IP}]
	if !ok {
		return false
	}
	now := rl.now()
	b.lastSeen = now
	return b.limiter.TokensAt(now) < 1
}

// Fail records a failed attempt against each of its budgets and returns the
// first scope that is now over its limit.
func (rl *RateLimiter) Fail(a Attempt) (ThrottleScope, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	var (
		over      ThrottleScope
		throttled bool
	)
	for _, key := range a.budgetKeys() {
		if !rl.budgetLocked(key, now).limiter.AllowN(now, 1) && !throttled {
			over, throttled = key.scope, true
		}
	}
	return over, throttled
}

func (rl *RateLimiter) budgetLocked(key budgetKey, now time.Time) *budget {
	b, ok := rl.budgets[key]
	if !ok {
		if len(rl.budgets) >= rl.maxTracked {
			rl.evictIdlestLocked()
		}
		b = &budget{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.budgets[key] = b
	}
	b.lastSeen = now
	return b
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleAfter)
	for key, b := range rl.budgets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.budgets, key)
		}
	}
}

func (rl *RateLimiter) evictIdlestLocked() {
	var (
		idlest   budgetKey
		lastSeen time.Time
		found    bool
	)
	for key, b := range rl.budgets {
		if !found || b.lastSeen.Before(lastSeen) {
			idlest, lastSeen, found = key, b.lastSeen, true
		}
	}
	if found {
		delete(rl.budgets, idlest)
	}
}

// ExtractIP strips the port from a RemoteAddr or peer address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-key budget per client address.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTracked bounds each budget's key set.
	DefaultMaxTracked = 10000

	// deploymentBudgetFactor scales the per-address budget into the budget
	// shared by every address presenting keys for one deployment id.
	deploymentBudgetFactor = 5

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

// AuthAttempt identifies who presented a deployment key. DeploymentID is the
// id half of the presented key and is unverified.
type AuthAttempt struct {
	IP           string
	DeploymentID string
}

// RateLimiter throttles deployment-key guessing. Failures are charged to the
// client address and to the claimed deployment id. An address is blocked once
// its own budget is spent, or once the deployment's budget is spent and the
// address has failed before. Addresses with no failures are never blocked by
// the deployment budget, so a guessing campaign cannot lock out healthy SDKs.
type RateLimiter struct {
	mu           sync.Mutex
	byIP         *failureBudget
	byDeployment *failureBudget
	now          func() time.Time
	cancel       context.CancelFunc
}

// NewRateLimiter allows maxPerMinute failures per address. Pass 0 for
// DefaultMaxAttemptsPerMinute. The cleanup loop ends with ctx or Stop.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		byIP:         newFailureBudget(maxPerMinute, DefaultMaxTracked),
		byDeployment: newFailureBudget(maxPerMinute*deploymentBudgetFactor, DefaultMaxTracked),
		now:          time.Now,
		cancel:       cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Blocked reports whether a should be rejected before its key is checked. It
// does not consume budget.
func (rl *RateLimiter) Blocked(a AuthAttempt) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.byIP.exhausted(a.IP, now) {
		return true
	}
	return rl.byIP.has(a.IP) && rl.byDeployment.exhausted(a.DeploymentID, now)
}

// RecordFailure charges a failed attempt to both budgets and reports whether
// the address may keep trying.
func (rl *RateLimiter) RecordFailure(a AuthAttempt) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	ipOK := rl.byIP.spend(a.IP, now)
	deploymentOK := rl.byDeployment.spend(a.DeploymentID, now)
	return ipOK && deploymentOK
}

// Tracked returns how many addresses and deployment ids carry failures.
func (rl *RateLimiter) Tracked() (ips, deployments int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byIP.entries), len(rl.byDeployment.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.byIP.prune(now)
	rl.byDeployment.prune(now)
}

// failureBudget is a token bucket per key, refilled at burst/60 per second.
// Callers hold RateLimiter.mu.
type failureBudget struct {
	limit      rate.Limit
	burst      int
	maxTracked int
	entries    map[string]*budgetEntry
}

type budgetEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newFailureBudget(perMinute, maxTracked int) *failureBudget {
	return &failureBudget{
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      perMinute,
		maxTracked: maxTracked,
		entries:    make(map[string]*budgetEntry),
	}
}

func (b *failureBudget) has(key string) bool {
	_, ok := b.entries[key]
	return ok && key != ""
}

func (b *failureBudget) exhausted(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	e, ok := b.entries[key]
	if !ok {
		return false
	}
	return e.limiter.TokensAt(now) < 1
}

// spend takes one token for key. An empty key is never charged.
func (b *failureBudget) spend(key string, now time.Time) bool {
	if key == "" {
		return true
	}
	e, ok := b.entries[key]
	if !ok {
		if len(b.entries) >= b.maxTracked {
			b.evictOldest()
		}
		e = &budgetEntry{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (b *failureBudget) prune(now time.Time) {
	for key, e := range b.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(b.entries, key)
		}
	}
}

func (b *failureBudget) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range b.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = key, e.lastSeen
		}
	}
	delete(b.entries, oldestKey)
}

// ExtractIP strips the port from a RemoteAddr string.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Package quota implements the sliding-window call budget shared by all
// publish workers.
//
// The governor is a purely local guard: it prevents the orchestrator from
// proactively causing a quota violation. It never interprets remote error
// responses; that classification belongs to the retry controller.
package quota

import (
	"strings"
	"sync"
	"time"
)

// Scope decides how a category's ledger is keyed.
type Scope int

const (
	// ScopePerAccount keeps one window per (category, account).
	ScopePerAccount Scope = iota
	// ScopeGlobal shares one window across all accounts.
	ScopeGlobal
)

// Endpoint categories used by the publish pipeline.
const (
	CategoryContainerCreate = "container-create"
	CategoryPublish         = "publish"
	CategoryRead            = "read"
)

// Limit configures one category.
type Limit struct {
	Scope   Scope
	Window  time.Duration
	Ceiling int
}

// DefaultLimits mirrors the platform's posture: creates and publishes are
// budgeted per account per day, reads share a global hourly budget.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		CategoryContainerCreate: {Scope: ScopePerAccount, Window: 24 * time.Hour, Ceiling: 50},
		CategoryPublish:         {Scope: ScopePerAccount, Window: 24 * time.Hour, Ceiling: 50},
		CategoryRead:            {Scope: ScopeGlobal, Window: time.Hour, Ceiling: 200},
	}
}

// ledger is one sliding window. Timestamps are kept ordered; entries older
// than the window are evicted lazily on each check.
type ledger struct {
	mu    sync.Mutex
	calls []time.Time
}

// Governor tracks rolling call budgets per endpoint category.
//
// Updates are always scoped to one (category, account) key, so each ledger
// carries its own lock; there is no global lock on the hot path.
type Governor struct {
	mu      sync.RWMutex
	limits  map[string]Limit
	ledgers map[string]*ledger

	now func() time.Time
}

func New(limits map[string]Limit) *Governor {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	return &Governor{
		limits:  limits,
		ledgers: make(map[string]*ledger),
		now:     time.Now,
	}
}

// Apply swaps the category limits at runtime (config reload). Recorded call
// history is kept; the new ceilings take effect on the next check.
func (g *Governor) Apply(limits map[string]Limit) {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
}

// Acquire checks the ledger for category (scoped to accountID when the
// category is per-account). If under ceiling it records the call and grants
// immediately. If at ceiling it returns ok=false and the minimum wait until
// the oldest recorded call exits the window; callers must requeue with that
// delay instead of spinning. Denial has no side effect beyond the read.
func (g *Governor) Acquire(category, accountID string) (ok bool, wait time.Duration) {
	g.mu.RLock()
	lim, known := g.limits[category]
	g.mu.RUnlock()
	if !known || lim.Ceiling <= 0 || lim.Window <= 0 {
		// Unbudgeted categories are never throttled locally.
		return true, 0
	}

	led := g.ledger(key(category, accountID, lim.Scope))
	now := g.now()
	cutoff := now.Add(-lim.Window)

	led.mu.Lock()
	defer led.mu.Unlock()

	// Lazy eviction: drop entries that left the window.
	i := 0
	for i < len(led.calls) && !led.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		led.calls = append(led.calls[:0], led.calls[i:]...)
	}

	if len(led.calls) >= lim.Ceiling {
		oldest := led.calls[0]
		wait = oldest.Add(lim.Window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	led.calls = append(led.calls, now)
	return true, 0
}

// Usage reports how many calls are currently recorded in the window for a
// category/account pair. Diagnostics only.
func (g *Governor) Usage(category, accountID string) int {
	g.mu.RLock()
	lim, known := g.limits[category]
	g.mu.RUnlock()
	if !known {
		return 0
	}

	led := g.ledger(key(category, accountID, lim.Scope))
	cutoff := g.now().Add(-lim.Window)

	led.mu.Lock()
	defer led.mu.Unlock()
	n := 0
	for _, at := range led.calls {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

func (g *Governor) ledger(k string) *ledger {
	g.mu.RLock()
	led := g.ledgers[k]
	g.mu.RUnlock()
	if led != nil {
		return led
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if led = g.ledgers[k]; led == nil {
		led = &ledger{}
		g.ledgers[k] = led
	}
	return led
}

func key(category, accountID string, scope Scope) string {
	if scope == ScopeGlobal {
		return category
	}
	return category + "\x00" + strings.TrimSpace(accountID)
}

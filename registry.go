package main

import (
	"sort"
	"sync"
	"time"
)

// Account is one configured upstream account plus its volatile runtime state.
// Static fields are set at boot and never change; volatile fields are guarded
// by mu.
type Account struct {
	mu sync.Mutex

	ID       string
	Name     string
	Kind     AccountKind
	Priority int
	Enabled  bool
	APIURL   string
	Proxy    *ProxyConfig

	// Credential material: OAuth kinds carry RefreshToken, static kinds APIKey.
	RefreshToken string
	APIKey       string

	// Cached OAuth access token.
	AccessToken string
	ExpiresAt   time.Time

	CooldownUntil time.Time
	LastErrorKind string
}

// refreshLookahead is how far before expiry a cached token stops counting
// as valid, so a token is never handed out with only a sliver of life left.
const refreshLookahead = 10 * time.Second

// tokenValid reports whether the cached access token can be used as-is.
func (a *Account) tokenValid(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.AccessToken != "" && now.Add(refreshLookahead).Before(a.ExpiresAt)
}

func (a *Account) cachedToken() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.AccessToken, a.ExpiresAt
}

func (a *Account) coolingDown(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Before(a.CooldownUntil)
}

func (a *Account) cooldownRemaining(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Before(a.CooldownUntil) {
		return a.CooldownUntil.Sub(now)
	}
	return 0
}

// Registry is the single source of truth for account state. The map itself
// is immutable after newRegistry; per-account state is mutated under each
// account's own mutex so the hot selection path never takes an exclusive
// global lock.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	ordered  []*Account // stable (priority DESC, id ASC) order

	unavailableCooldown time.Duration
}

func newRegistry(cfgs []AccountConfig, unavailableCooldown time.Duration) *Registry {
	r := &Registry{
		accounts:            make(map[string]*Account, len(cfgs)),
		unavailableCooldown: unavailableCooldown,
	}
	for i := range cfgs {
		c := &cfgs[i]
		acc := &Account{
			ID:           c.ID,
			Name:         c.Name,
			Kind:         c.Type,
			Priority:     *c.Priority,
			Enabled:      *c.Enabled,
			APIURL:       c.APIURL,
			Proxy:        c.Proxy,
			RefreshToken: c.RefreshToken,
			APIKey:       c.APIKey,
		}
		r.accounts[acc.ID] = acc
		r.ordered = append(r.ordered, acc)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority > r.ordered[j].Priority
		}
		return r.ordered[i].ID < r.ordered[j].ID
	})
	return r
}

func (r *Registry) get(id string) *Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts[id]
}

// listEligible returns enabled, non-cooled-down accounts of the platform,
// minus the excluded set, in (priority DESC, id ASC) order. The order is
// deterministic so concurrent identical selects converge on one account.
func (r *Registry) listEligible(platform Platform, excluded map[string]bool, now time.Time) []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Account
	for _, acc := range r.ordered {
		if !acc.Enabled || acc.Kind.Platform() != platform {
			continue
		}
		if excluded[acc.ID] {
			continue
		}
		if acc.coolingDown(now) {
			continue
		}
		out = append(out, acc)
	}
	return out
}

// selectable reports whether the account may serve a request right now.
// Used by the scheduler to validate sticky bindings.
func (r *Registry) selectable(id string, platform Platform, excluded map[string]bool, now time.Time) bool {
	acc := r.get(id)
	if acc == nil || !acc.Enabled || acc.Kind.Platform() != platform {
		return false
	}
	if excluded[id] {
		return false
	}
	return !acc.coolingDown(now)
}

// markCooldown makes the account ineligible until now+d. Later or larger
// cooldowns win; an earlier deadline never shortens an existing one.
func (r *Registry) markCooldown(id string, d time.Duration, reason string) {
	acc := r.get(id)
	if acc == nil {
		return
	}
	until := time.Now().Add(d)
	acc.mu.Lock()
	if until.After(acc.CooldownUntil) {
		acc.CooldownUntil = until
	}
	acc.LastErrorKind = reason
	acc.mu.Unlock()
}

// markUnavailable applies the configured unavailable cooldown, used for auth
// and quota failures that will not heal on their own.
func (r *Registry) markUnavailable(id string, reason string) {
	r.markCooldown(id, r.unavailableCooldown, reason)
}

func (r *Registry) updateToken(id, accessToken string, expiresAt time.Time) {
	acc := r.get(id)
	if acc == nil {
		return
	}
	acc.mu.Lock()
	acc.AccessToken = accessToken
	acc.ExpiresAt = expiresAt
	acc.mu.Unlock()
}

// minCooldownRemaining is the retry-after hint for 503 responses: the
// shortest wait after which some account of the platform becomes eligible.
func (r *Registry) minCooldownRemaining(platform Platform, now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best time.Duration
	for _, acc := range r.ordered {
		if !acc.Enabled || acc.Kind.Platform() != platform {
			continue
		}
		rem := acc.cooldownRemaining(now)
		if rem <= 0 {
			continue
		}
		if best == 0 || rem < best {
			best = rem
		}
	}
	return best
}

// countAvailable reports (available, total) accounts for a platform.
func (r *Registry) countAvailable(platform Platform, now time.Time) (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	avail, total := 0, 0
	for _, acc := range r.ordered {
		if acc.Kind.Platform() != platform {
			continue
		}
		total++
		if acc.Enabled && !acc.coolingDown(now) {
			avail++
		}
	}
	return avail, total
}

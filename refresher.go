package main

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenRefresher resolves the credential for an account. Static-key kinds
// read straight from the registry; OAuth kinds get the cached access token
// or drive a refresh. Refreshes are singleflight per account id, so any
// number of concurrent callers produce exactly one outbound token request
// and share its result.
type tokenRefresher struct {
	reg        *Registry
	providers  *providerSet
	transports *transportPool
	cache      *tokenCache
	group      singleflight.Group
	metrics    *metrics
}

func newTokenRefresher(reg *Registry, providers *providerSet, transports *transportPool, cache *tokenCache, m *metrics) *tokenRefresher {
	return &tokenRefresher{
		reg:        reg,
		providers:  providers,
		transports: transports,
		cache:      cache,
		metrics:    m,
	}
}

// acquire returns a credential usable right now for the account.
func (tr *tokenRefresher) acquire(ctx context.Context, reqID string, acc *Account) (string, error) {
	switch acc.Kind {
	case KindClaudeAPI, KindOpenAIResponses:
		return acc.APIKey, nil
	}

	if acc.tokenValid(time.Now()) {
		token, _ := acc.cachedToken()
		return token, nil
	}

	v, err, shared := tr.group.Do(acc.ID, func() (any, error) {
		// Re-check under the latch: the winner of a previous flight may
		// already have refreshed while we queued.
		if acc.tokenValid(time.Now()) {
			token, _ := acc.cachedToken()
			return token, nil
		}
		return tr.refresh(ctx, reqID, acc)
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.Printf("[%s] token refresh for %s shared with concurrent caller", reqID, acc.ID)
	}
	return v.(string), nil
}

func (tr *tokenRefresher) refresh(ctx context.Context, reqID string, acc *Account) (string, error) {
	provider := tr.providers.forAccount(acc)
	rt := tr.transports.forProxy(acc.Proxy)

	log.Printf("[%s] refreshing token for account %s (%s)", reqID, acc.ID, acc.Kind)
	token, expiresAt, err := provider.RefreshToken(ctx, acc, rt)
	if err != nil {
		tr.metrics.refreshFailures.Add(1)
		if errors.Is(err, errInvalidGrant) {
			// The refresh token itself is dead; nothing heals this account
			// until the operator replaces it.
			tr.reg.markUnavailable(acc.ID, "invalid_grant")
			log.Printf("[%s] account %s marked unavailable: %v", reqID, acc.ID, err)
		}
		return "", err
	}

	tr.reg.updateToken(acc.ID, token, expiresAt)
	if tr.cache != nil {
		if cerr := tr.cache.put(acc.ID, token, expiresAt); cerr != nil {
			log.Printf("[%s] token cache write failed for %s: %v", reqID, acc.ID, cerr)
		}
	}
	tr.metrics.refreshSuccesses.Add(1)
	log.Printf("[%s] refreshed token for %s, expires %s", reqID, acc.ID, expiresAt.Format(time.RFC3339))
	return token, nil
}

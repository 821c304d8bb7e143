package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"
)

var tokenBucket = []byte("access_tokens")

// tokenCache persists refreshed access tokens so a restart does not force a
// refresh round against every OAuth provider at once. Entries are advisory:
// stale or missing entries just mean the first request pays for a refresh.
type tokenCache struct {
	db *bolt.DB
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func openTokenCache(path string) (*tokenCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open token cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &tokenCache{db: db}, nil
}

func (c *tokenCache) Close() error {
	return c.db.Close()
}

func (c *tokenCache) put(accountID, token string, expiresAt time.Time) error {
	blob, err := json.Marshal(cachedToken{AccessToken: token, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucket).Put([]byte(accountID), blob)
	})
}

func (c *tokenCache) get(accountID string) (cachedToken, bool) {
	var ct cachedToken
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket(tokenBucket).Get([]byte(accountID))
		if blob == nil {
			return nil
		}
		if err := json.Unmarshal(blob, &ct); err == nil {
			found = true
		}
		return nil
	})
	return ct, found
}

// seedRegistry loads still-valid cached tokens into the registry at boot.
func (c *tokenCache) seedRegistry(reg *Registry, accounts []AccountConfig) {
	now := time.Now()
	seeded := 0
	for i := range accounts {
		a := &accounts[i]
		if a.Type != KindClaudeOAuth && a.Type != KindGemini {
			continue
		}
		ct, ok := c.get(a.ID)
		if !ok || !now.Add(refreshLookahead).Before(ct.ExpiresAt) {
			continue
		}
		reg.updateToken(a.ID, ct.AccessToken, ct.ExpiresAt)
		seeded++
	}
	if seeded > 0 {
		log.Printf("seeded %d cached access tokens", seeded)
	}
}

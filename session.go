package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// sessionIDPattern matches the session UUID Claude Code embeds in
// metadata.user_id, e.g. "user_abc_account__session_<uuid>".
var sessionIDPattern = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// sessionFingerprint derives the sticky-session key from a request body.
// Preference order: the client-supplied session UUID when present, then a
// digest of the prompt-cacheable content (the stable prefix of a
// conversation), then the system text, then the first message. Returns ""
// when the body has no usable anchor; such requests are stateless.
func sessionFingerprint(body []byte) string {
	var req struct {
		System   json.RawMessage `json:"system"`
		Messages []json.RawMessage `json:"messages"`
		Metadata struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}

	if m := sessionIDPattern.FindStringSubmatch(req.Metadata.UserID); m != nil {
		return m[1]
	}

	if anchor := cacheableContent(req.System, req.Messages); anchor != "" {
		return hashFingerprint(anchor)
	}
	if text := systemText(req.System); text != "" {
		return hashFingerprint(text)
	}
	if len(req.Messages) > 0 {
		if text := messageText(req.Messages[0]); text != "" {
			return hashFingerprint(text)
		}
	}
	return ""
}

// hashFingerprint is the first 16 bytes of SHA-256, hex encoded (32 chars).
func hashFingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

type contentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control"`
}

type messageEnvelope struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// cacheableContent concatenates all system blocks and message blocks that
// carry a cache_control marker. Those blocks form the stable prefix the
// upstream caches, which makes them a reliable conversation identity.
func cacheableContent(system json.RawMessage, messages []json.RawMessage) string {
	var parts []string

	var systemBlocks []contentBlock
	if json.Unmarshal(system, &systemBlocks) == nil {
		for _, b := range systemBlocks {
			if len(b.CacheControl) > 0 && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}

	for _, raw := range messages {
		var msg messageEnvelope
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		var blocks []contentBlock
		if json.Unmarshal(msg.Content, &blocks) != nil {
			continue
		}
		for _, b := range blocks {
			if len(b.CacheControl) > 0 && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func systemText(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(system, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(system, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func messageText(raw json.RawMessage) string {
	var msg messageEnvelope
	if json.Unmarshal(raw, &msg) != nil {
		return ""
	}
	var s string
	if json.Unmarshal(msg.Content, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(msg.Content, &blocks) == nil {
		for _, b := range blocks {
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// sessionStore persists fingerprint→account bindings in SQLite so sticky
// routing survives restarts. Expired rows are ignored lazily on lookup and
// removed by the periodic sweep.
type sessionStore struct {
	db *sql.DB
}

func newSessionStore(d *database) *sessionStore {
	return &sessionStore{db: d.db}
}

func (s *sessionStore) lookup(fingerprint string) (string, bool, error) {
	var accountID string
	var expiresAt int64
	row := s.db.QueryRow(
		`SELECT account_id, expires_at FROM sticky_sessions WHERE session_hash = ?`,
		fingerprint)
	if err := row.Scan(&accountID, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Now().Unix() >= expiresAt {
		return "", false, nil
	}
	return accountID, true, nil
}

func (s *sessionStore) bind(fingerprint, accountID string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.Exec(
		`INSERT INTO sticky_sessions (session_hash, account_id, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_hash) DO UPDATE SET
			account_id = excluded.account_id,
			expires_at = MAX(expires_at, excluded.expires_at)`,
		fingerprint, accountID, expiresAt)
	return err
}

// renewIfStale extends the binding only when its remaining TTL has dropped
// below threshold, so a busy conversation costs one write per threshold
// window instead of one per request.
func (s *sessionStore) renewIfStale(fingerprint string, ttl, threshold time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE sticky_sessions SET expires_at = ?
		 WHERE session_hash = ? AND expires_at - ? < ?`,
		now.Add(ttl).Unix(), fingerprint, now.Unix(), int64(threshold.Seconds()))
	return err
}

func (s *sessionStore) invalidate(fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM sticky_sessions WHERE session_hash = ?`, fingerprint)
	return err
}

func (s *sessionStore) sweep() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sticky_sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sessionStore) expiry(fingerprint string) (time.Time, bool, error) {
	var expiresAt int64
	row := s.db.QueryRow(`SELECT expires_at FROM sticky_sessions WHERE session_hash = ?`, fingerprint)
	if err := row.Scan(&expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.Unix(expiresAt, 0), true, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var errRefreshUnsupported = errors.New("account kind does not support token refresh")

// errInvalidGrant marks a refresh token the provider rejected outright.
// The account cannot recover without reconfiguration.
var errInvalidGrant = errors.New("refresh token rejected (invalid_grant)")

const (
	claudeDefaultAPIURL = "https://api.anthropic.com/v1/messages"
	claudeTokenURL      = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeRefreshUA     = "claude-cli/1.0.56 (external, cli)"

	anthropicVersion = "2023-06-01"
	betaHeaderFull   = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	betaHeaderHaiku  = "oauth-2025-04-20,interleaved-thinking-2025-05-14"
)

// claudeCodeHeaderKeys is the allowlist of client headers forwarded to the
// upstream so the request keeps looking like a first-party Claude Code call.
var claudeCodeHeaderKeys = []string{
	"x-stainless-retry-count",
	"x-stainless-timeout",
	"x-stainless-lang",
	"x-stainless-package-version",
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"anthropic-dangerous-direct-browser-access",
	"x-app",
	"user-agent",
	"accept-language",
	"sec-fetch-mode",
	"accept-encoding",
}

// defaultClaudeCodeHeaders stands in when the client sent none of the
// allowlisted headers (e.g. a plain SDK caller).
var defaultClaudeCodeHeaders = map[string]string{
	"x-stainless-retry-count":     "0",
	"x-stainless-timeout":         "60",
	"x-stainless-lang":            "js",
	"x-stainless-package-version": "0.55.1",
	"x-stainless-os":              "Linux",
	"x-stainless-arch":            "x64",
	"x-stainless-runtime":         "node",
	"x-stainless-runtime-version": "v20.19.2",
	"anthropic-dangerous-direct-browser-access": "true",
	"x-app":           "cli",
	"user-agent":      "claude-cli/1.0.57 (external, cli)",
	"accept-language": "*",
	"sec-fetch-mode":  "cors",
}

// ClaudeProvider serves both claude-oauth and claude-api accounts.
type ClaudeProvider struct{}

func NewClaudeProvider() *ClaudeProvider {
	return &ClaudeProvider{}
}

func (p *ClaudeProvider) Platform() Platform {
	return PlatformClaude
}

func betaHeaderForModel(model string) string {
	if strings.Contains(model, "haiku") {
		return betaHeaderHaiku
	}
	return betaHeaderFull
}

func (p *ClaudeProvider) SetAuthHeaders(req *http.Request, acc *Account, token string) {
	if acc.Kind == KindClaudeOAuth {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("x-api-key", token)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (p *ClaudeProvider) RefreshToken(ctx context.Context, acc *Account, rt http.RoundTripper) (string, time.Time, error) {
	if acc.Kind != KindClaudeOAuth {
		return "", time.Time{}, errRefreshUnsupported
	}

	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acc.RefreshToken,
		"client_id":     claudeOAuthClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeTokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", claudeRefreshUA)

	client := &http.Client{Transport: rt, Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("claude token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return "", time.Time{}, fmt.Errorf("%w: HTTP %d: %s", errInvalidGrant, resp.StatusCode, safeText(body))
		}
		return "", time.Time{}, fmt.Errorf("claude token refresh: HTTP %d: %s", resp.StatusCode, safeText(body))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("claude token refresh: parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("claude token refresh: empty access_token")
	}
	return tr.AccessToken, time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second), nil
}

// UpstreamURL honors a custom api_url, tolerating bases given with or
// without the /v1/messages suffix.
func (p *ClaudeProvider) UpstreamURL(acc *Account, path string) string {
	if acc.APIURL == "" {
		return claudeDefaultAPIURL
	}
	base := strings.TrimRight(acc.APIURL, "/")
	switch {
	case strings.HasSuffix(base, "/v1/messages"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/messages"
	default:
		return base + "/v1/messages"
	}
}

func (p *ClaudeProvider) ParseUsage(obj map[string]any) *requestUsage {
	eventType, _ := obj["type"].(string)

	switch eventType {
	case "message_start":
		msg, ok := obj["message"].(map[string]any)
		if !ok {
			return nil
		}
		usageMap, ok := msg["usage"].(map[string]any)
		if !ok {
			return nil
		}
		u := &requestUsage{
			InputTokens:         readInt64(usageMap, "input_tokens"),
			CacheCreationTokens: readInt64(usageMap, "cache_creation_input_tokens"),
			CacheReadTokens:     readInt64(usageMap, "cache_read_input_tokens"),
		}
		if model, ok := msg["model"].(string); ok {
			u.Model = model
		}
		if u.InputTokens == 0 && u.CacheReadTokens == 0 {
			return nil
		}
		return u
	case "message_delta":
		usageMap, ok := obj["usage"].(map[string]any)
		if !ok {
			return nil
		}
		out := readInt64(usageMap, "output_tokens")
		if out == 0 {
			return nil
		}
		return &requestUsage{OutputTokens: out}
	case "":
		// Non-streaming body: top-level usage object.
		usageMap, ok := obj["usage"].(map[string]any)
		if !ok {
			return nil
		}
		u := &requestUsage{
			InputTokens:         readInt64(usageMap, "input_tokens"),
			OutputTokens:        readInt64(usageMap, "output_tokens"),
			CacheCreationTokens: readInt64(usageMap, "cache_creation_input_tokens"),
			CacheReadTokens:     readInt64(usageMap, "cache_read_input_tokens"),
		}
		if model, ok := obj["model"].(string); ok {
			u.Model = model
		}
		if u.empty() {
			return nil
		}
		return u
	}
	return nil
}

func (p *ClaudeProvider) DetectsSSE(path, contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

// forwardClaudeHeaders copies the allowlisted client headers onto the
// upstream request, falling back to the default Claude Code header set.
func forwardClaudeHeaders(dst *http.Request, client http.Header) {
	found := false
	for _, key := range claudeCodeHeaderKeys {
		if v := client.Get(key); v != "" {
			dst.Header.Set(key, v)
			found = true
		}
	}
	if !found {
		for k, v := range defaultClaudeCodeHeaders {
			dst.Header.Set(k, v)
		}
	}
}

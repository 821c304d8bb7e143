package main

import (
	"context"
	"net/http"
	"time"
)

// requestUsage is the token accounting extracted from one upstream response.
type requestUsage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

func (u *requestUsage) empty() bool {
	if u == nil {
		return true
	}
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationTokens == 0 && u.CacheReadTokens == 0
}

// merge keeps the max of each counter. Streaming responses repeat usage
// across events (message_start carries input, message_delta output); max
// of everything observed is the final tally.
func (u *requestUsage) merge(other *requestUsage) {
	if other == nil {
		return
	}
	if other.Model != "" {
		u.Model = other.Model
	}
	u.InputTokens = max64(u.InputTokens, other.InputTokens)
	u.OutputTokens = max64(u.OutputTokens, other.OutputTokens)
	u.CacheCreationTokens = max64(u.CacheCreationTokens, other.CacheCreationTokens)
	u.CacheReadTokens = max64(u.CacheReadTokens, other.CacheReadTokens)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Provider encapsulates everything platform-specific: auth scheme, token
// refresh protocol, upstream URL shape, and usage extraction.
type Provider interface {
	// Platform returns the platform this provider serves.
	Platform() Platform

	// SetAuthHeaders adds auth plus any platform-required headers to an
	// upstream request. token is the resolved credential (access token or
	// static key).
	SetAuthHeaders(req *http.Request, acc *Account, token string)

	// RefreshToken exchanges the account's refresh token for a fresh access
	// token. Providers for static-key kinds return errRefreshUnsupported.
	RefreshToken(ctx context.Context, acc *Account, rt http.RoundTripper) (string, time.Time, error)

	// UpstreamURL resolves the full upstream URL for a request path,
	// honoring the account's custom api_url when set.
	UpstreamURL(acc *Account, path string) string

	// ParseUsage extracts usage from one decoded SSE/JSON event.
	// Returns nil when the event carries no usage.
	ParseUsage(obj map[string]any) *requestUsage

	// DetectsSSE reports whether a response should be treated as a stream.
	DetectsSSE(path, contentType string) bool
}

// providerSet maps platforms to their provider.
type providerSet struct {
	byPlatform map[Platform]Provider
}

func newProviderSet(claude *ClaudeProvider, gemini *GeminiProvider, openai *OpenAIProvider) *providerSet {
	return &providerSet{
		byPlatform: map[Platform]Provider{
			PlatformClaude: claude,
			PlatformGemini: gemini,
			PlatformOpenAI: openai,
		},
	}
}

func (s *providerSet) forPlatform(p Platform) Provider {
	return s.byPlatform[p]
}

func (s *providerSet) forAccount(acc *Account) Provider {
	return s.byPlatform[acc.Kind.Platform()]
}

package main

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const openaiDefaultAPIBase = "https://api.openai.com/v1"

// OpenAIProvider serves openai-responses accounts. These carry a static
// API key; there is no refresh flow.
type OpenAIProvider struct{}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{}
}

func (p *OpenAIProvider) Platform() Platform {
	return PlatformOpenAI
}

func (p *OpenAIProvider) SetAuthHeaders(req *http.Request, acc *Account, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (p *OpenAIProvider) RefreshToken(ctx context.Context, acc *Account, rt http.RoundTripper) (string, time.Time, error) {
	return "", time.Time{}, errRefreshUnsupported
}

func (p *OpenAIProvider) UpstreamURL(acc *Account, path string) string {
	base := openaiDefaultAPIBase
	if acc.APIURL != "" {
		base = strings.TrimRight(acc.APIURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
	}
	return base + path
}

func (p *OpenAIProvider) ParseUsage(obj map[string]any) *requestUsage {
	// Responses API events wrap the payload under "response".
	target := obj
	if resp, ok := obj["response"].(map[string]any); ok {
		target = resp
	}
	usageMap, ok := target["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &requestUsage{
		InputTokens:  readInt64(usageMap, "input_tokens"),
		OutputTokens: readInt64(usageMap, "output_tokens"),
	}
	if model, ok := target["model"].(string); ok {
		u.Model = model
	}
	if u.empty() {
		return nil
	}
	return u
}

func (p *OpenAIProvider) DetectsSSE(path, contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

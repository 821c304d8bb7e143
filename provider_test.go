package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClaudeUpstreamURL(t *testing.T) {
	p := NewClaudeProvider()
	cases := []struct {
		apiURL string
		want   string
	}{
		{"", "https://api.anthropic.com/v1/messages"},
		{"https://relay.example.com", "https://relay.example.com/v1/messages"},
		{"https://relay.example.com/", "https://relay.example.com/v1/messages"},
		{"https://relay.example.com/v1", "https://relay.example.com/v1/messages"},
		{"https://relay.example.com/v1/messages", "https://relay.example.com/v1/messages"},
	}
	for _, tc := range cases {
		acc := &Account{APIURL: tc.apiURL}
		if got := p.UpstreamURL(acc, ""); got != tc.want {
			t.Errorf("UpstreamURL(%q) = %q, want %q", tc.apiURL, got, tc.want)
		}
	}
}

func TestGeminiUpstreamURL(t *testing.T) {
	p := NewGeminiProvider()
	acc := &Account{}
	got := p.UpstreamURL(acc, "/models/gemini-1.5-pro:generateContent")
	if got != "https://cloudcode.googleapis.com/v1/models/gemini-1.5-pro:generateContent" {
		t.Errorf("generateContent URL = %q", got)
	}
	got = p.UpstreamURL(acc, "/models/gemini-1.5-pro:streamGenerateContent")
	if !strings.HasSuffix(got, ":streamGenerateContent?alt=sse") {
		t.Errorf("streaming URL missing alt=sse: %q", got)
	}

	acc.APIURL = "https://gw.example.com"
	got = p.UpstreamURL(acc, "/models/m:generateContent")
	if got != "https://gw.example.com/v1/models/m:generateContent" {
		t.Errorf("custom base URL = %q", got)
	}
}

func TestOpenAIUpstreamURL(t *testing.T) {
	p := NewOpenAIProvider()
	if got := p.UpstreamURL(&Account{}, "/responses"); got != "https://api.openai.com/v1/responses" {
		t.Errorf("default URL = %q", got)
	}
	if got := p.UpstreamURL(&Account{APIURL: "https://alt.example.com"}, "/responses"); got != "https://alt.example.com/v1/responses" {
		t.Errorf("custom URL = %q", got)
	}
}

func TestClaudeSetAuthHeaders(t *testing.T) {
	p := NewClaudeProvider()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	p.SetAuthHeaders(req, &Account{Kind: KindClaudeOAuth}, "at-123")
	if got := req.Header.Get("Authorization"); got != "Bearer at-123" {
		t.Errorf("oauth auth header = %q", got)
	}
	if req.Header.Get("anthropic-version") != anthropicVersion {
		t.Error("anthropic-version missing")
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	p.SetAuthHeaders(req, &Account{Kind: KindClaudeAPI}, "sk-key")
	if got := req.Header.Get("x-api-key"); got != "sk-key" {
		t.Errorf("api-key header = %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("api-key accounts must not send a bearer token")
	}
}

func TestBetaHeaderForModel(t *testing.T) {
	if got := betaHeaderForModel("claude-3-5-haiku-20241022"); got != betaHeaderHaiku {
		t.Errorf("haiku beta = %q", got)
	}
	if got := betaHeaderForModel("claude-sonnet-4-20250514"); got != betaHeaderFull {
		t.Errorf("sonnet beta = %q", got)
	}
}

func TestForwardClaudeHeaders(t *testing.T) {
	client := http.Header{}
	client.Set("user-agent", "claude-cli/2.0.0 (external, cli)")
	client.Set("x-app", "cli")
	client.Set("x-custom-header", "should not pass")
	client.Set("authorization", "Bearer client-secret")

	dst := httptest.NewRequest(http.MethodPost, "/", nil)
	forwardClaudeHeaders(dst, client)
	if got := dst.Header.Get("user-agent"); got != "claude-cli/2.0.0 (external, cli)" {
		t.Errorf("user-agent = %q, want client value forwarded", got)
	}
	if dst.Header.Get("x-custom-header") != "" {
		t.Error("non-allowlisted header leaked upstream")
	}
	if dst.Header.Get("authorization") != "" {
		t.Error("client authorization leaked upstream")
	}

	// A client with none of the allowlisted headers gets the default set.
	dst = httptest.NewRequest(http.MethodPost, "/", nil)
	forwardClaudeHeaders(dst, http.Header{})
	if dst.Header.Get("user-agent") == "" || dst.Header.Get("x-app") != "cli" {
		t.Error("default header set not applied for bare clients")
	}
}

func parseEvent(t *testing.T, raw string) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		t.Fatal(err)
	}
	return obj
}

func TestClaudeParseUsageStreaming(t *testing.T) {
	p := NewClaudeProvider()

	start := parseEvent(t, `{"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":12,"cache_creation_input_tokens":3,"cache_read_input_tokens":400}}}`)
	u := p.ParseUsage(start)
	if u == nil || u.InputTokens != 12 || u.CacheReadTokens != 400 || u.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("message_start usage = %+v", u)
	}

	delta := parseEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":77}}`)
	u = p.ParseUsage(delta)
	if u == nil || u.OutputTokens != 77 {
		t.Fatalf("message_delta usage = %+v", u)
	}

	if p.ParseUsage(parseEvent(t, `{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)) != nil {
		t.Error("content deltas carry no usage")
	}
}

func TestClaudeParseUsageNonStreaming(t *testing.T) {
	p := NewClaudeProvider()
	obj := parseEvent(t, `{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":5,"output_tokens":9}}`)
	u := p.ParseUsage(obj)
	if u == nil || u.InputTokens != 5 || u.OutputTokens != 9 || u.Model != "claude-3-5-haiku-20241022" {
		t.Fatalf("usage = %+v", u)
	}
}

func TestGeminiParseUsage(t *testing.T) {
	p := NewGeminiProvider()
	obj := parseEvent(t, `{"candidates":[],"modelVersion":"gemini-1.5-pro","usageMetadata":{"promptTokenCount":21,"candidatesTokenCount":8}}`)
	u := p.ParseUsage(obj)
	if u == nil || u.InputTokens != 21 || u.OutputTokens != 8 || u.Model != "gemini-1.5-pro" {
		t.Fatalf("usage = %+v", u)
	}
	if p.ParseUsage(parseEvent(t, `{"candidates":[]}`)) != nil {
		t.Error("event without usageMetadata should yield nil")
	}
}

func TestOpenAIParseUsage(t *testing.T) {
	p := NewOpenAIProvider()
	wrapped := parseEvent(t, `{"type":"response.completed","response":{"model":"gpt-4o","usage":{"input_tokens":30,"output_tokens":11}}}`)
	u := p.ParseUsage(wrapped)
	if u == nil || u.InputTokens != 30 || u.OutputTokens != 11 || u.Model != "gpt-4o" {
		t.Fatalf("wrapped usage = %+v", u)
	}
}

func TestRequestUsageMerge(t *testing.T) {
	u := &requestUsage{}
	u.merge(&requestUsage{Model: "m", InputTokens: 10, CacheReadTokens: 100})
	u.merge(&requestUsage{OutputTokens: 5})
	u.merge(&requestUsage{InputTokens: 10, OutputTokens: 7})
	if u.InputTokens != 10 || u.OutputTokens != 7 || u.CacheReadTokens != 100 || u.Model != "m" {
		t.Errorf("merged = %+v", u)
	}
}

func TestRequestUsageEmpty(t *testing.T) {
	var nilUsage *requestUsage
	if !nilUsage.empty() || !(&requestUsage{Model: "m"}).empty() {
		t.Error("nil and zero-counter usage are empty")
	}
	// Prompt-cache hits can produce responses billed entirely to cache
	// counters; those still count as usage.
	if (&requestUsage{CacheReadTokens: 50}).empty() {
		t.Error("cache-read-only usage is not empty")
	}
	if (&requestUsage{CacheCreationTokens: 12}).empty() {
		t.Error("cache-creation-only usage is not empty")
	}
}

func TestDetectsSSE(t *testing.T) {
	if !NewClaudeProvider().DetectsSSE("", "text/event-stream; charset=utf-8") {
		t.Error("claude should detect SSE by content type")
	}
	if NewClaudeProvider().DetectsSSE("", "application/json") {
		t.Error("claude json response is not SSE")
	}
	if !NewGeminiProvider().DetectsSSE("/models/m:streamGenerateContent", "application/json") {
		t.Error("gemini should detect SSE by path")
	}
	if NewGeminiProvider().DetectsSSE("/models/m:generateContent", "application/json") {
		t.Error("gemini unary call is not SSE")
	}
}

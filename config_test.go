package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
type = "claude-oauth"
id = "acct-1"
refresh_token = "rt-1"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3000 {
		t.Errorf("server defaults = %s:%d, want 127.0.0.1:3000", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Session.StickyTTLSeconds != 3600 {
		t.Errorf("sticky ttl = %d, want 3600", cfg.Session.StickyTTLSeconds)
	}
	if cfg.Session.RenewalThresholdSeconds != 300 {
		t.Errorf("renewal threshold = %d, want 300", cfg.Session.RenewalThresholdSeconds)
	}
	a := cfg.Accounts[0]
	if *a.Priority != 100 {
		t.Errorf("default priority = %d, want 100", *a.Priority)
	}
	if !*a.Enabled {
		t.Error("account should default to enabled")
	}
}

func TestLoadConfigExplicitZeroPriority(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
type = "claude-api"
id = "acct-1"
api_key = "sk-test"
priority = 0
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *cfg.Accounts[0].Priority != 0 {
		t.Errorf("explicit priority 0 overridden to %d", *cfg.Accounts[0].Priority)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no accounts", `api_keys = []`, "at least one"},
		{"missing id", `
[[accounts]]
type = "gemini"
refresh_token = "rt"
`, "no id"},
		{"duplicate id", `
[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
`, "duplicate"},
		{"unknown type", `
[[accounts]]
type = "mystery"
id = "a"
`, "unknown type"},
		{"oauth without refresh token", `
[[accounts]]
type = "claude-oauth"
id = "a"
`, "requires refresh_token"},
		{"api kind without key", `
[[accounts]]
type = "openai-responses"
id = "a"
`, "requires api_key"},
		{"bad proxy type", `
[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
[accounts.proxy]
type = "ftp"
host = "h"
port = 1
`, "unknown proxy type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := loadConfig(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestProxyConfigURL(t *testing.T) {
	p := &ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080, Username: "u", Password: "p"}
	if got, want := p.URL(), "socks5://u:p@10.0.0.1:1080"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
	var nilProxy *ProxyConfig
	if nilProxy.URL() != "" {
		t.Error("nil proxy should render empty URL")
	}
}

func TestAccountKindPlatform(t *testing.T) {
	cases := map[AccountKind]Platform{
		KindClaudeOAuth:     PlatformClaude,
		KindClaudeAPI:       PlatformClaude,
		KindGemini:          PlatformGemini,
		KindOpenAIResponses: PlatformOpenAI,
	}
	for kind, want := range cases {
		if got := kind.Platform(); got != want {
			t.Errorf("%s.Platform() = %s, want %s", kind, got, want)
		}
	}
}

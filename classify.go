package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// verdictAction says what the dispatcher does with a failed attempt.
type verdictAction int

const (
	// actionSurface: pass the response to the client as-is, no penalty.
	actionSurface verdictAction = iota
	// actionFailoverTransient: try another account, no penalty.
	actionFailoverTransient
	// actionFailoverCooldown: cool the account down briefly, try another.
	actionFailoverCooldown
	// actionFailoverUnavailable: mark the account unavailable for the
	// configured window, drop its sticky bindings, try another.
	actionFailoverUnavailable
	// actionRetryAfter: short server-advertised wait, honored in place.
	actionRetryAfter
)

type verdict struct {
	action   verdictAction
	cooldown time.Duration
	reason   string
}

func (v verdict) retriable() bool {
	return v.action != actionSurface
}

const (
	// rateLimitCooldown is the fallback for a 429 with no usable retry-after.
	rateLimitCooldown = 60 * time.Second
	// overloadedCooldown backs off a 529 for a few minutes.
	overloadedCooldown = 5 * time.Minute
	// maxHonoredRetryAfter bounds how long a request waits in place on a
	// 429 before giving up and failing over instead.
	maxHonoredRetryAfter = 5 * time.Second
)

// classifyResponse maps an upstream status plus body prefix to a verdict.
// The body is a bounded sample; only marker substrings are inspected.
func classifyResponse(status int, header http.Header, body []byte) verdict {
	lower := strings.ToLower(string(body))
	switch {
	case status == 401:
		return verdict{action: actionFailoverUnavailable, reason: "unauthorized"}
	case status == 402:
		return verdict{action: actionFailoverUnavailable, reason: "insufficient_quota"}
	case status == 403 && strings.Contains(lower, "organization has been disabled"):
		return verdict{action: actionFailoverUnavailable, reason: "organization_disabled"}
	case status == 403:
		return verdict{action: actionFailoverUnavailable, reason: "forbidden"}
	case status == 429 && strings.Contains(lower, "weekly usage limit") && strings.Contains(lower, "opus"):
		// Model-scoped weekly quota. The whole account cools down; other
		// models on it would still work but we have no per-model state.
		return verdict{action: actionFailoverCooldown, cooldown: rateLimitCooldown, reason: "opus_weekly_limit"}
	case status == 429:
		if d, ok := retryAfterDelay(header); ok && d <= maxHonoredRetryAfter {
			return verdict{action: actionRetryAfter, cooldown: d, reason: "rate_limited"}
		}
		return verdict{action: actionFailoverCooldown, cooldown: rateLimitCooldown, reason: "rate_limited"}
	case status == 529:
		return verdict{action: actionFailoverCooldown, cooldown: overloadedCooldown, reason: "overloaded"}
	case status >= 500:
		return verdict{action: actionFailoverTransient, reason: "upstream_" + strconv.Itoa(status)}
	}
	return verdict{action: actionSurface}
}

// classifyTransportError covers dial, TLS, and mid-request network failures.
func classifyTransportError(err error) verdict {
	if err == nil {
		return verdict{action: actionSurface}
	}
	return verdict{action: actionFailoverTransient, reason: "network"}
}

func retryAfterDelay(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// errorPayload renders the client-facing error body for a surfaced verdict,
// in the Anthropic error envelope shape.
func errorPayload(code int, errType, message string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"code":    strconv.Itoa(code),
			"type":    errType,
			"message": message,
		},
	}
}

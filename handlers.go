package main

import (
	"net/http"
	"strings"
	"time"
)

// maxRequestBody bounds buffered request bodies; they are held in memory for
// replay across failover attempts.
const maxRequestBody = 32 * 1024 * 1024

func (h *relayHandler) handleClaudeMessages(w http.ResponseWriter, r *http.Request, reqID string) {
	keyHash, ok := h.authenticate(r)
	if !ok {
		h.rejectClient(w, reqID, r)
		return
	}
	body, err := readBodyForReplay(r.Body, maxRequestBody)
	if err != nil {
		respondJSON(w, http.StatusBadRequest,
			errorPayload(400, "invalid_request_error", "Failed to read request body."))
		return
	}

	h.relay(w, r, reqID, relayRequest{
		platform:    PlatformClaude,
		body:        body,
		fingerprint: sessionFingerprint(body),
		keyHash:     keyHash,
		model:       requestModel(body),
	})
}

func (h *relayHandler) handleGemini(w http.ResponseWriter, r *http.Request, reqID string) {
	keyHash, ok := h.authenticate(r)
	if !ok {
		h.rejectClient(w, reqID, r)
		return
	}

	// Path shape: /gemini/v1/models/{model}:{generateContent|streamGenerateContent}
	rest := strings.TrimPrefix(r.URL.Path, "/gemini/v1")
	model, method, found := strings.Cut(strings.TrimPrefix(rest, "/models/"), ":")
	if !found || model == "" || (method != "generateContent" && method != "streamGenerateContent") {
		http.NotFound(w, r)
		return
	}

	body, err := readBodyForReplay(r.Body, maxRequestBody)
	if err != nil {
		respondJSON(w, http.StatusBadRequest,
			errorPayload(400, "invalid_request_error", "Failed to read request body."))
		return
	}

	h.relay(w, r, reqID, relayRequest{
		platform:     PlatformGemini,
		body:         body,
		fingerprint:  sessionFingerprint(body),
		keyHash:      keyHash,
		upstreamPath: rest,
		model:        model,
	})
}

func (h *relayHandler) handleOpenAIResponses(w http.ResponseWriter, r *http.Request, reqID string) {
	keyHash, ok := h.authenticate(r)
	if !ok {
		h.rejectClient(w, reqID, r)
		return
	}
	body, err := readBodyForReplay(r.Body, maxRequestBody)
	if err != nil {
		respondJSON(w, http.StatusBadRequest,
			errorPayload(400, "invalid_request_error", "Failed to read request body."))
		return
	}

	h.relay(w, r, reqID, relayRequest{
		platform:     PlatformOpenAI,
		body:         body,
		fingerprint:  sessionFingerprint(body),
		keyHash:      keyHash,
		upstreamPath: "/responses",
		model:        requestModel(body),
	})
}

// handleChatCompletions serves the OpenAI chat-completions surface backed by
// Claude accounts: the request converts to the Messages shape on the way up
// and the response converts back on the way down.
func (h *relayHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request, reqID string) {
	keyHash, ok := h.authenticate(r)
	if !ok {
		h.rejectClient(w, reqID, r)
		return
	}
	raw, err := readBodyForReplay(r.Body, maxRequestBody)
	if err != nil {
		respondJSON(w, http.StatusBadRequest,
			errorPayload(400, "invalid_request_error", "Failed to read request body."))
		return
	}

	body, chatReq, err := convertChatRequest(raw)
	if err != nil {
		respondJSON(w, http.StatusBadRequest,
			errorPayload(400, "invalid_request_error", err.Error()))
		return
	}

	h.relay(w, r, reqID, relayRequest{
		platform:    PlatformClaude,
		body:        body,
		fingerprint: sessionFingerprint(body),
		keyHash:     keyHash,
		model:       chatReq.Model,
		translate:   true,
	})
}

func (h *relayHandler) serveHealth(w http.ResponseWriter) {
	now := time.Now()
	platforms := make(map[string]any, 3)
	for _, p := range []Platform{PlatformClaude, PlatformGemini, PlatformOpenAI} {
		avail, total := h.reg.countAvailable(p, now)
		if total == 0 {
			continue
		}
		platforms[string(p)] = map[string]any{
			"available": avail,
			"total":     total,
		}
	}

	accounts := make([]map[string]any, 0, len(h.reg.ordered))
	for _, acc := range h.reg.ordered {
		acc.mu.Lock()
		row := map[string]any{
			"id":       acc.ID,
			"name":     acc.Name,
			"type":     acc.Kind,
			"priority": acc.Priority,
			"enabled":  acc.Enabled,
		}
		if acc.CooldownUntil.After(now) {
			row["cooldown_remaining_seconds"] = int(acc.CooldownUntil.Sub(now).Seconds())
			row["last_error"] = acc.LastErrorKind
		}
		acc.mu.Unlock()
		if totals, err := h.db.usageByAccount(acc.ID); err == nil {
			row["usage"] = totals
		}
		accounts = append(accounts, row)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"platforms":      platforms,
		"accounts":       accounts,
		"recent_errors":  h.recent.snapshot(),
	})
}

// Model catalogs are static: clients only need a non-empty list to enable
// their model pickers, and the upstreams reject unknown models anyway.

func (h *relayHandler) serveClaudeModels(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []any{
			map[string]any{"id": "claude-sonnet-4-20250514", "object": "model", "created": 1704067200, "owned_by": "anthropic"},
			map[string]any{"id": "claude-3-5-sonnet-20241022", "object": "model", "created": 1704067200, "owned_by": "anthropic"},
			map[string]any{"id": "claude-3-5-haiku-20241022", "object": "model", "created": 1704067200, "owned_by": "anthropic"},
			map[string]any{"id": "claude-3-opus-20240229", "object": "model", "created": 1704067200, "owned_by": "anthropic"},
			map[string]any{"id": "claude-opus-4-20250514", "object": "model", "created": 1704067200, "owned_by": "anthropic"},
		},
	})
}

func (h *relayHandler) serveOpenAIModels(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []any{
			map[string]any{"id": "gpt-4o", "object": "model", "created": 1704067200, "owned_by": "openai"},
			map[string]any{"id": "gpt-4o-mini", "object": "model", "created": 1704067200, "owned_by": "openai"},
			map[string]any{"id": "gpt-4-turbo", "object": "model", "created": 1704067200, "owned_by": "openai"},
			map[string]any{"id": "gpt-3.5-turbo", "object": "model", "created": 1704067200, "owned_by": "openai"},
		},
	})
}

func (h *relayHandler) serveGeminiModels(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]any{
		"models": []any{
			map[string]any{"name": "models/gemini-2.0-flash-exp", "displayName": "Gemini 2.0 Flash"},
			map[string]any{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
			map[string]any{"name": "models/gemini-1.5-flash", "displayName": "Gemini 1.5 Flash"},
		},
	})
}

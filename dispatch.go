package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxFailovers caps the retry budget regardless of pool size.
const maxFailovers = 3

// maxErrorBodySample bounds how much of an upstream error body is read for
// classification and passthrough.
const maxErrorBodySample = 64 * 1024

type relayHandler struct {
	reg        *Registry
	providers  *providerSet
	sched      *scheduler
	refresher  *tokenRefresher
	sessions   *sessionStore
	db         *database
	transports *transportPool
	metrics    *metrics
	recent     *recentErrors
	startTime  time.Time

	apiKeys map[string]bool
	debug   bool
}

// relayRequest carries one client call through the attempt loop.
type relayRequest struct {
	platform    Platform
	body        []byte
	fingerprint string
	keyHash     string

	// upstreamPath is passed to Provider.UpstreamURL; empty for claude,
	// whose URL is fixed per account.
	upstreamPath string

	// model drives the anthropic-beta header variant and stream translation.
	model string

	// translate is set for openai-chat-completions traffic: the response
	// converts back to the OpenAI shape before reaching the client.
	translate bool
}

// authenticate resolves the caller's usage-attribution hash. With an empty
// allowlist every caller is "anonymous"; otherwise the key must match.
func (h *relayHandler) authenticate(r *http.Request) (string, bool) {
	if len(h.apiKeys) == 0 {
		return anonymousKeyHash, true
	}
	key := clientKey(r)
	if key == "" || !h.apiKeys[key] {
		return "", false
	}
	return hashClientKey(key), true
}

func (h *relayHandler) rejectClient(w http.ResponseWriter, reqID string, r *http.Request) {
	if key := clientKey(r); key != "" {
		log.Printf("[%s] rejected client key %s", reqID, maskKey(key))
	} else {
		log.Printf("[%s] rejected request without client key", reqID)
	}
	respondJSON(w, http.StatusUnauthorized,
		errorPayload(401, "authentication_error", "Invalid or missing API key."))
}

// relay runs the full pipeline: select, acquire credentials, dial, stream.
// Failover happens only before the first response byte reaches the client;
// a 2xx header from the upstream commits us to that account.
func (h *relayHandler) relay(w http.ResponseWriter, r *http.Request, reqID string, req relayRequest) {
	excluded := make(map[string]bool)
	fingerprint := req.fingerprint

	budget := h.sched.eligibleCount(req.platform, nil)
	if budget > maxFailovers {
		budget = maxFailovers
	}
	if budget < 1 {
		budget = 1
	}

	var lastStatus int
	var lastBody []byte
	var lastHeader http.Header

	for attempt := 0; attempt <= budget; attempt++ {
		acc, err := h.sched.selectAccount(reqID, req.platform, fingerprint, excluded)
		if err != nil {
			if lastStatus != 0 {
				h.surfaceUpstreamError(w, reqID, req.platform, lastStatus, lastHeader, lastBody)
				return
			}
			h.respondNoAccount(w, reqID, req.platform)
			return
		}
		if attempt > 0 {
			h.metrics.failovers.Add(1)
			log.Printf("[%s] attempt %d: failing over to account %s", reqID, attempt+1, acc.ID)
		}

		token, err := h.refresher.acquire(r.Context(), reqID, acc)
		if err != nil {
			log.Printf("[%s] credential acquisition failed for %s: %v", reqID, acc.ID, err)
			h.recent.add("account %s: %v", acc.ID, err)
			// invalid_grant already cooled the account down inside the
			// refresher; either way this account is out for this request.
			// Dropping the binding lets the next select rebind the session
			// to whichever account takes over.
			h.sched.dropBinding(reqID, fingerprint)
			excluded[acc.ID] = true
			continue
		}

		resp, err := h.sendUpstream(r, reqID, acc, token, req)
		if err != nil {
			if r.Context().Err() != nil {
				log.Printf("[%s] client disconnected: %v", reqID, r.Context().Err())
				return
			}
			v := classifyTransportError(err)
			h.applyVerdict(reqID, acc, fingerprint, v)
			log.Printf("[%s] upstream dial failed for %s (%s): %v", reqID, acc.ID, v.reason, err)
			h.recent.add("account %s: %v", acc.ID, err)
			excluded[acc.ID] = true
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySample))
			resp.Body.Close()

			v := classifyResponse(resp.StatusCode, resp.Header, sample)
			h.applyVerdict(reqID, acc, fingerprint, v)
			log.Printf("[%s] upstream %d from %s (%s)", reqID, resp.StatusCode, acc.ID, v.reason)

			if v.action == actionRetryAfter {
				// Short server-advertised wait; same account retries.
				select {
				case <-time.After(v.cooldown):
				case <-r.Context().Done():
					return
				}
				continue
			}
			if v.retriable() {
				if v.action == actionFailoverUnavailable {
					h.sched.dropBinding(reqID, fingerprint)
				}
				h.recent.add("account %s: HTTP %d %s", acc.ID, resp.StatusCode, v.reason)
				excluded[acc.ID] = true
				lastStatus, lastHeader, lastBody = resp.StatusCode, resp.Header, sample
				continue
			}

			h.surfaceUpstreamError(w, reqID, req.platform, resp.StatusCode, resp.Header, sample)
			return
		}

		h.streamResponse(w, r, reqID, acc, resp, req)
		return
	}

	if lastStatus != 0 {
		h.surfaceUpstreamError(w, reqID, req.platform, lastStatus, lastHeader, lastBody)
		return
	}
	h.respondNoAccount(w, reqID, req.platform)
}

func (h *relayHandler) respondNoAccount(w http.ResponseWriter, reqID string, platform Platform) {
	h.metrics.incRequest(platform, http.StatusServiceUnavailable)
	if hint := h.reg.minCooldownRemaining(platform, time.Now()); hint > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(hint.Seconds())+1))
	}
	log.Printf("[%s] no account available for platform %s", reqID, platform)
	respondJSON(w, http.StatusServiceUnavailable,
		errorPayload(503, "no_account_available", "No upstream account is currently available."))
}

func (h *relayHandler) surfaceUpstreamError(w http.ResponseWriter, reqID string, platform Platform, status int, header http.Header, body []byte) {
	h.metrics.incRequest(platform, status)
	if ct := header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// applyVerdict executes the account-penalty half of a verdict. The retry
// half is the caller's loop.
func (h *relayHandler) applyVerdict(reqID string, acc *Account, fingerprint string, v verdict) {
	switch v.action {
	case actionFailoverUnavailable:
		h.reg.markUnavailable(acc.ID, v.reason)
		log.Printf("[%s] account %s marked unavailable (%s)", reqID, acc.ID, v.reason)
	case actionFailoverCooldown:
		h.reg.markCooldown(acc.ID, v.cooldown, v.reason)
		log.Printf("[%s] account %s cooling down %v (%s)", reqID, acc.ID, v.cooldown, v.reason)
	}
}

// sendUpstream builds and issues one upstream attempt.
func (h *relayHandler) sendUpstream(r *http.Request, reqID string, acc *Account, token string, req relayRequest) (*http.Response, error) {
	provider := h.providers.forAccount(acc)
	upstreamURL := provider.UpstreamURL(acc, req.upstreamPath)

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(req.body))
	if err != nil {
		return nil, err
	}

	switch req.platform {
	case PlatformClaude:
		// Claude requests are rebuilt from scratch: fixed first-party
		// headers plus the allowlisted client headers.
		forwardClaudeHeaders(upReq, r.Header)
		if acc.Kind == KindClaudeOAuth {
			upReq.Header.Set("anthropic-beta", betaHeaderForModel(req.model))
		}
	default:
		copyHeader(upReq.Header, r.Header)
		removeHopByHopHeaders(upReq.Header)
		upReq.Header.Del("Authorization")
		upReq.Header.Del("x-api-key")
		upReq.Header.Del("api-key")
		upReq.Header.Del("Host")
		upReq.Header.Del("Content-Length")
		upReq.Header.Del("Accept-Encoding")
	}
	upReq.Header.Set("Content-Type", "application/json")
	provider.SetAuthHeaders(upReq, acc, token)

	if h.debug {
		log.Printf("[%s] -> %s %s account=%s", reqID, upReq.Method, upstreamURL, acc.ID)
	}

	rt := h.transports.forProxy(acc.Proxy)
	client := &http.Client{Transport: rt}
	return client.Do(upReq)
}

// streamResponse pipes a committed 2xx response to the client, teeing SSE
// events for usage extraction and in-stream error detection.
func (h *relayHandler) streamResponse(w http.ResponseWriter, r *http.Request, reqID string, acc *Account, resp *http.Response, req relayRequest) {
	defer resp.Body.Close()
	provider := h.providers.forAccount(acc)

	contentType := resp.Header.Get("Content-Type")
	isSSE := provider.DetectsSSE(req.upstreamPath, contentType)

	usage := &requestUsage{Model: req.model}
	collect := func(data []byte) {
		var obj map[string]any
		if json.Unmarshal(data, &obj) != nil {
			return
		}
		if u := provider.ParseUsage(obj); u != nil {
			usage.merge(u)
		}
		h.checkStreamError(reqID, acc, obj)
	}

	if !isSSE {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			log.Printf("[%s] read upstream body: %v", reqID, err)
			http.Error(w, "upstream read failed", http.StatusBadGateway)
			return
		}
		collect(body)

		out := body
		status := resp.StatusCode
		if req.translate {
			converted, err := convertChatResponse(body)
			if err != nil {
				log.Printf("[%s] response conversion failed: %v", reqID, err)
				http.Error(w, "translation failed", http.StatusBadGateway)
				return
			}
			out = converted
		}

		h.metrics.incRequest(req.platform, status)
		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		w.WriteHeader(status)
		_, _ = w.Write(out)
		h.recordUsage(reqID, r, acc, req, usage)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h.metrics.incRequest(req.platform, resp.StatusCode)
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	var out io.Writer = &flushWriter{w: w, f: flusher, flushInterval: 200 * time.Millisecond}
	if req.translate {
		out = newChatStreamWriter(out, req.model)
	}
	tee := &sseInterceptWriter{w: out, callback: collect}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	body := newIdleTimeoutReader(resp.Body, streamIdleTimeout, cancel)
	defer body.Close()
	go func() {
		<-ctx.Done()
		resp.Body.Close()
	}()

	if _, err := io.Copy(tee, body); err != nil {
		// Bytes already flowed; the stream just ends. Penalties from any
		// in-stream error event have been applied in the callback.
		log.Printf("[%s] stream ended early for %s: %v", reqID, acc.ID, err)
		if r.Context().Err() != nil {
			return
		}
	}

	h.recordUsage(reqID, r, acc, req, usage)
}

// checkStreamError inspects a decoded SSE payload for a terminal error
// event. Mid-stream errors cannot be retried, only penalized.
func (h *relayHandler) checkStreamError(reqID string, acc *Account, obj map[string]any) {
	if obj["type"] != "error" {
		return
	}
	errObj, _ := obj["error"].(map[string]any)
	errType, _ := errObj["type"].(string)
	switch {
	case strings.Contains(errType, "overloaded"):
		h.reg.markCooldown(acc.ID, overloadedCooldown, "overloaded")
		log.Printf("[%s] in-stream overload from %s, cooling down", reqID, acc.ID)
	case strings.Contains(errType, "rate_limit"):
		h.reg.markCooldown(acc.ID, rateLimitCooldown, "rate_limited")
		log.Printf("[%s] in-stream rate limit from %s, cooling down", reqID, acc.ID)
	case strings.Contains(errType, "authentication"):
		h.reg.markUnavailable(acc.ID, "unauthorized")
		log.Printf("[%s] in-stream auth error from %s, marked unavailable", reqID, acc.ID)
	}
	h.recent.add("account %s: in-stream error %s", acc.ID, errType)
}

// recordUsage appends the usage row for a completed response. Nothing is
// written when the client went away or no usage was parseable.
func (h *relayHandler) recordUsage(reqID string, r *http.Request, acc *Account, req relayRequest, usage *requestUsage) {
	if r.Context().Err() != nil {
		return
	}
	if usage.empty() {
		return
	}
	rec := usageRecord{
		ClientKeyHash:       req.keyHash,
		AccountID:           acc.ID,
		Model:               usage.Model,
		InputTokens:         clampNonNegative(usage.InputTokens),
		OutputTokens:        clampNonNegative(usage.OutputTokens),
		CacheCreationTokens: clampNonNegative(usage.CacheCreationTokens),
		CacheReadTokens:     clampNonNegative(usage.CacheReadTokens),
	}
	if err := h.db.recordUsage(rec); err != nil {
		log.Printf("[%s] usage record failed: %v", reqID, err)
		return
	}
	if h.debug {
		log.Printf("[%s] usage account=%s model=%s in=%d out=%d", reqID, acc.ID, rec.Model, rec.InputTokens, rec.OutputTokens)
	}
}

// copyResponseHeaders forwards upstream headers worth keeping, skipping
// hop-by-hop and anything the writer recomputes.
func copyResponseHeaders(dst, src http.Header) {
	cloned := cloneHeader(src)
	removeHopByHopHeaders(cloned)
	cloned.Del("Content-Length")
	cloned.Del("Content-Type")
	cloned.Del("Content-Encoding")
	copyHeader(dst, cloned)
}

// requestModel pulls the model field out of a request body for beta-header
// selection and usage attribution.
func requestModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}

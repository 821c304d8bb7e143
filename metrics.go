package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type metrics struct {
	mu       sync.Mutex
	requests map[string]int64 // "platform|status" -> count

	failovers        atomic.Int64
	stickyHits       atomic.Int64
	refreshSuccesses atomic.Int64
	refreshFailures  atomic.Int64

	reg *Registry
}

func newMetrics() *metrics {
	return &metrics{requests: make(map[string]int64)}
}

func (m *metrics) incRequest(platform Platform, status int) {
	key := fmt.Sprintf("%s|%d", platform, status)
	m.mu.Lock()
	m.requests[key]++
	m.mu.Unlock()
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m.mu.Lock()
	keys := make([]string, 0, len(m.requests))
	for k := range m.requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		platform, status, _ := strings.Cut(k, "|")
		fmt.Fprintf(w, "ccrelay_requests_total{platform=%q,status=%q} %d\n", platform, status, m.requests[k])
	}
	m.mu.Unlock()

	fmt.Fprintf(w, "ccrelay_failovers_total %d\n", m.failovers.Load())
	fmt.Fprintf(w, "ccrelay_sticky_hits_total %d\n", m.stickyHits.Load())
	fmt.Fprintf(w, "ccrelay_token_refresh_total{result=\"ok\"} %d\n", m.refreshSuccesses.Load())
	fmt.Fprintf(w, "ccrelay_token_refresh_total{result=\"error\"} %d\n", m.refreshFailures.Load())

	if m.reg != nil {
		now := time.Now()
		for _, p := range []Platform{PlatformClaude, PlatformGemini, PlatformOpenAI} {
			avail, _ := m.reg.countAvailable(p, now)
			fmt.Fprintf(w, "ccrelay_accounts_available{platform=%q} %d\n", p, avail)
		}
	}
}

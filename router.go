package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveHealth(w)
		return
	case "/metrics":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.metrics.serve(w, r)
		return
	case "/api/v1/messages", "/claude/v1/messages":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleClaudeMessages(w, r, reqID)
		return
	case "/api/v1/models":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveClaudeModels(w)
		return
	case "/gemini/v1/models":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveGeminiModels(w)
		return
	case "/openai/v1/chat/completions":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleChatCompletions(w, r, reqID)
		return
	case "/openai/v1/responses":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleOpenAIResponses(w, r, reqID)
		return
	case "/openai/v1/models":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveOpenAIModels(w)
		return
	}

	// Gemini generation: /gemini/v1/models/{model}:generateContent or
	// {model}:streamGenerateContent.
	if strings.HasPrefix(r.URL.Path, "/gemini/v1/models/") {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleGemini(w, r, reqID)
		return
	}

	http.NotFound(w, r)
}

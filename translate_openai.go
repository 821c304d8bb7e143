package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// claudeCodeSystemPrompt replaces arbitrary client system prompts. OAuth
// accounts are only entitled to Claude Code traffic, so the upstream sees
// the first-party prompt; Xcode's own prompt is allowed through because it
// is a recognized first-party surface.
const claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

type chatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []chatMessage     `json:"messages"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Tools       []chatTool        `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// convertChatRequest maps an OpenAI chat-completions request onto the
// Anthropic Messages shape. Returns the request body ready to send.
func convertChatRequest(raw []byte) ([]byte, *chatCompletionRequest, error) {
	var req chatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, fmt.Errorf("parse chat completions request: %w", err)
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, nil, fmt.Errorf("chat completions request requires model and messages")
	}

	var system any
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			text := contentToText(msg.Content)
			if strings.Contains(text, "You are currently in Xcode") {
				system = text
			} else {
				system = claudeCodeSystemPrompt
			}
		case "user", "assistant":
			content, err := convertChatContent(msg.Content, msg.ToolCalls)
			if err != nil {
				return nil, nil, err
			}
			messages = append(messages, map[string]any{"role": msg.Role, "content": content})
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     contentToText(msg.Content),
				}},
			})
		}
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	out := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if system != nil {
		out["system"] = system
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			params := t.Function.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": params,
			})
		}
		out["tools"] = tools
	}
	if len(req.ToolChoice) > 0 {
		out["tool_choice"] = req.ToolChoice
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return body, &req, nil
}

func contentToText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []chatContentPart
	if json.Unmarshal(raw, &parts) == nil {
		var texts []string
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func convertChatContent(raw json.RawMessage, toolCalls []chatToolCall) (any, error) {
	var blocks []any

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": s})
		}
	} else {
		var parts []chatContentPart
		if json.Unmarshal(raw, &parts) == nil {
			for _, p := range parts {
				switch p.Type {
				case "text":
					blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
				case "image_url":
					if p.ImageURL == nil {
						continue
					}
					if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
						blocks = append(blocks, map[string]any{
							"type": "image",
							"source": map[string]any{
								"type": "base64", "media_type": mediaType, "data": data,
							},
						})
					} else {
						blocks = append(blocks, map[string]any{
							"type":   "image",
							"source": map[string]any{"type": "url", "url": p.ImageURL.URL},
						})
					}
				}
			}
		}
	}

	for _, call := range toolCalls {
		var args any
		if json.Unmarshal([]byte(call.Function.Arguments), &args) != nil {
			args = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Function.Name,
			"input": args,
		})
	}

	// A single text block collapses to a bare string, the common wire shape.
	if len(blocks) == 1 {
		if m, ok := blocks[0].(map[string]any); ok {
			if text, ok := m["text"].(string); ok {
				return text, nil
			}
		}
	}
	return blocks, nil
}

func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, _, _ = strings.Cut(meta, ";")
	return mediaType, payload, true
}

// convertChatResponse maps a non-streaming Messages response back to the
// chat.completion shape. content stays loosely typed so unknown block
// variants pass through without loss.
func convertChatResponse(claudeBody []byte) ([]byte, error) {
	var resp struct {
		ID         string          `json:"id"`
		Model      string          `json:"model"`
		Content    json.RawMessage `json:"content"`
		StopReason string          `json:"stop_reason"`
		Usage      struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(claudeBody, &resp); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}

	var content *string
	var toolCalls []map[string]any

	var blocks []map[string]any
	if json.Unmarshal(resp.Content, &blocks) == nil {
		for _, block := range blocks {
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					content = &text
				}
			case "tool_use":
				args, _ := json.Marshal(block["input"])
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				toolCalls = append(toolCalls, map[string]any{
					"id":   id,
					"type": "function",
					"function": map[string]any{
						"name":      name,
						"arguments": string(args),
					},
				})
			}
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"id":      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

// chatStreamWriter consumes Anthropic SSE events and emits OpenAI
// chat.completion.chunk events to the underlying writer.
type chatStreamWriter struct {
	w     io.Writer
	buf   []byte
	id    string
	model string
	done  bool
}

func newChatStreamWriter(w io.Writer, model string) *chatStreamWriter {
	return &chatStreamWriter{w: w, id: "chatcmpl-" + randomID(), model: model}
}

func (cw *chatStreamWriter) Write(p []byte) (int, error) {
	cw.buf = append(cw.buf, p...)
	for {
		idx := bytes.Index(cw.buf, []byte("\n\n"))
		skip := 2
		if idx < 0 {
			idx = bytes.Index(cw.buf, []byte("\r\n\r\n"))
			skip = 4
			if idx < 0 {
				break
			}
		}
		event := cw.buf[:idx]
		cw.buf = cw.buf[idx+skip:]
		if err := cw.handleEvent(event); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (cw *chatStreamWriter) handleEvent(event []byte) error {
	dataIdx := bytes.Index(event, []byte("data:"))
	if dataIdx < 0 {
		return nil
	}
	data := bytes.TrimSpace(event[dataIdx+len("data:"):])
	if len(data) == 0 {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}

	switch obj["type"] {
	case "message_start":
		if msg, ok := obj["message"].(map[string]any); ok {
			if model, ok := msg["model"].(string); ok && model != "" {
				cw.model = model
			}
		}
		return cw.emit(map[string]any{"role": "assistant"}, nil)
	case "content_block_delta":
		delta, ok := obj["delta"].(map[string]any)
		if !ok {
			return nil
		}
		if delta["type"] == "text_delta" {
			if text, ok := delta["text"].(string); ok && text != "" {
				return cw.emit(map[string]any{"content": text}, nil)
			}
		}
		return nil
	case "message_delta":
		if delta, ok := obj["delta"].(map[string]any); ok {
			if reason, ok := delta["stop_reason"].(string); ok && reason != "" {
				finish := "stop"
				switch reason {
				case "max_tokens":
					finish = "length"
				case "tool_use":
					finish = "tool_calls"
				}
				return cw.emit(map[string]any{}, &finish)
			}
		}
		return nil
	case "message_stop":
		if cw.done {
			return nil
		}
		cw.done = true
		_, err := io.WriteString(cw.w, "data: [DONE]\n\n")
		return err
	}
	return nil
}

func (cw *chatStreamWriter) emit(delta map[string]any, finishReason *string) error {
	chunk := map[string]any{
		"id":      cw.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   cw.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	blob, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cw.w, "data: %s\n\n", blob)
	return err
}

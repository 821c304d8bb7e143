package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConvertChatRequestBasic(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"messages": [
			{"role": "system", "content": "You are a pirate."},
			{"role": "user", "content": "hello"}
		],
		"stream": true,
		"temperature": 0.5
	}`)
	body, req, err := convertChatRequest(raw)
	if err != nil {
		t.Fatalf("convertChatRequest: %v", err)
	}
	if !req.Stream {
		t.Error("stream flag lost")
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["system"] != claudeCodeSystemPrompt {
		t.Errorf("system = %q, arbitrary prompts must be replaced", out["system"])
	}
	if out["max_tokens"].(float64) != 4096 {
		t.Errorf("max_tokens = %v, want default 4096", out["max_tokens"])
	}
	if out["temperature"].(float64) != 0.5 {
		t.Errorf("temperature = %v", out["temperature"])
	}
	msgs := out["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, system must not appear as a message", len(msgs))
	}
}

func TestConvertChatRequestXcodePromptKept(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [
			{"role": "system", "content": "You are currently in Xcode helping with Swift."},
			{"role": "user", "content": "hi"}
		]
	}`)
	body, _, err := convertChatRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	json.Unmarshal(body, &out)
	if !strings.Contains(out["system"].(string), "Xcode") {
		t.Error("Xcode system prompt must pass through unchanged")
	}
}

func TestConvertChatRequestTools(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"SF\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type":"object"}}}]
	}`)
	body, _, err := convertChatRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Messages))
	}
	if !bytes.Contains(out.Messages[1].Content, []byte("tool_use")) {
		t.Error("assistant tool call not converted to tool_use block")
	}
	last := out.Messages[2]
	if last.Role != "user" || !bytes.Contains(last.Content, []byte("tool_result")) {
		t.Errorf("tool turn = %+v, want user tool_result", last)
	}
}

func TestConvertChatRequestImageDataURL(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,iVBORw0KGgo="}}
		]}]
	}`)
	body, _, err := convertChatRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte(`"media_type":"image/png"`)) {
		t.Error("data URL not decoded into a base64 image source")
	}
}

func TestConvertChatRequestRejectsEmpty(t *testing.T) {
	if _, _, err := convertChatRequest([]byte(`{"model":"m","messages":[]}`)); err == nil {
		t.Error("empty messages must be rejected")
	}
	if _, _, err := convertChatRequest([]byte(`not json`)); err == nil {
		t.Error("invalid JSON must be rejected")
	}
}

func TestConvertChatResponse(t *testing.T) {
	claude := []byte(`{
		"id": "msg_abc123",
		"model": "claude-sonnet-4-20250514",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`)
	out, err := convertChatResponse(claude)
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens int64 `json:"prompt_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-abc123" || resp.Object != "chat.completion" {
		t.Errorf("envelope = %s %s", resp.ID, resp.Object)
	}
	if resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestConvertChatResponseToolUse(t *testing.T) {
	claude := []byte(`{
		"id": "msg_1",
		"model": "m",
		"content": [{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`)
	out, err := convertChatResponse(claude)
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	json.Unmarshal(out, &resp)
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "get_weather" {
		t.Fatalf("tool_calls = %+v", calls)
	}
	var args map[string]any
	json.Unmarshal([]byte(calls[0].Function.Arguments), &args)
	if args["city"] != "SF" {
		t.Errorf("arguments = %v", args)
	}
}

func TestChatStreamWriterReframes(t *testing.T) {
	var out bytes.Buffer
	cw := newChatStreamWriter(&out, "requested-model")

	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":3}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
		``,
	}, "\n")

	// Feed in small chunks to exercise reassembly.
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		if _, err := cw.Write([]byte(stream[i:end])); err != nil {
			t.Fatal(err)
		}
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n\n")
	if len(lines) != 5 {
		t.Fatalf("chunks = %d, want role+2 content+finish+[DONE]: %q", len(lines), out.String())
	}
	if lines[len(lines)-1] != "data: [DONE]" {
		t.Errorf("last chunk = %q, want [DONE]", lines[len(lines)-1])
	}

	var first struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta map[string]any `json:"delta"`
		} `json:"choices"`
	}
	payload := strings.TrimPrefix(lines[0], "data: ")
	if err := json.Unmarshal([]byte(payload), &first); err != nil {
		t.Fatal(err)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Object)
	}
	if first.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want the upstream model from message_start", first.Model)
	}
	if first.Choices[0].Delta["role"] != "assistant" {
		t.Errorf("first delta = %v, want role chunk", first.Choices[0].Delta)
	}

	var second struct {
		Choices []struct {
			Delta map[string]any `json:"delta"`
		} `json:"choices"`
	}
	json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &second)
	if second.Choices[0].Delta["content"] != "Hel" {
		t.Errorf("content delta = %v", second.Choices[0].Delta)
	}

	var finish struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	json.Unmarshal([]byte(strings.TrimPrefix(lines[3], "data: ")), &finish)
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk = %v", finish.Choices[0])
	}
}

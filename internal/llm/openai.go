/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const openaiDefaultEndpoint = "https://api.openai.com"

// openaiCompatAdapter calls OpenAI-compatible chat completion APIs. Grounded
// on internal/provider/openai.go's OpenAIProvider; generalized with a layer
// and key rotator so the same implementation backs the frontier and
// free-tier-fallback adapter slots in spec.md §4.3's five-adapter roster —
// those providers expose the same chat-completions wire shape in practice,
// matching the teacher's own comment that OpenAIProvider "works with OpenAI,
// Ollama, vLLM, Azure, etc."
type openaiCompatAdapter struct {
	name       string
	layer      int
	model      string
	endpoint   string
	keys       *keyRotator
	client     *http.Client
	maxRetries int
	maxTokens  int32
}

func newOpenAICompatAdapter(cfg Config) (*openaiCompatAdapter, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = openaiDefaultEndpoint
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &openaiCompatAdapter{
		name:       cfg.Name,
		layer:      cfg.Layer,
		model:      cfg.Model,
		endpoint:   endpoint,
		keys:       newKeyRotator(cfg.APIKeys),
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		maxRetries: maxRetries,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

// newLocalAdapter wraps an openaiCompatAdapter pointed at a local inference
// server, permitted to run without any API key (the local-model shim).
func newLocalAdapter(cfg Config) (*openaiCompatAdapter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys = []string{""}
	}
	return newOpenAICompatAdapter(cfg)
}

func (p *openaiCompatAdapter) Name() string  { return p.name }
func (p *openaiCompatAdapter) Layer() int    { return p.layer }
func (p *openaiCompatAdapter) Model() string { return p.model }

func (p *openaiCompatAdapter) IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit")
}

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int32           `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *openaiCompatAdapter) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	apiReq := p.buildRequest(req)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var apiResp openaiResponse
	if err := p.doWithRetry(ctx, body, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("provider API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return p.parseResponse(&apiResp), nil
}

func (p *openaiCompatAdapter) CompleteStream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req)
	ch := make(chan StreamChunk, 1)
	go func() {
		defer close(ch)
		if err != nil {
			ch <- StreamChunk{Err: err}
			return
		}
		ch <- StreamChunk{Delta: resp.Content, Done: true}
	}()
	return ch, nil
}

func (p *openaiCompatAdapter) buildRequest(req *CompletionRequest) *openaiRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	apiReq := &openaiRequest{Model: model, MaxTokens: maxTokens}
	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: msg.Role, Content: msg.Content})
	}
	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiTool{
			Type:     "function",
			Function: openaiToolFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
		})
	}
	return apiReq
}

func (p *openaiCompatAdapter) parseResponse(apiResp *openaiResponse) *CompletionResponse {
	resp := &CompletionResponse{
		Usage: UsageInfo{InputTokens: apiResp.Usage.PromptTokens, OutputTokens: apiResp.Usage.CompletionTokens},
	}
	if len(apiResp.Choices) == 0 {
		return resp
	}
	choice := apiResp.Choices[0]
	resp.Content = choice.Message.Content
	resp.StopReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArgs: tc.Function.Arguments}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Args)
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp
}

func (p *openaiCompatAdapter) doWithRetry(ctx context.Context, body []byte, result *openaiResponse) error {
	url := p.endpoint + "/v1/chat/completions"
	attemptsPerKey := p.maxRetries
	totalAttempts := attemptsPerKey * maxInt(p.keys.Count(), 1)

	var lastErr error
	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt%attemptsPerKey))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if key := p.keys.Current(); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if httpResp.StatusCode == 429 {
			p.keys.Advance()
			lastErr = fmt.Errorf("provider API returned 429 (rate_limit): %s", string(respBody))
			continue
		}
		if httpResp.StatusCode >= 500 {
			lastErr = fmt.Errorf("provider API returned %d: %s", httpResp.StatusCode, string(respBody))
			continue
		}
		if httpResp.StatusCode != 200 {
			return fmt.Errorf("provider API returned %d: %s", httpResp.StatusCode, string(respBody))
		}

		return json.Unmarshal(respBody, result)
	}

	return lastErr
}

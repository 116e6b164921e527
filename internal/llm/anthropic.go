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

const anthropicDefaultEndpoint = "https://api.anthropic.com"
const anthropicAPIVersion = "2023-06-01"

// anthropicAdapter calls the Anthropic Messages API. Grounded near-verbatim
// on internal/provider/anthropic.go's AnthropicProvider, generalized to
// carry a layer and a key rotator instead of a single fixed API key.
type anthropicAdapter struct {
	name       string
	layer      int
	model      string
	endpoint   string
	keys       *keyRotator
	client     *http.Client
	maxRetries int
	maxTokens  int32
}

func newAnthropicAdapter(cfg Config) (*anthropicAdapter, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = anthropicDefaultEndpoint
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &anthropicAdapter{
		name:       cfg.Name,
		layer:      cfg.Layer,
		model:      cfg.Model,
		endpoint:   endpoint,
		keys:       newKeyRotator(cfg.APIKeys),
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		maxRetries: maxRetries,
		maxTokens:  maxTokens,
	}, nil
}

func (p *anthropicAdapter) Name() string  { return p.name }
func (p *anthropicAdapter) Layer() int    { return p.layer }
func (p *anthropicAdapter) Model() string { return p.model }

func (p *anthropicAdapter) IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit")
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int32              `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *anthropicAdapter) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	apiReq := p.buildRequest(req)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var apiResp anthropicResponse
	if err := p.doWithRetry(ctx, body, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return p.parseResponse(&apiResp), nil
}

func (p *anthropicAdapter) CompleteStream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
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

func (p *anthropicAdapter) buildRequest(req *CompletionRequest) *anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	apiReq := &anthropicRequest{Model: model, MaxTokens: maxTokens, System: req.SystemPrompt}
	for _, msg := range req.Messages {
		content, _ := json.Marshal(msg.Content)
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: msg.Role, Content: content})
	}
	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.Parameters})
	}
	return apiReq
}

func (p *anthropicAdapter) parseResponse(apiResp *anthropicResponse) *CompletionResponse {
	resp := &CompletionResponse{
		StopReason: apiResp.StopReason,
		Usage:      UsageInfo{InputTokens: apiResp.Usage.InputTokens, OutputTokens: apiResp.Usage.OutputTokens},
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			tc := ToolCall{ID: block.ID, Name: block.Name}
			if block.Input != nil {
				tc.RawArgs = string(block.Input)
				_ = json.Unmarshal(block.Input, &tc.Args)
			}
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	return resp
}

// doWithRetry builds and sends the HTTP request, retrying with exponential
// backoff on network errors, 429, and 5xx, and rotating to the next API key
// on a rate-limit response before exhausting the key set. Grounded on
// internal/provider/anthropic.go's doWithRetry.
func (p *anthropicAdapter) doWithRetry(ctx context.Context, body []byte, result *anthropicResponse) error {
	url := p.endpoint + "/v1/messages"
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
		httpReq.Header.Set("x-api-key", p.keys.Current())
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

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
			lastErr = fmt.Errorf("anthropic API returned 429 (rate_limit): %s", string(respBody))
			continue
		}
		if httpResp.StatusCode >= 500 {
			lastErr = fmt.Errorf("anthropic API returned %d: %s", httpResp.StatusCode, string(respBody))
			continue
		}
		if httpResp.StatusCode != 200 {
			return fmt.Errorf("anthropic API returned %d: %s", httpResp.StatusCode, string(respBody))
		}

		return json.Unmarshal(respBody, result)
	}

	return lastErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

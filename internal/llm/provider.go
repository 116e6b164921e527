/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package llm implements the Model Adapter Registry (§4.3): a uniform
// Generate/GenerateStream interface over a prioritized set of adapters, each
// wrapping one external LLM provider. The request/response shapes and the
// per-adapter Complete contract are grounded directly on
// internal/provider/provider.go; each concrete adapter's HTTP client and
// exponential-backoff retry loop is grounded on
// internal/provider/anthropic.go's doWithRetry.
package llm

import (
	"context"
	"fmt"
)

// CompletionRequest is the input to a single adapter call.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Model        string
	MaxTokens    int32
}

// Message is one turn of the conversation passed to an adapter.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall represents a model-requested tool invocation.
type ToolCall struct {
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
}

// ToolResult carries the output of executing a ToolCall back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionResponse is the output of a single adapter call.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      UsageInfo
	StopReason string
}

// HasToolCalls reports whether the response requests tool execution.
func (r *CompletionResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// UsageInfo reports token consumption for a single call.
type UsageInfo struct {
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns input + output.
func (u UsageInfo) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// StreamChunk is one element of a GenerateStream sequence. A chunk with
// Err set is the in-band error marker spec.md §4.3 describes for mid-stream
// failures; the stream ends immediately after such a chunk.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// Adapter is the contract every concrete provider implementation satisfies.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name is the adapter's stable identifier, used as its breaker name.
	Name() string

	// Layer is the routing priority (1 = primary, 2 = fallback, ...).
	Layer() int

	// Model is the specific model identifier this adapter calls.
	Model() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a completion request and streams the response.
	CompleteStream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// IsRateLimited classifies err as a rate-limit-class provider error,
	// the trigger for key rotation (routing step 4) rather than breaker
	// failure recording (routing step 5).
	IsRateLimited(err error) bool
}

// Config configures one concrete adapter instance.
type Config struct {
	Type           string // "anthropic", "openai-compatible", "local"
	Name           string
	Layer          int
	Endpoint       string
	Model          string
	APIKeys        []string
	MaxTokens      int32
	MaxRetries     int
	TimeoutSeconds int
}

// NewAdapter constructs a concrete adapter from config, refusing to start
// without at least one valid key (spec.md §4.3), except for the local shim
// which may run key-less against a local inference server.
func NewAdapter(cfg Config) (Adapter, error) {
	if cfg.Type != "local" && len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("adapter %q requires at least one API key", cfg.Name)
	}
	switch cfg.Type {
	case "anthropic":
		return newAnthropicAdapter(cfg)
	case "openai-compatible":
		return newOpenAICompatAdapter(cfg)
	case "local":
		return newLocalAdapter(cfg)
	case "mock":
		return newMockAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported adapter type %q", cfg.Type)
	}
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sosproject/sentinel/internal/llm"
)

// TaskPayload is the decoded form of a queue message the worker consumes
// from the global work-queue stream.
type TaskPayload struct {
	TaskID      string
	Title       string
	Description string
}

// ExecutionResult is the executor contract's output (spec.md §4.9:
// "execute(task_payload) -> {output, model_used, status}").
type ExecutionResult struct {
	Output    string
	ModelUsed string
	Status    string
}

// Executor drives one task payload to completion. The default executor
// (below) prompts the Model Adapter Registry; a squad could register a
// different executor for domain-specific task types, though v1 ships only
// the default.
type Executor interface {
	Execute(ctx context.Context, payload TaskPayload) (ExecutionResult, error)
}

// ModelExecutor is the default executor (spec.md §4.9): it prompts the
// model registry with the task description, grounded on
// internal/runner.Runner's conversation-loop shape (context timeout wrapping
// a single model call, no tool-use loop since tasks here are single-shot
// completions rather than multi-turn tool conversations).
type ModelExecutor struct {
	registry *llm.Registry
	model    string
	timeout  time.Duration
}

// NewModelExecutor constructs the default executor. preferredModel, if
// non-empty, is passed through as CompletionRequest.Model so the registry's
// concrete adapters can honor "prefer cost-respecting models" (spec.md
// §4.9: "Default executor prefers configured cheap models").
func NewModelExecutor(registry *llm.Registry, preferredModel string, timeout time.Duration) *ModelExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ModelExecutor{registry: registry, model: preferredModel, timeout: timeout}
}

// Execute implements Executor.
func (e *ModelExecutor) Execute(ctx context.Context, payload TaskPayload) (ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := &llm.CompletionRequest{
		SystemPrompt: "You are a worker executing a single delegated task. Produce the task's output directly.",
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("%s\n\n%s", payload.Title, payload.Description)},
		},
		Model: e.model,
	}

	resp, err := e.registry.Generate(ctx, req)
	if err != nil {
		return ExecutionResult{}, err
	}

	return ExecutionResult{
		Output:    resp.Content,
		ModelUsed: e.model,
		Status:    "completed",
	}, nil
}

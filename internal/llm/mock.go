/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import (
	"context"
	"fmt"
	"sync"
)

// mockAdapter is a test double, grounded on internal/provider/mock.go's
// MockProvider: it returns pre-configured responses in order and tracks all
// requests. services.Build never adds it to the production routing order;
// tests construct it with NewMockAdapter, and NewAdapter builds it for an
// adapter config of type "mock".
type mockAdapter struct {
	mu        sync.Mutex
	name      string
	layer     int
	model     string
	responses []*CompletionResponse
	errors    []error
	calls     []*CompletionRequest
	callIndex int
}

func newMockAdapter(cfg Config) *mockAdapter {
	return &mockAdapter{name: cfg.Name, layer: cfg.Layer, model: cfg.Model}
}

// NewMockAdapter constructs a mock adapter with queued responses, for use
// directly by tests of components that depend on llm.Adapter.
func NewMockAdapter(name string, layer int, responses []*CompletionResponse, errs []error) Adapter {
	return &mockAdapter{name: name, layer: layer, responses: responses, errors: errs}
}

func (m *mockAdapter) Name() string  { return m.name }
func (m *mockAdapter) Layer() int    { return m.layer }
func (m *mockAdapter) Model() string { return m.model }

func (m *mockAdapter) IsRateLimited(err error) bool {
	return err != nil && err.Error() == "rate_limited"
}

func (m *mockAdapter) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mock adapter %s: no more responses (call #%d)", m.name, m.callIndex)
	}
	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errors) {
		err = m.errors[m.callIndex]
	}
	m.callIndex++
	return resp, err
}

func (m *mockAdapter) CompleteStream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := m.Complete(ctx, req)
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

// Calls returns every request made to this mock, for assertions in tests of
// the registry/routing logic.
func (m *mockAdapter) Calls() []*CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

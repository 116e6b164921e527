/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// registry.go implements the routing algorithm of spec.md §4.3: adapters
// ordered by layer ascending, skipping open breakers, rotating keys within
// an adapter on rate-limit errors, and falling through to the next adapter
// on any other failure, accumulating an error trail for AllProvidersFailed.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sosproject/sentinel/internal/resilience/breaker"
	"github.com/sosproject/sentinel/internal/soserrors"
	"github.com/sosproject/sentinel/internal/telemetry"
)

// Registry is the single Generate/GenerateStream entry point the Engine and
// Worker call.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	breakers map[string]*breaker.Breaker
	log      logr.Logger
}

// NewRegistry builds a registry from an already-ordered or unordered set of
// adapters; adapters are sorted by layer ascending on construction.
func NewRegistry(log logr.Logger, adapters ...Adapter) *Registry {
	sorted := append([]Adapter(nil), adapters...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Layer() < sorted[j].Layer() })

	breakers := make(map[string]*breaker.Breaker, len(sorted))
	for _, a := range sorted {
		breakers[a.Name()] = breaker.New(a.Name(), breaker.DefaultConfig())
	}

	return &Registry{adapters: sorted, breakers: breakers, log: log.WithName("llm-registry")}
}

// Adapters returns the registry's adapters in routing order, for the
// /models endpoint.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adapter(nil), r.adapters...)
}

// AdapterReadiness reports, per adapter, whether its breaker currently
// allows calls — the §6 /models endpoint's "readiness" field.
type AdapterReadiness struct {
	Name  string
	Layer int
	Model string
	State breaker.State
}

// Readiness returns the current breaker state for every adapter.
func (r *Registry) Readiness() []AdapterReadiness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterReadiness, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, AdapterReadiness{
			Name: a.Name(), Layer: a.Layer(), Model: a.Model(),
			State: r.breakers[a.Name()].State(),
		})
	}
	return out
}

// Generate runs the routing algorithm and returns the first adapter's
// successful response.
func (r *Registry) Generate(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	r.mu.RLock()
	adapters := append([]Adapter(nil), r.adapters...)
	r.mu.RUnlock()

	var trail []string

	for _, adapter := range adapters {
		cb := r.breakers[adapter.Name()]
		if !cb.Allow() {
			trail = append(trail, fmt.Sprintf("%s: circuit open", adapter.Name()))
			continue
		}

		spanCtx, span := telemetry.StartModelCallSpan(ctx, adapter.Name(), adapter.Model(), adapter.Layer())
		resp, err := r.callWithKeyRotation(spanCtx, adapter, req)
		telemetry.EndModelCallSpan(span, err)
		if err == nil {
			cb.Success(ctx)
			return resp, nil
		}

		_ = cb.Execute(ctx, func() error { return err })
		trail = append(trail, fmt.Sprintf("%s: %v", adapter.Name(), err))
		r.log.V(1).Info("adapter failed, falling through", "adapter", adapter.Name(), "error", err)
	}

	return nil, soserrors.Wrap(soserrors.KindProviderFailure, "AllProvidersFailed", fmt.Errorf(strings.Join(trail, "; ")))
}

// callWithKeyRotation retries a single adapter across its key rotation
// (bounded by its key count) when the error is rate-limit-class, per
// routing step 4.
func (r *Registry) callWithKeyRotation(ctx context.Context, adapter Adapter, req *CompletionRequest) (*CompletionResponse, error) {
	rotator, hasKeys := adapterKeyCount(adapter)
	attempts := 1
	if hasKeys && rotator > 1 {
		attempts = rotator
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := adapter.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !adapter.IsRateLimited(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// adapterKeyCount extracts the key-rotation bound from adapters that carry
// one, for the key-rotation retry loop above.
func adapterKeyCount(adapter Adapter) (int, bool) {
	switch a := adapter.(type) {
	case *anthropicAdapter:
		return a.keys.Count(), true
	case *openaiCompatAdapter:
		return a.keys.Count(), true
	default:
		return 0, false
	}
}

// GenerateStream wraps the same routing and key-rotation logic around a
// streaming call. Partial chunks already emitted on a failed adapter are not
// replayed on fallback; a mid-stream failure terminates the stream with an
// in-band error marker chunk instead of transparently retrying, per
// spec.md §4.3.
func (r *Registry) GenerateStream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	r.mu.RLock()
	adapters := append([]Adapter(nil), r.adapters...)
	r.mu.RUnlock()

	var trail []string
	for _, adapter := range adapters {
		cb := r.breakers[adapter.Name()]
		if !cb.Allow() {
			trail = append(trail, fmt.Sprintf("%s: circuit open", adapter.Name()))
			continue
		}

		ch, err := adapter.CompleteStream(ctx, req)
		if err != nil {
			_ = cb.Execute(ctx, func() error { return err })
			trail = append(trail, fmt.Sprintf("%s: %v", adapter.Name(), err))
			continue
		}
		cb.Success(ctx)
		return ch, nil
	}

	return nil, soserrors.Wrap(soserrors.KindProviderFailure, "AllProvidersFailed", fmt.Errorf(strings.Join(trail, "; ")))
}

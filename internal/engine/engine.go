/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engine implements the Engine (spec.md §4.7): chat orchestration
// that decides "answer now" vs. "spawn task," routes model calls through
// the Model Adapter Registry, records the coherence signal against external
// memory, and exposes the HTTP surface of spec.md §6.
//
// It replaces the teacher's internal/engine package — a Kubernetes
// tool-call guardrail ("Action Sheet") engine with no relation to chat
// orchestration — entirely; there is no teacher analogue for this package's
// core responsibility, so its HTTP-handler shape instead follows
// internal/api/server.go's route-table-plus-middleware-chain structure
// (DESIGN.md), and its auto-task heuristic and omega computation are new
// code written directly from spec.md §4.7.
package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"

	capb "github.com/sosproject/sentinel/api/capability"
	"github.com/sosproject/sentinel/internal/capability"
	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/redact"
	"github.com/sosproject/sentinel/internal/resilience/ratelimit"
	"github.com/sosproject/sentinel/internal/task"
	"github.com/sosproject/sentinel/internal/telemetry"
	"github.com/sosproject/sentinel/internal/worker"
)

// autoTaskLengthThreshold is the default message-length trigger for the
// auto-task heuristic (spec.md §4.7).
const autoTaskLengthThreshold = 400

// imperativeVerbs is the configurable set of verbs whose presence triggers
// task creation (spec.md §4.7). Matched case-insensitively as whole words.
var imperativeVerbs = []string{"build", "implement", "deploy", "refactor", "migrate", "fix", "automate", "provision"}

// omegaLambda is the coherence decay constant (spec.md §4.7: "half-life ≈ 1
// second").
const omegaLambda = 0.693

// Memory is the external vector memory ("Mirror") dependency. Its method
// set mirrors internal/daemon.Memory, but FetchRecent returns this package's
// own MemoryItem, so a single value cannot satisfy both interfaces.
type Memory interface {
	Observe(ctx context.Context, agentID, note string) error
	FetchRecent(ctx context.Context, agentID string, n int) ([]MemoryItem, error)
	StoreDream(ctx context.Context, agentID, synthesis string, clusterIDs []string) error
	ARFState(ctx context.Context) (alphaDrift float64, regime string, err error)
}

// MemoryItem mirrors internal/daemon.MemoryItem's shape.
type MemoryItem struct {
	ID        string
	Content   string
	Embedding []float64
}

// NullMemory is the no-Mirror-configured stand-in, identical in behavior to
// internal/daemon.NullMemory.
type NullMemory struct{}

func (NullMemory) Observe(context.Context, string, string) error { return nil }
func (NullMemory) FetchRecent(context.Context, string, int) ([]MemoryItem, error) {
	return nil, nil
}
func (NullMemory) StoreDream(context.Context, string, string, []string) error { return nil }
func (NullMemory) ARFState(context.Context) (float64, string, error)         { return 0, "stable", nil }

// Config bundles every Engine dependency.
type Config struct {
	Tasks   *task.Store
	Models  *llm.Registry
	Workers *worker.Registry
	Limiter *ratelimit.Limiter
	Memory  Memory

	Verifier           *capability.Verifier
	StrictCapabilities bool

	AutoTaskLengthThreshold int
	ImperativeVerbs         []string

	Log logr.Logger
}

// Engine implements spec.md §4.7.
type Engine struct {
	cfg       Config
	log       logr.Logger
	witness   *waveTracker
	startedAt time.Time
}

// New constructs an Engine, filling in defaults for any zero-valued tunable.
func New(cfg Config) *Engine {
	if cfg.AutoTaskLengthThreshold <= 0 {
		cfg.AutoTaskLengthThreshold = autoTaskLengthThreshold
	}
	if len(cfg.ImperativeVerbs) == 0 {
		cfg.ImperativeVerbs = imperativeVerbs
	}
	if cfg.Memory == nil {
		cfg.Memory = NullMemory{}
	}
	return &Engine{cfg: cfg, log: cfg.Log.WithName("engine"), witness: newWaveTracker(), startedAt: time.Now()}
}

// ChatRequest is the decoded body of POST /chat (spec.md §6).
type ChatRequest struct {
	Message        string      `json:"message"`
	AgentID        string      `json:"agent_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Task           *bool       `json:"task,omitempty"`
	Capability     *capb.Token `json:"capability,omitempty"`
}

// ChatResult is either a synchronous answer or a spawned-task handle;
// exactly one of Content/TaskID is set.
type ChatResult struct {
	Content string  `json:"content,omitempty"`
	Omega   float64 `json:"omega,omitempty"`
	TraceID string  `json:"trace_id,omitempty"`

	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// Chat implements the Engine's core decision: answer now, or spawn a task
// (spec.md §4.7's auto-task heuristic).
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	subject := req.AgentID
	if subject == "" {
		subject = "anonymous"
	}

	ctx, span := telemetry.StartChatSpan(ctx, subject)
	start := time.Now()

	if e.shouldSpawnTask(req) {
		title := req.Message
		if len(title) > 80 {
			title = title[:80]
		}
		t, err := e.cfg.Tasks.Create(title, req.Message, task.PriorityNormal, subject, req.ConversationID)
		if err != nil {
			telemetry.EndChatSpan(span, "error", 0)
			metrics.RecordChat("error", time.Since(start))
			return nil, err
		}
		telemetry.EndChatSpan(span, "accepted", 0)
		metrics.RecordChat("accepted", time.Since(start))
		return &ChatResult{TaskID: t.ID, Status: "accepted"}, nil
	}

	resp, err := e.cfg.Models.Generate(ctx, &llm.CompletionRequest{
		SystemPrompt: "You are the conversational front-end of an autonomous execution platform. Answer directly and concisely.",
		Messages:     []llm.Message{{Role: "user", Content: req.Message}},
	})
	latency := time.Since(start)
	if err != nil {
		telemetry.EndChatSpan(span, "error", 0)
		metrics.RecordChat("error", latency)
		return nil, err
	}

	omega := math.Exp(-omegaLambda * latency.Seconds())
	content := redact.Sanitize(resp.Content)

	convID := req.ConversationID
	if convID != "" {
		e.witness.openWave(convID)
	}

	note := redact.Sanitize("user: " + req.Message + "\nassistant: " + resp.Content)
	if err := e.cfg.Memory.Observe(ctx, subject, formatExchange(note, omega)); err != nil {
		e.log.Error(err, "chat: memory observe failed", "subject", subject)
	}

	telemetry.EndChatSpan(span, "answered", omega)
	metrics.RecordChat("answered", latency)

	traceID := span.SpanContext().TraceID().String()
	return &ChatResult{Content: content, Omega: omega, TraceID: traceID}, nil
}

func formatExchange(note string, omega float64) string {
	return fmt.Sprintf("%s\n[omega=%.6f]", note, omega)
}

// shouldSpawnTask implements the auto-task heuristic exactly as spec.md
// §4.7 enumerates it: explicit flag, length threshold, or imperative verb.
func (e *Engine) shouldSpawnTask(req ChatRequest) bool {
	if req.Task != nil && *req.Task {
		return true
	}
	if len(req.Message) > e.cfg.AutoTaskLengthThreshold {
		return true
	}
	lower := strings.ToLower(req.Message)
	for _, verb := range e.cfg.ImperativeVerbs {
		if containsWord(lower, verb) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	idx := strings.Index(text, word)
	for idx != -1 {
		before := idx == 0 || !isWordByte(text[idx-1])
		after := idx+len(word) == len(text) || !isWordByte(text[idx+len(word)])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next == -1 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// ARFState proxies the external memory service's alpha-drift/regime read,
// the Engine's get_arf_state() of spec.md §4.7.
func (e *Engine) ARFState(ctx context.Context) (alphaDrift float64, regime string, err error) {
	return e.cfg.Memory.ARFState(ctx)
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// server.go implements the HTTP Surface (spec.md §4/§6): route
// multiplexing, middleware chaining, and the concrete handlers for every
// endpoint the Engine exposes. The route-table-plus-Handler()-plus-
// Start(ctx)-with-graceful-shutdown shape is grounded on
// internal/api/server.go's NewServer/registerRoutes/Handler/Start, adapted
// from the teacher's controller-runtime manager.Runnable lifecycle to a
// plain context-cancellation one since this process is not a Kubernetes
// controller.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sosproject/sentinel/internal/buildinfo"
	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/soserrors"
	"github.com/sosproject/sentinel/internal/task"
)

// Server wraps an Engine with the HTTP surface of spec.md §6.
type Server struct {
	engine     *Engine
	mux        *http.ServeMux
	listenAddr string
}

// NewServer builds a Server bound to listenAddr (spec.md §6: "typically
// bound to 127.0.0.1:6060").
func NewServer(e *Engine, listenAddr string) *Server {
	s := &Server{engine: e, mux: http.NewServeMux(), listenAddr: listenAddr}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.engine

	chatBudget := newInFlightLimiter(defaultInFlightBudget)
	tasksBudget := newInFlightLimiter(defaultInFlightBudget)
	taskBudget := newInFlightLimiter(defaultInFlightBudget)
	submitBudget := newInFlightLimiter(defaultInFlightBudget)
	witnessBudget := newInFlightLimiter(defaultInFlightBudget)

	s.mux.HandleFunc("POST /chat", withMetrics("/chat", withInFlightBudget(chatBudget, e.withRateLimit("chat", e.withCapability("POST /chat", actionForRoute["POST /chat"], e.handleChat)))))

	s.mux.HandleFunc("GET /tasks", withMetrics("/tasks", withInFlightBudget(tasksBudget, e.withCapability("GET /tasks", actionForRoute["GET /tasks"], e.handleListTasks))))
	s.mux.HandleFunc("GET /tasks/{id}", withMetrics("/tasks/{id}", withInFlightBudget(taskBudget, e.withCapability("GET /tasks/{id}", actionForRoute["GET /tasks/{id}"], e.handleGetTask))))
	s.mux.HandleFunc("POST /tasks/{id}/submit", withMetrics("/tasks/{id}/submit", withInFlightBudget(submitBudget, e.withCapability("POST /tasks/{id}/submit", actionForRoute["POST /tasks/{id}/submit"], e.handleSubmitTask))))

	s.mux.HandleFunc("GET /models", withMetrics("/models", e.withCapability("GET /models", actionForRoute["GET /models"], e.handleModels)))
	s.mux.HandleFunc("GET /health", withMetrics("/health", e.handleHealth))
	s.mux.HandleFunc("GET /version", handleVersion)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /stream/subconscious", e.handleSubconscious)
	s.mux.HandleFunc("POST /witness", withMetrics("/witness", withInFlightBudget(witnessBudget, e.withCapability("POST /witness", actionForRoute["POST /witness"], e.handleWitness))))
}

// Handler returns the assembled mux, for tests that want to exercise routes
// via httptest without binding a socket.
func (s *Server) Handler() http.Handler { return s.mux }

// Start blocks, serving until ctx is cancelled, then shuts down gracefully —
// the same select-on-ctx-or-server-error shape as internal/api/server.go's
// Start(ctx).
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("engine http shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("engine http server error after shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("engine http server failed: %w", err)
		}
		return nil
	}
}

// --- /chat ---

func (e *Engine) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := e.Chat(r.Context(), req)
	if err != nil {
		e.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeChatError translates a Chat failure into spec.md §7's user-visible
// behavior: an AllProvidersFailed error gets the human-readable message the
// spec prescribes verbatim, everything else the standard kinded-error status.
func (e *Engine) writeChatError(w http.ResponseWriter, err error) {
	if soserrors.Is(err, soserrors.KindProviderFailure) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"content": "all language model providers are currently unavailable; please retry",
		})
		return
	}
	writeError(w, soserrors.StatusCode(err), err.Error())
}

// --- /tasks ---

func (e *Engine) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.State(r.URL.Query().Get("state"))
	tasks, err := e.cfg.Tasks.List(filter)
	if err != nil {
		writeError(w, soserrors.StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (e *Engine) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := e.cfg.Tasks.Get(id)
	if err != nil {
		writeError(w, soserrors.StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// submitRequest is the decoded body of POST /tasks/{id}/submit (spec.md §6).
type submitRequest struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used"`
	Status    string `json:"status"`
}

// handleSubmitTask implements the worker-result intake path: transitions
// in_progress -> review -> completed, "immediate auto-approve in v1" per
// spec.md §6.
func (e *Engine) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	t, err := e.cfg.Tasks.Submit(id, "engine", task.Result{Output: req.Output, ModelUsed: req.ModelUsed, Status: req.Status})
	if err != nil {
		writeError(w, soserrors.StatusCode(err), err.Error())
		return
	}

	t, err = e.cfg.Tasks.Approve(id, "engine")
	if err != nil {
		writeError(w, soserrors.StatusCode(err), err.Error())
		return
	}

	if e.cfg.Workers != nil && t.AssignedWorkerID != "" {
		var earnings int64
		if t.BountyAmount != nil {
			earnings = *t.BountyAmount
		}
		if _, err := e.cfg.Workers.RecordCompletion(t.AssignedWorkerID, earnings); err != nil {
			e.log.Error(err, "submit: record worker completion failed", "task_id", id, "worker_id", t.AssignedWorkerID)
		}
	}

	writeJSON(w, http.StatusOK, t)
}

// --- /models ---

// adapterStatus is one row of GET /models's readiness listing.
type adapterStatus struct {
	Name  string `json:"name"`
	Layer int    `json:"layer"`
	Model string `json:"model"`
	State string `json:"state"`
}

func (e *Engine) handleModels(w http.ResponseWriter, r *http.Request) {
	readiness := e.cfg.Models.Readiness()
	out := make([]adapterStatus, 0, len(readiness))
	for _, ar := range readiness {
		out = append(out, adapterStatus{Name: ar.Name, Layer: ar.Layer, Model: ar.Model, State: string(ar.State)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

// --- /health ---

// healthResponse is GET /health's body (spec.md §6).
type healthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	Service        string            `json:"service"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	Checks         map[string]string `json:"checks"`
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"memory":   "ok",
		"economy":  "not_configured",
		"tools":    "not_configured",
		"database": "ok",
	}

	unhealthy := 0
	if _, _, err := e.cfg.Memory.ARFState(r.Context()); err != nil {
		checks["memory"] = "down"
		unhealthy++
	}
	if _, err := e.cfg.Tasks.List(task.StatePending); err != nil {
		checks["database"] = "down"
		unhealthy++
	}

	status := "ok"
	switch {
	case unhealthy >= 2:
		status = "unhealthy"
	case unhealthy == 1:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       buildinfo.Version,
		Service:       "sos-engine",
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
		Checks:        checks,
	})
}

// handleVersion returns build metadata, the teacher's GET /version
// convention (every cmd/*/main.go in the pack exposes one) carried onto the
// Engine's own HTTP surface per SPEC_FULL.md §4.6-4.9.
func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
		"date":    buildinfo.Date,
	})
}

// --- /stream/subconscious ---

// subconsciousFrame is one GET /stream/subconscious server-sent event
// (spec.md §6).
type subconsciousFrame struct {
	AlphaDrift     float64 `json:"alpha_drift"`
	Regime         string  `json:"regime"`
	IsDreaming     bool    `json:"is_dreaming"`
	PendingWitness int     `json:"pending_witness"`
}

// subconsciousInterval is how often the SSE feed polls the external memory
// service for a fresh alpha-drift reading.
const subconsciousInterval = 5 * time.Second

func (e *Engine) handleSubconscious(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(subconsciousInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		alphaDrift, regime, err := e.cfg.Memory.ARFState(ctx)
		if err == nil {
			frame := subconsciousFrame{
				AlphaDrift:     alphaDrift,
				Regime:         regime,
				IsDreaming:     alphaDriftTriggersDream(alphaDrift),
				PendingWitness: e.witness.pendingCount(),
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// alphaDriftDreamThreshold mirrors daemon.Config's default
// AlphaDriftThreshold (spec.md §4.7's dream trigger: "|alpha_drift| > 0.1").
const alphaDriftDreamThreshold = 0.1

func alphaDriftTriggersDream(alphaDrift float64) bool {
	return alphaDrift > alphaDriftDreamThreshold || alphaDrift < -alphaDriftDreamThreshold
}

// --- /witness ---

// witnessRequest is the decoded body of POST /witness (spec.md §6).
type witnessRequest struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Vote           int    `json:"vote"`
}

// witnessResponse reports the collapsed wave's latency, the user-witness
// latency the spec's Open Questions section distinguishes from the engine's
// own response-latency omega (spec.md §9).
type witnessResponse struct {
	Collapsed      bool    `json:"collapsed"`
	LatencySeconds float64 `json:"latency_seconds,omitempty"`
}

func (e *Engine) handleWitness(w http.ResponseWriter, r *http.Request) {
	var req witnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Vote != -1 && req.Vote != 1 {
		writeError(w, http.StatusBadRequest, "vote must be -1 or 1")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	latency, ok := e.witness.collapse(req.ConversationID)
	if !ok {
		writeJSON(w, http.StatusOK, witnessResponse{Collapsed: false})
		return
	}

	note := fmt.Sprintf("witness vote %+d on conversation %s", req.Vote, req.ConversationID)
	if err := e.cfg.Memory.Observe(r.Context(), req.AgentID, note); err != nil {
		e.log.Error(err, "witness: memory observe failed", "conversation_id", req.ConversationID)
	}

	writeJSON(w, http.StatusOK, witnessResponse{Collapsed: true, LatencySeconds: latency.Seconds()})
}

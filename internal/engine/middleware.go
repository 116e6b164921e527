/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	capb "github.com/sosproject/sentinel/api/capability"
	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/soserrors"
)

// defaultInFlightBudget caps how many requests a single endpoint may have
// in flight at once before withInFlightBudget starts rejecting with 429,
// per spec.md §5's "HTTP surface rejects requests when in-flight count
// exceeds a per-endpoint budget."
const defaultInFlightBudget = 64

// inFlightLimiter tracks the current in-flight request count for one
// endpoint, independent of the per-(subject,action) token-bucket rate
// limiter in withRateLimit: that one throttles a caller's request rate,
// this one caps concurrent load on one route regardless of who's calling.
type inFlightLimiter struct {
	budget  int64
	current int64
}

func newInFlightLimiter(budget int) *inFlightLimiter {
	if budget <= 0 {
		budget = defaultInFlightBudget
	}
	return &inFlightLimiter{budget: int64(budget)}
}

func (l *inFlightLimiter) acquire() bool {
	if atomic.AddInt64(&l.current, 1) > l.budget {
		atomic.AddInt64(&l.current, -1)
		return false
	}
	return true
}

func (l *inFlightLimiter) release() {
	atomic.AddInt64(&l.current, -1)
}

// withInFlightBudget wraps next with a per-endpoint concurrency budget,
// rejecting with 429 once budget requests are already in flight on this
// route. limiter is created once per route at registration time so every
// request against that route shares the same counter.
func withInFlightBudget(limiter *inFlightLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.acquire() {
			err := soserrors.New(soserrors.KindRateLimited, "InFlightBudgetExceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, soserrors.StatusCode(err), err.Error())
			return
		}
		defer limiter.release()
		next(w, r)
	}
}

// capabilityBody is the subset of a request body carrying an optional
// capability token (spec.md §6: "All endpoints accept the capability token
// per §4.1"). Handlers that need the decoded body still re-decode it
// themselves; this type exists only so the middleware can peek at the token
// without consuming the body for downstream handlers.
type capabilityBody struct {
	Capability *capb.Token `json:"capability,omitempty"`
}

// actionForRoute maps an HTTP route to the capability action it requires.
// Routes not present here (health, metrics, version, stream) are
// unauthenticated by design (spec.md §6 lists them without a body, so there
// is nowhere to attach a token).
var actionForRoute = map[string]capb.Action{
	"POST /chat":              capb.ActionToolExecute,
	"GET /tasks":              capb.ActionLedgerRead,
	"GET /tasks/{id}":         capb.ActionLedgerRead,
	"POST /tasks/{id}/submit": capb.ActionToolExecute,
	"GET /models":             capb.ActionConfigRead,
	"POST /witness":           capb.ActionMemoryWrite,
}

// withCapability wraps a handler with capability-token verification. In
// strict mode (SOS_STRICT_CAPABILITIES=1) a missing or invalid token is
// rejected with 403; otherwise the failure is only logged and metered,
// matching spec.md §4.1's "enforce-vs-log mode."
func (e *Engine) withCapability(pattern string, action capb.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.cfg.Verifier == nil {
			next(w, r)
			return
		}

		tok, err := peekCapability(r)
		if err != nil {
			e.denyOrLog(w, r, next, "malformed", soserrors.ErrMalformedToken)
			return
		}
		if tok == nil {
			e.denyOrLog(w, r, next, "missing", soserrors.New(soserrors.KindAuthorization, "MissingToken"))
			return
		}

		ok, verr := e.cfg.Verifier.Verify(tok, action, r.URL.Path)
		if !ok {
			e.denyOrLog(w, r, next, "denied", verr)
			return
		}

		metrics.RecordCapabilityVerification("ok")
		next(w, r)
	}
}

func (e *Engine) denyOrLog(w http.ResponseWriter, r *http.Request, next http.HandlerFunc, result string, cause error) {
	metrics.RecordCapabilityVerification(result)
	if e.cfg.StrictCapabilities {
		writeError(w, soserrors.StatusCode(cause), cause.Error())
		return
	}
	e.log.Info("capability verification failed; continuing (non-strict mode)", "reason", result, "path", r.URL.Path)
	next(w, r)
}

// peekCapability decodes a capability token out of the request body without
// disturbing it for the real handler, by restoring a fresh reader after the
// read. GET requests carry no body, so their token (if any) travels in the
// X-Sos-Capability header as a JSON-encoded token instead.
func peekCapability(r *http.Request) (*capb.Token, error) {
	if header := r.Header.Get("X-Sos-Capability"); header != "" {
		var tok capb.Token
		if err := json.Unmarshal([]byte(header), &tok); err != nil {
			return nil, err
		}
		return &tok, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, err
	}
	var probe capabilityBody
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	return probe.Capability, nil
}

// withRateLimit enforces the per-(subject,action) token bucket of
// internal/resilience/ratelimit, keyed by the requesting agent (falling
// back to remote address for unauthenticated callers).
func (e *Engine) withRateLimit(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.cfg.Limiter == nil {
			next(w, r)
			return
		}
		subject := r.Header.Get("X-Sos-Agent-Id")
		if subject == "" {
			subject = r.RemoteAddr
		}
		if err := e.cfg.Limiter.Allow(subject, action); err != nil {
			writeError(w, soserrors.StatusCode(err), err.Error())
			return
		}
		next(w, r)
	}
}

// withMetrics times a handler and records it under metrics.HTTPRequestDurationSeconds.
func withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)
		metrics.RecordHTTPRequest(route, strconv.Itoa(rw.status), time.Since(start))
	}
}

// readAndRestoreBody drains r.Body and replaces it with a fresh reader over
// the same bytes, so a middleware can inspect the body without consuming it
// for the handler that runs after it.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"sync"
	"time"
)

// wave is one open witness window: a chat exchange whose collapse (a user's
// up/down vote via POST /witness) has not yet been observed.
type wave struct {
	conversationID string
	openedAt       time.Time
}

// waveTracker holds the pending waves, keyed by conversation ID, per spec.md
// §6's witness protocol ("Transitions any pending wave to collapsed").
// There is no teacher analogue; the map-plus-mutex shape follows the rest of
// this repo's small in-memory registries (e.g. internal/llm's keyRotator).
type waveTracker struct {
	mu      sync.Mutex
	pending map[string]wave
}

func newWaveTracker() *waveTracker {
	return &waveTracker{pending: make(map[string]wave)}
}

// openWave records a new pending wave for a conversation, replacing any
// still-open wave for that same conversation (only the most recent exchange
// can be witnessed).
func (t *waveTracker) openWave(conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[conversationID] = wave{conversationID: conversationID, openedAt: time.Now()}
}

// collapse transitions a conversation's pending wave to collapsed, returning
// the latency between openWave and collapse and whether a wave was actually
// pending (a vote against an unknown or already-collapsed conversation is a
// no-op, reported to the caller as ok=false).
func (t *waveTracker) collapse(conversationID string) (latency time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, found := t.pending[conversationID]
	if !found {
		return 0, false
	}
	delete(t.pending, conversationID)
	return time.Since(w.openedAt), true
}

// pendingCount reports how many waves are currently open, surfaced on the
// /stream/subconscious SSE feed as pending_witness.
func (t *waveTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

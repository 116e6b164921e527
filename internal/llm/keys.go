/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import "sync"

// keyRotator cycles through an adapter's API keys, advancing past a key on a
// rate-limit-class error (routing step 4) without recording a breaker
// failure. Grounded on the teacher's mutex-guarded struct idiom
// (internal/shared/ratelimit.Limiter), generalized from run tracking to key
// rotation.
type keyRotator struct {
	mu   sync.Mutex
	keys []string
	next int
}

func newKeyRotator(keys []string) *keyRotator {
	return &keyRotator{keys: keys}
}

// Current returns the key currently in rotation.
func (r *keyRotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[r.next%len(r.keys)]
}

// Advance moves to the next key in rotation.
func (r *keyRotator) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return
	}
	r.next = (r.next + 1) % len(r.keys)
}

// Count returns the number of keys in rotation, the bound on retry attempts
// for key rotation (spec.md §4.3 step 4: "bounded, e.g. number-of-keys attempts").
func (r *keyRotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

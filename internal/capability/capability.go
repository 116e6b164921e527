/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package capability implements the Capability Subsystem (§4.1): issuing and
// verifying signed authorization tokens. Signing uses stdlib crypto/ed25519
// (see DESIGN.md for why no pack library fit); the canonicalize-then-sign
// shape is grounded on internal/shared/signing.Signer, generalized from HMAC
// symmetric signing to asymmetric signing so Verify can run anywhere the
// issuer's public key is distributed. Resource-pattern glob matching is
// grounded on internal/engine/engine.go's matchGlob.
package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	capb "github.com/sosproject/sentinel/api/capability"
	"github.com/sosproject/sentinel/internal/soserrors"
)

// Issuer holds the signing keypair and issues/verifies tokens. It is the
// only component permitted to touch the private key (spec.md §3 ownership
// note); the corresponding public key may be handed to any verifier.
type Issuer struct {
	mu         sync.Mutex
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	issuerName string
}

// NewIssuer constructs an Issuer from an existing keypair, or generates one
// if priv is nil.
func NewIssuer(issuerName string, priv ed25519.PrivateKey) (*Issuer, error) {
	if priv == nil {
		pub, generated, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		return &Issuer{priv: generated, pub: pub, issuerName: issuerName}, nil
	}
	return &Issuer{priv: priv, pub: priv.Public().(ed25519.PublicKey), issuerName: issuerName}, nil
}

// PublicKey returns the issuer's public key, safe to distribute to verifiers.
func (iss *Issuer) PublicKey() ed25519.PublicKey { return iss.pub }

// Issue signs a new token. Only the root gatekeeper is expected to call this.
func (iss *Issuer) Issue(subject string, action capb.Action, resource string, constraints map[string]any, ttl time.Duration, usesRemaining *int) (*capb.Token, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	now := time.Now().UTC()
	tok := &capb.Token{
		ID:            newTokenID(),
		Subject:       subject,
		Action:        action,
		Resource:      resource,
		Constraints:   constraints,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		Issuer:        iss.issuerName,
		UsesRemaining: usesRemaining,
	}
	sig, err := sign(iss.priv, tok)
	if err != nil {
		return nil, err
	}
	tok.Signature = sig
	return tok, nil
}

// Verifier decides, on every gated operation, whether a presented token
// authorizes it. It holds only the issuer's public key, never the private
// key, so it may be distributed to any process that needs to check tokens.
type Verifier struct {
	mu            sync.Mutex
	pub           ed25519.PublicKey
	issuerName    string
	usesRemaining map[string]int // token ID -> remaining, mutated on successful verify
}

// NewVerifier constructs a Verifier bound to a known issuer public key.
func NewVerifier(issuerName string, pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub, issuerName: issuerName, usesRemaining: make(map[string]int)}
}

// Verify implements the decision table from spec.md §4.1: signature valid,
// not expired, action equals, resource matches under glob, and
// uses-remaining strictly positive when present (decremented on success).
func (v *Verifier) Verify(tok *capb.Token, action capb.Action, resource string) (bool, error) {
	if tok == nil {
		return false, soserrors.ErrMalformedToken
	}
	if tok.Issuer != v.issuerName {
		return false, soserrors.ErrInvalidSignature
	}
	if !verifySignature(v.pub, tok) {
		return false, soserrors.ErrInvalidSignature
	}
	if !time.Now().UTC().Before(tok.ExpiresAt) {
		return false, soserrors.ErrExpired
	}
	if tok.Action != action {
		return false, soserrors.ErrActionMismatch
	}
	if !matchGlob(tok.Resource, resource) {
		return false, soserrors.ErrResourceMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if tok.UsesRemaining != nil {
		remaining, seen := v.usesRemaining[tok.ID]
		if !seen {
			remaining = *tok.UsesRemaining
		}
		if remaining <= 0 {
			return false, soserrors.ErrUsesExhausted
		}
		v.usesRemaining[tok.ID] = remaining - 1
	}

	return true, nil
}

// signableFields is the canonical, order-stable encoding signed over. A
// dedicated struct (rather than signing the wire Token verbatim) keeps the
// signed payload independent of the Signature field itself.
type signableFields struct {
	ID            string         `json:"id"`
	Subject       string         `json:"subject"`
	Action        capb.Action    `json:"action"`
	Resource      string         `json:"resource"`
	Constraints   map[string]any `json:"constraints,omitempty"`
	IssuedAt      int64          `json:"issued_at"`
	ExpiresAt     int64          `json:"expires_at"`
	Issuer        string         `json:"issuer"`
	UsesRemaining *int           `json:"uses_remaining,omitempty"`
}

func canonical(tok *capb.Token) ([]byte, error) {
	return json.Marshal(signableFields{
		ID:            tok.ID,
		Subject:       tok.Subject,
		Action:        tok.Action,
		Resource:      tok.Resource,
		Constraints:   tok.Constraints,
		IssuedAt:      tok.IssuedAt.UnixNano(),
		ExpiresAt:     tok.ExpiresAt.UnixNano(),
		Issuer:        tok.Issuer,
		UsesRemaining: tok.UsesRemaining,
	})
}

func sign(priv ed25519.PrivateKey, tok *capb.Token) (string, error) {
	msg, err := canonical(tok)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, msg)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func verifySignature(pub ed25519.PublicKey, tok *capb.Token) bool {
	msg, err := canonical(tok)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(tok.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// matchGlob reports whether text matches pattern, where '*' in pattern
// matches any run of characters. Grounded on internal/engine/engine.go's
// matchGlob helper.
func matchGlob(pattern, text string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == text
	}

	if parts[0] != "" && !strings.HasPrefix(text, parts[0]) {
		return false
	}

	remaining := text
	if parts[0] != "" {
		remaining = remaining[len(parts[0]):]
	}

	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(remaining, parts[i])
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	lastPart := parts[len(parts)-1]
	if lastPart != "" && !strings.HasSuffix(text, lastPart) {
		return false
	}

	return true
}

// newTokenID generates a token identifier, following the rest of the
// codebase's uuid.NewString() convention for record identifiers
// (internal/task, internal/identity, api/envelope).
func newTokenID() string {
	return "cap_" + uuid.NewString()
}

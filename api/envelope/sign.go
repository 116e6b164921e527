package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes and verifies the Message Envelope's optional Signature
// field (spec.md §3: "optional signature over payload"). Adapted from the
// teacher's internal/shared/signing.Signer — same
// requestID-then-pipe-then-json canonicalization, HMAC-SHA256, hex
// encoding — generalized from signing probe commands against a derived
// per-probe key to signing envelopes against one shared bus-wide key.
type Signer struct {
	key []byte
}

// NewSigner constructs a Signer from a shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the envelope's signature over its ID and payload and sets
// Signature in place, returning the envelope for chaining.
func (s *Signer) Sign(e *Envelope) (*Envelope, error) {
	mac := hmac.New(sha256.New, s.key)
	if _, err := mac.Write(canonicalize(e)); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	e.Signature = hex.EncodeToString(mac.Sum(nil))
	return e, nil
}

// Verify checks that e.Signature matches its ID and payload under this
// signer's key.
func (s *Signer) Verify(e *Envelope) error {
	mac := hmac.New(sha256.New, s.key)
	if _, err := mac.Write(canonicalize(e)); err != nil {
		return fmt.Errorf("verify envelope: %w", err)
	}
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !hmac.Equal(got, expected) {
		return fmt.Errorf("envelope signature mismatch")
	}
	return nil
}

// canonicalize builds the signed byte string: ID, a pipe separator, and the
// raw payload bytes. The ID anchors the signature to one specific envelope
// instance so a replayed payload under a different ID does not verify.
func canonicalize(e *Envelope) []byte {
	out := make([]byte, 0, len(e.ID)+1+len(e.Payload))
	out = append(out, []byte(e.ID)...)
	out = append(out, '|')
	out = append(out, e.Payload...)
	return out
}

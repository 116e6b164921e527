// Package envelope defines the Message Envelope, the type that crosses
// service boundaries on the queue bus. It replaces the teacher's
// dynamically-typed CRD event payload (internal/events/bus.go) with a closed
// sum type for the message kind, per the re-architecture guidance to enumerate
// all message kinds in one place and let the compiler enforce exhaustiveness
// in dispatch.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of message kinds an Envelope may carry.
type Kind string

const (
	KindChat              Kind = "chat"
	KindCommand           Kind = "command"
	KindEvent             Kind = "event"
	KindError             Kind = "error"
	KindTaskCreate        Kind = "task-create"
	KindCapabilityRequest Kind = "capability-request"
)

// validKinds backs Kind.Valid; kept as a map so Valid has one place to
// update when the enumeration grows.
var validKinds = map[Kind]bool{
	KindChat:              true,
	KindCommand:           true,
	KindEvent:             true,
	KindError:             true,
	KindTaskCreate:        true,
	KindCapabilityRequest: true,
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool { return validKinds[k] }

// Metadata carries the two well-known payload metadata fields spec.md names;
// adapters may stash additional keys in the payload itself.
type Metadata struct {
	Priority      string `json:"priority,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is the immutable message that crosses the queue bus.
type Envelope struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// New constructs an Envelope with a fresh globally-unique identifier and the
// current timestamp. Payload is marshaled from v; the caller may pass an
// already-marshaled json.RawMessage to avoid double encoding.
func New(kind Kind, source, target string, v any) (*Envelope, error) {
	var raw json.RawMessage
	switch p := v.(type) {
	case json.RawMessage:
		raw = p
	case nil:
		raw = json.RawMessage("null")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Payload:   raw,
	}, nil
}

// Marshal serializes the envelope as stable-ordered JSON (Go's encoding/json
// already emits struct fields in declaration order, which is sufficient
// stability for the wire format spec.md requires).
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an Envelope from its wire JSON.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

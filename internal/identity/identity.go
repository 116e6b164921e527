// Package identity implements the Agent Identity entity (spec.md §3): a
// durable record created once by "hatching" from a parent (or genesis),
// never mutated except for its optional state vector, and destroyed only
// by explicit administrative action. It has no analogue in the teacher
// repo's own domain; the file-per-record persistence and the mutate-
// through-one-choke-point discipline follow the Task Store
// (internal/task/task.go) for consistency within this codebase, adapted
// from a mutable lifecycle object to a near-immutable one.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/sosproject/sentinel/internal/soserrors"
)

// Polarity is the fixed energy-polarity enumeration (spec.md §3).
type Polarity string

const (
	PolarityYin  Polarity = "yin"
	PolarityYang Polarity = "yang"
)

// StateVectorDims is the fixed dimensionality of the optional state vector
// (spec.md §4.8's dream-synthesis embedding comparison assumes a fixed
// width).
const StateVectorDims = 16

// Identity is a durable agent identity (spec.md §3).
type Identity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Polarity    Polarity `json:"polarity"`

	Lineage    []string `json:"lineage"`
	Generation int      `json:"generation"`

	StateVector []float64 `json:"state_vector,omitempty"`
}

// Registry is the file-per-record identity repository, one JSON file per
// identity under <root>/<id>.json, following the Task Store's atomic
// write-to-temp-then-rename idiom.
type Registry struct {
	root string
	mu   sync.Mutex
}

// NewRegistry creates a Registry rooted at dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create identity registry root: %w", err)
	}
	return &Registry{root: dir}, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.root, id+".json")
}

// Hatch creates a new identity. If parent is non-nil, the new identity's
// lineage is the parent's lineage plus the parent's own ID, and its
// generation is the parent's generation + 1 (spec.md §3: "Created by
// 'hatching' from a parent identity (or genesis)").
func (r *Registry) Hatch(displayName, role string, polarity Polarity, parent *Identity) (*Identity, error) {
	id := &Identity{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Role:        role,
		Polarity:    polarity,
	}
	if parent != nil {
		id.Lineage = append(append([]string{}, parent.Lineage...), parent.ID)
		id.Generation = parent.Generation + 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Get loads an identity by ID.
func (r *Registry) Get(id string) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

func (r *Registry) read(id string) (*Identity, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, soserrors.New(soserrors.KindNotFound, "identity not found")
		}
		return nil, err
	}
	var out Identity
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", id, err)
	}
	return &out, nil
}

func (r *Registry) write(id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	final := r.path(id.ID)
	tmp := final + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename identity file: %w", err)
	}
	return nil
}

// SetStateVector updates an identity's state vector, the one field
// spec.md §3 permits to mutate post-hatch.
func (r *Registry) SetStateVector(id string, vec []float64) (*Identity, error) {
	if len(vec) != StateVectorDims {
		return nil, soserrors.New(soserrors.KindValidation,
			fmt.Sprintf("state vector must have %d dimensions, got %d", StateVectorDims, len(vec)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.read(id)
	if err != nil {
		return nil, err
	}
	out.StateVector = vec
	if err := r.write(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Destroy removes an identity record, the only sanctioned way to remove
// one (spec.md §3: "destroyed only by explicit administrative action").
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path(id)); err != nil {
		if os.IsNotExist(err) {
			return soserrors.New(soserrors.KindNotFound, "identity not found")
		}
		return err
	}
	return nil
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package worker implements the Worker Registry (§4.6): per-worker
// reputation, tier assignment, and earnings, plus the default executor
// (§4.9) that drives a worker's queue-consume loop.
//
// The registry has no direct teacher analogue (DESIGN.md); it follows the
// Task Store's file-backed, mutex-guarded, write-then-rename persistence
// idiom (internal/task.Store) for consistency within the codebase, keeping
// every worker record in one file under <root>/registry.json rather than
// one-file-per-worker, since the registry is read and recomputed as a whole
// on every mutation (tier recomputation needs the full record, not a diff).
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sosproject/sentinel/internal/soserrors"
)

// Tier is the fixed reputation tier enumeration (spec.md §4.6).
type Tier string

const (
	TierNovice      Tier = "novice"
	TierApprentice  Tier = "apprentice"
	TierJourneyman  Tier = "journeyman"
	TierExpert      Tier = "expert"
	TierMaster      Tier = "master"
)

// Record is a registered executor (spec.md §3 Worker Record).
type Record struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Tier            Tier    `json:"tier"`
	TasksCompleted  int64   `json:"tasks_completed"`
	TasksFailed     int64   `json:"tasks_failed"`
	TotalEarnings   int64   `json:"total_earnings_micro_units"`
	Retired         bool    `json:"retired"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// SuccessRate computes completed/(completed+failed), smoothed to 1.0 when
// the denominator is below 5 so new workers are not punished prematurely
// (spec.md §4.6).
func (r *Record) SuccessRate() float64 {
	total := r.TasksCompleted + r.TasksFailed
	if total < 5 {
		return 1.0
	}
	return float64(r.TasksCompleted) / float64(total)
}

// tier computes the deterministic tier from completed count and success
// rate per the ladder in spec.md §4.6. Rules are checked from the top down
// so a record satisfying "master" never gets stuck at a lower tier.
func tierFor(completed int64, successRate float64) Tier {
	switch {
	case completed >= 500 && successRate >= 0.92:
		return TierMaster
	case completed >= 200 && successRate >= 0.85:
		return TierExpert
	case completed >= 50 && successRate >= 0.75:
		return TierJourneyman
	case completed >= 10 && successRate >= 0.6:
		return TierApprentice
	default:
		return TierNovice
	}
}

// registryFile is the on-disk shape of <root>/registry.json.
type registryFile struct {
	Workers map[string]*Record `json:"workers"`
}

// Registry is the file-backed Worker Registry.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry opens (or initializes) a registry at <dir>/registry.json.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create worker registry dir: %w", err)
	}
	r := &Registry{path: filepath.Join(dir, "registry.json")}
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		if err := r.save(registryFile{Workers: map[string]*Record{}}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load() (registryFile, error) {
	var rf registryFile
	data, err := os.ReadFile(r.path)
	if err != nil {
		return rf, err
	}
	if err := json.Unmarshal(data, &rf); err != nil {
		return rf, err
	}
	if rf.Workers == nil {
		rf.Workers = map[string]*Record{}
	}
	return rf, nil
}

func (r *Registry) save(rf registryFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}

// Register creates a worker record on first registration; registering an
// already-known ID is a no-op that returns the existing record (spec.md
// §3: "created on first register").
func (r *Registry) Register(id, name string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	if existing, ok := rf.Workers[id]; ok {
		return existing, nil
	}
	rec := &Record{ID: id, DisplayName: name, Tier: TierNovice, RegisteredAt: time.Now().UTC()}
	rf.Workers[id] = rec
	if err := r.save(rf); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordCompletion increments a worker's completed count and earnings and
// recomputes its tier.
func (r *Registry) RecordCompletion(id string, earnings int64) (*Record, error) {
	return r.mutate(id, func(rec *Record) {
		rec.TasksCompleted++
		rec.TotalEarnings += earnings
	})
}

// RecordFailure increments a worker's failed count and recomputes its tier.
func (r *Registry) RecordFailure(id string) (*Record, error) {
	return r.mutate(id, func(rec *Record) {
		rec.TasksFailed++
	})
}

func (r *Registry) mutate(id string, fn func(*Record)) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := rf.Workers[id]
	if !ok {
		return nil, soserrors.New(soserrors.KindNotFound, "worker not found")
	}
	fn(rec)
	rec.Tier = tierFor(rec.TasksCompleted, rec.SuccessRate())
	if err := r.save(rf); err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// Get returns one worker record by ID.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := rf.Workers[id]
	if !ok {
		return nil, soserrors.New(soserrors.KindNotFound, "worker not found")
	}
	out := *rec
	return &out, nil
}

// List returns all worker records, optionally filtered by tier, sorted by
// ID for deterministic output.
func (r *Registry) List(tierFilter Tier) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rf.Workers))
	for _, rec := range rf.Workers {
		if tierFilter != "" && rec.Tier != tierFilter {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Retire marks a worker as retired without deleting its record (spec.md §3:
// "never deleted (retired workers are marked with a flag)").
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.load()
	if err != nil {
		return err
	}
	rec, ok := rf.Workers[id]
	if !ok {
		return soserrors.New(soserrors.KindNotFound, "worker not found")
	}
	rec.Retired = true
	return r.save(rf)
}

// PruneTombstoned is the maintenance loop's worker-registry hygiene pass:
// it reports retired workers rather than removing them, since spec.md §3
// forbids deletion outright — "pruning" here means surfacing them for
// operator visibility, not erasure.
func (r *Registry) PruneTombstoned() ([]string, error) {
	recs, err := r.List("")
	if err != nil {
		return nil, err
	}
	var retired []string
	for _, rec := range recs {
		if rec.Retired {
			retired = append(retired, rec.ID)
		}
	}
	return retired, nil
}

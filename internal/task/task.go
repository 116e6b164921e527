// Package task implements the Task Store (§4.4): a durable, file-per-record
// repository of task lifecycle objects with atomic state transitions.
//
// Persistence is grounded on the write-to-temp-then-rename idiom the teacher
// uses for its own self-update binary swap
// (internal/probe/updater/updater.go's os.Rename), generalized from binary
// replacement to task-record replacement; the rename is the concurrency
// primitive spec.md §4.4/§5 calls out explicitly ("the atomicity of rename").
// The record shape (identifier, timestamps, history) follows the teacher's
// job/run shape in internal/controlplane/jobs/types.go, adapted from a
// scheduled-command model to the task lifecycle state machine of spec.md §3.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/soserrors"
	"github.com/sosproject/sentinel/internal/telemetry"
)

// Priority is the fixed enumeration of task priorities (spec.md §3).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// State is the fixed enumeration of task lifecycle states (spec.md §4.4).
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateInProgress State = "in_progress"
	StateReview     State = "review"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateAbandoned
}

// transitions enumerates every allowed (from, action) -> to edge of the
// state machine in spec.md §4.4, exhaustively, so Apply never needs to infer
// a transition from behavior.
var transitions = map[State]map[string]State{
	StatePending:    {"claim": StateClaimed},
	StateClaimed:    {"start": StateInProgress, "unclaim": StatePending},
	StateInProgress: {"submit": StateReview, "abandon": StateAbandoned},
	StateReview:     {"approve": StateCompleted, "reject": StateRejected},
	StateRejected:   {"reopen": StatePending},
	StateAbandoned:  {"reopen": StatePending},
}

// Transition is one recorded state-machine hop (spec.md §4.4: "Each
// transition appends a history record").
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Result is the optional outcome object a task carries once submitted.
type Result struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used"`
	Status    string `json:"status"`
}

// Task is a unit of deferred work (spec.md §3), supplemented per
// SPEC_FULL.md §4.4 with free-form Tags and an optional ParentTaskID for
// decomposition; neither field participates in any invariant below.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	State       State    `json:"state"`

	OriginSubject        string `json:"origin_subject"`
	OriginConversationID string `json:"origin_conversation_id"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
	BountyAmount     *int64 `json:"bounty_amount,omitempty"`
	Result           *Result `json:"result,omitempty"`
	Reported         bool    `json:"reported"`

	Tags         []string `json:"tags,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`

	History []Transition `json:"history,omitempty"`
}

// Store is the file-per-record task repository. One JSON file per task
// lives under <root>/<task_id>.json; writes go through a temp file and
// os.Rename so a reader never observes a partially-written record and
// concurrent claims race safely (spec.md §5: "concurrent claims race
// safely—only one succeeds").
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a Store rooted at dir, creating the directory if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create task store root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Create writes a new pending task to disk.
func (s *Store) Create(title, description string, priority Priority, originSubject, originConversationID string) (*Task, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	now := time.Now().UTC()
	t := &Task{
		ID:                   uuid.NewString(),
		Title:                title,
		Description:          description,
		Priority:             priority,
		State:                StatePending,
		OriginSubject:        originSubject,
		OriginConversationID: originConversationID,
		CreatedAt:            now,
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get loads a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) read(id string) (*Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, soserrors.New(soserrors.KindNotFound, "task not found")
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// write performs the atomic write-to-temp-then-rename for t.
func (s *Store) write(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	final := s.path(t.ID)
	tmp := final + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

// List enumerates all tasks, optionally filtered by state, newest first.
func (s *Store) List(state State) ([]*Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list task store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		t, err := s.read(id)
		if err != nil {
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// apply performs one state transition under the store's lock, appending
// history and persisting atomically. It is the single choke point every
// exported transition method funnels through so the state machine in
// `transitions` is the only source of truth for legality.
func (s *Store) apply(id, action, actor, reason string, mutate func(*Task)) (*Task, error) {
	_, span := telemetry.StartTaskTransitionSpan(context.Background(), id, action)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.read(id)
	if err != nil {
		telemetry.EndTaskTransitionSpan(span, "", "", err)
		return nil, err
	}

	to, ok := transitions[t.State][action]
	if !ok {
		err := soserrors.New(soserrors.KindInvalidTransition,
			fmt.Sprintf("cannot %s task in state %s", action, t.State))
		telemetry.EndTaskTransitionSpan(span, string(t.State), "", err)
		return nil, err
	}

	from := t.State
	t.State = to
	if mutate != nil {
		mutate(t)
	}
	t.History = append(t.History, Transition{
		From: from, To: to, Action: action, Actor: actor,
		Timestamp: time.Now().UTC(), Reason: reason,
	})

	if err := s.write(t); err != nil {
		telemetry.EndTaskTransitionSpan(span, string(from), string(to), err)
		return nil, err
	}
	telemetry.EndTaskTransitionSpan(span, string(from), string(to), nil)
	metrics.RecordTaskTransition(action)
	return t, nil
}

// Claim transitions a pending task to claimed. Idempotent per (task,
// worker): re-claiming by the same worker that already holds the task
// succeeds without another history entry (spec.md §4.4), while attempts by
// any other worker or on a non-pending task fail with InvalidTransition —
// the mechanism spec.md §8 property 3 relies on to guarantee exactly one
// caller wins a concurrent claim race.
func (s *Store) Claim(id, workerID string) (*Task, error) {
	s.mu.Lock()
	t, err := s.read(id)
	if err == nil && t.State == StateClaimed && t.AssignedWorkerID == workerID {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	return s.apply(id, "claim", workerID, "", func(t *Task) {
		t.AssignedWorkerID = workerID
		t.ClaimedAt = &now
	})
}

// Unclaim transitions a claimed task back to pending.
func (s *Store) Unclaim(id, actor, reason string) (*Task, error) {
	return s.apply(id, "unclaim", actor, reason, func(t *Task) {
		t.AssignedWorkerID = ""
		t.ClaimedAt = nil
	})
}

// Start transitions a claimed task to in_progress.
func (s *Store) Start(id, actor string) (*Task, error) {
	return s.apply(id, "start", actor, "", nil)
}

// Submit transitions an in_progress task to review, attaching the result.
// The production path never calls Start explicitly — the Worker consumer
// receives a task straight off the work queue and executes it, so the only
// signal that execution has begun is the submit call itself. Submit
// therefore applies the claimed -> in_progress transition first when the
// task is still claimed, keeping the full claimed -> in_progress -> review
// hop auditable in history while sparing every caller (the Engine's
// /tasks/{id}/submit handler and the in-process worker's local submitter
// alike) from having to orchestrate Start themselves.
func (s *Store) Submit(id, actor string, result Result) (*Task, error) {
	if t, err := s.Get(id); err == nil && t.State == StateClaimed {
		if _, startErr := s.Start(id, actor); startErr != nil && !soserrors.Is(startErr, soserrors.KindInvalidTransition) {
			return nil, startErr
		}
	}
	return s.apply(id, "submit", actor, "", func(t *Task) {
		t.Result = &result
	})
}

// Abandon transitions an in_progress task to abandoned.
func (s *Store) Abandon(id, actor, reason string) (*Task, error) {
	return s.apply(id, "abandon", actor, reason, nil)
}

// Approve transitions a review task to completed (v1 auto-approves
// immediately on submit via the Engine's /tasks/{id}/submit handler, but the
// transition remains independently callable for explicit review flows).
func (s *Store) Approve(id, actor string) (*Task, error) {
	now := time.Now().UTC()
	return s.apply(id, "approve", actor, "", func(t *Task) {
		t.CompletedAt = &now
	})
}

// Reject transitions a review task to rejected.
func (s *Store) Reject(id, actor, reason string) (*Task, error) {
	return s.apply(id, "reject", actor, reason, nil)
}

// Reopen transitions a rejected or abandoned task back to pending.
func (s *Store) Reopen(id, actor, reason string) (*Task, error) {
	return s.apply(id, "reopen", actor, reason, func(t *Task) {
		t.AssignedWorkerID = ""
		t.ClaimedAt = nil
		t.CompletedAt = nil
	})
}

// MarkReported sets the reported flag on a terminal-success task, the
// Report loop's bookkeeping write (spec.md §4.8).
func (s *Store) MarkReported(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.read(id)
	if err != nil {
		return err
	}
	if t.State != StateCompleted {
		return soserrors.New(soserrors.KindInvalidTransition, "only completed tasks may be marked reported")
	}
	t.Reported = true
	return s.write(t)
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// loops.go implements the seven tick bodies daemon.go's Start wires onto
// runLoop/runWorkerConsumer: one function per row of spec.md §4.8's loop
// roster table.
package daemon

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sosproject/sentinel/api/envelope"
	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/queue"
	"github.com/sosproject/sentinel/internal/task"
	"github.com/sosproject/sentinel/internal/worker"
)

// heartbeatPayload is the Heartbeat loop's published body (spec.md §4.8).
type heartbeatPayload struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	LoopsRunning int       `json:"loops_running"`
}

// loopCount is every loop Start launches, including the worker consumer,
// reported verbatim in each heartbeat.
const loopCount = 7

// tickHeartbeat publishes liveness to channel heartbeat:<agent_id>.
func (d *Daemon) tickHeartbeat(ctx context.Context) error {
	env, err := envelope.New(envelope.KindEvent, d.cfg.AgentID, "", heartbeatPayload{
		Status:       "ok",
		Timestamp:    time.Now().UTC(),
		LoopsRunning: loopCount,
	})
	if err != nil {
		return err
	}
	return d.cfg.Bus.Publish(ctx, "heartbeat:"+d.cfg.AgentID, env)
}

// tickPulse reads recent bus activity — the queue's pending depth and the
// rate limiter's idle-bucket reap count stand in for "bus activity" since
// the Queue Bus itself keeps no activity log — and attaches one observation
// to memory (spec.md §4.8).
func (d *Daemon) tickPulse(ctx context.Context) error {
	depth, err := d.cfg.Bus.StreamLength(ctx, queue.GlobalWorkQueue)
	if err != nil {
		return fmt.Errorf("pulse: stream length: %w", err)
	}
	metrics.QueueStreamLength.Set(float64(depth))

	reaped := 0
	if d.cfg.Limiter != nil {
		reaped = d.cfg.Limiter.Reap()
	}
	metrics.RateLimiterBucketsActive.Set(float64(d.bucketCount()))

	note := fmt.Sprintf("queue depth %d, reaped %d idle rate-limit buckets", depth, reaped)
	return d.cfg.Memory.Observe(ctx, d.cfg.AgentID, note)
}

func (d *Daemon) bucketCount() int {
	if d.cfg.Limiter == nil {
		return 0
	}
	return d.cfg.Limiter.BucketCount()
}

// tickTaskClaim lists pending tasks and publishes each to the global
// work-queue stream after atomically claiming it, honoring the Task-claim
// loop's backpressure check (spec.md §5: "skips publishing until drained").
func (d *Daemon) tickTaskClaim(ctx context.Context) error {
	if !d.cfg.AutoClaimEnabled {
		return nil
	}

	depth, err := d.cfg.Bus.StreamLength(ctx, queue.GlobalWorkQueue)
	if err != nil {
		return fmt.Errorf("task-claim: stream length: %w", err)
	}
	if depth > MaxQueueDepth {
		d.log.V(1).Info("task-claim: queue depth exceeds backpressure threshold, skipping", "depth", depth)
		return nil
	}

	pending, err := d.cfg.Tasks.List(task.StatePending)
	if err != nil {
		return fmt.Errorf("task-claim: list pending: %w", err)
	}

	for _, t := range pending {
		claimed, err := d.cfg.Tasks.Claim(t.ID, d.cfg.AgentID)
		if err != nil {
			d.log.Error(err, "task-claim: claim failed, another claimant likely won the race", "task_id", t.ID)
			continue
		}

		env, err := envelope.New(envelope.KindTaskCreate, d.cfg.AgentID, "", queueTaskPayload{
			TaskID:      claimed.ID,
			Title:       claimed.Title,
			Description: claimed.Description,
		})
		if err != nil {
			return err
		}
		if _, err := d.cfg.Bus.PublishWork(ctx, queue.GlobalWorkQueue, env); err != nil {
			return fmt.Errorf("task-claim: publish work: %w", err)
		}
	}
	return nil
}

// queueTaskPayload mirrors worker.queuePayload's wire shape; duplicated
// here (rather than exported from package worker) since the Task-claim loop
// and the Worker Consumer are independent publishers/subscribers of the
// same stream and neither should import the other's internals for a
// three-field struct.
type queueTaskPayload struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// tickDream fetches recent memories, clusters them by embedding cosine
// similarity, and synthesizes one insight per cluster of at least
// DreamMinClusterSize, per spec.md §4.8's dream-synthesis details.
func (d *Daemon) tickDream(ctx context.Context) error {
	items, err := d.cfg.Memory.FetchRecent(ctx, d.cfg.AgentID, d.cfg.DreamFetchN)
	if err != nil {
		return fmt.Errorf("dream: fetch recent: %w", err)
	}

	clusters := clusterBySimilarity(items, d.cfg.DreamClusterThreshold)
	for _, cluster := range clusters {
		if len(cluster) < d.cfg.DreamMinClusterSize {
			continue
		}

		var ids []string
		var contents string
		for _, it := range cluster {
			ids = append(ids, it.ID)
			contents += "- " + it.Content + "\n"
		}

		req := &llm.CompletionRequest{
			SystemPrompt: "Synthesize a one-paragraph insight citing the clustered memories below.",
			Messages:     []llm.Message{{Role: "user", Content: contents}},
		}
		resp, err := d.cfg.Models.Generate(ctx, req)
		if err != nil {
			d.log.Error(err, "dream: synthesis call failed", "cluster_size", len(cluster))
			continue
		}

		if err := d.cfg.Memory.StoreDream(ctx, d.cfg.AgentID, resp.Content, ids); err != nil {
			return fmt.Errorf("dream: store dream: %w", err)
		}
	}
	return nil
}

// clusterBySimilarity groups items single-link by the cosine similarity of
// their stored embeddings, at or above threshold (an item joins the first
// cluster any of whose members it is similar enough to). Items with no
// embedding never cluster.
func clusterBySimilarity(items []MemoryItem, threshold float64) [][]MemoryItem {
	var clusters [][]MemoryItem
	for _, it := range items {
		if len(it.Embedding) == 0 {
			continue
		}
		placed := false
		for ci, cluster := range clusters {
			for _, member := range cluster {
				if cosineSimilarity(it.Embedding, member.Embedding) >= threshold {
					clusters[ci] = append(clusters[ci], it)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []MemoryItem{it})
		}
	}
	return clusters
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tickMaintenance enforces task timeouts, reaps idle rate-limiter buckets,
// prunes (surfaces) tombstoned workers, refreshes the point-in-time gauges,
// and checks whether alpha-drift warrants an out-of-schedule dream pass
// (spec.md §4.7's dream trigger, §4.8's maintenance responsibilities).
func (d *Daemon) tickMaintenance(ctx context.Context) error {
	unclaimed, abandoned, escalations, err := d.cfg.Tasks.EnforceTimeouts(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("maintenance: enforce timeouts: %w", err)
	}
	if len(unclaimed) > 0 || len(abandoned) > 0 {
		d.log.Info("maintenance: timeout enforcement", "unclaimed", len(unclaimed), "abandoned", len(abandoned))
	}
	for _, esc := range escalations {
		d.log.Info("maintenance: task stuck in review", "task_id", esc.TaskID, "since", esc.Since)
	}

	if d.cfg.Limiter != nil {
		d.cfg.Limiter.Reap()
		metrics.RateLimiterBucketsActive.Set(float64(d.cfg.Limiter.BucketCount()))
	}

	if d.cfg.Workers != nil {
		retired, err := d.cfg.Workers.PruneTombstoned()
		if err != nil {
			return fmt.Errorf("maintenance: prune workers: %w", err)
		}
		d.log.V(1).Info("maintenance: tombstoned workers", "count", len(retired))
	}

	if err := d.refreshGauges(); err != nil {
		d.log.Error(err, "maintenance: refresh gauges failed")
	}

	alphaDrift, regime, err := d.cfg.Memory.ARFState(ctx)
	if err != nil {
		return fmt.Errorf("maintenance: arf state: %w", err)
	}
	if math.Abs(alphaDrift) > d.cfg.AlphaDriftThreshold {
		d.log.Info("maintenance: alpha drift exceeds threshold, triggering dream pass", "alpha_drift", alphaDrift, "regime", regime)
		if err := d.tickDream(ctx); err != nil {
			return fmt.Errorf("maintenance: triggered dream: %w", err)
		}
	}
	return nil
}

func (d *Daemon) refreshGauges() error {
	for _, state := range []task.State{
		task.StatePending, task.StateClaimed, task.StateInProgress,
		task.StateReview, task.StateCompleted, task.StateRejected, task.StateAbandoned,
	} {
		tasks, err := d.cfg.Tasks.List(state)
		if err != nil {
			return err
		}
		metrics.TasksByState.WithLabelValues(string(state)).Set(float64(len(tasks)))
	}

	if d.cfg.Workers == nil {
		return nil
	}
	for _, tier := range []worker.Tier{
		worker.TierNovice, worker.TierApprentice, worker.TierJourneyman, worker.TierExpert, worker.TierMaster,
	} {
		recs, err := d.cfg.Workers.List(tier)
		if err != nil {
			return err
		}
		metrics.WorkersByTier.WithLabelValues(string(tier)).Set(float64(len(recs)))
	}
	return nil
}

// tickReport scans for terminal-success tasks not yet reported, notifies
// their originating channel, and marks them reported (spec.md §4.8).
func (d *Daemon) tickReport(ctx context.Context) error {
	if !d.cfg.AutoReportEnabled {
		return nil
	}

	completed, err := d.cfg.Tasks.List(task.StateCompleted)
	if err != nil {
		return fmt.Errorf("report: list completed: %w", err)
	}

	for _, t := range completed {
		if t.Reported {
			continue
		}
		if err := d.cfg.Notifier.NotifyTaskComplete(ctx, t); err != nil {
			d.log.Error(err, "report: notify failed", "task_id", t.ID)
			continue
		}
		if err := d.cfg.Tasks.MarkReported(t.ID); err != nil {
			return fmt.Errorf("report: mark reported %s: %w", t.ID, err)
		}
	}
	return nil
}

// localSubmitter implements worker.Submitter for an in-process worker
// consumer: rather than POSTing over HTTP to the Engine (the
// worker.HTTPSubmitter path an out-of-process worker uses), it calls the
// Task Store directly and auto-approves per spec.md §6 ("immediate
// auto-approve in v1"), then records the worker's completion.
type localSubmitter struct {
	tasks   *task.Store
	workers *worker.Registry
}

func (s *localSubmitter) Submit(ctx context.Context, taskID string, result worker.ExecutionResult) error {
	if _, err := s.tasks.Submit(taskID, "worker", task.Result{
		Output:    result.Output,
		ModelUsed: result.ModelUsed,
		Status:    result.Status,
	}); err != nil {
		return err
	}
	if _, err := s.tasks.Approve(taskID, "worker"); err != nil {
		return err
	}
	if s.workers != nil {
		// A failure here (e.g. the worker ID was never Register'd) must not
		// sink the task's already-persisted completion.
		_, _ = s.workers.RecordCompletion(extractWorkerID(ctx), 0)
	}
	return nil
}

type workerIDKey struct{}

func extractWorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerIDKey{}).(string)
	return id
}

// runWorkerConsumer launches the in-process Worker (spec.md §4.9) that
// consumes sos:queue:global, executes each task against the Model Adapter
// Registry, and submits results straight back through the Task Store.
func (d *Daemon) runWorkerConsumer(ctx context.Context) error {
	if !d.cfg.AutoExecuteEnabled {
		d.log.Info("worker consumer disabled via SOS_AUTO_EXECUTE_ENABLED, idling")
		<-ctx.Done()
		return nil
	}

	executor := worker.NewModelExecutor(d.cfg.Models, "", 30*time.Second)
	submitter := &localSubmitter{tasks: d.cfg.Tasks, workers: d.cfg.Workers}
	workerID := d.cfg.AgentID + "-worker"

	if d.cfg.Workers != nil {
		if _, err := d.cfg.Workers.Register(workerID, workerID); err != nil {
			return fmt.Errorf("register worker consumer: %w", err)
		}
	}

	ctx = context.WithValue(ctx, workerIDKey{}, workerID)
	consumer := worker.NewConsumer(d.cfg.Bus, executor, submitter, d.cfg.Workers, workerID, d.log)
	return consumer.Run(ctx)
}

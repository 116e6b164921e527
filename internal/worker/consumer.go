/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/sosproject/sentinel/api/envelope"
	"github.com/sosproject/sentinel/internal/queue"
)

// queuePayload is the wire shape a Task-claim loop publication carries on
// the global work-queue stream, decoded back into a TaskPayload here.
type queuePayload struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Submitter posts a completed task's result back to the Engine (spec.md
// §4.9: "POST the result to Engine at /tasks/{id}/submit").
type Submitter interface {
	Submit(ctx context.Context, taskID string, result ExecutionResult) error
}

// HTTPSubmitter is the out-of-process Submitter: an HTTP client hitting the
// Engine's own /tasks/{id}/submit endpoint, the wire path a worker process
// running outside the Engine process uses.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSubmitter constructs a Submitter against an Engine listening at
// baseURL (e.g. "http://127.0.0.1:6060").
func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type submitBody struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used"`
	Status    string `json:"status"`
}

// Submit implements Submitter.
func (h *HTTPSubmitter) Submit(ctx context.Context, taskID string, result ExecutionResult) error {
	body, err := json.Marshal(submitBody{Output: result.Output, ModelUsed: result.ModelUsed, Status: result.Status})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/tasks/%s/submit", h.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit returned status %d", resp.StatusCode)
	}
	return nil
}

// FailureRecorder is the Worker Registry slice the Consumer needs: one
// method, so the consumer doesn't depend on the whole Registry type.
type FailureRecorder interface {
	RecordFailure(id string) (*Record, error)
}

// submitBackoff is the Submit retry schedule of spec.md §4.9: "retry with
// exponential backoff up to 5 attempts".
var submitBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// Consumer is the Worker (spec.md §4.9): it consumes from the global
// work-queue stream via a consumer group, executes each task payload, and
// submits the result back, following the failure policy of §4.9 exactly
// (ack-and-record-failure on executor error, ack-after-retry-exhaustion on
// submit failure — never redeliver).
type Consumer struct {
	bus       *queue.Bus
	executor  Executor
	submitter Submitter
	workers   FailureRecorder
	workerID  string
	log       logr.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(bus *queue.Bus, executor Executor, submitter Submitter, workers FailureRecorder, workerID string, log logr.Logger) *Consumer {
	return &Consumer{bus: bus, executor: executor, submitter: submitter, workers: workers, workerID: workerID, log: log.WithName("worker").WithValues("worker_id", workerID)}
}

// Run consumes from the global work-queue stream until ctx is cancelled,
// the "launch the worker consumer as a concurrent task" boot step of
// spec.md §5's loop roster.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureConsumerGroup(ctx, queue.GlobalWorkQueue); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		items, err := c.bus.ConsumeWork(ctx, queue.GlobalWorkQueue, c.workerID, 1, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error(err, "consume work failed")
			time.Sleep(time.Second)
			continue
		}
		for _, item := range items {
			c.handle(ctx, item)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, item queue.WorkItem) {
	var payload queuePayload
	if err := json.Unmarshal(item.Envelope.Payload, &payload); err != nil {
		c.log.Error(err, "decode task payload failed", "stream_id", item.ID)
		_ = c.bus.AckWork(ctx, queue.GlobalWorkQueue, item.ID)
		return
	}

	result, err := c.executor.Execute(ctx, TaskPayload{
		TaskID:      payload.TaskID,
		Title:       payload.Title,
		Description: payload.Description,
	})
	if err != nil {
		// Failure policy: ack so the message is not redelivered, record the
		// failure against the worker, and leave the task's state alone — the
		// maintenance loop or a later submit resolves it.
		c.log.Error(err, "executor failed", "task_id", payload.TaskID)
		if c.workers != nil {
			_, _ = c.workers.RecordFailure(c.workerID)
		}
		_ = c.bus.AckWork(ctx, queue.GlobalWorkQueue, item.ID)
		return
	}

	var submitErr error
	for attempt := 0; attempt < len(submitBackoff); attempt++ {
		submitErr = c.submitter.Submit(ctx, payload.TaskID, result)
		if submitErr == nil {
			break
		}
		c.log.Error(submitErr, "submit failed, retrying", "task_id", payload.TaskID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(submitBackoff[attempt]):
		}
	}
	if submitErr != nil {
		c.log.Error(submitErr, "submit exhausted retries, acking to avoid redelivery storm", "task_id", payload.TaskID)
	}
	_ = c.bus.AckWork(ctx, queue.GlobalWorkQueue, item.ID)
}

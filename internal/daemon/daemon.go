/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package daemon runs the seven cooperating loops of spec.md §4.8: one
// goroutine per loop, sharing no mutable state except the Task Store,
// Worker Registry, and Queue Bus, stopped by a single shared channel.
//
// The goroutine-per-loop-with-ticker-and-select idiom, and the
// recover-and-fixed-backoff-on-panic discipline, are grounded on
// internal/scheduler/scheduler.go's Start(ctx) (ticker + select over
// ctx.Done()/ticker.C/a trigger channel), stripped of its controller-
// runtime manager.Runnable/leader-election coupling since this Daemon is a
// single cooperative process per spec.md §5, not a Kubernetes controller.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/metrics"
	"github.com/sosproject/sentinel/internal/queue"
	"github.com/sosproject/sentinel/internal/resilience/ratelimit"
	"github.com/sosproject/sentinel/internal/task"
	"github.com/sosproject/sentinel/internal/telemetry"
	"github.com/sosproject/sentinel/internal/worker"
)

// Default intervals, spec.md §4.8's loop roster table.
const (
	HeartbeatInterval  = 300 * time.Second
	PulseInterval      = 60 * time.Second
	TaskClaimInterval  = 60 * time.Second
	DreamInterval      = 1800 * time.Second
	MaintenanceInterval = 24 * time.Hour
	ReportInterval     = 300 * time.Second

	// MaxQueueDepth is the Task-claim loop's backpressure threshold
	// (spec.md §5: "if it exceeds a configured depth (default 1000), it
	// skips publishing until drained").
	MaxQueueDepth = 1000

	// backoffOnError is the fixed (non-exponential) sleep a loop takes
	// after a recovered panic or a tick-level error, mirroring spec.md
	// §4.8's "fatal errors are logged and the offending loop sleeps a
	// back-off interval before retrying."
	backoffOnError = 10 * time.Second
)

// Notifier is the Report loop's one outbound dependency.
type Notifier interface {
	NotifyTaskComplete(ctx context.Context, t *task.Task) error
}

// Memory is the external vector memory store ("Mirror", spec.md §1: out of
// scope, fixed interface). The Pulse and Dream loops are its only callers;
// a deployment with no Mirror configured gets NullMemory, the same
// "something to call" stand-in pattern internal/notifyadapter uses for the
// Report loop's channel.
type Memory interface {
	Observe(ctx context.Context, agentID, note string) error
	FetchRecent(ctx context.Context, agentID string, n int) ([]MemoryItem, error)
	StoreDream(ctx context.Context, agentID, synthesis string, clusterIDs []string) error
	ARFState(ctx context.Context) (alphaDrift float64, regime string, err error)
}

// MemoryItem is one recalled memory, the Dream loop's clustering input.
type MemoryItem struct {
	ID        string
	Content   string
	Embedding []float64
}

// NullMemory discards Observe/StoreDream and reports no recent memories,
// used when no Mirror endpoint is configured.
type NullMemory struct{}

func (NullMemory) Observe(context.Context, string, string) error { return nil }
func (NullMemory) FetchRecent(context.Context, string, int) ([]MemoryItem, error) {
	return nil, nil
}
func (NullMemory) StoreDream(context.Context, string, string, []string) error { return nil }
func (NullMemory) ARFState(context.Context) (float64, string, error)         { return 0, "stable", nil }

// Config bundles every Daemon dependency.
type Config struct {
	AgentID string

	Bus      *queue.Bus
	Tasks    *task.Store
	Workers  *worker.Registry
	Models   *llm.Registry
	Limiter  *ratelimit.Limiter
	Notifier Notifier
	Memory   Memory

	DreamClusterThreshold float64 // default 0.78
	DreamMinClusterSize   int     // default 3
	DreamFetchN           int     // default 50
	AlphaDriftThreshold   float64 // default 0.1

	// Loop intervals, defaulting to the package constants of the same name
	// when left zero. Tests shorten these to observe a loop's first tick
	// without waiting out the production cadence (spec.md §4.8's loop
	// roster intervals are production defaults, not a fixed contract).
	HeartbeatInterval   time.Duration
	PulseInterval       time.Duration
	TaskClaimInterval   time.Duration
	DreamInterval       time.Duration
	MaintenanceInterval time.Duration
	ReportInterval      time.Duration

	// AutoClaimEnabled, AutoExecuteEnabled, and AutoReportEnabled are the
	// SOS_AUTO_{CLAIM,EXECUTE,REPORT}_ENABLED kill-switches of spec.md §6:
	// disabling one turns its loop (or, for execute, the in-process worker
	// consumer) into a no-op tick rather than skipping Start entirely, so
	// the other loops keep running and keep emitting heartbeats.
	AutoClaimEnabled   bool
	AutoExecuteEnabled bool
	AutoReportEnabled  bool

	Log logr.Logger
}

// Daemon runs the seven loops of spec.md §4.8.
type Daemon struct {
	cfg    Config
	log    logr.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Daemon, filling in defaults for any zero-valued tunable.
func New(cfg Config) *Daemon {
	if cfg.DreamClusterThreshold <= 0 {
		cfg.DreamClusterThreshold = 0.78
	}
	if cfg.DreamMinClusterSize <= 0 {
		cfg.DreamMinClusterSize = 3
	}
	if cfg.DreamFetchN <= 0 {
		cfg.DreamFetchN = 50
	}
	if cfg.AlphaDriftThreshold <= 0 {
		cfg.AlphaDriftThreshold = 0.1
	}
	if cfg.Memory == nil {
		cfg.Memory = NullMemory{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = PulseInterval
	}
	if cfg.TaskClaimInterval <= 0 {
		cfg.TaskClaimInterval = TaskClaimInterval
	}
	if cfg.DreamInterval <= 0 {
		cfg.DreamInterval = DreamInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = MaintenanceInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = ReportInterval
	}
	return &Daemon{cfg: cfg, log: cfg.Log.WithName("daemon")}
}

// Start launches all seven loops as independent goroutines. It returns
// immediately; call Stop to request shutdown, or cancel ctx — either one
// trips the same shared termination flag every loop (including the
// worker consumer) observes.
func (d *Daemon) Start(ctx context.Context) {
	d.log.Info("daemon starting", "agent_id", d.cfg.AgentID)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Worker-start: launch the worker consumer once at boot, not on a
	// ticker (spec.md §4.8's loop roster: "once at boot"). It runs for the
	// Daemon's whole lifetime rather than ticking, so it gets its own
	// recover guard instead of safeTick's per-tick span/metric.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error(fmt.Errorf("panic: %v", r), "worker consumer panicked")
			}
		}()
		if err := d.runWorkerConsumer(runCtx); err != nil {
			d.log.Error(err, "worker consumer exited")
		}
	}()

	d.runLoop(runCtx, "heartbeat", d.cfg.HeartbeatInterval, d.tickHeartbeat)
	d.runLoop(runCtx, "pulse", d.cfg.PulseInterval, d.tickPulse)
	d.runLoop(runCtx, "task-claim", d.cfg.TaskClaimInterval, d.tickTaskClaim)
	d.runLoop(runCtx, "dream", d.cfg.DreamInterval, d.tickDream)
	d.runLoop(runCtx, "maintenance", d.cfg.MaintenanceInterval, d.tickMaintenance)
	d.runLoop(runCtx, "report", d.cfg.ReportInterval, d.tickReport)
}

// Stop signals every loop to exit at its next sleep boundary (spec.md §5:
// "The Daemon exposes a single stop() that sets a shared termination
// flag") and blocks until they have all returned.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// runLoop launches a ticker-driven loop that cancellation of any other loop
// does not affect (spec.md §5: "Cancellation of any loop does not cancel
// the others").
func (d *Daemon) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.log.Info("loop stopping", "loop", name)
				return
			case <-ticker.C:
				if !d.safeTick(ctx, name, fn) {
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffOnError):
					}
				}
			}
		}
	}()
}

// safeTick runs one tick under a recover guard, tracing and recording the
// outcome, and reports whether it succeeded.
func (d *Daemon) safeTick(ctx context.Context, name string, fn func(ctx context.Context) error) (ok bool) {
	_, span := telemetry.StartLoopTickSpan(ctx, name)
	defer func() {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		telemetry.EndLoopTickSpan(span, outcome)
		metrics.RecordDaemonTick(name, outcome)
	}()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Errorf("panic: %v", r), "loop panicked", "loop", name)
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		d.log.Error(err, "loop tick failed", "loop", name)
		return false
	}
	return true
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package daemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/daemon"
	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/notifyadapter"
	"github.com/sosproject/sentinel/internal/queue"
	"github.com/sosproject/sentinel/internal/resilience/ratelimit"
	"github.com/sosproject/sentinel/internal/task"
	"github.com/sosproject/sentinel/internal/worker"
)

func TestDaemon(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Daemon Suite")
}

// fakeMemory is the daemon.Memory stand-in used by these specs: it records
// every Observe call and returns a fixed, no-drift ARF state, the same role
// daemon.NullMemory plays in production when no Mirror endpoint is
// configured.
type fakeMemory struct {
	observations []string
	alphaDrift   float64
}

func (m *fakeMemory) Observe(ctx context.Context, agentID, note string) error {
	m.observations = append(m.observations, note)
	return nil
}

func (m *fakeMemory) FetchRecent(ctx context.Context, agentID string, n int) ([]daemon.MemoryItem, error) {
	return nil, nil
}

func (m *fakeMemory) StoreDream(ctx context.Context, agentID, synthesis string, clusterIDs []string) error {
	return nil
}

func (m *fakeMemory) ARFState(ctx context.Context) (float64, string, error) {
	return m.alphaDrift, "stable", nil
}

var _ = Describe("Daemon", func() {
	var (
		mr      *miniredis.Miniredis
		bus     *queue.Bus
		tasks   *task.Store
		workers *worker.Registry
		models  *llm.Registry
		limiter *ratelimit.Limiter
		mem     *fakeMemory
		d       *daemon.Daemon
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		m, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		mr = m
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus = queue.New(rdb, logr.Discard())

		tasks, err = task.NewStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		workers, err = worker.NewRegistry(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		models = llm.NewRegistry(logr.Discard(), llm.NewMockAdapter("mock", 1,
			[]*llm.CompletionResponse{{Content: "a synthesized insight"}}, nil))

		limiter = ratelimit.New(ratelimit.DefaultConfig(), time.Minute)
		mem = &fakeMemory{}

		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		if d != nil {
			d.Stop()
		}
		cancel()
		mr.Close()
	})

	newDaemon := func(overrides func(*daemon.Config)) *daemon.Daemon {
		cfg := daemon.Config{
			AgentID:             "agent-1",
			Bus:                 bus,
			Tasks:               tasks,
			Workers:             workers,
			Models:              models,
			Limiter:             limiter,
			Notifier:            notifyadapter.NullNotifier{},
			Memory:              mem,
			AutoClaimEnabled:    true,
			AutoExecuteEnabled:  true,
			AutoReportEnabled:   true,
			HeartbeatInterval:   20 * time.Millisecond,
			PulseInterval:       20 * time.Millisecond,
			TaskClaimInterval:   20 * time.Millisecond,
			DreamInterval:       time.Hour,
			MaintenanceInterval: time.Hour,
			ReportInterval:      20 * time.Millisecond,
			Log:                 logr.Discard(),
		}
		if overrides != nil {
			overrides(&cfg)
		}
		return daemon.New(cfg)
	}

	It("publishes a heartbeat envelope", func() {
		d = newDaemon(nil)

		sub, err := bus.Subscribe(ctx, "heartbeat:agent-1")
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		d.Start(ctx)

		Eventually(sub.Channel(), 2*time.Second).Should(Receive())
	})

	It("claims and publishes pending tasks onto the global work queue", func() {
		_, err := tasks.Create("do the thing", "desc", task.PriorityNormal, "tester", "conv-1")
		Expect(err).NotTo(HaveOccurred())

		d = newDaemon(nil)
		d.Start(ctx)

		Eventually(func() (int64, error) {
			return bus.StreamLength(ctx, queue.GlobalWorkQueue)
		}, 3*time.Second).Should(BeNumerically(">=", int64(1)))
	})

	It("drives a pending task to completed through the live claim -> execute -> submit pipeline", func() {
		created, err := tasks.Create("write a haiku", "about autumn", task.PriorityNormal, "tester", "conv-1")
		Expect(err).NotTo(HaveOccurred())

		d = newDaemon(nil)
		d.Start(ctx)

		Eventually(func() (task.State, error) {
			got, err := tasks.Get(created.ID)
			if err != nil {
				return "", err
			}
			return got.State, nil
		}, 3*time.Second, 10*time.Millisecond).Should(Equal(task.StateCompleted))

		got, err := tasks.Get(created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Result).NotTo(BeNil())
		Expect(got.Result.Output).To(Equal("a synthesized insight"))

		var actions []string
		for _, h := range got.History {
			actions = append(actions, h.Action)
		}
		Expect(actions).To(Equal([]string{"claim", "start", "submit", "approve"}))
	})

	It("never claims a task when AutoClaimEnabled is false", func() {
		_, err := tasks.Create("do the thing", "desc", task.PriorityNormal, "tester", "conv-1")
		Expect(err).NotTo(HaveOccurred())

		d = newDaemon(func(c *daemon.Config) { c.AutoClaimEnabled = false })
		d.Start(ctx)

		Consistently(func() (int64, error) {
			return bus.StreamLength(ctx, queue.GlobalWorkQueue)
		}, 500*time.Millisecond).Should(Equal(int64(0)))

		remaining, err := tasks.List(task.StatePending)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(HaveLen(1))
	})

	It("reports completed, unreported tasks and marks them reported", func() {
		t, err := tasks.Create("finish this", "desc", task.PriorityNormal, "tester", "conv-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Claim(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Start(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Submit(t.ID, "worker-1", task.Result{Output: "done", Status: "completed"})
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Approve(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		d = newDaemon(nil)
		d.Start(ctx)

		Eventually(func() (bool, error) {
			got, err := tasks.Get(t.ID)
			if err != nil {
				return false, err
			}
			return got.Reported, nil
		}, 2*time.Second).Should(BeTrue())
	})

	It("never reports when AutoReportEnabled is false", func() {
		t, err := tasks.Create("finish this", "desc", task.PriorityNormal, "tester", "conv-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Claim(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Start(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Submit(t.ID, "worker-1", task.Result{Output: "done", Status: "completed"})
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Approve(t.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		d = newDaemon(func(c *daemon.Config) { c.AutoReportEnabled = false })
		d.Start(ctx)

		Consistently(func() (bool, error) {
			got, err := tasks.Get(t.ID)
			if err != nil {
				return false, err
			}
			return got.Reported, nil
		}, 500*time.Millisecond).Should(BeFalse())
	})

	It("stops every loop on Stop without leaking goroutines past the call", func() {
		d = newDaemon(nil)
		d.Start(ctx)
		time.Sleep(50 * time.Millisecond)
		d.Stop()
		d = nil // already stopped; AfterEach should not double-Stop
	})
})

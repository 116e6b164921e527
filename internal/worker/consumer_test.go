/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/api/envelope"
	"github.com/sosproject/sentinel/internal/queue"
	"github.com/sosproject/sentinel/internal/worker"
)

func TestWorkerConsumer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker Consumer Suite")
}

type fakeExecutor struct {
	result worker.ExecutionResult
	err    error
}

func (f fakeExecutor) Execute(ctx context.Context, payload worker.TaskPayload) (worker.ExecutionResult, error) {
	return f.result, f.err
}

type fakeSubmitter struct {
	calls []string
	fail  int
}

func (f *fakeSubmitter) Submit(ctx context.Context, taskID string, result worker.ExecutionResult) error {
	f.calls = append(f.calls, taskID)
	if f.fail > 0 {
		f.fail--
		return errFake
	}
	return nil
}

type fakeRecorder struct{ failures int }

func (f *fakeRecorder) RecordFailure(id string) (*worker.Record, error) {
	f.failures++
	return &worker.Record{ID: id}, nil
}

var errFake = &fakeError{"submit failed"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

var _ = Describe("Consumer", func() {
	var (
		mr  *miniredis.Miniredis
		bus *queue.Bus
		ctx context.Context
	)

	BeforeEach(func() {
		m, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		mr = m
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus = queue.New(rdb, logr.Discard())
		ctx = context.Background()
		Expect(bus.EnsureConsumerGroup(ctx, queue.GlobalWorkQueue)).To(Succeed())
	})

	AfterEach(func() {
		mr.Close()
	})

	publishTask := func(taskID string) {
		payload, _ := json.Marshal(map[string]string{"task_id": taskID, "title": "t", "description": "d"})
		env, err := envelope.New(envelope.KindTaskCreate, "daemon", "", json.RawMessage(payload))
		Expect(err).NotTo(HaveOccurred())
		_, err = bus.PublishWork(ctx, queue.GlobalWorkQueue, env)
		Expect(err).NotTo(HaveOccurred())
	}

	It("executes and submits a task, then acks the stream entry", func() {
		publishTask("t-1")
		submitter := &fakeSubmitter{}
		recorder := &fakeRecorder{}
		exec := fakeExecutor{result: worker.ExecutionResult{Output: "done", Status: "completed"}}

		consumer := worker.NewConsumer(bus, exec, submitter, recorder, "worker-1", logr.Discard())
		runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_ = consumer.Run(runCtx)

		Expect(submitter.calls).To(ContainElement("t-1"))
		Expect(recorder.failures).To(Equal(0))

		length, err := bus.StreamLength(ctx, queue.GlobalWorkQueue)
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(Equal(int64(1)))

		pending, err := redis.NewClient(&redis.Options{Addr: mr.Addr()}).XPending(ctx, queue.GlobalWorkQueue, "sos-workers").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(Equal(int64(0)))
	})

	It("acks and records a failure without submitting when the executor errors", func() {
		publishTask("t-2")
		submitter := &fakeSubmitter{}
		recorder := &fakeRecorder{}
		exec := fakeExecutor{err: errFake}

		consumer := worker.NewConsumer(bus, exec, submitter, recorder, "worker-1", logr.Discard())
		runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_ = consumer.Run(runCtx)

		Expect(submitter.calls).To(BeEmpty())
		Expect(recorder.failures).To(Equal(1))
	})
})

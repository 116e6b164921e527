/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/api/envelope"
	"github.com/sosproject/sentinel/internal/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Bus Suite")
}

var _ = Describe("Bus", func() {
	var (
		mr  *miniredis.Miniredis
		rdb *redis.Client
		bus *queue.Bus
		ctx context.Context
	)

	BeforeEach(func() {
		m, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		mr = m
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus = queue.New(rdb, logr.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		mr.Close()
	})

	It("delivers a direct message through send/receive/ack", func() {
		env, err := envelope.New(envelope.KindCommand, "engine", "agent-1", map[string]string{"hello": "world"})
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.SendDirect(ctx, "agent-1", env)).To(Succeed())

		got, err := bus.ReceiveDirect(ctx, "agent-1", time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(env.ID))

		Expect(bus.AckDirect(ctx, "agent-1", got)).To(Succeed())
	})

	It("moves a message to the dead-letter queue after the max delivery attempts", func() {
		env, err := envelope.New(envelope.KindCommand, "engine", "agent-1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(bus.SendDirect(ctx, "agent-1", env)).To(Succeed())

		var movedToDLQ bool
		for i := 0; i < queue.MaxDeliveryAttempts; i++ {
			got, err := bus.ReceiveDirect(ctx, "agent-1", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())

			moved, err := bus.NackDirect(ctx, "agent-1", got)
			Expect(err).NotTo(HaveOccurred())
			movedToDLQ = moved
			if !moved {
				mr.FastForward(5 * time.Second)
			}
		}
		Expect(movedToDLQ).To(BeTrue())

		length, err := rdb.LLen(ctx, "dlq:agent:agent-1").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(Equal(int64(1)))
	})

	It("fans a published message out to pattern subscribers", func() {
		sub := bus.PSubscribe(ctx, "squad:*")
		defer sub.Close()
		Eventually(sub.Channel()).Should(Not(BeNil()))

		env, err := envelope.New(envelope.KindEvent, "agent-1", "squad-1", map[string]string{"status": "ok"})
		Expect(err).NotTo(HaveOccurred())

		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = bus.Publish(ctx, "squad:squad-1", env)
		}()

		msg := <-sub.Channel()
		decoded, err := queue.DecodeEnvelope(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.ID).To(Equal(env.ID))
	})

	It("delivers and acknowledges a message through the global work-queue stream", func() {
		Expect(bus.EnsureConsumerGroup(ctx, queue.GlobalWorkQueue)).To(Succeed())

		env, err := envelope.New(envelope.KindTaskCreate, "engine", "", map[string]string{"task_id": "t-1"})
		Expect(err).NotTo(HaveOccurred())
		id, err := bus.PublishWork(ctx, queue.GlobalWorkQueue, env)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(BeEmpty())

		items, err := bus.ConsumeWork(ctx, queue.GlobalWorkQueue, "worker-1", 10, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].Envelope.ID).To(Equal(env.ID))

		Expect(bus.AckWork(ctx, queue.GlobalWorkQueue, items[0].ID)).To(Succeed())

		length, err := bus.StreamLength(ctx, queue.GlobalWorkQueue)
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(Equal(int64(1)))
	})
})

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notifyadapter_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/notifyadapter"
	"github.com/sosproject/sentinel/internal/task"
)

func TestNotifyAdapter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NotifyAdapter Suite")
}

var _ = Describe("NullNotifier", func() {
	It("discards notifications without error", func() {
		var n notifyadapter.Notifier = notifyadapter.NullNotifier{}
		err := n.NotifyTaskComplete(context.Background(), &task.Task{ID: "t1", State: task.StateCompleted})
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("WithTimeout", func() {
	It("cancels the inner notifier's context once the timeout elapses", func() {
		slow := slowNotifier{}
		n := notifyadapter.WithTimeout(slow, 5*time.Millisecond)
		err := n.NotifyTaskComplete(context.Background(), &task.Task{ID: "t1"})
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

type slowNotifier struct{}

func (slowNotifier) NotifyTaskComplete(ctx context.Context, t *task.Task) error {
	select {
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

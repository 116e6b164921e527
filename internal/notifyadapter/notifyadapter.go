/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notifyadapter is the Report loop's one concrete notification
// channel: posting a terminal task's result back to "the originating
// adapter's channel" (spec.md §5's Report loop row). Adapters themselves are
// out of scope for this repo, so Slack stands in as the one real channel a
// deployment would wire up, grounded on the teacher's internal/notify
// channel shape but re-backed by the real github.com/slack-go/slack client
// instead of a hand-rolled webhook POST.
package notifyadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/sosproject/sentinel/internal/redact"
	"github.com/sosproject/sentinel/internal/task"
)

// maxResultLen bounds how much of a task's result text reaches Slack, after
// redaction — a worker's model output can embed anything the model saw,
// including credentials the task description itself leaked.
const maxResultLen = 2000

// Notifier delivers a terminal task's outcome to its originating channel.
type Notifier interface {
	NotifyTaskComplete(ctx context.Context, t *task.Task) error
}

// SlackNotifier posts task completions to a single configured Slack
// channel via a bot token, the one channel type the Report loop ships with
// (spec.md §5, SPEC_FULL.md §domain-stack).
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier constructs a SlackNotifier. channel may be a channel ID
// or name the bot token has been invited to.
func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(botToken), channel: channel}
}

// NotifyTaskComplete posts a one-line summary of a terminal task to Slack.
func (s *SlackNotifier) NotifyTaskComplete(ctx context.Context, t *task.Task) error {
	emoji := resultEmoji(t.State)
	text := fmt.Sprintf("%s *%s* (`%s`) finished as *%s*", emoji, t.Title, t.ID, t.State)
	if t.Result != nil && t.Result.Output != "" {
		text += "\n" + redact.Truncate(t.Result.Output, maxResultLen)
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	return err
}

func resultEmoji(state task.State) string {
	switch state {
	case task.StateCompleted:
		return ":white_check_mark:"
	case task.StateRejected, task.StateAbandoned:
		return ":x:"
	default:
		return ":information_source:"
	}
}

// NullNotifier discards notifications; used when no Slack token is
// configured so the Report loop still has a concrete channel to call
// (spec.md §5: "the core needs something to call").
type NullNotifier struct{}

func (NullNotifier) NotifyTaskComplete(ctx context.Context, t *task.Task) error { return nil }

// WithTimeout wraps a Notifier so a single slow delivery can't stall the
// Report loop's tick past its own interval, mirroring the fixed-backoff
// philosophy of the other daemon loops.
func WithTimeout(n Notifier, d time.Duration) Notifier {
	return timeoutNotifier{inner: n, timeout: d}
}

type timeoutNotifier struct {
	inner   Notifier
	timeout time.Duration
}

func (t timeoutNotifier) NotifyTaskComplete(ctx context.Context, tk *task.Task) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.NotifyTaskComplete(ctx, tk)
}

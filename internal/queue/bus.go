/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package queue implements the Queue Bus (§4.5): pub/sub plus a persistent
// append-only stream on top of an external key/value+streams service
// (Redis), backing three channel shapes — direct point-to-point queues,
// ephemeral pub/sub squad channels (including wildcard observer
// subscriptions), and the persistent global work-queue stream.
//
// The Publish/Subscribe surface is grounded on internal/events/bus.go's Publish/FindNewEvents shape,
// generalized from a CRD-backed event bus to a Redis-backed one per
// SPEC_FULL.md §4.5; the QueueBackend-style Enqueue/Dequeue/Ack vocabulary
// is additionally informed by the retrieval pack's
// flyingrobots/go-redis-work-queue reference backend interface.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/sosproject/sentinel/api/envelope"
)

// Direct-queue delivery constants (spec.md §4.5: "at-least-once ... after 3
// failed deliveries a message moves to dlq:agent:<id>").
const (
	MaxDeliveryAttempts = 3
	GlobalWorkQueue     = "sos:queue:global"
	globalConsumerGroup = "sos-workers"
)

// directBackoff is the exponential backoff schedule for direct-queue
// redelivery (spec.md §4.5: "1s, 2s, 4s").
var directBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Bus is the Queue Bus, backed by a single Redis (or Redis-compatible)
// client shared across all three channel shapes.
type Bus struct {
	rdb *redis.Client
	log logr.Logger
}

// New constructs a Bus from an already-connected redis.Client.
func New(rdb *redis.Client, log logr.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.WithName("queue")}
}

// NewClient builds the redis.Client the rest of the process shares, a thin
// wrapper kept here so callers never need to import go-redis directly.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// --- Pub/Sub (squad channels, wildcard observers, heartbeat) ---

// Publish fires an envelope at a pub/sub channel (spec.md: "Pub/sub:
// fire-and-forget").
func (b *Bus) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe opens a pub/sub subscription to one or more exact channel
// names.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription (e.g. "squad:*", "agent:*:events"),
// the wildcard observer mechanism of spec.md §4.5.
func (b *Bus) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return b.rdb.PSubscribe(ctx, patterns...)
}

// DecodeEnvelope parses one pub/sub message's payload back into an
// Envelope.
func DecodeEnvelope(msg *redis.Message) (*envelope.Envelope, error) {
	return envelope.Unmarshal([]byte(msg.Payload))
}

// Ping reports whether the underlying Redis connection is reachable, the
// Queue Bus's contribution to the /health endpoint's checks map (spec.md §6).
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// --- Direct queues (agent:<id>:inbox) ---

func inboxKey(agentID string) string { return fmt.Sprintf("agent:%s:inbox", agentID) }
func dlqKey(agentID string) string   { return fmt.Sprintf("dlq:agent:%s", agentID) }
func attemptsKey(msgID string) string { return fmt.Sprintf("sos:delivery-attempts:%s", msgID) }

// SendDirect appends an envelope to an agent's direct inbox (a Redis list),
// the point-to-point persistent queue of spec.md §4.5.
func (b *Bus) SendDirect(ctx context.Context, agentID string, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, inboxKey(agentID), data).Err()
}

// ReceiveDirect blocks up to timeout for the next message in an agent's
// inbox, atomically moving it into a processing list so a crashed consumer
// never silently drops it (the reliable-queue BRPOPLPUSH pattern).
func (b *Bus) ReceiveDirect(ctx context.Context, agentID string, timeout time.Duration) (*envelope.Envelope, error) {
	processingKey := inboxKey(agentID) + ":processing"
	data, err := b.rdb.BRPopLPush(ctx, inboxKey(agentID), processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return envelope.Unmarshal([]byte(data))
}

// AckDirect removes a successfully-processed message from the processing
// list.
func (b *Bus) AckDirect(ctx context.Context, agentID string, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.LRem(ctx, inboxKey(agentID)+":processing", 1, data).Err()
}

// NackDirect records one failed delivery attempt. After MaxDeliveryAttempts
// the message moves to the agent's dead-letter queue instead of being
// requeued (spec.md §4.5).
func (b *Bus) NackDirect(ctx context.Context, agentID string, env *envelope.Envelope) (movedToDLQ bool, err error) {
	processingKey := inboxKey(agentID) + ":processing"
	data, err := env.Marshal()
	if err != nil {
		return false, err
	}

	attempts, err := b.rdb.Incr(ctx, attemptsKey(env.ID)).Result()
	if err != nil {
		return false, err
	}

	if err := b.rdb.LRem(ctx, processingKey, 1, data).Err(); err != nil {
		return false, err
	}

	if attempts >= MaxDeliveryAttempts {
		if err := b.rdb.LPush(ctx, dlqKey(agentID), data).Err(); err != nil {
			return false, err
		}
		b.rdb.Del(ctx, attemptsKey(env.ID))
		return true, nil
	}

	backoff := directBackoff[minInt(int(attempts)-1, len(directBackoff)-1)]
	time.AfterFunc(backoff, func() {
		_ = b.rdb.LPush(context.Background(), inboxKey(agentID), data).Err()
	})
	return false, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Persistent work queue (sos:queue:global, a Redis Stream) ---

// EnsureConsumerGroup creates the consumer group for the global work queue
// if it does not already exist (idempotent: BUSYGROUP is swallowed).
func (b *Bus) EnsureConsumerGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, globalConsumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// PublishWork appends an envelope to the global work-queue stream (spec.md
// §4.5: "at-least-once with explicit acknowledgement by consumers").
func (b *Bus) PublishWork(ctx context.Context, stream string, env *envelope.Envelope) (string, error) {
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"envelope": data},
	}).Result()
}

// StreamLength reports the pending length of a stream, the signal the
// Task-claim loop's backpressure check reads (spec.md §5).
func (b *Bus) StreamLength(ctx context.Context, stream string) (int64, error) {
	return b.rdb.XLen(ctx, stream).Result()
}

// WorkItem is one delivered stream entry along with its ID, needed to XACK.
type WorkItem struct {
	ID       string
	Envelope *envelope.Envelope
}

// ConsumeWork reads up to count pending entries for consumerName from
// stream via the shared consumer group, blocking up to block for new
// entries (spec.md §4.5 "read with a consumer group").
func (b *Bus) ConsumeWork(ctx context.Context, stream, consumerName string, count int64, block time.Duration) ([]WorkItem, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    globalConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []WorkItem
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			raw, _ := msg.Values["envelope"].(string)
			env, err := envelope.Unmarshal([]byte(raw))
			if err != nil {
				continue
			}
			out = append(out, WorkItem{ID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

// AckWork acknowledges a delivered stream entry (spec.md §4.5 "explicit
// acknowledgement").
func (b *Bus) AckWork(ctx context.Context, stream, id string) error {
	return b.rdb.XAck(ctx, stream, globalConsumerGroup, id).Err()
}

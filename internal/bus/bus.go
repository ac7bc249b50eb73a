// Package bus carries scheduling events from comets to consoles over a
// Redis Stream. Consoles consume through a shared consumer group so each
// event is handled by exactly one replica, while every comet can publish
// without coordination.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

const (
	// StreamKey is the single stream all scheduling events flow through.
	StreamKey = "jiascheduler:job:event"

	// Group is the console consumer group.
	Group = "jiascheduler-group"

	eventField = "event"

	readBlock = 50 * time.Millisecond
	readCount = 100
)

// AgentOnlineParams announces that an agent connected to a comet.
// IsInitialized is false on the agent's very first connect after start,
// which tells the console to replay runnable schedules.
type AgentOnlineParams struct {
	AgentIP       string `json:"agent_ip"`
	Namespace     string `json:"namespace"`
	MacAddr       string `json:"mac_addr"`
	IsInitialized bool   `json:"is_initialized"`
}

// AgentOfflineParams announces that an agent's connection was torn down.
type AgentOfflineParams struct {
	AgentIP   string `json:"agent_ip"`
	Namespace string `json:"namespace"`
	MacAddr   string `json:"mac_addr"`
}

// Event is the tagged union of everything that travels on the stream.
// Exactly one field is set.
type Event struct {
	UpdateJob    *bridge.UpdateJobParams `json:"UpdateJob,omitempty"`
	Heartbeat    *bridge.HeartbeatParams `json:"Heartbeat,omitempty"`
	AgentOnline  *AgentOnlineParams      `json:"AgentOnline,omitempty"`
	AgentOffline *AgentOfflineParams     `json:"AgentOffline,omitempty"`
}

// Kind returns the tag of the variant that is set, for logging.
func (e *Event) Kind() string {
	switch {
	case e.UpdateJob != nil:
		return "UpdateJob"
	case e.Heartbeat != nil:
		return "Heartbeat"
	case e.AgentOnline != nil:
		return "AgentOnline"
	case e.AgentOffline != nil:
		return "AgentOffline"
	default:
		return "unknown"
	}
}

// Handler processes one event. Errors are logged; the event is acked
// either way, so handlers own their retries.
type Handler func(ctx context.Context, id string, ev Event) error

// Bus publishes and consumes scheduling events.
type Bus struct {
	rdb      *redis.Client
	consumer string
	log      *zap.Logger
}

// New builds a Bus. consumer names this process inside the group; the
// local IP is the conventional choice.
func New(rdb *redis.Client, consumer string, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, consumer: consumer, log: logger.Named("bus")}
}

// Publish appends ev to the stream and returns the entry id.
func (b *Bus) Publish(ctx context.Context, ev Event) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("bus: encode event: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]any{eventField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish %s: %w", ev.Kind(), err)
	}
	return id, nil
}

// ensureGroup creates the consumer group, tolerating a concurrent create
// by another replica.
func (b *Bus) ensureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, StreamKey, Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group: %w", err)
	}
	return nil
}

// Consume reads events on behalf of the group until ctx is canceled.
// Every delivered entry is acked regardless of handler outcome; an event
// the console cannot process is not worth wedging the stream over.
func (b *Bus) Consume(ctx context.Context, h Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: b.consumer,
			Streams:  []string{StreamKey, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("read group failed", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleOne(ctx, msg, h)
			}
		}
	}
}

func (b *Bus) handleOne(ctx context.Context, msg redis.XMessage, h Handler) {
	defer func() {
		if err := b.rdb.XAck(ctx, StreamKey, Group, msg.ID).Err(); err != nil {
			b.log.Warn("ack failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}()

	raw, ok := msg.Values[eventField].(string)
	if !ok {
		b.log.Warn("entry without event field", zap.String("id", msg.ID))
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.log.Warn("undecodable event", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := h(ctx, msg.ID, ev); err != nil {
		b.log.Error("event handler failed",
			zap.String("id", msg.ID), zap.String("kind", ev.Kind()), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

func testBus(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb, New(rdb, "10.0.0.1", zap.NewNop())
}

func TestEventTaggedEncoding(t *testing.T) {
	_, _, b := testBus(t)
	ctx := context.Background()
	require.NoError(t, b.ensureGroup(ctx))

	_, err := b.Publish(ctx, Event{Heartbeat: &bridge.HeartbeatParams{
		Namespace: "default", SourceIP: "10.1.1.1", MacAddr: "aa:bb",
	}})
	require.NoError(t, err)
}

func TestConsumeDeliversPublishedEvents(t *testing.T) {
	_, _, b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Group at "$": create before publishing so the events are visible.
	require.NoError(t, b.ensureGroup(ctx))

	_, err := b.Publish(ctx, Event{AgentOnline: &AgentOnlineParams{
		AgentIP: "10.1.1.1", Namespace: "default", IsInitialized: false,
	}})
	require.NoError(t, err)
	_, err = b.Publish(ctx, Event{UpdateJob: &bridge.UpdateJobParams{
		ScheduleID: "s1", BindIP: "10.1.1.1", BindNamespace: "default",
		RunStatus: bridge.RunStatusRunning,
	}})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, func(_ context.Context, _ string, ev Event) error {
			mu.Lock()
			seen = append(seen, ev.Kind())
			if len(seen) == 2 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events not delivered")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"AgentOnline", "UpdateJob"}, seen)
}

func TestConsumeAcksEvenWhenHandlerFails(t *testing.T) {
	_, rdb, b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.ensureGroup(ctx))
	_, err := b.Publish(ctx, Event{AgentOffline: &AgentOfflineParams{
		AgentIP: "10.1.1.1", Namespace: "default",
	}})
	require.NoError(t, err)

	handled := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, func(_ context.Context, _ string, _ Event) error {
			close(handled)
			return assert.AnError
		})
	}()

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	// The failed event must still be acked, leaving nothing pending.
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(), StreamKey, Group).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
}

func TestEnsureGroupIdempotent(t *testing.T) {
	_, _, b := testBus(t)
	ctx := context.Background()
	require.NoError(t, b.ensureGroup(ctx))
	require.NoError(t, b.ensureGroup(ctx))
}

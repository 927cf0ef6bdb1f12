package progress

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

func TestRedisRelayPublishes(t *testing.T) {
	addr := os.Getenv("OUTREACH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OUTREACH_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := rdb.Subscribe(ctx, "outreach:test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	bus := eventbus.New()
	relay := NewRedisRelay(rdb, "outreach:test", bus, logx.Nop())
	go func() { _ = relay.Run(ctx) }()

	bus.Publish(eventbus.Event{Kind: eventbus.KindJobStatus, JobID: "j1"})
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"job_id":"j1"`)
}

func TestRedisRelayCountsFailures(t *testing.T) {
	// Nothing listens on this port; publishes fail fast.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	bus := eventbus.New()
	relay := NewRedisRelay(rdb, "", bus, logx.Nop())
	assert.Equal(t, DefaultRedisChannel, relay.Channel())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Run(ctx)
		close(done)
	}()
	bus.Publish(eventbus.Event{Kind: eventbus.KindJobStatus})
	require.Eventually(t, func() bool {
		_, failed := relay.Stats()
		return failed == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

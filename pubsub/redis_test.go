package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisTransportSend(t *testing.T) {
	_, client := setupRedis(t)
	tr := NewRedisTransport(client, RedisConfig{Stream: "events", Group: "workers"}, nil)

	require.NoError(t, tr.Send(context.Background(), []byte(`{"path":"feed.crawl"}`)))

	msgs, err := client.XRange(context.Background(), "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"path":"feed.crawl"}`, msgs[0].Values["payload"])
}

func TestRedisTransportRoundTrip(t *testing.T) {
	_, client := setupRedis(t)
	cfg := RedisConfig{Stream: "events", Group: "workers", Consumer: "w1"}

	in := NewRedisTransport(client, cfg, nil)
	got := make(chan []byte, 1)
	in.OnReceive(func(_ context.Context, msg []byte) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, in.Start(ctx))
	defer in.Close()

	// A second Start on the same group must not fail on BUSYGROUP.
	other := NewRedisTransport(client, RedisConfig{Stream: "events", Group: "workers", Consumer: "w2"}, nil)
	other.OnReceive(func(context.Context, []byte) {})
	require.NoError(t, other.Start(ctx))
	require.NoError(t, other.Close())

	out := NewRedisTransport(client, cfg, nil)
	require.NoError(t, out.Send(ctx, []byte("hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "events", "workers").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}

// leavePending reads every new message as consumer without acknowledging,
// as a worker that died mid-batch does.
func leavePending(t *testing.T, client *redis.Client, consumer string, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, client.XGroupCreateMkStream(ctx, "events", "workers", "$").Err())
	for _, p := range payloads {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "events", Values: map[string]interface{}{"payload": p}}).Err())
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: consumer,
		Streams:  []string{"events", ">"},
		Count:    int64(len(payloads)),
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams[0].Messages, len(payloads))
}

func collect(tr *RedisTransport) func() []string {
	var (
		mu  sync.Mutex
		got []string
	)
	tr.OnReceive(func(_ context.Context, msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg))
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func TestRedisTransportRedeliversOwnPending(t *testing.T) {
	_, client := setupRedis(t)
	leavePending(t, client, "w1", "first", "second")

	tr := NewRedisTransport(client, RedisConfig{Stream: "events", Group: "workers", Consumer: "w1", MinIdle: time.Hour}, nil)
	received := collect(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	assert.Eventually(t, func() bool { return len(received()) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, received())
	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "events", "workers").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisTransportClaimsIdleMessages(t *testing.T) {
	_, client := setupRedis(t)
	leavePending(t, client, "crashed", "orphan")
	time.Sleep(30 * time.Millisecond)

	tr := NewRedisTransport(client, RedisConfig{Stream: "events", Group: "workers", Consumer: "w2", MinIdle: 10 * time.Millisecond}, nil)
	received := collect(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	assert.Eventually(t, func() bool { return len(received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"orphan"}, received())
	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "events", "workers").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisTransportStartWithoutReceiver(t *testing.T) {
	_, client := setupRedis(t)
	tr := NewRedisTransport(client, RedisConfig{Stream: "events", Group: "workers"}, nil)
	assert.Error(t, tr.Start(context.Background()))
}

func TestForwardRelaysBetweenTransports(t *testing.T) {
	_, client := setupRedis(t)
	in := NewMemoryTransport(4)
	out := NewRedisTransport(client, RedisConfig{Stream: "bridge", Group: "g"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Forward(ctx, in, out, nil) }()

	require.Eventually(t, func() bool {
		return in.Send(ctx, []byte("relay me")) == nil
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "bridge").Result()
		return err == nil && n >= 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, in.Close())
}

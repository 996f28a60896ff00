package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisPayloadField = "payload"
	redisBlock        = 2 * time.Second
	redisBatch        = 16
	redisMinIdle      = 5 * time.Minute
)

// RedisConfig configures a Redis stream transport.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MaxLen approximately caps the stream length. Zero keeps everything.
	MaxLen int64
	// MinIdle is how long a message may stay pending on another consumer
	// before this one claims it. Defaults to five minutes.
	MinIdle time.Duration
}

// RedisTransport sends with XADD and receives through a consumer group so
// each message is handled by one worker of the group. Messages left pending
// by a consumer that stopped before acknowledging are redelivered: its own
// on restart, any consumer's once idle for MinIdle.
type RedisTransport struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	log     *zap.Logger
	mu      sync.RWMutex
	receive func(ctx context.Context, msg []byte)
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisTransport wraps an existing client. The caller owns the client.
func NewRedisTransport(client redis.UniversalClient, cfg RedisConfig, log *zap.Logger) *RedisTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = redisMinIdle
	}
	return &RedisTransport{client: client, cfg: cfg, log: log}
}

func (t *RedisTransport) Send(ctx context.Context, msg []byte) error {
	args := &redis.XAddArgs{
		Stream: t.cfg.Stream,
		Values: map[string]interface{}{redisPayloadField: string(msg)},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", t.cfg.Stream, err)
	}
	return nil
}

func (t *RedisTransport) OnReceive(fn func(ctx context.Context, msg []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = fn
}

// Start creates the consumer group when missing, then redelivers pending
// messages before reading new ones.
func (t *RedisTransport) Start(ctx context.Context) error {
	t.mu.RLock()
	fn := t.receive
	t.mu.RUnlock()
	if fn == nil {
		return errors.New("redis transport: no receiver")
	}

	err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", t.cfg.Group, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(ctx, fn)
	}()
	t.log.Info("redis transport started",
		zap.String("stream", t.cfg.Stream),
		zap.String("group", t.cfg.Group))
	return nil
}

func (t *RedisTransport) consume(ctx context.Context, fn func(ctx context.Context, msg []byte)) {
	t.readPending(ctx, fn)
	t.claimIdle(ctx, fn)
	lastClaim := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= t.cfg.MinIdle {
			t.claimIdle(ctx, fn)
			lastClaim = time.Now()
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.Stream, ">"},
			Count:    redisBatch,
			Block:    redisBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.log.Error("redis read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range streams {
			t.handle(ctx, fn, stream.Messages)
		}
	}
}

// readPending redelivers messages this consumer read but never
// acknowledged.
func (t *RedisTransport) readPending(ctx context.Context, fn func(ctx context.Context, msg []byte)) {
	after := "0"
	for ctx.Err() == nil {
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.Stream, after},
			Count:    redisBatch,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				t.log.Warn("redis pending read failed", zap.Error(err))
			}
			return
		}
		var msgs []redis.XMessage
		for _, stream := range streams {
			msgs = append(msgs, stream.Messages...)
		}
		if len(msgs) == 0 {
			return
		}
		t.log.Info("redelivering pending messages", zap.Int("count", len(msgs)))
		t.handle(ctx, fn, msgs)
		after = msgs[len(msgs)-1].ID
	}
}

// claimIdle takes over messages pending on other consumers for longer than
// MinIdle and handles them.
func (t *RedisTransport) claimIdle(ctx context.Context, fn func(ctx context.Context, msg []byte)) {
	cursor := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.MinIdle,
			Start:    cursor,
			Count:    redisBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("redis claim failed", zap.Error(err))
			}
			return
		}
		if len(msgs) > 0 {
			t.log.Info("claimed idle messages", zap.Int("count", len(msgs)))
			t.handle(ctx, fn, msgs)
		}
		if next == "0-0" || next == "" {
			return
		}
		cursor = next
	}
}

func (t *RedisTransport) handle(ctx context.Context, fn func(ctx context.Context, msg []byte), msgs []redis.XMessage) {
	for _, m := range msgs {
		if payload, ok := m.Values[redisPayloadField].(string); ok {
			fn(ctx, []byte(payload))
		}
		// Fire-and-forget: acknowledged whether or not handlers succeeded.
		if err := t.client.XAck(ctx, t.cfg.Stream, t.cfg.Group, m.ID).Err(); err != nil {
			t.log.Warn("redis ack failed", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

// Close stops the consumer. The client is left open.
func (t *RedisTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

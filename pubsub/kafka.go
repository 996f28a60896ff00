package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaConfig configures a Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewSaramaConfig returns the client settings shared by the producer and
// the consumer group.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// KafkaTransport publishes with a sync producer and consumes with a
// consumer group. Either side may be nil when the process only sends or
// only receives.
type KafkaTransport struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	log      *zap.Logger

	// retryBackoff is the first delay after a failed Consume. It doubles
	// up to maxRetryBackoff and resets when Consume returns cleanly.
	retryBackoff time.Duration

	mu      sync.RWMutex
	receive func(ctx context.Context, msg []byte)
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const (
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// NewKafkaTransport connects a producer and, when GroupID is set, a
// consumer group.
func NewKafkaTransport(cfg KafkaConfig, log *zap.Logger) (*KafkaTransport, error) {
	saramaConfig := NewSaramaConfig()

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	var group sarama.ConsumerGroup
	if cfg.GroupID != "" {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
		if err != nil {
			_ = producer.Close()
			return nil, fmt.Errorf("kafka consumer group: %w", err)
		}
	}
	return NewKafkaTransportFrom(producer, group, cfg.Topic, log), nil
}

// NewKafkaTransportFrom wraps already constructed clients.
func NewKafkaTransportFrom(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic string, log *zap.Logger) *KafkaTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaTransport{producer: producer, group: group, topic: topic, log: log, retryBackoff: defaultRetryBackoff}
}

func (t *KafkaTransport) Send(_ context.Context, msg []byte) error {
	if t.producer == nil {
		return errors.New("kafka transport: no producer")
	}
	partition, offset, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topic,
		Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", t.topic, err)
	}
	t.log.Debug("kafka message sent",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (t *KafkaTransport) OnReceive(fn func(ctx context.Context, msg []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = fn
}

// Start joins the consumer group and returns once the first session is set
// up.
func (t *KafkaTransport) Start(ctx context.Context) error {
	t.mu.RLock()
	fn := t.receive
	t.mu.RUnlock()
	if fn == nil {
		return errors.New("kafka transport: no receiver")
	}
	if t.group == nil {
		return errors.New("kafka transport: no consumer group")
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	handler := newGroupHandler(fn, t.log)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		backoff := t.retryBackoff
		for {
			err := t.group.Consume(ctx, []string{t.topic}, handler)
			if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err == nil {
				// Rebalance; rejoin right away.
				backoff = t.retryBackoff
				continue
			}
			t.log.Error("kafka consume failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxRetryBackoff)
		}
	}()

	go func() {
		for err := range t.group.Errors() {
			t.log.Error("kafka consumer error", zap.Error(err))
		}
	}()

	select {
	case <-handler.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.log.Info("kafka transport started", zap.String("topic", t.topic))
	return nil
}

// Close stops consuming and closes both clients.
func (t *KafkaTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	var errs []error
	if t.group != nil {
		errs = append(errs, t.group.Close())
	}
	t.wg.Wait()
	if t.producer != nil {
		errs = append(errs, t.producer.Close())
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler. ready is closed by
// the first session setup and never replaced.
type groupHandler struct {
	receive   func(ctx context.Context, msg []byte)
	ready     chan struct{}
	readyOnce sync.Once
	log       *zap.Logger
}

func newGroupHandler(receive func(ctx context.Context, msg []byte), log *zap.Logger) *groupHandler {
	return &groupHandler{receive: receive, ready: make(chan struct{}), log: log}
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.log.Debug("kafka message received",
				zap.Int32("partition", message.Partition),
				zap.Int64("offset", message.Offset))
			h.receive(session.Context(), message.Value)
			// Fire-and-forget: always marked.
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

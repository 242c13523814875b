package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KafkaBus implements EventBus on Kafka. Topics map one-to-one onto Kafka
// topics; the tenant id is the record key, so a tenant's events stay
// ordered within a partition. Each subscription joins a consumer group and
// drops records for other tenants.
type KafkaBus struct {
	mu            sync.Mutex
	cfg           domain.EventBusConfig
	saramaCfg     *sarama.Config
	client        sarama.Client
	producer      sarama.SyncProducer
	subscriptions map[string]*kafkaSubscription
	wg            sync.WaitGroup
	closed        bool
}

type kafkaSubscription struct {
	id       string
	tenantID string
	topic    string
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	bus      *KafkaBus
}

// NewKafkaBus connects a producer to the configured brokers.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.KafkaConsumerGroup == "" {
		cfg.KafkaConsumerGroup = "kestrel"
	}
	if cfg.KafkaClientID == "" {
		cfg.KafkaClientID = "kestrel"
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.KafkaClientID
	sc.Version = sarama.V2_1_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.KafkaBrokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	slog.Info("Kafka connected", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaConsumerGroup)

	return &KafkaBus{
		cfg:           cfg,
		saramaCfg:     sc,
		client:        client,
		producer:      producer,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes a message envelope to the topic, keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(tenantID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Subscribe starts a consumer group session loop for the topic.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	group, err := sarama.NewConsumerGroupFromClient(b.cfg.KafkaConsumerGroup+"."+tenantID+"."+topic, b.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		group:    group,
		cancel:   cancel,
		bus:      b,
	}
	h := &groupHandler{tenantID: tenantID, handler: handler}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		// Consume returns on every rebalance and must be called again.
		for {
			if err := group.Consume(subCtx, []string{topic}, h); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				slog.Error("kafka consume error", "topic", topic, "error", err)
				time.Sleep(300 * time.Millisecond)
			}
			if subCtx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer b.wg.Done()
		for err := range group.Errors() {
			slog.Error("kafka consumer group error", "topic", topic, "error", err)
		}
	}()

	b.subscriptions[sub.id] = sub
	return sub, nil
}

// Request is not supported on Kafka.
func (b *KafkaBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("request-reply is not supported on the kafka bus")
}

// Ping refreshes cluster metadata.
func (b *KafkaBus) Ping(ctx context.Context) error {
	if b.client.Closed() {
		return fmt.Errorf("kafka client closed")
	}
	return b.client.RefreshMetadata()
}

// Close stops all subscriptions and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()

	if err := b.producer.Close(); err != nil {
		return err
	}
	if b.client.Closed() {
		return nil
	}
	return b.client.Close()
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	_ = s.group.Close()
}

// Unsubscribe stops the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}

type groupHandler struct {
	tenantID string
	handler  domain.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if string(rec.Key) == h.tenantID {
				h.dispatch(sess.Context(), rec)
			}
			sess.MarkMessage(rec, "")
		}
	}
}

func (h *groupHandler) dispatch(ctx context.Context, rec *sarama.ConsumerMessage) {
	var msg domain.Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		slog.Error("failed to unmarshal Kafka message",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return
	}
	if err := h.handler(ctx, &msg); err != nil {
		slog.Error("handler error",
			"topic", rec.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

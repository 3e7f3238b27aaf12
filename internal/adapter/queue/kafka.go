package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// KafkaQueue implements MessageQueue with a sync producer and one consumer
// group per subscription.
type KafkaQueue struct {
	client   sarama.Client
	producer sarama.SyncProducer
	groupID  string
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	groups   []sarama.ConsumerGroup
	wg       sync.WaitGroup
	log      *zap.Logger
}

func NewKafkaQueue(cfg KafkaConfig, log *zap.Logger) (MessageQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "sigec-ocpp"
	}

	sc := sarama.NewConfig()
	sc.ClientID = "sigec-ocpp"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.Info("Successfully connected to Kafka", zap.Strings("brokers", cfg.Brokers))
	return &KafkaQueue{
		client:   client,
		producer: producer,
		groupID:  cfg.GroupID,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}, nil
}

func (q *KafkaQueue) Publish(subject string, data []byte) error {
	_, _, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: subject,
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka: publish: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Subscribe(subject string, handler func(data []byte) error) error {
	group, err := sarama.NewConsumerGroupFromClient(q.groupID, q.client)
	if err != nil {
		return fmt.Errorf("kafka: consumer group: %w", err)
	}

	q.mu.Lock()
	q.groups = append(q.groups, group)
	q.mu.Unlock()

	h := &groupHandler{subject: subject, handler: handler, log: q.log}
	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		for err := range group.Errors() {
			q.log.Error("Kafka consumer error", zap.String("topic", subject), zap.Error(err))
		}
	}()
	go func() {
		defer q.wg.Done()
		for {
			if err := group.Consume(q.ctx, []string{subject}, h); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				q.log.Error("Kafka consume failed", zap.String("topic", subject), zap.Error(err))
			}
			if q.ctx.Err() != nil {
				return
			}
		}
	}()

	q.log.Info("Subscribed to Kafka topic", zap.String("topic", subject))
	return nil
}

func (q *KafkaQueue) Ping() error {
	if q.client.Closed() {
		return errors.New("kafka: client closed")
	}
	if len(q.client.Brokers()) == 0 {
		return errors.New("kafka: no brokers available")
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	q.cancel()
	q.mu.Lock()
	for _, g := range q.groups {
		g.Close()
	}
	q.mu.Unlock()
	q.wg.Wait()

	var errs []error
	if err := q.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if !q.client.Closed() {
		if err := q.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	subject string
	handler func([]byte) error
	log     *zap.Logger
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(msg.Value); err != nil {
			h.log.Error("Error processing message", zap.String("topic", h.subject), zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

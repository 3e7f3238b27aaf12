package queue

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MessageQueue defines the interface for a message queue adapter
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Ping() error
	Close() error
}

// Supported providers.
const (
	ProviderNone     = "none"
	ProviderNATS     = "nats"
	ProviderRabbitMQ = "rabbitmq"
	ProviderMQTT     = "mqtt"
	ProviderKafka    = "kafka"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// Config selects and configures one provider.
type Config struct {
	Provider    string
	NATSURL     string
	RabbitMQURL string
	MQTT        MQTTConfig
	Kafka       KafkaConfig
}

// New connects to the configured provider. "none" or an empty provider
// yields an in-process queue.
func New(cfg Config, log *zap.Logger) (MessageQueue, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		log.Info("Using in-process message queue")
		return NewMemoryQueue(log), nil
	case ProviderNATS:
		return NewNATSQueue(cfg.NATSURL, log)
	case ProviderRabbitMQ:
		return NewRabbitMQQueue(cfg.RabbitMQURL, log)
	case ProviderMQTT:
		return NewMQTTQueue(cfg.MQTT, 10*time.Second, log)
	case ProviderKafka:
		return NewKafkaQueue(cfg.Kafka, log)
	default:
		return nil, fmt.Errorf("unknown events provider %q", cfg.Provider)
	}
}

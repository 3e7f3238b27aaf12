package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTQueue implements MessageQueue over an MQTT broker. Subjects map to
// topics with dots replaced by slashes.
type MQTTQueue struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	mu      sync.Mutex
	subs    map[string]mqtt.MessageHandler
	log     *zap.Logger
}

func NewMQTTQueue(cfg MQTTConfig, timeout time.Duration, log *zap.Logger) (MessageQueue, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sigec-ocpp"
	}

	q := &MQTTQueue{
		qos:     cfg.QoS,
		timeout: timeout,
		subs:    make(map[string]mqtt.MessageHandler),
		log:     log,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("MQTT client connected", zap.String("broker", cfg.Broker))
		q.resubscribe(c)
	})

	q.client = mqtt.NewClient(opts)
	token := q.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker: timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return q, nil
}

func topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (q *MQTTQueue) Publish(subject string, data []byte) error {
	token := q.client.Publish(topic(subject), q.qos, false, data)
	if !token.WaitTimeout(q.timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", subject)
	}
	return token.Error()
}

func (q *MQTTQueue) Subscribe(subject string, handler func(data []byte) error) error {
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Payload()); err != nil {
			q.log.Error("Error processing message", zap.String("subject", subject), zap.Error(err))
		}
	}

	q.mu.Lock()
	q.subs[topic(subject)] = cb
	q.mu.Unlock()

	token := q.client.Subscribe(topic(subject), q.qos, cb)
	if !token.WaitTimeout(q.timeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", subject)
	}
	return token.Error()
}

func (q *MQTTQueue) resubscribe(c mqtt.Client) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t, cb := range q.subs {
		c.Subscribe(t, q.qos, cb)
	}
}

func (q *MQTTQueue) Ping() error {
	if !q.client.IsConnectionOpen() {
		return errors.New("mqtt: not connected")
	}
	return nil
}

func (q *MQTTQueue) Close() error {
	q.client.Disconnect(250)
	return nil
}

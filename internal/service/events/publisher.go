package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/adapter/queue"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// Envelope is the JSON document put on the queue for every domain event.
type Envelope struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Publisher implements ports.EventPublisher over a message queue. Publishing
// is best effort: failures are logged and counted, never fatal to the caller.
type Publisher struct {
	queue queue.MessageQueue
	log   *zap.Logger
}

func NewPublisher(q queue.MessageQueue, log *zap.Logger) ports.EventPublisher {
	return &Publisher{queue: q, log: log}
}

func (p *Publisher) Publish(ctx context.Context, subject string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		telemetry.EventsPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		telemetry.EventsPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("marshal %s envelope: %w", subject, err)
	}

	if err := p.queue.Publish(subject, body); err != nil {
		telemetry.EventsPublished.WithLabelValues(subject, "error").Inc()
		p.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
		return err
	}
	telemetry.EventsPublished.WithLabelValues(subject, "ok").Inc()
	return nil
}

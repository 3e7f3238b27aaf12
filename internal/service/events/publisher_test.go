package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/mocks"
)

func TestPublisher_WrapsEventInEnvelope(t *testing.T) {
	q := mocks.NewMockMessageQueue()
	p := NewPublisher(q, zap.NewNop())

	err := p.Publish(context.Background(), domain.SubjectChargerStatus, domain.ChargerStatusEvent{
		ChargerID: "CP1",
		From:      domain.ChargerStateBooted,
		To:        domain.ChargerStateIdle,
	})
	require.NoError(t, err)

	msgs := q.GetPublishedMessages(domain.SubjectChargerStatus)
	require.Len(t, msgs, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, domain.SubjectChargerStatus, env.Subject)
	assert.NotEmpty(t, env.ID)

	var ev domain.ChargerStatusEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "CP1", ev.ChargerID)
	assert.Equal(t, domain.ChargerStateIdle, ev.To)
}

func TestPublisher_QueueFailure(t *testing.T) {
	q := mocks.NewMockMessageQueue()
	q.PublishFunc = func(string, []byte) error { return errors.New("broker down") }
	p := NewPublisher(q, zap.NewNop())

	err := p.Publish(context.Background(), domain.SubjectTransactionStarted, map[string]int{"id": 1})
	assert.Error(t, err)
}

func TestPublisher_UnencodableEvent(t *testing.T) {
	p := NewPublisher(mocks.NewMockMessageQueue(), zap.NewNop())
	err := p.Publish(context.Background(), "x", make(chan int))
	assert.Error(t, err)
}

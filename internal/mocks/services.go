package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// PublishedEvent is one call recorded by MockEventPublisher.
type PublishedEvent struct {
	Subject string
	Event   interface{}
}

type MockEventPublisher struct {
	mu          sync.Mutex
	Events      []PublishedEvent
	PublishFunc func(ctx context.Context, subject string, event interface{}) error
}

func (m *MockEventPublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, subject, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, PublishedEvent{Subject: subject, Event: event})
	return nil
}

// Subjects returns the subjects published so far, in order.
func (m *MockEventPublisher) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Subject
	}
	return out
}

type MockConnectionEvictor struct {
	mu        sync.Mutex
	Evicted   []string
	EvictFunc func(chargerID string, cause error) bool
}

func (m *MockConnectionEvictor) Evict(chargerID string, cause error) bool {
	if m.EvictFunc != nil {
		return m.EvictFunc(chargerID, cause)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Evicted = append(m.Evicted, chargerID)
	return true
}

func (m *MockConnectionEvictor) EvictedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Evicted...)
}

type MockAuthorizer struct {
	AuthorizeFunc func(ctx context.Context, requiresAuth bool, idTag string) (domain.AuthorizationStatus, error)
}

func (m *MockAuthorizer) Authorize(ctx context.Context, requiresAuth bool, idTag string) (domain.AuthorizationStatus, error) {
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, requiresAuth, idTag)
	}
	return domain.AuthorizationAccepted, nil
}

// SentCommand is one call recorded by MockCommandSender.
type SentCommand struct {
	ChargerID string
	Action    string
	Payload   interface{}
	Timeout   time.Duration
}

type MockCommandSender struct {
	mu       sync.Mutex
	Sent     []SentCommand
	SendFunc func(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (*ports.CommandReply, error)
}

func (m *MockCommandSender) Send(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (*ports.CommandReply, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, SentCommand{ChargerID: chargerID, Action: action, Payload: payload, Timeout: timeout})
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, chargerID, action, payload, timeout)
	}
	return &ports.CommandReply{CorrelationID: "mock", Payload: []byte(`{"status":"Accepted"}`)}, nil
}

// Calls returns a copy of the recorded commands.
func (m *MockCommandSender) Calls() []SentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentCommand(nil), m.Sent...)
}

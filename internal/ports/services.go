package ports

import (
	"context"
	"time"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}

// EventPublisher fans domain events out to the configured message queue.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event interface{}) error
}

// ChargerLifecycle is the state machine surface the protocol handlers and the
// transaction manager drive. Callers must hold the charger's lock. Returned
// errors other than ErrChargerNotFound are persistence warnings: the in-memory
// state has already moved.
type ChargerLifecycle interface {
	Seen(id, path string) *domain.Charger
	Touch(id string)
	Boot(ctx context.Context, id string, info BootInfo) (*domain.Charger, error)
	Heartbeat(ctx context.Context, id string, hasOpenTx bool) (*domain.Charger, error)
	Status(ctx context.Context, id string, connectorID int, status domain.ConnectorStatus, hasOpenTx bool) (*domain.Charger, error)
	MarkCharging(ctx context.Context, id string) error
	MarkIdle(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	UpdateSnapshot(ctx context.Context, id string, samples []domain.MeterSample) error
	Get(id string) (*domain.Charger, bool)
}

// BootInfo is what a charger announces about itself on boot.
type BootInfo struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// Authorizer decides whether a token may be used on a charger.
type Authorizer interface {
	Authorize(ctx context.Context, requiresAuth bool, idTag string) (domain.AuthorizationStatus, error)
}

// ConnectionEvictor closes and forgets the live connection of a charger.
type ConnectionEvictor interface {
	Evict(chargerID string, cause error) bool
}

// CommandSender pushes a request to a connected charger and waits for the reply.
type CommandSender interface {
	Send(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (*CommandReply, error)
}

// CommandReply is either a result payload or a protocol error returned by the charger.
type CommandReply struct {
	CorrelationID    string
	Payload          []byte
	ErrorCode        string
	ErrorDescription string
}

func (r *CommandReply) IsError() bool {
	return r.ErrorCode != ""
}

package ports

import (
	"context"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// PersistenceGateway is the durable store the core writes through. Calls are
// synchronous and made while the caller holds the charger's lock.
type PersistenceGateway interface {
	UpsertCharger(ctx context.Context, c *domain.Charger) error
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	CloseTransaction(ctx context.Context, tx *domain.Transaction) error
	InsertMeterReading(ctx context.Context, r *domain.MeterReading) error
	QueryAuthorization(ctx context.Context, idTag string) (domain.AllowListResult, error)

	// Startup recovery and read-out
	ListChargers(ctx context.Context) ([]domain.Charger, error)
	ListOpenTransactions(ctx context.Context) ([]domain.Transaction, error)
	FindTransaction(ctx context.Context, id int) (*domain.Transaction, error)
	MaxTransactionID(ctx context.Context) (int, error)
	ListMeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error)

	Ping(ctx context.Context) error
}

// MeterSink receives a copy of every persisted meter reading. It is a
// best-effort side channel and never fails the caller.
type MeterSink interface {
	WriteReading(r domain.MeterReading)
	Close()
}

package ports

import (
	"context"
	"time"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// TransactionManager owns session lifecycle. Callers must hold the charger's lock.
type TransactionManager interface {
	StartTransaction(ctx context.Context, req StartRequest) (*StartResult, error)
	StopTransaction(ctx context.Context, req StopRequest) (*StopResult, error)
	RecordMeterValues(ctx context.Context, req MeterValuesRequest) (*MeterResult, error)
	HasOpenTransaction(chargerID string) bool
	OpenTransaction(chargerID string, connectorID int) (*domain.Transaction, bool)
}

type StartRequest struct {
	ChargerID   string
	ConnectorID int
	IDTag       string
	MeterStart  int
	Timestamp   time.Time
}

// StartResult is either an accepted session or a rejection. Reason is
// ErrNotAuthorized or ErrConcurrentTransaction when Rejected is set.
type StartResult struct {
	TransactionID int
	Status        domain.AuthorizationStatus
	Rejected      bool
	Reason        error
	Transaction   *domain.Transaction
	Warning       error
}

type StopRequest struct {
	ChargerID     string
	TransactionID int
	IDTag         string
	MeterStop     int
	Timestamp     time.Time
	Reason        string
	Samples       []domain.MeterSample
}

type StopResult struct {
	Transaction     *domain.Transaction
	EnergyDelivered int
	AlreadyClosed   bool
	NegativeEnergy  bool
	Warning         error
}

type MeterValuesRequest struct {
	ChargerID     string
	ConnectorID   int
	TransactionID *int // as reported by the charger, informational only
	Samples       []domain.MeterSample
}

type MeterResult struct {
	TransactionID *int
	Recorded      int
	Warning       error
}

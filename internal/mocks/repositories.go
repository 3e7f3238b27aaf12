package mocks

import (
	"context"
	"sync"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// MockPersistenceGateway is a mock implementation of PersistenceGateway.
// Unset funcs succeed and record the call.
type MockPersistenceGateway struct {
	mu sync.Mutex

	UpsertChargerFunc        func(ctx context.Context, c *domain.Charger) error
	CreateTransactionFunc    func(ctx context.Context, tx *domain.Transaction) error
	CloseTransactionFunc     func(ctx context.Context, tx *domain.Transaction) error
	InsertMeterReadingFunc   func(ctx context.Context, r *domain.MeterReading) error
	QueryAuthorizationFunc   func(ctx context.Context, idTag string) (domain.AllowListResult, error)
	ListChargersFunc         func(ctx context.Context) ([]domain.Charger, error)
	ListOpenTransactionsFunc func(ctx context.Context) ([]domain.Transaction, error)
	FindTransactionFunc      func(ctx context.Context, id int) (*domain.Transaction, error)
	MaxTransactionIDFunc     func(ctx context.Context) (int, error)
	ListMeterReadingsFunc    func(ctx context.Context, transactionID int) ([]domain.MeterReading, error)
	PingFunc                 func(ctx context.Context) error

	UpsertedChargers   []domain.Charger
	CreatedTxs         []domain.Transaction
	ClosedTxs          []domain.Transaction
	InsertedReadings   []domain.MeterReading
	AuthorizationCalls int
}

func (m *MockPersistenceGateway) UpsertCharger(ctx context.Context, c *domain.Charger) error {
	if m.UpsertChargerFunc != nil {
		return m.UpsertChargerFunc(ctx, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertedChargers = append(m.UpsertedChargers, *c.Clone())
	return nil
}

func (m *MockPersistenceGateway) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if m.CreateTransactionFunc != nil {
		return m.CreateTransactionFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedTxs = append(m.CreatedTxs, *tx.Clone())
	return nil
}

func (m *MockPersistenceGateway) CloseTransaction(ctx context.Context, tx *domain.Transaction) error {
	if m.CloseTransactionFunc != nil {
		return m.CloseTransactionFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosedTxs = append(m.ClosedTxs, *tx.Clone())
	return nil
}

func (m *MockPersistenceGateway) InsertMeterReading(ctx context.Context, r *domain.MeterReading) error {
	if m.InsertMeterReadingFunc != nil {
		return m.InsertMeterReadingFunc(ctx, r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertedReadings = append(m.InsertedReadings, *r)
	return nil
}

func (m *MockPersistenceGateway) QueryAuthorization(ctx context.Context, idTag string) (domain.AllowListResult, error) {
	m.mu.Lock()
	m.AuthorizationCalls++
	m.mu.Unlock()
	if m.QueryAuthorizationFunc != nil {
		return m.QueryAuthorizationFunc(ctx, idTag)
	}
	return domain.AllowListAbsent, nil
}

func (m *MockPersistenceGateway) ListChargers(ctx context.Context) ([]domain.Charger, error) {
	if m.ListChargersFunc != nil {
		return m.ListChargersFunc(ctx)
	}
	return nil, nil
}

func (m *MockPersistenceGateway) ListOpenTransactions(ctx context.Context) ([]domain.Transaction, error) {
	if m.ListOpenTransactionsFunc != nil {
		return m.ListOpenTransactionsFunc(ctx)
	}
	return nil, nil
}

func (m *MockPersistenceGateway) FindTransaction(ctx context.Context, id int) (*domain.Transaction, error) {
	if m.FindTransactionFunc != nil {
		return m.FindTransactionFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockPersistenceGateway) MaxTransactionID(ctx context.Context) (int, error) {
	if m.MaxTransactionIDFunc != nil {
		return m.MaxTransactionIDFunc(ctx)
	}
	return 0, nil
}

func (m *MockPersistenceGateway) ListMeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error) {
	if m.ListMeterReadingsFunc != nil {
		return m.ListMeterReadingsFunc(ctx, transactionID)
	}
	return nil, nil
}

func (m *MockPersistenceGateway) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// LastCharger returns the most recently upserted charger with the given id.
func (m *MockPersistenceGateway) LastCharger(id string) (domain.Charger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.UpsertedChargers) - 1; i >= 0; i-- {
		if m.UpsertedChargers[i].ID == id {
			return m.UpsertedChargers[i], true
		}
	}
	return domain.Charger{}, false
}

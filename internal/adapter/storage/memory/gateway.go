// Package memory is a process-local persistence gateway for development and
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

type Gateway struct {
	mu           sync.RWMutex
	chargers     map[string]*domain.Charger
	transactions map[int]*domain.Transaction
	readings     []domain.MeterReading
	allowList    map[string]bool
}

func NewGateway() *Gateway {
	return &Gateway{
		chargers:     make(map[string]*domain.Charger),
		transactions: make(map[int]*domain.Transaction),
		allowList:    make(map[string]bool),
	}
}

// SetAuthorization adds or replaces an allow-list entry.
func (g *Gateway) SetAuthorization(idTag string, allowed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowList[idTag] = allowed
}

func (g *Gateway) UpsertCharger(ctx context.Context, c *domain.Charger) error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargers[c.ID] = c.Clone()
	return nil
}

func (g *Gateway) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[tx.ID] = tx.Clone()
	return nil
}

// CloseTransaction stores the closed transaction, creating it if the create
// never made it through.
func (g *Gateway) CloseTransaction(ctx context.Context, tx *domain.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[tx.ID] = tx.Clone()
	return nil
}

func (g *Gateway) InsertMeterReading(ctx context.Context, r *domain.MeterReading) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	reading := *r
	if r.TransactionID != nil {
		id := *r.TransactionID
		reading.TransactionID = &id
	}
	g.readings = append(g.readings, reading)
	return nil
}

func (g *Gateway) QueryAuthorization(ctx context.Context, idTag string) (domain.AllowListResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	allowed, ok := g.allowList[idTag]
	switch {
	case !ok:
		return domain.AllowListAbsent, nil
	case allowed:
		return domain.AllowListAllowed, nil
	default:
		return domain.AllowListDisallowed, nil
	}
}

func (g *Gateway) ListChargers(ctx context.Context) ([]domain.Charger, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Charger, 0, len(g.chargers))
	for _, c := range g.chargers {
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) ListOpenTransactions(ctx context.Context) ([]domain.Transaction, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range g.transactions {
		if tx.IsOpen() {
			out = append(out, *tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) FindTransaction(ctx context.Context, id int) (*domain.Transaction, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tx, ok := g.transactions[id]
	if !ok {
		return nil, nil
	}
	return tx.Clone(), nil
}

func (g *Gateway) MaxTransactionID(ctx context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	max := 0
	for id := range g.transactions {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (g *Gateway) ListMeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.MeterReading
	for _, r := range g.readings {
		if r.TransactionID != nil && *r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	domain.SortReadings(out)
	return out, nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	return nil
}

// Charger returns the stored copy of a charger.
func (g *Gateway) Charger(id string) (*domain.Charger, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.chargers[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// RetryPolicy bounds the retries of a single gateway call.
type RetryPolicy struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Gateway decorates a persistence gateway with bounded exponential retries
// inside a circuit breaker. Only transient store failures are retried and
// counted by the breaker; an error about one record fails that call alone.
// A call that still fails returns an error wrapping domain.ErrPersistence.
type Gateway struct {
	next    ports.PersistenceGateway
	breaker *gobreaker.CircuitBreaker
	retry   RetryPolicy
	log     *zap.Logger
}

func NewGateway(next ports.PersistenceGateway, settings Settings, retry RetryPolicy, log *zap.Logger) *Gateway {
	if settings.Name == "" {
		settings.Name = "persistence"
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool { return !IsTransient(err) }
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = DefaultRetryPolicy().InitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = DefaultRetryPolicy().MaxBackoff
	}
	return &Gateway{
		next:    next,
		breaker: New(settings, log),
		retry:   retry,
		log:     log,
	}
}

// State reports the breaker state for readiness checks.
func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialBackoff
	b.MaxInterval = g.retry.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, g.retry.MaxRetries), ctx)
}

func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, backoff.RetryNotify(
			func() error {
				err := fn(ctx)
				if err != nil && !IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			},
			g.newBackOff(ctx),
			func(err error, wait time.Duration) {
				g.log.Debug("Retrying persistence call",
					zap.String("operation", op),
					zap.Duration("wait", wait),
					zap.Error(err),
				)
			},
		)
	})
	telemetry.DatabaseLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.PersistenceFailures.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
	}
	return nil
}

func (g *Gateway) UpsertCharger(ctx context.Context, c *domain.Charger) error {
	return g.do(ctx, "upsert_charger", func(ctx context.Context) error {
		return g.next.UpsertCharger(ctx, c)
	})
}

func (g *Gateway) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return g.do(ctx, "create_transaction", func(ctx context.Context) error {
		return g.next.CreateTransaction(ctx, tx)
	})
}

func (g *Gateway) CloseTransaction(ctx context.Context, tx *domain.Transaction) error {
	return g.do(ctx, "close_transaction", func(ctx context.Context) error {
		return g.next.CloseTransaction(ctx, tx)
	})
}

func (g *Gateway) InsertMeterReading(ctx context.Context, r *domain.MeterReading) error {
	return g.do(ctx, "insert_meter_reading", func(ctx context.Context) error {
		return g.next.InsertMeterReading(ctx, r)
	})
}

func (g *Gateway) QueryAuthorization(ctx context.Context, idTag string) (domain.AllowListResult, error) {
	var out domain.AllowListResult
	err := g.do(ctx, "query_authorization", func(ctx context.Context) error {
		var err error
		out, err = g.next.QueryAuthorization(ctx, idTag)
		return err
	})
	return out, err
}

func (g *Gateway) ListChargers(ctx context.Context) ([]domain.Charger, error) {
	var out []domain.Charger
	err := g.do(ctx, "list_chargers", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListChargers(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) ListOpenTransactions(ctx context.Context) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := g.do(ctx, "list_open_transactions", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListOpenTransactions(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) FindTransaction(ctx context.Context, id int) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := g.do(ctx, "find_transaction", func(ctx context.Context) error {
		var err error
		out, err = g.next.FindTransaction(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) MaxTransactionID(ctx context.Context) (int, error) {
	var out int
	err := g.do(ctx, "max_transaction_id", func(ctx context.Context) error {
		var err error
		out, err = g.next.MaxTransactionID(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) ListMeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error) {
	var out []domain.MeterReading
	err := g.do(ctx, "list_meter_readings", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListMeterReadings(ctx, transactionID)
		return err
	})
	return out, err
}

// Ping bypasses retries and the breaker so health checks see the raw state.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

package transaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// closedRetention bounds how long a closed transaction is answered from memory
// when a charger retries its stop.
const closedRetention = 30 * time.Minute

type connectorKey struct {
	chargerID   string
	connectorID int
}

// Service is the transaction manager. It keeps open transactions in memory and
// writes every change through the persistence gateway.
type Service struct {
	gateway ports.PersistenceGateway
	devices ports.ChargerLifecycle
	auth    ports.Authorizer
	events  ports.EventPublisher
	sink    ports.MeterSink
	log     *zap.Logger

	seq *atomic.Int64

	mu          sync.Mutex
	open        map[int]*domain.Transaction
	byConnector map[connectorKey]int
	closed      *gocache.Cache
}

func NewService(gateway ports.PersistenceGateway, devices ports.ChargerLifecycle, auth ports.Authorizer, events ports.EventPublisher, sink ports.MeterSink, log *zap.Logger) *Service {
	return &Service{
		gateway:     gateway,
		devices:     devices,
		auth:        auth,
		events:      events,
		sink:        sink,
		log:         log,
		seq:         atomic.NewInt64(0),
		open:        make(map[int]*domain.Transaction),
		byConnector: make(map[connectorKey]int),
		closed:      gocache.New(closedRetention, closedRetention/2),
	}
}

// Restore seeds the id sequence and reloads open transactions.
func (s *Service) Restore(ctx context.Context) (int, error) {
	maxID, err := s.gateway.MaxTransactionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("max transaction id: %w", err)
	}
	open, err := s.gateway.ListOpenTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open transactions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range open {
		tx := open[i]
		if tx.ID > maxID {
			maxID = tx.ID
		}
		key := connectorKey{tx.ChargerID, tx.ConnectorID}
		if prev, ok := s.byConnector[key]; ok {
			s.log.Warn("Multiple open transactions on one connector, keeping the newest",
				zap.String("charge_point_id", tx.ChargerID),
				zap.Int("connector_id", tx.ConnectorID),
				zap.Int("kept", max(prev, tx.ID)),
			)
			if prev > tx.ID {
				continue
			}
			delete(s.open, prev)
		}
		s.open[tx.ID] = &tx
		s.byConnector[key] = tx.ID
	}
	s.seq.Store(int64(maxID))
	telemetry.ActiveChargingSessions.Set(float64(len(s.open)))

	s.log.Info("Transactions restored",
		zap.Int("open", len(s.open)),
		zap.Int("max_transaction_id", maxID),
	)
	return len(s.open), nil
}

func (s *Service) StartTransaction(ctx context.Context, req ports.StartRequest) (*ports.StartResult, error) {
	charger, ok := s.devices.Get(req.ChargerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChargerNotFound, req.ChargerID)
	}
	key := connectorKey{req.ChargerID, req.ConnectorID}

	// Concurrency is checked before the token so a busy connector always
	// reports ConcurrentTx.
	s.mu.Lock()
	existing, busy := s.byConnector[key]
	s.mu.Unlock()
	if busy {
		s.log.Info("StartTransaction rejected, connector busy",
			zap.String("charge_point_id", req.ChargerID),
			zap.Int("connector_id", req.ConnectorID),
			zap.Int("open_transaction_id", existing),
		)
		telemetry.TransactionsTotal.WithLabelValues("start", "concurrent").Inc()
		return &ports.StartResult{
			Status:   domain.AuthorizationConcurrentTx,
			Rejected: true,
			Reason:   domain.ErrConcurrentTransaction,
		}, nil
	}

	status, err := s.auth.Authorize(ctx, charger.AuthorizationRequired, req.IDTag)
	if err != nil {
		s.log.Warn("Authorization failed during StartTransaction",
			zap.String("charge_point_id", req.ChargerID),
			zap.Error(err),
		)
	}
	if status != domain.AuthorizationAccepted {
		telemetry.TransactionsTotal.WithLabelValues("start", "not_authorized").Inc()
		return &ports.StartResult{
			Status:   status,
			Rejected: true,
			Reason:   domain.ErrNotAuthorized,
		}, nil
	}

	startedAt := req.Timestamp
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	tx := &domain.Transaction{
		ID:          int(s.seq.Inc()),
		ChargerID:   req.ChargerID,
		ConnectorID: req.ConnectorID,
		IDTag:       req.IDTag,
		MeterStart:  req.MeterStart,
		StartedAt:   startedAt,
		Status:      domain.TransactionStatusOpen,
	}

	s.mu.Lock()
	s.open[tx.ID] = tx
	s.byConnector[key] = tx.ID
	active := len(s.open)
	s.mu.Unlock()
	telemetry.ActiveChargingSessions.Set(float64(active))

	var warnings []error
	if err := s.devices.MarkCharging(ctx, req.ChargerID); err != nil {
		warnings = append(warnings, err)
	}
	if err := s.gateway.CreateTransaction(ctx, tx.Clone()); err != nil {
		s.log.Warn("Failed to persist new transaction",
			zap.Int("transaction_id", tx.ID),
			zap.Error(err),
		)
		warnings = append(warnings, persistenceError("create transaction", err))
	}

	s.log.Info("Transaction started",
		zap.String("charge_point_id", req.ChargerID),
		zap.Int("connector_id", req.ConnectorID),
		zap.Int("transaction_id", tx.ID),
		zap.Int("meter_start", req.MeterStart),
	)
	telemetry.TransactionsTotal.WithLabelValues("start", "accepted").Inc()
	s.publish(ctx, domain.SubjectTransactionStarted, domain.TransactionEvent{Transaction: *tx.Clone()})

	return &ports.StartResult{
		TransactionID: tx.ID,
		Status:        domain.AuthorizationAccepted,
		Transaction:   tx.Clone(),
		Warning:       errors.Join(warnings...),
	}, nil
}

// StopTransaction closes an open transaction of the charger. Repeating the stop
// of an already closed transaction returns it unchanged.
func (s *Service) StopTransaction(ctx context.Context, req ports.StopRequest) (*ports.StopResult, error) {
	s.mu.Lock()
	tx, ok := s.open[req.TransactionID]
	if ok && tx.ChargerID != req.ChargerID {
		ok = false
	}
	if ok {
		delete(s.open, tx.ID)
		delete(s.byConnector, connectorKey{tx.ChargerID, tx.ConnectorID})
	}
	active := len(s.open)
	s.mu.Unlock()

	if !ok {
		return s.replayStop(ctx, req)
	}
	telemetry.ActiveChargingSessions.Set(float64(active))

	stoppedAt := req.Timestamp
	if stoppedAt.IsZero() {
		stoppedAt = time.Now().UTC()
	}
	energy := tx.Close(req.MeterStop, stoppedAt, req.Reason)
	result := &ports.StopResult{EnergyDelivered: energy}

	if energy < 0 {
		result.NegativeEnergy = true
		telemetry.NegativeEnergyTotal.Inc()
		s.log.Warn("Negative energy delivered, meter stop below meter start",
			zap.String("charge_point_id", tx.ChargerID),
			zap.Int("transaction_id", tx.ID),
			zap.Int("meter_start", tx.MeterStart),
			zap.Int("meter_stop", req.MeterStop),
		)
	} else {
		telemetry.EnergyDeliveredTotal.Add(float64(energy))
	}

	var warnings []error
	if len(req.Samples) > 0 {
		id := tx.ID
		if _, err := s.persistSamples(ctx, tx.ChargerID, tx.ConnectorID, &id, req.Samples); err != nil {
			warnings = append(warnings, err)
		}
	}
	if !s.HasOpenTransaction(tx.ChargerID) {
		if err := s.devices.MarkIdle(ctx, tx.ChargerID); err != nil {
			warnings = append(warnings, err)
		}
	}
	if err := s.gateway.CloseTransaction(ctx, tx.Clone()); err != nil {
		s.log.Warn("Failed to persist closed transaction",
			zap.Int("transaction_id", tx.ID),
			zap.Error(err),
		)
		warnings = append(warnings, persistenceError("close transaction", err))
	}

	s.closed.SetDefault(strconv.Itoa(tx.ID), tx.Clone())

	s.log.Info("Transaction stopped",
		zap.String("charge_point_id", tx.ChargerID),
		zap.Int("transaction_id", tx.ID),
		zap.Int("energy_delivered_wh", energy),
		zap.String("reason", req.Reason),
	)
	telemetry.TransactionsTotal.WithLabelValues("stop", "closed").Inc()
	s.publish(ctx, domain.SubjectTransactionStopped, domain.TransactionEvent{
		Transaction:    *tx.Clone(),
		NegativeEnergy: result.NegativeEnergy,
	})

	result.Transaction = tx.Clone()
	result.Warning = errors.Join(warnings...)
	return result, nil
}

// replayStop answers a stop for a transaction that is not open here: either a
// retried stop of a closed transaction, or an unknown id.
func (s *Service) replayStop(ctx context.Context, req ports.StopRequest) (*ports.StopResult, error) {
	var closed *domain.Transaction
	if v, ok := s.closed.Get(strconv.Itoa(req.TransactionID)); ok {
		closed = v.(*domain.Transaction)
	} else {
		found, err := s.gateway.FindTransaction(ctx, req.TransactionID)
		if err != nil {
			s.log.Warn("Failed to look up transaction for stop",
				zap.Int("transaction_id", req.TransactionID),
				zap.Error(err),
			)
		}
		closed = found
	}

	if closed == nil || closed.ChargerID != req.ChargerID || closed.IsOpen() {
		telemetry.TransactionsTotal.WithLabelValues("stop", "not_found").Inc()
		return nil, fmt.Errorf("%w: %d on %s", domain.ErrTransactionNotFound, req.TransactionID, req.ChargerID)
	}

	s.log.Info("Repeated stop for closed transaction",
		zap.String("charge_point_id", req.ChargerID),
		zap.Int("transaction_id", req.TransactionID),
	)
	telemetry.TransactionsTotal.WithLabelValues("stop", "replayed").Inc()
	return &ports.StopResult{
		Transaction:     closed.Clone(),
		EnergyDelivered: closed.EnergyDelivered,
		AlreadyClosed:   true,
		NegativeEnergy:  closed.EnergyDelivered < 0,
	}, nil
}

// RecordMeterValues stores the samples, linked to the connector's open
// transaction when there is one, and replaces the charger's snapshot.
func (s *Service) RecordMeterValues(ctx context.Context, req ports.MeterValuesRequest) (*ports.MeterResult, error) {
	var linked *int
	if tx, ok := s.OpenTransaction(req.ChargerID, req.ConnectorID); ok {
		id := tx.ID
		linked = &id
	}
	if req.TransactionID != nil && (linked == nil || *req.TransactionID != *linked) {
		s.log.Debug("Reported transaction id does not match the connector's open transaction",
			zap.String("charge_point_id", req.ChargerID),
			zap.Int("reported_transaction_id", *req.TransactionID),
		)
	}

	var warnings []error
	recorded, err := s.persistSamples(ctx, req.ChargerID, req.ConnectorID, linked, req.Samples)
	if err != nil {
		warnings = append(warnings, err)
	}
	if err := s.devices.UpdateSnapshot(ctx, req.ChargerID, req.Samples); err != nil {
		warnings = append(warnings, err)
	}

	s.publish(ctx, domain.SubjectMeterValues, domain.MeterValuesEvent{
		ChargerID:     req.ChargerID,
		ConnectorID:   req.ConnectorID,
		TransactionID: linked,
		Samples:       req.Samples,
	})

	return &ports.MeterResult{
		TransactionID: linked,
		Recorded:      recorded,
		Warning:       errors.Join(warnings...),
	}, nil
}

func (s *Service) persistSamples(ctx context.Context, chargerID string, connectorID int, txID *int, samples []domain.MeterSample) (int, error) {
	ordered := append([]domain.MeterSample(nil), samples...)
	domain.SortSamples(ordered)

	recorded := 0
	var errs []error
	for _, sample := range ordered {
		r := domain.MeterReading{
			TransactionID: txID,
			ChargerID:     chargerID,
			ConnectorID:   connectorID,
			Timestamp:     sample.Timestamp,
			Measurand:     sample.Measurand,
			Value:         sample.Value,
			Unit:          sample.Unit,
		}
		if err := s.gateway.InsertMeterReading(ctx, &r); err != nil {
			errs = append(errs, persistenceError("insert meter reading", err))
			continue
		}
		recorded++
		telemetry.MeterReadingsTotal.Inc()
		if s.sink != nil {
			s.sink.WriteReading(r)
		}
	}
	if len(errs) > 0 {
		s.log.Warn("Failed to persist meter readings",
			zap.String("charge_point_id", chargerID),
			zap.Int("failed", len(errs)),
			zap.Int("recorded", recorded),
		)
	}
	return recorded, errors.Join(errs...)
}

func (s *Service) HasOpenTransaction(chargerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byConnector {
		if key.chargerID == chargerID {
			return true
		}
	}
	return false
}

func (s *Service) OpenTransaction(chargerID string, connectorID int) (*domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byConnector[connectorKey{chargerID, connectorID}]
	if !ok {
		return nil, false
	}
	return s.open[id].Clone(), true
}

// OpenTransactions lists the charger's open transactions.
func (s *Service) OpenTransactions(chargerID string) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range s.open {
		if tx.ChargerID == chargerID {
			out = append(out, *tx.Clone())
		}
	}
	return out
}

// MeterReadings returns the readings of a transaction in timestamp order.
func (s *Service) MeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error) {
	readings, err := s.gateway.ListMeterReadings(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	domain.SortReadings(readings)
	return readings, nil
}

func (s *Service) publish(ctx context.Context, subject string, event interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		s.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func persistenceError(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

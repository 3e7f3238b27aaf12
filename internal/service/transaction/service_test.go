package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/adapter/storage/memory"
	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/mocks"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
	"github.com/seu-repo/sigec-ocpp/internal/service/authorization"
	"github.com/seu-repo/sigec-ocpp/internal/service/device"
)

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type harness struct {
	svc     *Service
	devices *device.Service
	gateway ports.PersistenceGateway
	events  *mocks.MockEventPublisher
}

func newHarness(gateway ports.PersistenceGateway, requireAuth bool) *harness {
	log := newTestLogger()
	events := &mocks.MockEventPublisher{}
	devices := device.NewService(device.Config{DefaultAuthorizationRequired: requireAuth}, gateway, nil, events, keylock.New(), nil, log)
	auth := authorization.NewService(gateway, nil, 0, log)
	return &harness{
		svc:     NewService(gateway, devices, auth, events, nil, log),
		devices: devices,
		gateway: gateway,
		events:  events,
	}
}

// bootIdle brings a charger online and idle.
func (h *harness) bootIdle(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	h.devices.Seen(id, "/ocpp/"+id)
	if _, err := h.devices.Boot(ctx, id, ports.BootInfo{Vendor: "V", Model: "M"}); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if _, err := h.devices.Heartbeat(ctx, id, false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func (h *harness) state(t *testing.T, id string) domain.ChargerState {
	t.Helper()
	c, ok := h.devices.Get(id)
	if !ok {
		t.Fatalf("charger %s not found", id)
	}
	return c.State
}

func TestSessionLifecycle(t *testing.T) {
	// Arrange
	ctx := context.Background()
	gw := memory.NewGateway()
	gw.SetAuthorization("T1", true)
	h := newHarness(gw, true)
	h.bootIdle(t, "CP1")
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	// Act: start
	start, err := h.svc.StartTransaction(ctx, ports.StartRequest{
		ChargerID: "CP1", ConnectorID: 1, IDTag: "T1", MeterStart: 100, Timestamp: base,
	})

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if start.Rejected || start.TransactionID == 0 {
		t.Fatalf("expected accepted start, got %+v", start)
	}
	if got := h.state(t, "CP1"); got != domain.ChargerStateCharging {
		t.Errorf("expected Charging, got %s", got)
	}

	// Act: two meter samples, newest first
	mv, err := h.svc.RecordMeterValues(ctx, ports.MeterValuesRequest{
		ChargerID: "CP1", ConnectorID: 1,
		Samples: []domain.MeterSample{
			{Timestamp: base.Add(2 * time.Minute), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 130, Unit: domain.UnitWh},
			{Timestamp: base.Add(time.Minute), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 115, Unit: domain.UnitWh},
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mv.TransactionID == nil || *mv.TransactionID != start.TransactionID {
		t.Errorf("expected samples linked to transaction %d, got %v", start.TransactionID, mv.TransactionID)
	}
	if mv.Recorded != 2 {
		t.Errorf("expected 2 readings recorded, got %d", mv.Recorded)
	}

	// Act: stop
	stop, err := h.svc.StopTransaction(ctx, ports.StopRequest{
		ChargerID: "CP1", TransactionID: start.TransactionID, MeterStop: 150, Timestamp: base.Add(3 * time.Minute), Reason: domain.StopReasonLocal,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if stop.EnergyDelivered != 50 {
		t.Errorf("expected 50 Wh delivered, got %d", stop.EnergyDelivered)
	}
	if stop.Transaction.Status != domain.TransactionStatusClosed {
		t.Errorf("expected Closed, got %s", stop.Transaction.Status)
	}
	if got := h.state(t, "CP1"); got != domain.ChargerStateIdle {
		t.Errorf("expected Idle, got %s", got)
	}

	readings, err := h.svc.MeterReadings(ctx, start.TransactionID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(readings) != 2 || readings[0].Value != 115 || readings[1].Value != 130 {
		t.Errorf("expected readings in timestamp order, got %+v", readings)
	}

	stored, _ := gw.FindTransaction(ctx, start.TransactionID)
	if stored == nil || stored.Status != domain.TransactionStatusClosed || stored.EnergyDelivered != 50 {
		t.Errorf("expected closed transaction persisted, got %+v", stored)
	}
}

func TestStartTransaction_NotAuthorized(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{}
	h := newHarness(gw, true)
	h.bootIdle(t, "CP1")

	res, err := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "T9", MeterStart: 0})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Rejected || !errors.Is(res.Reason, domain.ErrNotAuthorized) {
		t.Fatalf("expected NotAuthorized rejection, got %+v", res)
	}
	if res.Status != domain.AuthorizationInvalid {
		t.Errorf("expected Invalid, got %s", res.Status)
	}
	if len(gw.CreatedTxs) != 0 {
		t.Errorf("expected no transaction to be created, got %d", len(gw.CreatedTxs))
	}
	if got := h.state(t, "CP1"); got != domain.ChargerStateIdle {
		t.Errorf("expected state to remain Idle, got %s", got)
	}
}

func TestStartTransaction_BlockedToken(t *testing.T) {
	gw := memory.NewGateway()
	gw.SetAuthorization("T2", false)
	h := newHarness(gw, true)
	h.bootIdle(t, "CP1")

	res, _ := h.svc.StartTransaction(context.Background(), ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "T2"})

	if !res.Rejected || res.Status != domain.AuthorizationBlocked {
		t.Errorf("expected Blocked rejection, got %+v", res)
	}
}

func TestStartTransaction_ConcurrentRegardlessOfToken(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	gw.SetAuthorization("T1", true)
	h := newHarness(gw, true)
	h.bootIdle(t, "CP2")

	first, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP2", ConnectorID: 1, IDTag: "T1"})
	if first.Rejected {
		t.Fatalf("expected first start to be accepted, got %+v", first)
	}

	for _, tag := range []string{"T1", "unknown"} {
		res, err := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP2", ConnectorID: 1, IDTag: tag})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Rejected || !errors.Is(res.Reason, domain.ErrConcurrentTransaction) {
			t.Errorf("token %s: expected ConcurrentTransaction, got %+v", tag, res)
		}
		if res.Status != domain.AuthorizationConcurrentTx {
			t.Errorf("token %s: expected ConcurrentTx status, got %s", tag, res.Status)
		}
	}

	// Another connector on the same charger is independent.
	other, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP2", ConnectorID: 2, IDTag: "T1"})
	if other.Rejected {
		t.Errorf("expected connector 2 to accept, got %+v", other)
	}
	if other.TransactionID == first.TransactionID {
		t.Error("expected distinct transaction ids")
	}
}

func TestStopTransaction_IdleOnlyAfterLastSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(memory.NewGateway(), false)
	h.bootIdle(t, "CP1")

	a, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A"})
	b, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 2, IDTag: "B"})

	h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: a.TransactionID, MeterStop: 10})
	if got := h.state(t, "CP1"); got != domain.ChargerStateCharging {
		t.Errorf("expected Charging while connector 2 is open, got %s", got)
	}

	h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: b.TransactionID, MeterStop: 10})
	if got := h.state(t, "CP1"); got != domain.ChargerStateIdle {
		t.Errorf("expected Idle, got %s", got)
	}
}

func TestStopTransaction_NegativeEnergyIsFlaggedNotClamped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(memory.NewGateway(), false)
	h.bootIdle(t, "CP1")
	start, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A", MeterStart: 500})

	stop, err := h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: start.TransactionID, MeterStop: 450})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if stop.EnergyDelivered != -50 {
		t.Errorf("expected -50, got %d", stop.EnergyDelivered)
	}
	if !stop.NegativeEnergy {
		t.Error("expected negative energy flag")
	}
}

func TestStopTransaction_NotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(memory.NewGateway(), false)
	h.bootIdle(t, "CP1")
	h.bootIdle(t, "CP2")
	start, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A"})

	_, err := h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: 9999})
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound for unknown id, got %v", err)
	}

	_, err = h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP2", TransactionID: start.TransactionID})
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound for another charger's transaction, got %v", err)
	}
	if _, open := h.svc.OpenTransaction("CP1", 1); !open {
		t.Error("expected transaction to stay open after a foreign stop")
	}
}

func TestStopTransaction_RepeatedStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{}
	h := newHarness(gw, false)
	h.bootIdle(t, "CP1")
	start, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A", MeterStart: 100})
	req := ports.StopRequest{ChargerID: "CP1", TransactionID: start.TransactionID, MeterStop: 160}

	first, err := h.svc.StopTransaction(ctx, req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	again, err := h.svc.StopTransaction(ctx, req)
	if err != nil {
		t.Fatalf("expected repeated stop to succeed, got %v", err)
	}

	if first.AlreadyClosed || !again.AlreadyClosed {
		t.Errorf("expected only the repeat to be flagged, got %v / %v", first.AlreadyClosed, again.AlreadyClosed)
	}
	if again.EnergyDelivered != 60 {
		t.Errorf("expected 60 Wh, got %d", again.EnergyDelivered)
	}
	if len(gw.ClosedTxs) != 1 {
		t.Errorf("expected a single close to be persisted, got %d", len(gw.ClosedTxs))
	}
}

func TestStartTransaction_PersistenceFailureIsWarning(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{
		CreateTransactionFunc: func(ctx context.Context, tx *domain.Transaction) error {
			return errors.New("write timeout")
		},
	}
	h := newHarness(gw, false)
	h.bootIdle(t, "CP1")

	res, err := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A"})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Rejected {
		t.Fatalf("expected accepted start, got %+v", res)
	}
	if !errors.Is(res.Warning, domain.ErrPersistence) {
		t.Errorf("expected persistence warning, got %v", res.Warning)
	}
	if _, open := h.svc.OpenTransaction("CP1", 1); !open {
		t.Error("expected in-memory transaction to stay open")
	}
	if got := h.state(t, "CP1"); got != domain.ChargerStateCharging {
		t.Errorf("expected Charging, got %s", got)
	}
}

func TestRecordMeterValues_WithoutOpenTransaction(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{}
	h := newHarness(gw, false)
	h.bootIdle(t, "CP1")

	res, err := h.svc.RecordMeterValues(ctx, ports.MeterValuesRequest{
		ChargerID: "CP1", ConnectorID: 1,
		Samples: []domain.MeterSample{{Timestamp: time.Now(), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 7, Unit: domain.UnitWh}},
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.TransactionID != nil {
		t.Errorf("expected no transaction linkage, got %d", *res.TransactionID)
	}
	if len(gw.InsertedReadings) != 1 || gw.InsertedReadings[0].TransactionID != nil {
		t.Errorf("expected one unlinked reading, got %+v", gw.InsertedReadings)
	}
	c, _ := h.devices.Get("CP1")
	if len(c.MeterSnapshot) != 1 {
		t.Errorf("expected snapshot to be updated, got %d samples", len(c.MeterSnapshot))
	}
}

func TestStopTransaction_RecordsTransactionData(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{}
	h := newHarness(gw, false)
	h.bootIdle(t, "CP1")
	start, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 3, IDTag: "A"})

	_, err := h.svc.StopTransaction(ctx, ports.StopRequest{
		ChargerID: "CP1", TransactionID: start.TransactionID, MeterStop: 5,
		Samples: []domain.MeterSample{{Timestamp: time.Now(), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 5, Unit: domain.UnitWh}},
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(gw.InsertedReadings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(gw.InsertedReadings))
	}
	r := gw.InsertedReadings[0]
	if r.TransactionID == nil || *r.TransactionID != start.TransactionID || r.ConnectorID != 3 {
		t.Errorf("expected reading linked to transaction on connector 3, got %+v", r)
	}
}

func TestRestore_SeedsSequenceAndOpenTransactions(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.MockPersistenceGateway{
		MaxTransactionIDFunc: func(ctx context.Context) (int, error) { return 41, nil },
		ListOpenTransactionsFunc: func(ctx context.Context) ([]domain.Transaction, error) {
			return []domain.Transaction{{ID: 40, ChargerID: "CP1", ConnectorID: 1, IDTag: "A", MeterStart: 10, Status: domain.TransactionStatusOpen}}, nil
		},
	}
	h := newHarness(gw, false)
	if n, err := h.svc.Restore(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 restored transaction, got %d (%v)", n, err)
	}
	h.bootIdle(t, "CP1")

	busy, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A"})
	if !busy.Rejected {
		t.Error("expected restored transaction to block connector 1")
	}

	next, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 2, IDTag: "A"})
	if next.TransactionID != 42 {
		t.Errorf("expected next id 42, got %d", next.TransactionID)
	}

	stop, err := h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: 40, MeterStop: 25})
	if err != nil || stop.EnergyDelivered != 15 {
		t.Errorf("expected restored transaction to close with 15 Wh, got %+v (%v)", stop, err)
	}
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(memory.NewGateway(), false)
	h.bootIdle(t, "CP1")
	start, _ := h.svc.StartTransaction(ctx, ports.StartRequest{ChargerID: "CP1", ConnectorID: 1, IDTag: "A"})
	h.svc.StopTransaction(ctx, ports.StopRequest{ChargerID: "CP1", TransactionID: start.TransactionID, MeterStop: 1})

	var started, stopped int
	for _, s := range h.events.Subjects() {
		switch s {
		case domain.SubjectTransactionStarted:
			started++
		case domain.SubjectTransactionStopped:
			stopped++
		}
	}
	if started != 1 || stopped != 1 {
		t.Errorf("expected one started and one stopped event, got %d/%d", started, stopped)
	}
}

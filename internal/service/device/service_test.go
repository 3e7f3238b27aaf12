package device

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/mocks"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type fixture struct {
	svc     *Service
	gateway *mocks.MockPersistenceGateway
	cache   *mocks.MockCache
	events  *mocks.MockEventPublisher
	evictor *mocks.MockConnectionEvictor
	locks   *keylock.Locker
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		gateway: &mocks.MockPersistenceGateway{},
		cache:   mocks.NewMockCache(),
		events:  &mocks.MockEventPublisher{},
		evictor: &mocks.MockConnectionEvictor{},
		locks:   keylock.New(),
	}
	f.svc = NewService(cfg, f.gateway, f.cache, f.events, f.locks, f.evictor, newTestLogger())
	return f
}

func mustState(t *testing.T, svc *Service, id string, want domain.ChargerState) {
	t.Helper()
	c, ok := svc.Get(id)
	if !ok {
		t.Fatalf("expected charger %s to exist", id)
	}
	if c.State != want {
		t.Fatalf("expected state %s, got %s", want, c.State)
	}
}

func TestBoot_NewChargerBecomesBooted(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(Config{DefaultAuthorizationRequired: true})

	// Act
	seen := f.svc.Seen("CP1", "/ocpp/1.6/CP1")
	c, err := f.svc.Boot(ctx, "CP1", ports.BootInfo{Vendor: "VendorX", Model: "M1", FirmwareVersion: "1.2"})

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if seen.State != domain.ChargerStateNew {
		t.Errorf("expected New before boot, got %s", seen.State)
	}
	if c.State != domain.ChargerStateBooted {
		t.Errorf("expected Booted, got %s", c.State)
	}
	if c.Vendor != "VendorX" || c.Model != "M1" {
		t.Errorf("expected vendor/model to be recorded, got %s/%s", c.Vendor, c.Model)
	}
	if !c.AuthorizationRequired {
		t.Error("expected default authorization flag to apply")
	}
	saved, ok := f.gateway.LastCharger("CP1")
	if !ok || saved.State != domain.ChargerStateBooted {
		t.Errorf("expected Booted charger to be persisted, got %+v", saved)
	}
	if got := f.events.Subjects(); len(got) != 1 || got[0] != domain.SubjectChargerStatus {
		t.Errorf("expected one charger.status event, got %v", got)
	}
}

func TestHeartbeat_MovesBootedAndDisconnectedToIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})

	f.svc.Seen("CP1", "")
	f.svc.Boot(ctx, "CP1", ports.BootInfo{Vendor: "V", Model: "M"})
	if _, err := f.svc.Heartbeat(ctx, "CP1", false); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)

	f.svc.Disconnect(ctx, "CP1")
	mustState(t, f.svc, "CP1", domain.ChargerStateDisconnected)

	f.svc.Heartbeat(ctx, "CP1", false)
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)
}

func TestHeartbeat_ReconnectWithOpenTransactionResumesCharging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	f.svc.MarkCharging(ctx, "CP1")
	f.svc.Disconnect(ctx, "CP1")

	c, err := f.svc.Heartbeat(ctx, "CP1", true)

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.State != domain.ChargerStateCharging {
		t.Fatalf("expected Charging while the session is open, got %s", c.State)
	}
}

func TestStatus_AvailableSettlesChargingWithoutTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	f.svc.MarkCharging(ctx, "CP1")

	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusAvailable, true)
	mustState(t, f.svc, "CP1", domain.ChargerStateCharging)

	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusAvailable, false)
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)
}

func TestStatus_FaultHoldsUntilRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)

	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusFaulted, false)
	mustState(t, f.svc, "CP1", domain.ChargerStateFaulted)

	// Liveness and boot do not clear a fault.
	f.svc.Heartbeat(ctx, "CP1", false)
	f.svc.Boot(ctx, "CP1", ports.BootInfo{Vendor: "V", Model: "M"})
	if err := f.svc.MarkCharging(ctx, "CP1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateFaulted)

	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusAvailable, false)
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)
}

func TestStatus_RecoveryWithOpenTransactionResumesCharging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	f.svc.MarkCharging(ctx, "CP1")
	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusFaulted, true)

	f.svc.Status(ctx, "CP1", 1, domain.ConnectorStatusCharging, true)

	mustState(t, f.svc, "CP1", domain.ChargerStateCharging)
}

func TestStatus_AvailableFromNewMovesToIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")

	f.svc.Status(ctx, "CP1", 0, domain.ConnectorStatusAvailable, false)

	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)
}

func TestMarkChargingAndIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)

	f.svc.MarkCharging(ctx, "CP1")
	mustState(t, f.svc, "CP1", domain.ChargerStateCharging)

	f.svc.MarkIdle(ctx, "CP1")
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)

	// Idle on an already idle charger is a no-op.
	if err := f.svc.MarkIdle(ctx, "CP1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestUnknownCharger(t *testing.T) {
	f := newFixture(Config{})

	_, err := f.svc.Heartbeat(context.Background(), "ghost", false)

	if !errors.Is(err, domain.ErrChargerNotFound) {
		t.Fatalf("expected ErrChargerNotFound, got %v", err)
	}
}

func TestPersistenceFailure_KeepsInMemoryState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.gateway.UpsertChargerFunc = func(ctx context.Context, c *domain.Charger) error {
		return errors.New("database unavailable")
	}
	f.svc.Seen("CP1", "")

	_, err := f.svc.Boot(ctx, "CP1", ports.BootInfo{Vendor: "V", Model: "M"})

	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence warning, got %v", err)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateBooted)
}

func TestUpdateSnapshot_OverwritesAndMirrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{SnapshotTTL: time.Minute})
	f.svc.Seen("CP1", "")
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	f.svc.UpdateSnapshot(ctx, "CP1", []domain.MeterSample{{Timestamp: base, Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 100, Unit: "Wh"}})
	f.svc.UpdateSnapshot(ctx, "CP1", []domain.MeterSample{
		{Timestamp: base.Add(2 * time.Minute), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 140, Unit: "Wh"},
		{Timestamp: base.Add(time.Minute), Measurand: domain.MeasurandEnergyActiveImportRegister, Value: 120, Unit: "Wh"},
	})

	c, _ := f.svc.Get("CP1")
	if len(c.MeterSnapshot) != 2 {
		t.Fatalf("expected snapshot to be replaced with 2 samples, got %d", len(c.MeterSnapshot))
	}
	if c.MeterSnapshot[0].Value != 120 {
		t.Errorf("expected snapshot ordered by timestamp, got first value %v", c.MeterSnapshot[0].Value)
	}

	raw, err := f.cache.Get(ctx, "snapshot:CP1")
	if err != nil {
		t.Fatalf("expected mirrored snapshot, got %v", err)
	}
	var mirrored []domain.MeterSample
	if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
		t.Fatalf("expected JSON snapshot, got %v", err)
	}
	if len(mirrored) != 2 {
		t.Errorf("expected 2 mirrored samples, got %d", len(mirrored))
	}
}

func TestSweep_DisconnectsSilentCharger(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(Config{HeartbeatInterval: 10 * time.Second, GraceMultiplier: 2})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	now := time.Now()

	// Act & Assert: still inside the deadline
	if n := f.svc.Sweep(ctx, now.Add(15*time.Second)); n != 0 {
		t.Fatalf("expected no disconnects, got %d", n)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)

	// Past interval x grace
	if n := f.svc.Sweep(ctx, now.Add(25*time.Second)); n != 1 {
		t.Fatalf("expected 1 disconnect, got %d", n)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateDisconnected)

	evicted := f.evictor.EvictedIDs()
	if len(evicted) != 1 || evicted[0] != "CP1" {
		t.Errorf("expected CP1 to be evicted, got %v", evicted)
	}

	// A second sweep leaves a disconnected charger alone.
	if n := f.svc.Sweep(ctx, now.Add(time.Hour)); n != 0 {
		t.Errorf("expected no further disconnects, got %d", n)
	}
}

func TestSweep_HonoursChargerHeartbeatInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{HeartbeatInterval: 10 * time.Second, GraceMultiplier: 2})
	f.gateway.ListChargersFunc = func(ctx context.Context) ([]domain.Charger, error) {
		return []domain.Charger{{
			ID:     "CP1",
			State:  domain.ChargerStateIdle,
			Config: domain.ChargerConfig{domain.ConfigKeyHeartbeatInterval: "60"},
		}}, nil
	}
	if n, err := f.svc.Restore(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 restored charger, got %d (%v)", n, err)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateDisconnected)

	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	now := time.Now()

	if n := f.svc.Sweep(ctx, now.Add(100*time.Second)); n != 0 {
		t.Fatalf("expected configured interval to apply, got %d disconnects", n)
	}
	if n := f.svc.Sweep(ctx, now.Add(121*time.Second)); n != 1 {
		t.Fatalf("expected 1 disconnect, got %d", n)
	}
}

func TestSweep_ReclaimsIdleLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{HeartbeatInterval: 10 * time.Second, LockIdleTTL: time.Minute})
	f.svc.Seen("CP1", "")
	f.svc.Disconnect(ctx, "CP1")
	f.locks.Lock("CP1")()

	f.svc.Sweep(ctx, time.Now().Add(30*time.Second))
	if f.locks.Len() != 1 {
		t.Fatalf("expected lock to survive before the TTL, got %d slots", f.locks.Len())
	}

	f.svc.Sweep(ctx, time.Now().Add(2*time.Minute))
	if f.locks.Len() != 0 {
		t.Errorf("expected lock to be reclaimed, got %d slots", f.locks.Len())
	}
}

func TestSweep_TouchedChargerSurvives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{HeartbeatInterval: 50 * time.Millisecond, GraceMultiplier: 1})
	f.svc.Seen("CP1", "")
	f.svc.Heartbeat(ctx, "CP1", false)
	f.svc.Seen("CP2", "")
	f.svc.Heartbeat(ctx, "CP2", false)
	time.Sleep(80 * time.Millisecond)

	f.svc.Touch("CP1")
	f.svc.Touch("ghost")
	n := f.svc.Sweep(ctx, time.Now())

	if n != 1 {
		t.Fatalf("expected only the stale charger to be disconnected, got %d", n)
	}
	mustState(t, f.svc, "CP1", domain.ChargerStateIdle)
	mustState(t, f.svc, "CP2", domain.ChargerStateDisconnected)
	if _, ok := f.svc.Get("ghost"); ok {
		t.Error("expected Touch not to create a charger")
	}
}

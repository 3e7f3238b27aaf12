package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

type Config struct {
	HeartbeatInterval            time.Duration
	GraceMultiplier              float64
	SweepInterval                time.Duration
	LockIdleTTL                  time.Duration
	DefaultAuthorizationRequired bool
	SnapshotTTL                  time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.GraceMultiplier <= 0 {
		c.GraceMultiplier = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// entry is the in-memory record of one charger. Logic runs under the
// charger's keylock; mu only guards the fields for concurrent readers.
type entry struct {
	mu           sync.RWMutex
	charger      *domain.Charger
	machine      *fsm.FSM
	lastActivity *atomic.Time
}

func newEntry(c *domain.Charger, activity time.Time) *entry {
	return &entry{
		charger:      c,
		machine:      newMachine(c.State),
		lastActivity: atomic.NewTime(activity),
	}
}

func (e *entry) state() domain.ChargerState {
	return domain.ChargerState(e.machine.Current())
}

func (e *entry) snapshot() *domain.Charger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.charger.Clone()
}

// Service owns the charger lifecycle and the liveness sweep.
type Service struct {
	cfg      Config
	gateway  ports.PersistenceGateway
	cache    ports.Cache
	events   ports.EventPublisher
	locks    *keylock.Locker
	evictor  ports.ConnectionEvictor
	chargers sync.Map // string -> *entry
	log      *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(cfg Config, gateway ports.PersistenceGateway, cache ports.Cache, events ports.EventPublisher, locks *keylock.Locker, evictor ports.ConnectionEvictor, log *zap.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		gateway: gateway,
		cache:   cache,
		events:  events,
		locks:   locks,
		evictor: evictor,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Restore loads every known charger as Disconnected.
func (s *Service) Restore(ctx context.Context) (int, error) {
	chargers, err := s.gateway.ListChargers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chargers: %w", err)
	}
	now := time.Now()
	for i := range chargers {
		c := chargers[i]
		c.State = domain.ChargerStateDisconnected
		s.chargers.Store(c.ID, newEntry(&c, now))
	}
	s.log.Info("Chargers restored", zap.Int("count", len(chargers)))
	return len(chargers), nil
}

// Seen records inbound activity, creating the charger on first contact.
func (s *Service) Seen(id, path string) *domain.Charger {
	now := time.Now()
	v, loaded := s.chargers.Load(id)
	if !loaded {
		c := &domain.Charger{
			ID:                    id,
			Path:                  path,
			Config:                domain.ChargerConfig{},
			AuthorizationRequired: s.cfg.DefaultAuthorizationRequired,
			State:                 domain.ChargerStateNew,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		v, loaded = s.chargers.LoadOrStore(id, newEntry(c, now))
		if !loaded {
			s.log.Info("New charger seen", zap.String("charge_point_id", id), zap.String("path", path))
		}
	}
	e := v.(*entry)
	e.lastActivity.Store(now)
	if path != "" {
		e.mu.Lock()
		e.charger.Path = path
		e.mu.Unlock()
	}
	return e.snapshot()
}

// Touch refreshes the activity clock of a known charger without creating one.
func (s *Service) Touch(id string) {
	if v, ok := s.chargers.Load(id); ok {
		v.(*entry).lastActivity.Store(time.Now())
	}
}

func (s *Service) Boot(ctx context.Context, id string, info ports.BootInfo) (*domain.Charger, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.charger.Vendor = info.Vendor
	e.charger.Model = info.Model
	if info.SerialNumber != "" {
		e.charger.SerialNumber = info.SerialNumber
	}
	if info.FirmwareVersion != "" {
		e.charger.FirmwareVersion = info.FirmwareVersion
	}
	e.charger.UpdatedAt = time.Now()
	e.mu.Unlock()

	if e.machine.Can(evBoot) {
		s.fire(ctx, id, e, evBoot)
	}
	return e.snapshot(), s.persist(ctx, e)
}

// Heartbeat records liveness. A charger coming back with an open transaction
// resumes Charging rather than Idle.
func (s *Service) Heartbeat(ctx context.Context, id string, hasOpenTx bool) (*domain.Charger, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e.lastActivity.Store(now)
	e.mu.Lock()
	e.charger.LastHeartbeat = now
	e.mu.Unlock()

	if e.machine.Can(evAlive) {
		s.fire(ctx, id, e, evAlive)
	}
	if hasOpenTx && e.state() == domain.ChargerStateIdle {
		s.fire(ctx, id, e, evStart)
	}
	return e.snapshot(), s.persist(ctx, e)
}

// Status applies a connector status report. A fault status faults the whole
// charger; any other status clears a fault. An Available report settles a
// Charging charger that has no open transaction left.
func (s *Service) Status(ctx context.Context, id string, connectorID int, status domain.ConnectorStatus, hasOpenTx bool) (*domain.Charger, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	changed := false
	switch state := e.state(); {
	case status.IsFault():
		if e.machine.Can(evFault) {
			changed = s.fire(ctx, id, e, evFault)
		}
	case state == domain.ChargerStateFaulted:
		event := evRecoverIdle
		if hasOpenTx {
			event = evRecoverCharging
		}
		changed = s.fire(ctx, id, e, event)
	case e.machine.Can(evAlive):
		changed = s.fire(ctx, id, e, evAlive)
		if hasOpenTx && e.machine.Can(evStart) {
			s.fire(ctx, id, e, evStart)
		}
	case state == domain.ChargerStateCharging && status.IsIdle() && !hasOpenTx:
		changed = s.fire(ctx, id, e, evStop)
	}

	s.log.Debug("Connector status applied",
		zap.String("charge_point_id", id),
		zap.Int("connector_id", connectorID),
		zap.String("status", string(status)),
		zap.String("state", string(e.state())),
	)
	if !changed {
		return e.snapshot(), nil
	}
	return e.snapshot(), s.persist(ctx, e)
}

// MarkCharging moves the charger into Charging. A faulted charger keeps its
// fault until a status report clears it.
func (s *Service) MarkCharging(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if !e.machine.Can(evStart) {
		return nil
	}
	s.fire(ctx, id, e, evStart)
	return s.persist(ctx, e)
}

func (s *Service) MarkIdle(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if !e.machine.Can(evStop) {
		return nil
	}
	s.fire(ctx, id, e, evStop)
	return s.persist(ctx, e)
}

// Disconnect forces the charger into Disconnected. Open transactions stay open.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if !e.machine.Can(evDisconnect) {
		return nil
	}
	s.fire(ctx, id, e, evDisconnect)
	return s.persist(ctx, e)
}

// UpdateSnapshot replaces the latest meter snapshot and mirrors it to the cache.
func (s *Service) UpdateSnapshot(ctx context.Context, id string, samples []domain.MeterSample) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	snap := append([]domain.MeterSample(nil), samples...)
	domain.SortSamples(snap)

	e.mu.Lock()
	e.charger.MeterSnapshot = snap
	e.charger.UpdatedAt = time.Now()
	e.mu.Unlock()

	if s.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, snapshotKey(id), data, s.cfg.SnapshotTTL); err != nil {
				s.log.Warn("Failed to mirror meter snapshot", zap.String("charge_point_id", id), zap.Error(err))
			}
		}
	}
	return s.persist(ctx, e)
}

func (s *Service) Get(id string) (*domain.Charger, bool) {
	v, ok := s.chargers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry).snapshot(), true
}

// List returns a copy of every tracked charger.
func (s *Service) List() []domain.Charger {
	var out []domain.Charger
	s.chargers.Range(func(_, v any) bool {
		out = append(out, *v.(*entry).snapshot())
		return true
	})
	return out
}

func snapshotKey(id string) string {
	return "snapshot:" + id
}

func (s *Service) entry(id string) (*entry, error) {
	v, ok := s.chargers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChargerNotFound, id)
	}
	return v.(*entry), nil
}

// fire runs a lifecycle event and reports whether the state changed.
func (s *Service) fire(ctx context.Context, id string, e *entry, event string) bool {
	from := e.state()
	if err := e.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.log.Warn("Rejected lifecycle event",
				zap.String("charge_point_id", id),
				zap.String("event", event),
				zap.String("state", string(from)),
				zap.Error(err),
			)
		}
		return false
	}
	to := e.state()
	now := time.Now()

	e.mu.Lock()
	e.charger.State = to
	e.charger.UpdatedAt = now
	e.mu.Unlock()

	telemetry.ChargerTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.log.Info("Charger state changed",
		zap.String("charge_point_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	if s.events != nil {
		_ = s.events.Publish(ctx, domain.SubjectChargerStatus, domain.ChargerStatusEvent{
			ChargerID: id, From: from, To: to, At: now,
		})
	}
	return true
}

func (s *Service) persist(ctx context.Context, e *entry) error {
	c := e.snapshot()
	if err := s.gateway.UpsertCharger(ctx, c); err != nil {
		s.log.Warn("Failed to persist charger",
			zap.String("charge_point_id", c.ID),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrPersistence) {
			return err
		}
		return fmt.Errorf("%w: upsert charger %s: %v", domain.ErrPersistence, c.ID, err)
	}
	return nil
}

package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
)

// Start runs the liveness sweep until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		s.log.Info("Liveness sweep started",
			zap.Duration("interval", s.cfg.SweepInterval),
			zap.Float64("grace_multiplier", s.cfg.GraceMultiplier),
		)
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx, time.Now())
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// livenessDeadline is how long a charger may stay silent before it is
// considered gone.
func (s *Service) livenessDeadline(c *domain.Charger) time.Duration {
	interval := c.Config.HeartbeatInterval(s.cfg.HeartbeatInterval)
	return time.Duration(float64(interval) * s.cfg.GraceMultiplier)
}

// Sweep forces silent chargers to Disconnected and evicts their connection.
// It also drops lock slots of chargers that have stayed disconnected past the
// idle TTL. It returns the number of chargers disconnected.
func (s *Service) Sweep(ctx context.Context, now time.Time) int {
	disconnected := 0
	s.chargers.Range(func(k, v any) bool {
		id := k.(string)
		e := v.(*entry)
		silent := now.Sub(e.lastActivity.Load())

		if e.state() == domain.ChargerStateDisconnected {
			if s.cfg.LockIdleTTL > 0 && silent > s.cfg.LockIdleTTL && s.locks.Reclaim(id) {
				s.log.Debug("Reclaimed charger lock", zap.String("charge_point_id", id))
			}
			return true
		}
		if silent <= s.livenessDeadline(e.snapshot()) {
			return true
		}

		if s.expire(ctx, id, e, now) {
			disconnected++
		}
		return true
	})
	return disconnected
}

func (s *Service) expire(ctx context.Context, id string, e *entry, now time.Time) bool {
	unlock := s.locks.Lock(id)
	defer unlock()

	// A handler may have touched the charger while we waited for the lock.
	silent := now.Sub(e.lastActivity.Load())
	if e.state() == domain.ChargerStateDisconnected || silent <= s.livenessDeadline(e.snapshot()) {
		return false
	}

	s.log.Warn("Charger missed its liveness deadline",
		zap.String("charge_point_id", id),
		zap.Duration("silent_for", silent),
	)
	if err := s.Disconnect(ctx, id); err != nil {
		s.log.Warn("Disconnect not persisted", zap.String("charge_point_id", id), zap.Error(err))
	}
	if s.evictor != nil {
		s.evictor.Evict(id, domain.ErrConnectionLost)
	}
	telemetry.LivenessEvictions.Inc()
	return true
}

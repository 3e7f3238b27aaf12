package v16

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// Dispatcher sends central-system requests to chargers and waits for the
// correlated reply. Each caller blocks only on its own command.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
	log            *zap.Logger
}

func NewDispatcher(registry *Registry, defaultTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{registry: registry, defaultTimeout: defaultTimeout, log: log}
}

// Send issues action to the charger. It returns the charger's CallResult or
// CallError as a reply, or ErrNotConnected / ErrCommandTimeout.
func (d *Dispatcher) Send(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (*ports.CommandReply, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	conn, err := d.registry.Lookup(chargerID)
	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(action, "not_connected").Inc()
		return nil, err
	}

	call, err := NewCall(uuid.NewString(), Action(action), payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cmd := domain.PendingCommand{
		CorrelationID: call.UniqueID,
		ChargerID:     chargerID,
		Action:        action,
		IssuedAt:      now,
		Deadline:      now.Add(timeout),
	}
	ch, err := conn.addPending(cmd)
	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(action, "not_connected").Inc()
		return nil, err
	}

	if err := conn.Send(call); err != nil {
		conn.removePending(call.UniqueID)
		telemetry.CommandsTotal.WithLabelValues(action, "not_connected").Inc()
		if errors.Is(err, domain.ErrNotConnected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: send %s: %v", domain.ErrNotConnected, action, err)
	}

	d.log.Info("Command sent",
		zap.String("charge_point_id", chargerID),
		zap.String("action", action),
		zap.String("unique_id", call.UniqueID),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			telemetry.CommandsTotal.WithLabelValues(action, "connection_lost").Inc()
			return nil, out.err
		}
		telemetry.CommandDuration.WithLabelValues(action).Observe(time.Since(now).Seconds())
		return d.reply(action, out.msg), nil

	case <-timer.C:
		conn.removePending(call.UniqueID)
		telemetry.CommandsTotal.WithLabelValues(action, "timeout").Inc()
		d.log.Warn("Command timed out",
			zap.String("charge_point_id", chargerID),
			zap.String("action", action),
			zap.String("unique_id", call.UniqueID),
			zap.Duration("timeout", timeout),
		)
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrCommandTimeout, action, timeout)

	case <-ctx.Done():
		conn.removePending(call.UniqueID)
		telemetry.CommandsTotal.WithLabelValues(action, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) reply(action string, m Message) *ports.CommandReply {
	switch v := m.(type) {
	case *CallResult:
		telemetry.CommandsTotal.WithLabelValues(action, "result").Inc()
		return &ports.CommandReply{CorrelationID: v.UniqueID, Payload: v.Payload}
	case *CallError:
		telemetry.CommandsTotal.WithLabelValues(action, "error").Inc()
		return &ports.CommandReply{
			CorrelationID:    v.UniqueID,
			ErrorCode:        v.ErrorCode,
			ErrorDescription: v.ErrorDescription,
		}
	default:
		return &ports.CommandReply{CorrelationID: m.ID()}
	}
}

// Resolve routes an inbound response to its pending command. Unknown ids are
// logged and dropped; the charger may be answering a command that already
// timed out.
func (d *Dispatcher) Resolve(conn *Connection, m Message) {
	if conn.resolve(m) {
		return
	}
	telemetry.UnmatchedResponses.Inc()
	d.log.Warn("Discarding response with no pending command",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.String("unique_id", m.ID()),
	)
}

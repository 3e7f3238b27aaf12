package v16

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
)

// Registry maps charger ids to their single live Connection. Operations on
// different ids never contend.
type Registry struct {
	conns sync.Map // string -> *Connection
	log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Register installs conn as the charger's live connection. A previous
// connection for the same id is closed and returned.
func (r *Registry) Register(conn *Connection) *Connection {
	prev, loaded := r.conns.Swap(conn.ChargerID(), conn)
	if !loaded {
		telemetry.ConnectedChargers.Inc()
		return nil
	}
	old := prev.(*Connection)
	if old == conn {
		return nil
	}
	old.Close(domain.ErrConnectionReplaced)
	r.log.Warn("Replaced existing charger connection",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.Time("previous_connected_at", old.ConnectedAt()),
	)
	return old
}

// Lookup returns the live connection or ErrNotConnected.
func (r *Registry) Lookup(chargerID string) (*Connection, error) {
	v, ok := r.conns.Load(chargerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, chargerID)
	}
	return v.(*Connection), nil
}

// Unregister removes conn only if it is still the charger's live connection.
func (r *Registry) Unregister(conn *Connection) bool {
	if r.conns.CompareAndDelete(conn.ChargerID(), conn) {
		telemetry.ConnectedChargers.Dec()
		return true
	}
	return false
}

// Evict closes and forgets whatever connection the charger currently has.
func (r *Registry) Evict(chargerID string, cause error) bool {
	v, ok := r.conns.Load(chargerID)
	if !ok {
		return false
	}
	conn := v.(*Connection)
	if !r.Unregister(conn) {
		return false
	}
	conn.Close(cause)
	r.log.Info("Evicted charger connection",
		zap.String("charge_point_id", chargerID),
		zap.Error(cause),
	)
	return true
}

func (r *Registry) Len() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll tears down every connection, used on shutdown.
func (r *Registry) CloseAll(cause error) {
	r.conns.Range(func(key, v any) bool {
		conn := v.(*Connection)
		if r.Unregister(conn) {
			conn.Close(cause)
		}
		return true
	})
}

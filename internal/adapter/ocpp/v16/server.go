package v16

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// Subprotocol is the websocket subprotocol negotiated with chargers.
const Subprotocol = "ocpp1.6"

type ServerConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Server handles OCPP 1.6 WebSocket connections. Any URL path is accepted;
// its last segment is the charge point id.
type Server struct {
	cfg        ServerConfig
	registry   *Registry
	dispatcher *Dispatcher
	handlers   *Handlers
	devices    ports.ChargerLifecycle
	locks      *keylock.Locker
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewServer creates a new OCPP 1.6 WebSocket server
func NewServer(cfg ServerConfig, registry *Registry, dispatcher *Dispatcher, handlers *Handlers, devices ports.ChargerLifecycle, locks *keylock.Locker, log *zap.Logger) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	return &Server{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		handlers:   handlers,
		devices:    devices,
		locks:      locks,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// chargerID extracts the last non-empty path segment.
func chargerID(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return path
}

// offersSubprotocol reports whether the client either offered no subprotocol
// or included ocpp1.6 among its offers.
func offersSubprotocol(r *http.Request) bool {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return true
	}
	for _, p := range offered {
		if p == Subprotocol {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chargerID(r.URL.Path)
	if id == "" {
		http.Error(w, "missing charge point ID", http.StatusBadRequest)
		return
	}
	if !offersSubprotocol(r) {
		http.Error(w, "unsupported subprotocol, expected "+Subprotocol, http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", zap.String("charge_point_id", id), zap.Error(err))
		return
	}

	transport := newWSTransport(ws, s.cfg.WriteTimeout)
	conn := NewConnection(id, r.URL.Path, transport)

	unlock := s.locks.Lock(id)
	s.registry.Register(conn)
	s.devices.Touch(id)
	unlock()

	s.log.Info("OCPP 1.6 charge point connected",
		zap.String("charge_point_id", id),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go transport.keepAlive(s.cfg.PingInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.readLoop(ctx, conn, ws)
	s.onClose(ctx, conn)
}

func (s *Server) readLoop(ctx context.Context, conn *Connection, ws *websocket.Conn) {
	ws.SetReadLimit(s.cfg.ReadLimit)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("WebSocket read error",
					zap.String("charge_point_id", conn.ChargerID()),
					zap.Error(err),
				)
			}
			return
		}
		conn.Touch()
		s.handleFrame(ctx, conn, raw)
	}
}

// handleFrame decodes one inbound frame and routes it. Calls run under the
// charger's lock; responses go to the dispatcher.
func (s *Server) handleFrame(ctx context.Context, conn *Connection, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			return
		}
		telemetry.OCPPErrorsTotal.WithLabelValues(pe.Code).Inc()
		s.log.Warn("Malformed OCPP 1.6 frame",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.String("unique_id", pe.UniqueID),
			zap.String("code", pe.Code),
			zap.String("reason", pe.Description),
		)
		if pe.Replyable() {
			s.send(conn, pe.AsCallError())
		}
		return
	}

	switch m := msg.(type) {
	case *Call:
		unlock := s.locks.Lock(conn.ChargerID())
		reply := s.handlers.Handle(ctx, conn, m)
		unlock()
		s.send(conn, reply)
	case *CallResult, *CallError:
		s.dispatcher.Resolve(conn, m)
	}
}

func (s *Server) send(conn *Connection, m Message) {
	if err := conn.Send(m); err != nil {
		s.log.Warn("Failed to send OCPP 1.6 reply",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.String("unique_id", m.ID()),
			zap.Error(err),
		)
	}
}

// onClose forces the charger to Disconnected unless a newer connection or the
// liveness sweep already took over the registry entry.
func (s *Server) onClose(ctx context.Context, conn *Connection) {
	id := conn.ChargerID()

	unlock := s.locks.Lock(id)
	if s.registry.Unregister(conn) {
		if err := s.devices.Disconnect(ctx, id); err != nil && !errors.Is(err, domain.ErrChargerNotFound) {
			s.log.Warn("Disconnect not persisted", zap.String("charge_point_id", id), zap.Error(err))
		}
	}
	unlock()

	conn.Close(domain.ErrConnectionLost)
	s.log.Info("OCPP 1.6 charge point disconnected",
		zap.String("charge_point_id", id),
		zap.Duration("connected_for", time.Since(conn.ConnectedAt())),
	)
}

// Stop closes every live connection. In-flight commands fail with ErrConnectionLost.
func (s *Server) Stop() {
	s.registry.CloseAll(domain.ErrConnectionLost)
	s.log.Info("OCPP 1.6 server stopped")
}

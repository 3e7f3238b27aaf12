package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	v16 "github.com/seu-repo/sigec-ocpp/internal/adapter/ocpp/v16"
)

// ErrNotConnected is returned by calls made before Connect or after Close.
var ErrNotConnected = errors.New("simulator not connected")

// Config describes the simulated charger and its session script.
type Config struct {
	ServerURL       string // ws://host:port/ocpp, the charger id is appended
	ChargerID       string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	ConnectorID     int
	// IDTag starts a session after boot when set.
	IDTag           string
	MeterInterval   time.Duration
	SessionDuration time.Duration
	EnergyPerSample int // Wh added on every meter tick
	CallTimeout     time.Duration
}

func (c *Config) withDefaults() {
	if c.Vendor == "" {
		c.Vendor = "SIGEC"
	}
	if c.Model == "" {
		c.Model = "SimulatorV1"
	}
	if c.ConnectorID <= 0 {
		c.ConnectorID = 1
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = 10 * time.Second
	}
	if c.EnergyPerSample <= 0 {
		c.EnergyPerSample = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// serverRequest is a central-system command that the session loop must act on.
type serverRequest struct {
	action v16.Action
	reason string
}

// Simulator is an OCPP 1.6-J charge point peer.
type Simulator struct {
	cfg  Config
	conn *websocket.Conn
	log  *zap.Logger

	heartbeatInterval *atomic.Duration
	meterWh           *atomic.Int64
	transactionID     *atomic.Int64 // 0 while no session is open

	mu      sync.Mutex
	pending map[string]chan v16.Message

	requests chan serverRequest
	done     chan struct{}
	once     sync.Once
}

func New(cfg Config, log *zap.Logger) *Simulator {
	cfg.withDefaults()
	return &Simulator{
		cfg:               cfg,
		log:               log.With(zap.String("charge_point_id", cfg.ChargerID)),
		heartbeatInterval: atomic.NewDuration(5 * time.Minute),
		meterWh:           atomic.NewInt64(0),
		transactionID:     atomic.NewInt64(0),
		pending:           make(map[string]chan v16.Message),
		requests:          make(chan serverRequest, 4),
		done:              make(chan struct{}),
	}
}

// Connect opens the websocket and starts the read loop.
func (s *Simulator) Connect(ctx context.Context) error {
	url := strings.TrimSuffix(s.cfg.ServerURL, "/") + "/" + s.cfg.ChargerID
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v16.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if conn.Subprotocol() != v16.Subprotocol {
		conn.Close(websocket.StatusProtocolError, "subprotocol not negotiated")
		return fmt.Errorf("server did not accept subprotocol %s", v16.Subprotocol)
	}
	s.conn = conn
	s.log.Info("Connected to OCPP server", zap.String("url", url))

	go s.readLoop()
	return nil
}

// Close ends the connection. Pending calls fail with ErrNotConnected.
func (s *Simulator) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close(websocket.StatusNormalClosure, "")
		}
	})
	return err
}

// Done is closed once the connection is gone.
func (s *Simulator) Done() <-chan struct{} {
	return s.done
}

// HeartbeatInterval is the interval accepted on the last boot.
func (s *Simulator) HeartbeatInterval() time.Duration {
	return s.heartbeatInterval.Load()
}

// TransactionID returns the open session id, or 0.
func (s *Simulator) TransactionID() int {
	return int(s.transactionID.Load())
}

func (s *Simulator) MeterWh() int {
	return int(s.meterWh.Load())
}

// Call sends a request and decodes the CallResult payload into resp. A
// CallError from the server is returned as *v16.CallError.
func (s *Simulator) Call(ctx context.Context, action v16.Action, req, resp interface{}) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	id := uuid.NewString()
	call, err := v16.NewCall(id, action, req)
	if err != nil {
		return err
	}
	frame, err := v16.Encode(call)
	if err != nil {
		return err
	}

	ch := make(chan v16.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", action, err)
	}

	select {
	case m := <-ch:
		switch reply := m.(type) {
		case *v16.CallResult:
			if resp == nil {
				return nil
			}
			return json.Unmarshal(reply.Payload, resp)
		case *v16.CallError:
			return reply
		}
		return fmt.Errorf("unexpected reply %T", m)
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", action, ctx.Err())
	}
}

func (s *Simulator) readLoop() {
	defer s.Close()
	for {
		_, raw, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("Read error", zap.Error(err))
			}
			return
		}

		m, err := v16.Decode(raw)
		if err != nil {
			var perr *v16.ProtocolError
			if errors.As(err, &perr) && perr.Replyable() {
				s.reply(perr.AsCallError())
			}
			s.log.Warn("Invalid frame from server", zap.Error(err))
			continue
		}

		switch msg := m.(type) {
		case *v16.Call:
			s.handleCall(msg)
		default:
			s.mu.Lock()
			ch, ok := s.pending[msg.ID()]
			s.mu.Unlock()
			if !ok {
				s.log.Warn("Unmatched reply", zap.String("unique_id", msg.ID()))
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (s *Simulator) reply(m v16.Message) {
	frame, err := v16.Encode(m)
	if err != nil {
		s.log.Error("Failed to encode reply", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.log.Warn("Failed to send reply", zap.Error(err))
	}
}

func (s *Simulator) handleCall(call *v16.Call) {
	s.log.Info("Received server request", zap.String("action", string(call.Action)))

	var response interface{}
	switch call.Action {
	case v16.ActionRemoteStopTransaction:
		var req v16.RemoteStopTransactionRequest
		if err := v16.Bind(call.Payload, &req); err != nil {
			s.replyError(call.UniqueID, err)
			return
		}
		status := "Rejected"
		if open := s.TransactionID(); open != 0 && open == req.TransactionId {
			status = "Accepted"
			s.request(serverRequest{action: call.Action, reason: "Remote"})
		}
		response = v16.RemoteStopTransactionResponse{Status: status}
	case v16.ActionReset:
		var req v16.ResetRequest
		if err := v16.Bind(call.Payload, &req); err != nil {
			s.replyError(call.UniqueID, err)
			return
		}
		reason := "SoftReset"
		if req.Type == v16.ResetHard {
			reason = "HardReset"
		}
		s.request(serverRequest{action: call.Action, reason: reason})
		response = v16.ResetResponse{Status: "Accepted"}
	default:
		s.reply(v16.NewCallError(call.UniqueID, v16.ErrorCodeNotImplemented,
			fmt.Sprintf("Action %s not implemented", call.Action)))
		return
	}

	res, err := v16.NewCallResult(call.UniqueID, response)
	if err != nil {
		s.log.Error("Failed to build reply", zap.Error(err))
		return
	}
	s.reply(res)
}

func (s *Simulator) replyError(id string, err error) {
	var perr *v16.ProtocolError
	if errors.As(err, &perr) {
		s.reply(v16.NewCallError(id, perr.Code, perr.Description))
		return
	}
	s.reply(v16.NewCallError(id, v16.ErrorCodeInternalError, err.Error()))
}

func (s *Simulator) request(r serverRequest) {
	select {
	case s.requests <- r:
	default:
		s.log.Warn("Dropping server request, session loop busy", zap.String("action", string(r.action)))
	}
}

package v16

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// Transport is the raw frame channel under a Connection.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// callOutcome resolves a pending command: exactly one of msg or err is set.
type callOutcome struct {
	msg Message
	err error
}

type pendingCall struct {
	cmd domain.PendingCommand
	ch  chan callOutcome
}

// Connection is one live transport session of a charger.
type Connection struct {
	chargerID    string
	path         string
	transport    Transport
	connectedAt  time.Time
	lastActivity *atomic.Time

	mu      sync.Mutex
	pending map[string]*pendingCall

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

func NewConnection(chargerID, path string, t Transport) *Connection {
	now := time.Now()
	return &Connection{
		chargerID:    chargerID,
		path:         path,
		transport:    t,
		connectedAt:  now,
		lastActivity: atomic.NewTime(now),
		pending:      make(map[string]*pendingCall),
		closed:       make(chan struct{}),
	}
}

func (c *Connection) ChargerID() string       { return c.chargerID }
func (c *Connection) Path() string            { return c.path }
func (c *Connection) ConnectedAt() time.Time  { return c.connectedAt }
func (c *Connection) LastActivity() time.Time { return c.lastActivity.Load() }
func (c *Connection) Touch()                  { c.lastActivity.Store(time.Now()) }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send writes an encoded message to the transport.
func (c *Connection) Send(m Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, c.chargerID)
	default:
	}
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

// Close tears the connection down once, closing the transport and failing every
// pending command with ErrNotConnected wrapping ErrConnectionLost.
func (c *Connection) Close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = domain.ErrConnectionLost
		}
		c.mu.Lock()
		c.cause = cause
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		close(c.closed)
		c.mu.Unlock()

		_ = c.transport.Close()

		err := fmt.Errorf("%w: %w: %v", domain.ErrNotConnected, domain.ErrConnectionLost, cause)
		for _, p := range pending {
			p.ch <- callOutcome{err: err}
		}
	})
}

// Cause returns why the connection was closed, or nil while it is open.
func (c *Connection) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// addPending records an outbound command. The returned channel receives
// exactly one outcome.
func (c *Connection) addPending(cmd domain.PendingCommand) (<-chan callOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, c.chargerID)
	default:
	}
	if _, exists := c.pending[cmd.CorrelationID]; exists {
		return nil, fmt.Errorf("duplicate correlation id %s", cmd.CorrelationID)
	}
	ch := make(chan callOutcome, 1)
	c.pending[cmd.CorrelationID] = &pendingCall{cmd: cmd, ch: ch}
	return ch, nil
}

// resolve hands a response to its waiting caller. It reports false when no
// command with that id is pending.
func (c *Connection) resolve(m Message) bool {
	c.mu.Lock()
	p, ok := c.pending[m.ID()]
	if ok {
		delete(c.pending, m.ID())
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- callOutcome{msg: m}
	return true
}

func (c *Connection) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns a snapshot of the commands awaiting a reply.
func (c *Connection) Pending() []domain.PendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PendingCommand, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.cmd)
	}
	return out
}

// wsTransport adapts a gorilla connection. gorilla allows one concurrent
// writer, so every write goes through mu.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	stop         chan struct{}
	stopOnce     sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		stop:         make(chan struct{}),
	}
}

func (t *wsTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}

// keepAlive pings the peer until the transport is closed or a ping fails.
func (t *wsTransport) keepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			t.mu.Unlock()
			if err != nil {
				return
			}
		case <-t.stop:
			return
		}
	}
}

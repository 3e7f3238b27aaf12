package v16

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/adapter/storage/memory"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/service/authorization"
	"github.com/seu-repo/sigec-ocpp/internal/service/device"
	"github.com/seu-repo/sigec-ocpp/internal/service/transaction"
)

// recordingTransport captures outbound frames.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
}

func (t *recordingTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) last() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

func (t *recordingTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// stack wires the real services behind the protocol layer.
type stack struct {
	gateway    *memory.Gateway
	devices    *device.Service
	txs        *transaction.Service
	registry   *Registry
	dispatcher *Dispatcher
	handlers   *Handlers
	server     *Server
	locks      *keylock.Locker
}

func newStack(t *testing.T, requireAuth bool) *stack {
	t.Helper()
	log := zap.NewNop()
	gateway := memory.NewGateway()
	locks := keylock.New()
	registry := NewRegistry(log)
	devices := device.NewService(device.Config{
		HeartbeatInterval:            time.Minute,
		DefaultAuthorizationRequired: requireAuth,
	}, gateway, nil, nil, locks, registry, log)
	auth := authorization.NewService(gateway, nil, 0, log)
	txs := transaction.NewService(gateway, devices, auth, nil, nil, log)
	dispatcher := NewDispatcher(registry, 2*time.Second, log)
	handlers := NewHandlers(devices, txs, auth, time.Minute, log)
	server := NewServer(ServerConfig{}, registry, dispatcher, handlers, devices, locks, log)
	return &stack{
		gateway:    gateway,
		devices:    devices,
		txs:        txs,
		registry:   registry,
		dispatcher: dispatcher,
		handlers:   handlers,
		server:     server,
		locks:      locks,
	}
}

// dial opens a charger websocket against an httptest server.
func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/" + id
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := d.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	if resp.Header.Get("Sec-Websocket-Protocol") != Subprotocol {
		t.Fatalf("expected subprotocol %s, got %q", Subprotocol, resp.Header.Get("Sec-Websocket-Protocol"))
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id string, action Action, payload interface{}) Message {
	t.Helper()
	c, err := NewCall(id, action, payload)
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	writeMessage(t, ws, c)
	return readMessage(t, ws)
}

func writeMessage(t *testing.T, ws *websocket.Conn, m Message) {
	t.Helper()
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

func mustResult(t *testing.T, m Message, v interface{}) {
	t.Helper()
	res, ok := m.(*CallResult)
	if !ok {
		t.Fatalf("expected CallResult, got %#v", m)
	}
	if v != nil {
		if err := json.Unmarshal(res.Payload, v); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
	}
}

func mustError(t *testing.T, m Message, code string) *CallError {
	t.Helper()
	ce, ok := m.(*CallError)
	if !ok {
		t.Fatalf("expected CallError %s, got %#v", code, m)
	}
	if ce.ErrorCode != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, ce.ErrorCode, ce.ErrorDescription)
	}
	return ce
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

package simulator

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	v16 "github.com/seu-repo/sigec-ocpp/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/storage/memory"
	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/service/authorization"
	"github.com/seu-repo/sigec-ocpp/internal/service/device"
	"github.com/seu-repo/sigec-ocpp/internal/service/transaction"
)

type centralSystem struct {
	url        string
	gateway    *memory.Gateway
	devices    *device.Service
	dispatcher *v16.Dispatcher
}

func newCentralSystem(t *testing.T) *centralSystem {
	t.Helper()
	log := zap.NewNop()
	gateway := memory.NewGateway()
	gateway.SetAuthorization("TAG-OK", true)
	gateway.SetAuthorization("TAG-BLOCKED", false)

	locks := keylock.New()
	registry := v16.NewRegistry(log)
	devices := device.NewService(device.Config{
		HeartbeatInterval:            time.Second,
		DefaultAuthorizationRequired: true,
	}, gateway, nil, nil, locks, registry, log)
	auth := authorization.NewService(gateway, nil, 0, log)
	txs := transaction.NewService(gateway, devices, auth, nil, nil, log)
	dispatcher := v16.NewDispatcher(registry, 2*time.Second, log)
	handlers := v16.NewHandlers(devices, txs, auth, time.Second, log)
	server := v16.NewServer(v16.ServerConfig{}, registry, dispatcher, handlers, devices, locks, log)

	srv := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Stop()
		srv.Close()
	})
	return &centralSystem{
		url:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp",
		gateway:    gateway,
		devices:    devices,
		dispatcher: dispatcher,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func runSimulator(t *testing.T, cfg Config) (*Simulator, <-chan error) {
	t.Helper()
	sim := New(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("simulator did not stop")
		}
	})
	return sim, errCh
}

func TestSimulator_SessionEndToEnd(t *testing.T) {
	cs := newCentralSystem(t)
	sim, _ := runSimulator(t, Config{
		ServerURL:       cs.url,
		ChargerID:       "SIM-1",
		SerialNumber:    "SN-1",
		IDTag:           "TAG-OK",
		MeterInterval:   20 * time.Millisecond,
		SessionDuration: 200 * time.Millisecond,
		EnergyPerSample: 100,
	})

	eventually(t, func() bool {
		tx, _ := cs.gateway.FindTransaction(context.Background(), 1)
		return tx != nil && !tx.IsOpen()
	}, "session was not closed")

	tx, err := cs.gateway.FindTransaction(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "SIM-1", tx.ChargerID)
	assert.Equal(t, domain.StopReasonLocal, tx.StopReason)
	assert.Greater(t, tx.EnergyDelivered, 0)
	assert.Equal(t, sim.MeterWh(), *tx.MeterStop)

	readings, err := cs.gateway.ListMeterReadings(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, readings)

	assert.Equal(t, time.Second, sim.HeartbeatInterval())
	eventually(t, func() bool {
		c, ok := cs.devices.Get("SIM-1")
		return ok && c.State == domain.ChargerStateIdle && !c.LastHeartbeat.IsZero()
	}, "charger did not heartbeat back to Idle")
}

func TestSimulator_BlockedTokenNeverStarts(t *testing.T) {
	cs := newCentralSystem(t)
	runSimulator(t, Config{
		ServerURL:     cs.url,
		ChargerID:     "SIM-2",
		IDTag:         "TAG-BLOCKED",
		MeterInterval: 20 * time.Millisecond,
	})

	eventually(t, func() bool {
		c, ok := cs.devices.Get("SIM-2")
		return ok && c.State == domain.ChargerStateIdle
	}, "charger did not reach Idle")

	maxID, err := cs.gateway.MaxTransactionID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

func TestSimulator_AnswersServerCommands(t *testing.T) {
	cs := newCentralSystem(t)
	sim, _ := runSimulator(t, Config{
		ServerURL:     cs.url,
		ChargerID:     "SIM-3",
		IDTag:         "TAG-OK",
		MeterInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	eventually(t, func() bool { return sim.TransactionID() != 0 }, "session did not start")
	txID := sim.TransactionID()

	reply, err := cs.dispatcher.Send(ctx, "SIM-3", string(v16.ActionRemoteStopTransaction),
		v16.RemoteStopTransactionRequest{TransactionId: txID + 100}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", status(t, reply.Payload))

	reply, err = cs.dispatcher.Send(ctx, "SIM-3", string(v16.ActionRemoteStopTransaction),
		v16.RemoteStopTransactionRequest{TransactionId: txID}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", status(t, reply.Payload))

	eventually(t, func() bool {
		tx, _ := cs.gateway.FindTransaction(ctx, txID)
		return tx != nil && tx.StopReason == domain.StopReasonRemote
	}, "remote stop was not honoured")

	reply, err = cs.dispatcher.Send(ctx, "SIM-3", string(v16.ActionReset), v16.ResetRequest{Type: v16.ResetSoft}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", status(t, reply.Payload))

	reply, err = cs.dispatcher.Send(ctx, "SIM-3", "UnlockConnector", map[string]int{"connectorId": 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, v16.ErrorCodeNotImplemented, reply.ErrorCode)

	reply, err = cs.dispatcher.Send(ctx, "SIM-3", string(v16.ActionReset), map[string]string{"type": "Gentle"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, v16.ErrorCodePropertyConstraintViolation, reply.ErrorCode)
}

func TestSimulator_CallBeforeConnect(t *testing.T) {
	sim := New(Config{ChargerID: "SIM-4"}, zap.NewNop())
	assert.ErrorIs(t, sim.Heartbeat(context.Background()), ErrNotConnected)
}

func status(t *testing.T, payload []byte) string {
	t.Helper()
	var st struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(payload, &st))
	return st.Status
}

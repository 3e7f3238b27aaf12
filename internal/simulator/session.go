package simulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	v16 "github.com/seu-repo/sigec-ocpp/internal/adapter/ocpp/v16"
)

const measurandEnergy = "Energy.Active.Import.Register"

// Boot announces the charger and adopts the returned heartbeat interval.
func (s *Simulator) Boot(ctx context.Context) (*v16.BootNotificationResponse, error) {
	var resp v16.BootNotificationResponse
	err := s.Call(ctx, v16.ActionBootNotification, v16.BootNotificationRequest{
		ChargePointVendor:       s.cfg.Vendor,
		ChargePointModel:        s.cfg.Model,
		ChargePointSerialNumber: s.cfg.SerialNumber,
		FirmwareVersion:         s.cfg.FirmwareVersion,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("boot notification: %w", err)
	}
	if resp.Interval > 0 {
		s.heartbeatInterval.Store(time.Duration(resp.Interval) * time.Second)
	}
	s.log.Info("Boot accepted",
		zap.String("status", string(resp.Status)),
		zap.Int("interval", resp.Interval),
	)
	return &resp, nil
}

func (s *Simulator) Heartbeat(ctx context.Context) error {
	return s.Call(ctx, v16.ActionHeartbeat, v16.HeartbeatRequest{}, &v16.HeartbeatResponse{})
}

// Status reports the state of the simulated connector.
func (s *Simulator) Status(ctx context.Context, status string) error {
	now := time.Now().UTC()
	return s.Call(ctx, v16.ActionStatusNotification, v16.StatusNotificationRequest{
		ConnectorId: s.cfg.ConnectorID,
		ErrorCode:   "NoError",
		Status:      status,
		Timestamp:   &now,
	}, nil)
}

// Authorize asks whether idTag may charge and returns the idTagInfo status.
func (s *Simulator) Authorize(ctx context.Context, idTag string) (string, error) {
	var resp v16.AuthorizeResponse
	if err := s.Call(ctx, v16.ActionAuthorize, v16.AuthorizeRequest{IdTag: idTag}, &resp); err != nil {
		return "", err
	}
	return resp.IdTagInfo.Status, nil
}

// StartTransaction opens a session with the current meter reading. It returns
// the idTagInfo status; the session is tracked only when Accepted.
func (s *Simulator) StartTransaction(ctx context.Context, idTag string) (string, error) {
	var resp v16.StartTransactionResponse
	err := s.Call(ctx, v16.ActionStartTransaction, v16.StartTransactionRequest{
		ConnectorId: s.cfg.ConnectorID,
		IdTag:       idTag,
		MeterStart:  s.MeterWh(),
		Timestamp:   time.Now().UTC(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.IdTagInfo.Status == "Accepted" {
		s.transactionID.Store(int64(resp.TransactionId))
		s.log.Info("Session started", zap.Int("transaction_id", resp.TransactionId))
	}
	return resp.IdTagInfo.Status, nil
}

// SendMeterValues advances the meter by one step and reports it.
func (s *Simulator) SendMeterValues(ctx context.Context) error {
	wh := s.meterWh.Add(int64(s.cfg.EnergyPerSample))
	req := v16.MeterValuesRequest{
		ConnectorId: s.cfg.ConnectorID,
		MeterValue: []v16.MeterValue{{
			Timestamp: time.Now().UTC(),
			SampledValue: []v16.SampledValue{{
				Value:     strconv.FormatInt(wh, 10),
				Measurand: measurandEnergy,
				Unit:      "Wh",
			}},
		}},
	}
	if tx := s.TransactionID(); tx != 0 {
		req.TransactionId = &tx
	}
	return s.Call(ctx, v16.ActionMeterValues, req, nil)
}

// StopTransaction closes the open session, if any.
func (s *Simulator) StopTransaction(ctx context.Context, idTag, reason string) error {
	tx := s.TransactionID()
	if tx == 0 {
		return nil
	}
	err := s.Call(ctx, v16.ActionStopTransaction, v16.StopTransactionRequest{
		IdTag:         idTag,
		MeterStop:     s.MeterWh(),
		Timestamp:     time.Now().UTC(),
		TransactionId: tx,
		Reason:        reason,
	}, &v16.StopTransactionResponse{})
	if err != nil {
		return err
	}
	s.transactionID.Store(0)
	s.log.Info("Session stopped", zap.Int("transaction_id", tx), zap.String("reason", reason))
	return nil
}

// Run connects when needed, boots, then heartbeats until ctx ends. With an
// IDTag configured it runs one session: authorize, start, meter values every
// MeterInterval until SessionDuration passes or the server stops it, stop.
func (s *Simulator) Run(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	defer s.Close()

	if _, err := s.Boot(ctx); err != nil {
		return err
	}
	if err := s.Status(ctx, "Available"); err != nil {
		return fmt.Errorf("status notification: %w", err)
	}

	heartbeat := time.NewTimer(s.HeartbeatInterval())
	defer heartbeat.Stop()

	if s.cfg.IDTag != "" {
		if err := s.session(ctx, heartbeat); err != nil {
			return ignoreShutdown(ctx, err)
		}
	}

	for {
		select {
		case <-heartbeat.C:
			if err := s.Heartbeat(ctx); err != nil {
				return ignoreShutdown(ctx, err)
			}
			heartbeat.Reset(s.HeartbeatInterval())
		case r := <-s.requests:
			if err := s.apply(ctx, r); err != nil {
				return ignoreShutdown(ctx, err)
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Simulator) session(ctx context.Context, heartbeat *time.Timer) error {
	status, err := s.Authorize(ctx, s.cfg.IDTag)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if status != "Accepted" {
		s.log.Warn("Token not accepted", zap.String("status", status))
		return nil
	}
	if status, err = s.StartTransaction(ctx, s.cfg.IDTag); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if status != "Accepted" {
		s.log.Warn("Session rejected", zap.String("status", status))
		return nil
	}
	if err := s.Status(ctx, "Charging"); err != nil {
		return err
	}

	meter := time.NewTicker(s.cfg.MeterInterval)
	defer meter.Stop()

	var deadline <-chan time.Time
	if s.cfg.SessionDuration > 0 {
		t := time.NewTimer(s.cfg.SessionDuration)
		defer t.Stop()
		deadline = t.C
	}

	reason, reset := "Local", false
loop:
	for {
		select {
		case <-meter.C:
			if err := s.SendMeterValues(ctx); err != nil {
				return fmt.Errorf("meter values: %w", err)
			}
		case <-heartbeat.C:
			if err := s.Heartbeat(ctx); err != nil {
				return err
			}
			heartbeat.Reset(s.HeartbeatInterval())
		case r := <-s.requests:
			reason, reset = r.reason, r.action == v16.ActionReset
			break loop
		case <-deadline:
			break loop
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.StopTransaction(ctx, s.cfg.IDTag, reason); err != nil {
		return fmt.Errorf("stop transaction: %w", err)
	}
	if reset {
		return s.reboot(ctx)
	}
	return s.Status(ctx, "Available")
}

// apply handles a server command that arrived outside a session.
func (s *Simulator) apply(ctx context.Context, r serverRequest) error {
	if r.action != v16.ActionReset {
		return nil
	}
	return s.reboot(ctx)
}

func (s *Simulator) reboot(ctx context.Context) error {
	s.log.Info("Rebooting after reset")
	if _, err := s.Boot(ctx); err != nil {
		return err
	}
	return s.Status(ctx, "Available")
}

func ignoreShutdown(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

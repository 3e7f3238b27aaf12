package v16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// handlerFunc processes one charger-initiated action and returns the response payload.
type handlerFunc func(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error)

// Handlers processes OCPP 1.6 messages from charge points. The action table
// is fixed at construction; anything outside it is answered NotImplemented.
// Handle must be called with the charger's lock held.
type Handlers struct {
	devices           ports.ChargerLifecycle
	txs               ports.TransactionManager
	auth              ports.Authorizer
	heartbeatInterval time.Duration
	routes            map[Action]handlerFunc
	log               *zap.Logger
}

// NewHandlers creates a new OCPP 1.6 message handler
func NewHandlers(devices ports.ChargerLifecycle, txs ports.TransactionManager, auth ports.Authorizer, heartbeatInterval time.Duration, log *zap.Logger) *Handlers {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Minute
	}
	h := &Handlers{
		devices:           devices,
		txs:               txs,
		auth:              auth,
		heartbeatInterval: heartbeatInterval,
		log:               log,
	}
	h.routes = map[Action]handlerFunc{
		ActionBootNotification:   h.handleBootNotification,
		ActionHeartbeat:          h.handleHeartbeat,
		ActionStatusNotification: h.handleStatusNotification,
		ActionAuthorize:          h.handleAuthorize,
		ActionStartTransaction:   h.handleStartTransaction,
		ActionStopTransaction:    h.handleStopTransaction,
		ActionMeterValues:        h.handleMeterValues,
	}
	return h
}

// Supports reports whether action is in the inbound action table.
func (h *Handlers) Supports(action Action) bool {
	_, ok := h.routes[action]
	return ok
}

// Handle routes a Call and always returns the reply frame: a CallResult on
// success, otherwise a CallError echoing the call's unique id.
func (h *Handlers) Handle(ctx context.Context, conn *Connection, call *Call) (reply Message) {
	start := time.Now()
	action := string(call.Action)
	telemetry.OCPPMessagesTotal.WithLabelValues(action, "in").Inc()

	ctx, span := telemetry.StartSpan(ctx, "ocpp16."+action)
	span.SetAttributes(
		attribute.String("ocpp.charge_point_id", conn.ChargerID()),
		attribute.String("ocpp.unique_id", call.UniqueID),
	)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Panic while handling OCPP 1.6 message",
				zap.String("charge_point_id", conn.ChargerID()),
				zap.String("action", action),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			reply = h.callError(call, ErrorCodeInternalError, "internal error")
		}
		if ce, ok := reply.(*CallError); ok {
			span.SetStatus(codes.Error, ce.ErrorCode)
		}
		span.End()
		telemetry.HandlerLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}()

	route, ok := h.routes[call.Action]
	if !ok {
		h.log.Warn("Unknown OCPP 1.6 action",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.String("action", action),
		)
		return h.callError(call, ErrorCodeNotImplemented, fmt.Sprintf("%v: %s", domain.ErrUnknownAction, action))
	}

	h.devices.Seen(conn.ChargerID(), conn.Path())

	h.log.Debug("Received OCPP 1.6 message",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.String("action", action),
		zap.String("unique_id", call.UniqueID),
	)

	payload, err := route(ctx, conn, call.Payload)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			h.log.Warn("Rejected OCPP 1.6 payload",
				zap.String("charge_point_id", conn.ChargerID()),
				zap.String("action", action),
				zap.String("code", pe.Code),
				zap.String("reason", pe.Description),
			)
			return h.callError(call, pe.Code, pe.Description)
		}
		h.log.Error("Failed to process OCPP 1.6 message",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.String("action", action),
			zap.Error(err),
		)
		return h.callError(call, ErrorCodeInternalError, err.Error())
	}

	result, err := NewCallResult(call.UniqueID, payload)
	if err != nil {
		return h.callError(call, ErrorCodeInternalError, err.Error())
	}
	telemetry.OCPPMessagesTotal.WithLabelValues(action, "out").Inc()
	return result
}

func (h *Handlers) callError(call *Call, code, description string) *CallError {
	telemetry.OCPPErrorsTotal.WithLabelValues(code).Inc()
	return NewCallError(call.UniqueID, code, description)
}

// warn logs a persistence warning. The in-memory state already moved, so the
// charger still gets a normal reply.
func (h *Handlers) warn(chargerID, action string, err error) {
	if err == nil {
		return
	}
	h.log.Warn("OCPP 1.6 message handled with warning",
		zap.String("charge_point_id", chargerID),
		zap.String("action", action),
		zap.Error(err),
	)
}

func (h *Handlers) handleBootNotification(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req BootNotificationRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}

	h.log.Info("OCPP 1.6 BootNotification",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.String("vendor", req.ChargePointVendor),
		zap.String("model", req.ChargePointModel),
	)

	serial := req.ChargePointSerialNumber
	if serial == "" {
		serial = req.ChargeBoxSerialNumber
	}
	charger, err := h.devices.Boot(ctx, conn.ChargerID(), ports.BootInfo{
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    serial,
		FirmwareVersion: req.FirmwareVersion,
	})
	if charger == nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionBootNotification), err)

	interval := charger.Config.HeartbeatInterval(h.heartbeatInterval)
	return BootNotificationResponse{
		Status:      RegistrationAccepted,
		CurrentTime: time.Now().UTC(),
		Interval:    int(interval / time.Second),
	}, nil
}

func (h *Handlers) handleHeartbeat(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req HeartbeatRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}
	charger, err := h.devices.Heartbeat(ctx, conn.ChargerID(), h.txs.HasOpenTransaction(conn.ChargerID()))
	if charger == nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionHeartbeat), err)
	return HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
}

func (h *Handlers) handleStatusNotification(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req StatusNotificationRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}

	h.log.Info("OCPP 1.6 StatusNotification",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.Int("connector_id", req.ConnectorId),
		zap.String("status", req.Status),
		zap.String("error_code", req.ErrorCode),
	)

	charger, err := h.devices.Status(ctx, conn.ChargerID(), req.ConnectorId,
		domain.ConnectorStatus(req.Status), h.txs.HasOpenTransaction(conn.ChargerID()))
	if charger == nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionStatusNotification), err)
	return StatusNotificationResponse{}, nil
}

func (h *Handlers) handleAuthorize(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req AuthorizeRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}
	charger, ok := h.devices.Get(conn.ChargerID())
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChargerNotFound, conn.ChargerID())
	}

	status, err := h.auth.Authorize(ctx, charger.AuthorizationRequired, req.IdTag)
	h.warn(conn.ChargerID(), string(ActionAuthorize), err)

	h.log.Info("OCPP 1.6 Authorize",
		zap.String("charge_point_id", conn.ChargerID()),
		zap.String("id_tag", req.IdTag),
		zap.String("status", string(status)),
	)
	return AuthorizeResponse{IdTagInfo: IdTagInfo{Status: string(status)}}, nil
}

func (h *Handlers) handleStartTransaction(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req StartTransactionRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}

	res, err := h.txs.StartTransaction(ctx, ports.StartRequest{
		ChargerID:   conn.ChargerID(),
		ConnectorID: req.ConnectorId,
		IDTag:       req.IdTag,
		MeterStart:  req.MeterStart,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionStartTransaction), res.Warning)

	if res.Rejected {
		h.log.Info("OCPP 1.6 StartTransaction rejected",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.Int("connector_id", req.ConnectorId),
			zap.String("status", string(res.Status)),
			zap.Error(res.Reason),
		)
	}
	return StartTransactionResponse{
		IdTagInfo:     IdTagInfo{Status: string(res.Status)},
		TransactionId: res.TransactionID,
	}, nil
}

func (h *Handlers) handleStopTransaction(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req StopTransactionRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}
	samples, err := samplesFrom(req.TransactionData)
	if err != nil {
		return nil, err
	}

	res, err := h.txs.StopTransaction(ctx, ports.StopRequest{
		ChargerID:     conn.ChargerID(),
		TransactionID: req.TransactionId,
		IDTag:         req.IdTag,
		MeterStop:     req.MeterStop,
		Timestamp:     req.Timestamp,
		Reason:        req.Reason,
		Samples:       samples,
	})
	if errors.Is(err, domain.ErrTransactionNotFound) {
		h.log.Warn("OCPP 1.6 StopTransaction for unknown transaction",
			zap.String("charge_point_id", conn.ChargerID()),
			zap.Int("transaction_id", req.TransactionId),
		)
		return StopTransactionResponse{IdTagInfo: &IdTagInfo{Status: string(domain.AuthorizationInvalid)}}, nil
	}
	if err != nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionStopTransaction), res.Warning)

	resp := StopTransactionResponse{}
	if req.IdTag != "" {
		resp.IdTagInfo = &IdTagInfo{Status: string(domain.AuthorizationAccepted)}
	}
	return resp, nil
}

func (h *Handlers) handleMeterValues(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error) {
	var req MeterValuesRequest
	if err := Bind(payload, &req); err != nil {
		return nil, err
	}
	samples, err := samplesFrom(req.MeterValue)
	if err != nil {
		return nil, err
	}

	res, err := h.txs.RecordMeterValues(ctx, ports.MeterValuesRequest{
		ChargerID:     conn.ChargerID(),
		ConnectorID:   req.ConnectorId,
		TransactionID: req.TransactionId,
		Samples:       samples,
	})
	if err != nil {
		return nil, err
	}
	h.warn(conn.ChargerID(), string(ActionMeterValues), res.Warning)
	return MeterValuesResponse{}, nil
}

// samplesFrom flattens OCPP meter values into domain samples. Measurand and
// unit fall back to the OCPP defaults.
func samplesFrom(values []MeterValue) ([]domain.MeterSample, error) {
	var out []domain.MeterSample
	for i, mv := range values {
		for j, sv := range mv.SampledValue {
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				return nil, newProtocolError("", CallType, ErrorCodePropertyConstraintViolation,
					"field %q: value %q is not numeric", fmt.Sprintf("meterValue[%d].sampledValue[%d].value", i, j), sv.Value)
			}
			measurand := sv.Measurand
			if measurand == "" {
				measurand = domain.MeasurandEnergyActiveImportRegister
			}
			unit := sv.Unit
			if unit == "" && measurand == domain.MeasurandEnergyActiveImportRegister {
				unit = domain.UnitWh
			}
			out = append(out, domain.MeterSample{
				Timestamp: mv.Timestamp,
				Measurand: measurand,
				Value:     v,
				Unit:      unit,
			})
		}
	}
	return out, nil
}

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// OCPP actions the operator commands translate to.
const (
	actionRemoteStopTransaction = "RemoteStopTransaction"
	actionReset                 = "Reset"
)

const (
	ResetSoft = "Soft"
	ResetHard = "Hard"
)

// Params carries the optional arguments of an operator command.
type Params struct {
	TransactionID *int   `json:"transactionId,omitempty"`
	ConnectorID   int    `json:"connectorId,omitempty"`
	Type          string `json:"type,omitempty"`
}

// Outcome is what the charger answered.
type Outcome struct {
	ChargerID        string               `json:"chargerId"`
	Action           domain.CommandAction `json:"action"`
	CorrelationID    string               `json:"correlationId"`
	Status           string               `json:"status,omitempty"`
	ErrorCode        string               `json:"errorCode,omitempty"`
	ErrorDescription string               `json:"errorDescription,omitempty"`
	TransactionID    *int                 `json:"transactionId,omitempty"`
}

// Accepted reports whether the charger accepted the command.
func (o *Outcome) Accepted() bool {
	return o.ErrorCode == "" && o.Status == "Accepted"
}

type openTransactions interface {
	OpenTransactions(chargerID string) []domain.Transaction
}

type remoteStopPayload struct {
	TransactionId int `json:"transactionId"`
}

type resetPayload struct {
	Type string `json:"type"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// Service is the operator entry point for pushing commands to chargers.
type Service struct {
	sender  ports.CommandSender
	txs     openTransactions
	timeout time.Duration
	log     *zap.Logger
}

func NewService(sender ports.CommandSender, txs openTransactions, timeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		sender:  sender,
		txs:     txs,
		timeout: timeout,
		log:     log,
	}
}

// SendCommand pushes action to the charger and waits for its reply. It
// returns ErrNotConnected, ErrCommandTimeout or ErrInvalidCommand on failure;
// a charger-side rejection is an Outcome, not an error.
func (s *Service) SendCommand(ctx context.Context, chargerID string, action domain.CommandAction, params Params) (*Outcome, error) {
	if chargerID == "" {
		return nil, fmt.Errorf("%w: charger id is required", domain.ErrInvalidCommand)
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidCommand, action)
	}

	var (
		ocppAction string
		payload    interface{}
		txID       *int
	)
	switch action {
	case domain.CommandStopSession:
		id, err := s.resolveTransaction(chargerID, params)
		if err != nil {
			return nil, err
		}
		txID = &id
		ocppAction = actionRemoteStopTransaction
		payload = remoteStopPayload{TransactionId: id}
	case domain.CommandReset:
		typ := params.Type
		if typ == "" {
			typ = ResetSoft
		}
		if typ != ResetSoft && typ != ResetHard {
			return nil, fmt.Errorf("%w: reset type %q", domain.ErrInvalidCommand, params.Type)
		}
		ocppAction = actionReset
		payload = resetPayload{Type: typ}
	}

	s.log.Info("Sending operator command",
		zap.String("charge_point_id", chargerID),
		zap.String("action", string(action)),
	)

	reply, err := s.sender.Send(ctx, chargerID, ocppAction, payload, s.timeout)
	if err != nil {
		s.log.Warn("Operator command failed",
			zap.String("charge_point_id", chargerID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return nil, err
	}

	out := &Outcome{
		ChargerID:        chargerID,
		Action:           action,
		CorrelationID:    reply.CorrelationID,
		ErrorCode:        reply.ErrorCode,
		ErrorDescription: reply.ErrorDescription,
		TransactionID:    txID,
	}
	if !reply.IsError() {
		var st statusPayload
		if err := json.Unmarshal(reply.Payload, &st); err != nil {
			return nil, fmt.Errorf("decode %s reply: %w", ocppAction, err)
		}
		out.Status = st.Status
	}
	return out, nil
}

// resolveTransaction picks the explicit id or the charger's open transaction,
// preferring the requested connector.
func (s *Service) resolveTransaction(chargerID string, params Params) (int, error) {
	if params.TransactionID != nil {
		return *params.TransactionID, nil
	}
	var open []domain.Transaction
	if s.txs != nil {
		open = s.txs.OpenTransactions(chargerID)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	for _, tx := range open {
		if params.ConnectorID == 0 || tx.ConnectorID == params.ConnectorID {
			return tx.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: no open transaction on %s", domain.ErrInvalidCommand, chargerID)
}

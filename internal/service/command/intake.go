package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/adapter/queue"
	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// Request is a command delivered over the message queue.
type Request struct {
	RequestID string `json:"requestId" validate:"required"`
	ChargerID string `json:"chargerId" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=stopSession reset"`
	Params    Params `json:"params"`
	ReplyTo   string `json:"replyTo"`
}

// Reply is published to Request.ReplyTo once the command completes.
type Reply struct {
	RequestID string   `json:"requestId"`
	Result    string   `json:"result"`
	Error     string   `json:"error,omitempty"`
	Outcome   *Outcome `json:"outcome,omitempty"`
}

// Reply results.
const (
	ResultOK           = "ok"
	ResultNotConnected = "not_connected"
	ResultTimeout      = "timeout"
	ResultInvalid      = "invalid"
	ResultFailed       = "failed"
)

// Intake executes commands received on a queue subject. Each command runs in
// its own goroutine so a slow charger never blocks delivery.
type Intake struct {
	svc      *Service
	queue    queue.MessageQueue
	subject  string
	timeout  time.Duration
	validate *validator.Validate
	log      *zap.Logger
}

func NewIntake(svc *Service, q queue.MessageQueue, subject string, timeout time.Duration, log *zap.Logger) *Intake {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Intake{
		svc:      svc,
		queue:    q,
		subject:  subject,
		timeout:  timeout,
		validate: validator.New(),
		log:      log,
	}
}

func (in *Intake) Start() error {
	if err := in.queue.Subscribe(in.subject, in.handle); err != nil {
		return err
	}
	in.log.Info("Command intake subscribed", zap.String("subject", in.subject))
	return nil
}

func (in *Intake) handle(data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if err := in.validate.Struct(&req); err != nil {
		in.reply(req, Reply{RequestID: req.RequestID, Result: ResultInvalid, Error: err.Error()})
		return nil
	}

	go in.execute(req)
	return nil
}

func (in *Intake) execute(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()

	out, err := in.svc.SendCommand(ctx, req.ChargerID, domain.CommandAction(req.Action), req.Params)
	rep := Reply{RequestID: req.RequestID, Result: ResultOK, Outcome: out}
	if err != nil {
		rep.Result = classify(err)
		rep.Error = err.Error()
	}
	in.reply(req, rep)
}

func classify(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		return ResultNotConnected
	case errors.Is(err, domain.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, domain.ErrInvalidCommand):
		return ResultInvalid
	default:
		return ResultFailed
	}
}

func (in *Intake) reply(req Request, rep Reply) {
	if req.ReplyTo == "" {
		in.log.Debug("Command completed without reply subject",
			zap.String("request_id", req.RequestID),
			zap.String("result", rep.Result),
		)
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		in.log.Error("Failed to encode command reply", zap.Error(err))
		return
	}
	if err := in.queue.Publish(req.ReplyTo, data); err != nil {
		in.log.Warn("Failed to publish command reply",
			zap.String("request_id", req.RequestID),
			zap.String("reply_to", req.ReplyTo),
			zap.Error(err),
		)
	}
}

package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/mocks"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

const commandSubject = "ocpp.commands"

func waitReply(t *testing.T, q *mocks.MockMessageQueue, subject string) Reply {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := q.GetPublishedMessages(subject); len(msgs) > 0 {
			var rep Reply
			require.NoError(t, json.Unmarshal(msgs[0], &rep))
			return rep
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply on %s", subject)
	return Reply{}
}

func newIntake(t *testing.T, sender ports.CommandSender) (*Intake, *mocks.MockMessageQueue) {
	t.Helper()
	q := mocks.NewMockMessageQueue()
	svc := NewService(sender, nil, time.Second, zap.NewNop())
	in := NewIntake(svc, q, commandSubject, time.Second, zap.NewNop())
	require.NoError(t, in.Start())
	return in, q
}

func deliver(t *testing.T, q *mocks.MockMessageQueue, req Request) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, q.Deliver(commandSubject, data))
}

func TestIntake_ExecutesAndReplies(t *testing.T) {
	sender := &mocks.MockCommandSender{}
	_, q := newIntake(t, sender)

	deliver(t, q, Request{RequestID: "r-1", ChargerID: "CP1", Action: "reset", Params: Params{Type: "Hard"}, ReplyTo: "ops.replies"})

	rep := waitReply(t, q, "ops.replies")
	assert.Equal(t, "r-1", rep.RequestID)
	assert.Equal(t, ResultOK, rep.Result)
	require.NotNil(t, rep.Outcome)
	assert.Equal(t, "Accepted", rep.Outcome.Status)
	assert.Equal(t, domain.CommandReset, rep.Outcome.Action)
}

func TestIntake_NotConnected(t *testing.T) {
	sender := &mocks.MockCommandSender{
		SendFunc: func(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (*ports.CommandReply, error) {
			return nil, domain.ErrNotConnected
		},
	}
	_, q := newIntake(t, sender)

	deliver(t, q, Request{RequestID: "r-2", ChargerID: "CP1", Action: "reset", ReplyTo: "ops.replies"})

	rep := waitReply(t, q, "ops.replies")
	assert.Equal(t, ResultNotConnected, rep.Result)
	assert.Nil(t, rep.Outcome)
	assert.NotEmpty(t, rep.Error)
}

func TestIntake_RejectsInvalidRequest(t *testing.T) {
	sender := &mocks.MockCommandSender{}
	_, q := newIntake(t, sender)

	deliver(t, q, Request{RequestID: "r-3", ChargerID: "CP1", Action: "selfDestruct", ReplyTo: "ops.replies"})

	rep := waitReply(t, q, "ops.replies")
	assert.Equal(t, ResultInvalid, rep.Result)
	assert.Empty(t, sender.Calls())
}

func TestIntake_MalformedJSON(t *testing.T) {
	_, q := newIntake(t, &mocks.MockCommandSender{})
	assert.Error(t, q.Deliver(commandSubject, []byte("{")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ResultTimeout, classify(domain.ErrCommandTimeout))
	assert.Equal(t, ResultTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, ResultInvalid, classify(domain.ErrInvalidCommand))
	assert.Equal(t, ResultFailed, classify(assert.AnError))
}

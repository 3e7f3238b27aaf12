package v16

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

func TestRegistry_RegisterReplacesPrevious(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	t1, t2 := &recordingTransport{}, &recordingTransport{}
	first := NewConnection("CP1", "/a/CP1", t1)
	second := NewConnection("CP1", "/b/CP1", t2)

	assert.Nil(t, r.Register(first))
	ch, err := first.addPending(domain.PendingCommand{CorrelationID: "c-1", ChargerID: "CP1", Action: "Reset"})
	require.NoError(t, err)

	prev := r.Register(second)

	assert.Same(t, first, prev)
	assert.True(t, t1.isClosed())
	assert.ErrorIs(t, first.Cause(), domain.ErrConnectionReplaced)

	out := <-ch
	assert.True(t, errors.Is(out.err, domain.ErrNotConnected))
	assert.True(t, errors.Is(out.err, domain.ErrConnectionLost))

	got, err := r.Lookup("CP1")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterOnlyCurrent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	first := NewConnection("CP1", "", &recordingTransport{})
	second := NewConnection("CP1", "", &recordingTransport{})
	r.Register(first)
	r.Register(second)

	assert.False(t, r.Unregister(first), "stale connection must not remove its successor")
	assert.True(t, r.Unregister(second))

	_, err := r.Lookup("CP1")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tr := &recordingTransport{}
	r.Register(NewConnection("CP1", "", tr))

	assert.True(t, r.Evict("CP1", domain.ErrConnectionLost))
	assert.True(t, tr.isClosed())
	assert.False(t, r.Evict("CP1", domain.ErrConnectionLost))
	assert.Equal(t, 0, r.Len())
}

func TestConnection_SendAfterClose(t *testing.T) {
	tr := &recordingTransport{}
	c := NewConnection("CP1", "", tr)

	require.NoError(t, c.Send(NewCallError("x", ErrorCodeGenericError, "")))
	assert.NotNil(t, tr.last())

	c.Close(nil)
	err := c.Send(NewCallError("y", ErrorCodeGenericError, ""))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, c.Cause(), domain.ErrConnectionLost)

	_, err = c.addPending(domain.PendingCommand{CorrelationID: "z"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

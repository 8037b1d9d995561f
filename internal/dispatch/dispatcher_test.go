package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/registry/registrytest"
)

type stubStrategy struct {
	msgType   protocol.MsgType
	clientErr error
	relayErr  error
	panicMsg  string
	seen      []protocol.Envelope
}

func (s *stubStrategy) MsgType() protocol.MsgType { return s.msgType }

func (s *stubStrategy) Exchange(_ context.Context, _ registry.Conn, env protocol.Envelope) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.seen = append(s.seen, env)
	return s.clientErr
}

func (s *stubStrategy) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.seen = append(s.seen, env)
	return s.relayErr
}

func TestNewRejectsDuplicateTypes(t *testing.T) {
	_, err := New([]Strategy{
		&stubStrategy{msgType: protocol.MsgTypeC2CSend},
		&stubStrategy{msgType: protocol.MsgTypeC2CSend},
	})
	require.Error(t, err)

	_, err = New([]Strategy{&stubStrategy{}})
	require.Error(t, err)
}

func TestDispatchFromClientRoutesInOrder(t *testing.T) {
	send := &stubStrategy{msgType: protocol.MsgTypeC2CSend}
	d, err := New([]Strategy{send})
	require.NoError(t, err)

	conn := registrytest.NewFakeConn("c1", 1)
	for i := 1; i <= 5; i++ {
		env := protocol.Envelope{Type: protocol.MsgTypeC2CSend, Payload: []byte{byte(i)}}
		d.DispatchFromClient(context.Background(), conn, env)
	}

	require.Len(t, send.seen, 5)
	for i, env := range send.seen {
		require.Equal(t, []byte{byte(i + 1)}, env.Payload)
	}
}

func TestDispatchFromClientDropsUnknownTypes(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)
	conn := registrytest.NewFakeConn("c1", 1)

	d.DispatchFromClient(context.Background(), conn, protocol.Envelope{Type: protocol.MsgTypeGroupSend})
	require.Empty(t, conn.Frames())
}

func TestDispatchFromClientAnswersValidationErrors(t *testing.T) {
	send := &stubStrategy{msgType: protocol.MsgTypeC2CSend, clientErr: fmt.Errorf("%w: empty content", ErrValidation)}
	d, err := New([]Strategy{send})
	require.NoError(t, err)
	conn := registrytest.NewFakeConn("c1", 1)

	d.DispatchFromClient(context.Background(), conn, protocol.Envelope{Type: protocol.MsgTypeC2CSend})

	frames := conn.Frames()
	require.Len(t, frames, 1)
	env, err := protocol.DecodeEnvelope(frames[0])
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeC2CSend, env.Type)
	require.Equal(t, protocol.CodeBadParams, env.Code)
}

func TestDispatchFromClientSurvivesHandlerFailures(t *testing.T) {
	failing := &stubStrategy{msgType: protocol.MsgTypeC2CSend, clientErr: errors.New("boom")}
	panicking := &stubStrategy{msgType: protocol.MsgTypeWithdraw, panicMsg: "kaboom"}
	d, err := New([]Strategy{failing, panicking})
	require.NoError(t, err)
	conn := registrytest.NewFakeConn("c1", 1)

	require.NotPanics(t, func() {
		d.DispatchFromClient(context.Background(), conn, protocol.Envelope{Type: protocol.MsgTypeC2CSend})
		d.DispatchFromClient(context.Background(), conn, protocol.Envelope{Type: protocol.MsgTypeWithdraw})
	})
	require.Empty(t, conn.Frames())
}

func TestDispatchFromRelayReportsOutcome(t *testing.T) {
	ok := &stubStrategy{msgType: protocol.MsgTypeC2CSend}
	offline := &stubStrategy{msgType: protocol.MsgTypeC2CAck, relayErr: fmt.Errorf("push: %w", registry.ErrNotRegistered)}
	unsupported := &stubStrategy{msgType: protocol.MsgTypeBatchMsgIDs, relayErr: ErrUnsupported}
	panicking := &stubStrategy{msgType: protocol.MsgTypeWithdraw, panicMsg: "kaboom"}
	d, err := New([]Strategy{ok, offline, unsupported, panicking})
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, protocol.CodeSuccess, d.DispatchFromRelay(ctx, protocol.Envelope{Type: protocol.MsgTypeC2CSend}).Code)
	require.Equal(t, protocol.CodeRecipientOffline, d.DispatchFromRelay(ctx, protocol.Envelope{Type: protocol.MsgTypeC2CAck}).Code)
	require.Equal(t, protocol.CodeFailure, d.DispatchFromRelay(ctx, protocol.Envelope{Type: protocol.MsgTypeBatchMsgIDs}).Code)
	require.Equal(t, protocol.CodeFailure, d.DispatchFromRelay(ctx, protocol.Envelope{Type: protocol.MsgTypeGroupPush}).Code)

	res := d.DispatchFromRelay(ctx, protocol.Envelope{Type: protocol.MsgTypeWithdraw})
	require.Equal(t, protocol.CodePushFailed, res.Code)
	require.Contains(t, res.Detail, "kaboom")
}

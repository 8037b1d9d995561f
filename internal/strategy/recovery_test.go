package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/persistence"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/retry"
)

func scan(t *testing.T, n *testNode) int {
	t.Helper()
	processed, err := n.engine.ScanOnce(context.Background())
	require.NoError(t, err)
	return processed
}

// TestUnackedMessageIsAbandonedAfterMaxAttempts lets a recipient ignore a message until
// the retry budget runs out; the sender then receives exactly one failure notice.
func TestUnackedMessageIsAbandonedAfterMaxAttempts(t *testing.T) {
	clock := newClock()
	n := newTestNode(t, newRedis(t), "node1", 1, clock)
	alice := n.connect(t, 1)
	bob := n.connect(t, 2)
	clientMsgID := newClientMsgID()
	n.send(alice, protocol.MsgTypeC2CSend, &protocol.C2CMessage{ClientMsgID: clientMsgID, To: 2, Content: []byte("anyone?")})
	accepted := sentMessage(t, alice, protocol.MsgTypeC2CSend)

	//1.- Persistence confirms storage, so only the client ack stays pending.
	res := n.dispatcher.DispatchFromRelay(context.Background(), protocol.NewEnvelope(protocol.MsgTypeServerAck, &protocol.AckMessage{
		MsgID: accepted.MsgID, ClientMsgID: clientMsgID, To: 1,
	}))
	require.Equal(t, protocol.CodeSuccess, res.Code)

	require.Zero(t, scan(t, n))
	clock.Advance(5 * time.Second)
	require.Equal(t, 1, scan(t, n))
	require.Len(t, framesOf(t, bob, protocol.MsgTypeC2CPush), 2)

	clock.Advance(30 * time.Second)
	require.Equal(t, 1, scan(t, n))
	require.Len(t, framesOf(t, bob, protocol.MsgTypeC2CPush), 3)
	require.Empty(t, framesOf(t, alice, protocol.MsgTypeDeliveryFailed))

	clock.Advance(300 * time.Second)
	require.Equal(t, 1, scan(t, n))
	require.Len(t, framesOf(t, bob, protocol.MsgTypeC2CPush), 3)

	notices := framesOf(t, alice, protocol.MsgTypeDeliveryFailed)
	require.Len(t, notices, 1)
	var notice protocol.DeliveryFailed
	require.NoError(t, notices[0].Decode(&notice))
	require.Equal(t, accepted.MsgID, notice.MsgID)
	require.Equal(t, clientMsgID, notice.ClientMsgID)
	require.EqualValues(t, 3, notice.Attempts)
	require.Equal(t, delivery.StateAbandoned, n.state(t, accepted.MsgID))
	require.False(t, n.pending(t, retry.KindClientAck, clientMsgID))

	clock.Advance(time.Hour)
	require.Zero(t, scan(t, n))
	require.Len(t, framesOf(t, alice, protocol.MsgTypeDeliveryFailed), 1)
}

func TestAckBeforeRetryStopsRedelivery(t *testing.T) {
	clock := newClock()
	n := newTestNode(t, newRedis(t), "node1", 1, clock)
	alice := n.connect(t, 1)
	bob := n.connect(t, 2)
	clientMsgID := newClientMsgID()
	n.send(alice, protocol.MsgTypeC2CSend, &protocol.C2CMessage{ClientMsgID: clientMsgID, To: 2, Content: []byte("hi")})
	accepted := sentMessage(t, alice, protocol.MsgTypeC2CSend)
	n.send(bob, protocol.MsgTypeC2CAck, &protocol.AckMessage{MsgID: accepted.MsgID, ClientMsgID: clientMsgID, To: 1, Status: protocol.AckStatusUnread})

	clock.Advance(5 * time.Second)
	scan(t, n)

	require.Len(t, framesOf(t, bob, protocol.MsgTypeC2CPush), 1)
	// the server ack record was resubmitted instead
	require.Len(t, n.recorder.Topic(persistence.TopicC2CMessage), 2)
}

func TestRepushToOfflineRecipientQueuesOffline(t *testing.T) {
	clock := newClock()
	n := newTestNode(t, newRedis(t), "node1", 1, clock)
	alice := n.connect(t, 1)
	bob := n.connect(t, 2)
	clientMsgID := newClientMsgID()
	n.send(alice, protocol.MsgTypeC2CSend, &protocol.C2CMessage{ClientMsgID: clientMsgID, To: 2, Content: []byte("hi")})

	//1.- Bob disconnects before acknowledging.
	n.registry.Unregister(2, bob.ID())
	_, err := n.presence.Unregister(context.Background(), 2)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	scan(t, n)

	require.Len(t, n.recorder.Topic(persistence.TopicC2COffline), 1)
	require.False(t, n.pending(t, retry.KindClientAck, clientMsgID))
	require.Empty(t, framesOf(t, alice, protocol.MsgTypeDeliveryFailed))
}

func TestResubmitServerAckRejectsForeignFrames(t *testing.T) {
	n := newTestNode(t, newRedis(t), "node1", 1, newClock())
	recovery := NewRecovery(n.deps)

	err := recovery.ResubmitServerAck(context.Background(), retry.Record{
		Kind:        retry.KindServerAck,
		ClientMsgID: "x",
		Frame:       protocol.NewEnvelope(protocol.MsgTypeSocialPush, &protocol.SocialEvent{To: 1}).Marshal(),
	})
	require.Error(t, err)

	group := &protocol.GroupMessage{MsgID: 4, ClientMsgID: newClientMsgID(), From: 1, GroupID: 7, Content: []byte("g")}
	err = recovery.ResubmitServerAck(context.Background(), retry.Record{
		Kind:        retry.KindServerAck,
		ClientMsgID: protocol.ClientMsgIDString(group.ClientMsgID),
		Frame:       protocol.NewEnvelope(protocol.MsgTypeGroupSend, group).Marshal(),
	})
	require.NoError(t, err)
	require.Len(t, n.recorder.Topic(persistence.TopicGroupMessage), 1)
}

func TestWithdrawnMessageIsNeitherRepushedNorReported(t *testing.T) {
	clock := newClock()
	n := newTestNode(t, newRedis(t), "node1", 1, clock)
	alice := n.connect(t, 1)
	bob := n.connect(t, 2)
	clientMsgID := newClientMsgID()
	n.send(alice, protocol.MsgTypeC2CSend, &protocol.C2CMessage{ClientMsgID: clientMsgID, To: 2, Content: []byte("nevermind")})
	accepted := sentMessage(t, alice, protocol.MsgTypeC2CSend)
	res := n.dispatcher.DispatchFromRelay(context.Background(), protocol.NewEnvelope(protocol.MsgTypeServerAck, &protocol.AckMessage{
		MsgID: accepted.MsgID, ClientMsgID: clientMsgID, To: 1,
	}))
	require.Equal(t, protocol.CodeSuccess, res.Code)
	n.send(alice, protocol.MsgTypeWithdraw, &protocol.WithdrawMessage{MsgID: accepted.MsgID, ClientMsgID: clientMsgID, To: 2})

	for _, step := range []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second} {
		clock.Advance(step)
		require.Equal(t, 1, scan(t, n))
	}

	require.Len(t, framesOf(t, bob, protocol.MsgTypeC2CPush), 1)
	require.Empty(t, framesOf(t, alice, protocol.MsgTypeDeliveryFailed))
	require.False(t, n.pending(t, retry.KindClientAck, clientMsgID))
	require.Equal(t, delivery.StateWithdrawn, n.state(t, accepted.MsgID))
}

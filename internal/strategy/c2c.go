package strategy

import (
	"context"
	"fmt"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/retry"
)

// C2CSend handles direct messages.
type C2CSend struct {
	deps  *Deps
	route *router
}

func (s *C2CSend) MsgType() protocol.MsgType { return protocol.MsgTypeC2CSend }

func validateC2C(msg *protocol.C2CMessage) error {
	if msg.To <= 0 {
		return invalid("recipient is required")
	}
	if err := validateClientMsgID(msg.ClientMsgID); err != nil {
		return err
	}
	return validateContent(msg.Content, msg.Format)
}

// Exchange stamps the message, hands it to persistence and routes it to the recipient.
func (s *C2CSend) Exchange(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	d := s.deps
	var msg protocol.C2CMessage
	if err := decode(env, &msg); err != nil {
		return err
	}
	if err := validateC2C(&msg); err != nil {
		return err
	}
	//1.- Stamp server side identity.
	msg.From = conn.UserID()
	msg.MsgID = d.IDs.Next()
	msg.SendTime = d.nowMillis()
	msg.ConversationID = protocol.ConversationID(msg.From, msg.To)
	clientMsgID := protocol.ClientMsgIDString(msg.ClientMsgID)
	logger := d.Logger.With(
		logging.Uint64("msg_id", msg.MsgID),
		logging.String("client_msg_id", clientMsgID),
		logging.Int64("from", msg.From),
		logging.Int64("to", msg.To),
	)

	//2.- Hand off to persistence, keyed by conversation.
	if d.States != nil {
		if err := d.States.Claim(ctx, stateKey(msg.MsgID), delivery.Owner{From: msg.From, To: msg.To}); err != nil {
			logger.Warn("message owner not recorded", logging.Error(err))
		}
	}
	d.advance(ctx, msg.MsgID, delivery.StateCreated)
	d.advance(ctx, msg.MsgID, delivery.StateQueuedPersistence)
	if err := d.Persistence.SubmitC2C(ctx, &msg); err != nil {
		_ = reply(conn, protocol.Response(protocol.MsgTypeC2CSend, protocol.CodeInternalError))
		return fmt.Errorf("submit message %d: %w", msg.MsgID, err)
	}
	request := protocol.NewEnvelope(protocol.MsgTypeC2CSend, &msg)
	if err := d.Retry.Track(ctx, retry.Record{
		Kind:        retry.KindServerAck,
		ClientMsgID: clientMsgID,
		MsgID:       msg.MsgID,
		From:        msg.From,
		To:          msg.To,
		Frame:       request.Marshal(),
		CreatedAt:   msg.SendTime,
	}); err != nil {
		logger.Warn("server ack tracking failed", logging.Error(err))
	}
	d.advance(ctx, msg.MsgID, delivery.StateAwaitingServerAck)

	//3.- Route to the recipient.
	push := protocol.NewEnvelope(protocol.MsgTypeC2CPush, &msg)
	outcome, reason := s.route.deliver(ctx, msg.To, push, request)
	switch outcome {
	case OutcomeLocal, OutcomeRemote:
		d.advance(ctx, msg.MsgID, delivery.StateDelivered)
		if err := d.Retry.Track(ctx, retry.Record{
			Kind:        retry.KindClientAck,
			ClientMsgID: clientMsgID,
			MsgID:       msg.MsgID,
			From:        msg.From,
			To:          msg.To,
			Frame:       push.Marshal(),
			CreatedAt:   msg.SendTime,
		}); err != nil {
			logger.Warn("client ack tracking failed", logging.Error(err))
		}
		d.advance(ctx, msg.MsgID, delivery.StateAwaitingClientAck)
	default:
		if err := d.Persistence.SubmitOffline(ctx, &msg, reason); err != nil {
			logger.Error("offline hand-off failed", logging.Error(err))
		}
		d.advance(ctx, msg.MsgID, delivery.StateQueuedOffline)
	}
	logger.Debug("message routed", logging.String("outcome", outcome.String()))

	//4.- Tell the sender which id the message got.
	return reply(conn, protocol.NewEnvelope(protocol.MsgTypeC2CSend, &protocol.AckMessage{
		MsgID:       msg.MsgID,
		ClientMsgID: msg.ClientMsgID,
		From:        msg.From,
		To:          msg.To,
		AckTime:     msg.SendTime,
	}))
}

// ReceiveAndDeliver pushes a message relayed by the sender's node. It never re-enters
// persistence.
func (s *C2CSend) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	var msg protocol.C2CMessage
	if err := decode(env, &msg); err != nil {
		return err
	}
	if err := validateC2C(&msg); err != nil {
		return err
	}
	if msg.MsgID == 0 || msg.From <= 0 {
		return invalid("relayed message lacks server identity")
	}
	return s.deps.pushLocal(msg.To, protocol.NewEnvelope(protocol.MsgTypeC2CPush, &msg))
}

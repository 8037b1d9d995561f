package strategy

import (
	"context"
	"fmt"

	"imconnect/node/internal/dispatch"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/retry"
)

// GroupSend accepts group messages. Fan-out happens when the stored message comes back
// on the broadcast feed.
type GroupSend struct {
	deps *Deps
}

func (s *GroupSend) MsgType() protocol.MsgType { return protocol.MsgTypeGroupSend }

func (s *GroupSend) Exchange(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	d := s.deps
	var msg protocol.GroupMessage
	if err := decode(env, &msg); err != nil {
		return err
	}
	if msg.GroupID <= 0 {
		return invalid("group id is required")
	}
	if err := validateClientMsgID(msg.ClientMsgID); err != nil {
		return err
	}
	if err := validateContent(msg.Content, msg.Format); err != nil {
		return err
	}
	msg.From = conn.UserID()
	if d.Members != nil {
		ok, err := d.Members.IsMember(ctx, msg.GroupID, msg.From)
		if err != nil {
			_ = reply(conn, protocol.Response(protocol.MsgTypeGroupSend, protocol.CodeInternalError))
			return fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return invalid("user %d is not a member of group %d", msg.From, msg.GroupID)
		}
	}
	msg.MsgID = d.IDs.Next()
	msg.SendTime = d.nowMillis()
	clientMsgID := protocol.ClientMsgIDString(msg.ClientMsgID)

	if err := d.Persistence.SubmitGroup(ctx, &msg); err != nil {
		_ = reply(conn, protocol.Response(protocol.MsgTypeGroupSend, protocol.CodeInternalError))
		return fmt.Errorf("submit group message %d: %w", msg.MsgID, err)
	}
	if err := d.Retry.Track(ctx, retry.Record{
		Kind:        retry.KindServerAck,
		ClientMsgID: clientMsgID,
		MsgID:       msg.MsgID,
		From:        msg.From,
		To:          msg.GroupID,
		Frame:       protocol.NewEnvelope(protocol.MsgTypeGroupSend, &msg).Marshal(),
		CreatedAt:   msg.SendTime,
	}); err != nil {
		d.Logger.Warn("server ack tracking failed", logging.String("client_msg_id", clientMsgID), logging.Error(err))
	}
	return reply(conn, protocol.NewEnvelope(protocol.MsgTypeGroupSend, &protocol.AckMessage{
		MsgID:       msg.MsgID,
		ClientMsgID: msg.ClientMsgID,
		From:        msg.From,
		AckTime:     msg.SendTime,
	}))
}

func (s *GroupSend) ReceiveAndDeliver(context.Context, protocol.Envelope) error {
	return dispatch.ErrUnsupported
}

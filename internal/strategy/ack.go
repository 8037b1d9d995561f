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

// C2CAck handles unread and read acknowledgements sent by a recipient.
type C2CAck struct {
	deps  *Deps
	route *router
}

func (s *C2CAck) MsgType() protocol.MsgType { return protocol.MsgTypeC2CAck }

func validateClientAck(ack *protocol.AckMessage) error {
	if ack.Status != protocol.AckStatusUnread && ack.Status != protocol.AckStatusRead {
		return invalid("ack status %d not allowed", ack.Status)
	}
	if ack.MsgID == 0 {
		return invalid("message id is required")
	}
	if ack.To <= 0 {
		return invalid("original sender is required")
	}
	return validateClientMsgID(ack.ClientMsgID)
}

// Exchange stops redelivery, persists the ack and notifies the original sender.
func (s *C2CAck) Exchange(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	d := s.deps
	var ack protocol.AckMessage
	if err := decode(env, &ack); err != nil {
		return err
	}
	if err := validateClientAck(&ack); err != nil {
		return err
	}
	ack.From = conn.UserID()
	ack.AckTime = d.nowMillis()
	clientMsgID := protocol.ClientMsgIDString(ack.ClientMsgID)

	//1.- The ack ends redelivery even for a withdrawn message; nothing else follows it.
	if _, err := d.Retry.Acknowledge(ctx, retry.KindClientAck, clientMsgID); err != nil {
		d.Logger.Warn("client ack release failed", logging.String("client_msg_id", clientMsgID), logging.Error(err))
	}
	if d.withdrawn(ctx, ack.MsgID) {
		return nil
	}
	//2.- Persist and advance.
	if err := d.Persistence.SubmitAck(ctx, &ack); err != nil {
		_ = reply(conn, protocol.Response(protocol.MsgTypeC2CAck, protocol.CodeInternalError))
		return fmt.Errorf("submit ack %d: %w", ack.MsgID, err)
	}
	if ack.Status == protocol.AckStatusRead {
		d.advance(ctx, ack.MsgID, delivery.StateReadAckSeen)
	} else {
		d.advance(ctx, ack.MsgID, delivery.StateUnreadAckSeen)
	}
	if d.Observer != nil {
		d.Observer.AckSeen(ack.Status)
	}
	//3.- Notify the sender; an offline sender syncs acks from storage.
	s.route.deliver(ctx, ack.To, protocol.NewEnvelope(protocol.MsgTypeC2CAckPush, &ack), protocol.NewEnvelope(protocol.MsgTypeC2CAck, &ack))
	return reply(conn, protocol.Response(protocol.MsgTypeC2CAck, protocol.CodeSuccess))
}

// ReceiveAndDeliver pushes a relayed ack to the original sender.
func (s *C2CAck) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	var ack protocol.AckMessage
	if err := decode(env, &ack); err != nil {
		return err
	}
	if err := validateClientAck(&ack); err != nil {
		return err
	}
	return s.deps.pushLocal(ack.To, protocol.NewEnvelope(protocol.MsgTypeC2CAckPush, &ack))
}

// ServerAck delivers the storage confirmation issued by the persistence tier. Clients
// cannot send it.
type ServerAck struct {
	deps *Deps
}

func (s *ServerAck) MsgType() protocol.MsgType { return protocol.MsgTypeServerAck }

func (s *ServerAck) Exchange(context.Context, registry.Conn, protocol.Envelope) error {
	return invalid("server acknowledgements are issued by the server")
}

// ReceiveAndDeliver releases the server ack record and tells the sender.
func (s *ServerAck) ReceiveAndDeliver(ctx context.Context, env protocol.Envelope) error {
	d := s.deps
	var ack protocol.AckMessage
	if err := decode(env, &ack); err != nil {
		return err
	}
	if ack.To <= 0 || ack.MsgID == 0 {
		return invalid("server ack needs a sender and message id")
	}
	if err := validateClientMsgID(ack.ClientMsgID); err != nil {
		return err
	}
	ack.Status = protocol.AckStatusServerReceived
	clientMsgID := protocol.ClientMsgIDString(ack.ClientMsgID)
	if _, err := d.Retry.Acknowledge(ctx, retry.KindServerAck, clientMsgID); err != nil {
		return fmt.Errorf("release server ack %s: %w", clientMsgID, err)
	}
	return d.pushLocal(ack.To, protocol.NewEnvelope(protocol.MsgTypeServerAck, &ack))
}

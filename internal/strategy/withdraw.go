package strategy

import (
	"context"
	"fmt"
	"time"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
)

// Withdraw retracts a message within the configured window.
type Withdraw struct {
	deps  *Deps
	route *router
}

func (s *Withdraw) MsgType() protocol.MsgType { return protocol.MsgTypeWithdraw }

func validateWithdraw(w *protocol.WithdrawMessage) error {
	if w.MsgID == 0 {
		return invalid("message id is required")
	}
	if w.To <= 0 {
		return invalid("recipient is required")
	}
	return validateClientMsgID(w.ClientMsgID)
}

// Exchange checks that the caller sent the message and that its id is still inside the
// window. The send time comes from the id, never from the request.
func (s *Withdraw) Exchange(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	d := s.deps
	var w protocol.WithdrawMessage
	if err := decode(env, &w); err != nil {
		return err
	}
	if err := validateWithdraw(&w); err != nil {
		return err
	}
	if d.States == nil {
		return invalid("message %d is unknown", w.MsgID)
	}
	owner, found, err := d.States.Owner(ctx, stateKey(w.MsgID))
	if err != nil {
		_ = reply(conn, protocol.Response(protocol.MsgTypeWithdraw, protocol.CodeInternalError))
		return fmt.Errorf("withdraw %d: %w", w.MsgID, err)
	}
	if !found || owner.From != conn.UserID() || owner.To != w.To {
		return invalid("message %d was not sent by user %d to user %d", w.MsgID, conn.UserID(), w.To)
	}
	now := d.Now()
	sent := d.IDs.Decompose(w.MsgID).Time
	window := d.Settings().WithdrawWindow
	if age := now.Sub(sent); age > window {
		return invalid("message is %s old, withdraw window is %s", age.Truncate(time.Second), window)
	}
	w.From = owner.From
	w.SendTime = sent.UnixMilli()
	w.WithdrawTime = now.UnixMilli()

	//1.- Persist first so storage never serves a withdrawn message.
	if err := d.Persistence.SubmitWithdraw(ctx, &w); err != nil {
		_ = reply(conn, protocol.Response(protocol.MsgTypeWithdraw, protocol.CodeInternalError))
		return fmt.Errorf("submit withdraw %d: %w", w.MsgID, err)
	}
	d.advance(ctx, w.MsgID, delivery.StateWithdrawn)
	if d.Observer != nil {
		d.Observer.Withdrawn()
	}
	//2.- Tell the recipient, then the sender.
	s.route.deliver(ctx, w.To, protocol.NewEnvelope(protocol.MsgTypeWithdrawPush, &w), protocol.NewEnvelope(protocol.MsgTypeWithdraw, &w))
	return reply(conn, protocol.Response(protocol.MsgTypeWithdraw, protocol.CodeSuccess))
}

func (s *Withdraw) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	var w protocol.WithdrawMessage
	if err := decode(env, &w); err != nil {
		return err
	}
	if err := validateWithdraw(&w); err != nil {
		return err
	}
	return s.deps.pushLocal(w.To, protocol.NewEnvelope(protocol.MsgTypeWithdrawPush, &w))
}

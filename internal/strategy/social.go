package strategy

import (
	"context"

	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
)

// SocialPush delivers server originated social notifications.
type SocialPush struct {
	deps *Deps
}

func (s *SocialPush) MsgType() protocol.MsgType { return protocol.MsgTypeSocialPush }

func (s *SocialPush) Exchange(context.Context, registry.Conn, protocol.Envelope) error {
	return invalid("social notifications are issued by the server")
}

func (s *SocialPush) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	var ev protocol.SocialEvent
	if err := decode(env, &ev); err != nil {
		return err
	}
	if ev.To <= 0 {
		return invalid("recipient is required")
	}
	return s.deps.pushLocal(ev.To, env)
}

// DeliveryNotice forwards abandonment notices raised on another node to the sender.
type DeliveryNotice struct {
	deps *Deps
}

func (s *DeliveryNotice) MsgType() protocol.MsgType { return protocol.MsgTypeDeliveryFailed }

func (s *DeliveryNotice) Exchange(context.Context, registry.Conn, protocol.Envelope) error {
	return invalid("delivery notices are issued by the server")
}

func (s *DeliveryNotice) ReceiveAndDeliver(_ context.Context, env protocol.Envelope) error {
	var notice protocol.DeliveryFailed
	if err := decode(env, &notice); err != nil {
		return err
	}
	if notice.To <= 0 {
		return invalid("sender is required")
	}
	return s.deps.pushLocal(notice.To, env)
}

package strategy

import (
	"context"
	"fmt"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/retry"
)

// Recovery holds the retry engine callbacks: redelivery per record kind and the
// abandonment notice.
type Recovery struct {
	deps  *Deps
	route *router
}

// NewRecovery binds the callbacks to deps. deps.Retry may be assigned afterwards, once
// the engine exists.
func NewRecovery(deps *Deps) *Recovery {
	deps.normalise()
	return &Recovery{deps: deps, route: &router{deps: deps}}
}

// ResubmitServerAck hands the stored message to persistence again.
func (r *Recovery) ResubmitServerAck(ctx context.Context, rec retry.Record) error {
	env, err := protocol.DecodeEnvelope(rec.Frame)
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.MsgTypeC2CSend:
		var msg protocol.C2CMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return r.deps.Persistence.SubmitC2C(ctx, &msg)
	case protocol.MsgTypeGroupSend:
		var msg protocol.GroupMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return r.deps.Persistence.SubmitGroup(ctx, &msg)
	default:
		return fmt.Errorf("server ack record %s holds %s", rec.ClientMsgID, env.Type)
	}
}

// RepushClientAck pushes the message to the recipient again. A recipient that went
// offline gets it through the offline queue and the record is released. A withdrawn
// message is never pushed again; its record waits for the ack or runs out of attempts.
func (r *Recovery) RepushClientAck(ctx context.Context, rec retry.Record) error {
	if r.deps.withdrawn(ctx, rec.MsgID) {
		return nil
	}
	push, err := protocol.DecodeEnvelope(rec.Frame)
	if err != nil {
		return err
	}
	forward := protocol.Envelope{Type: protocol.MsgTypeC2CSend, Payload: push.Payload}
	outcome, reason := r.route.deliver(ctx, rec.To, push, forward)
	if outcome != OutcomeOffline {
		return nil
	}
	var msg protocol.C2CMessage
	if err := push.Decode(&msg); err != nil {
		return err
	}
	if err := r.deps.Persistence.SubmitOffline(ctx, &msg, reason); err != nil {
		return fmt.Errorf("offline hand-off: %w", err)
	}
	if r.deps.Retry != nil {
		if _, err := r.deps.Retry.Acknowledge(ctx, retry.KindClientAck, rec.ClientMsgID); err != nil {
			return err
		}
	}
	return nil
}

// Abandon marks the message abandoned and tells the sender, wherever they are. The
// sender of a withdrawn message is not told.
func (r *Recovery) Abandon(ctx context.Context, rec retry.Record) {
	d := r.deps
	if d.withdrawn(ctx, rec.MsgID) {
		d.Logger.Info("withdrawn message abandoned", logging.String("client_msg_id", rec.ClientMsgID))
		return
	}
	d.advance(ctx, rec.MsgID, delivery.StateAbandoned)
	notice := protocol.NewEnvelope(protocol.MsgTypeDeliveryFailed, &protocol.DeliveryFailed{
		MsgID:       rec.MsgID,
		ClientMsgID: protocol.ParseClientMsgID(rec.ClientMsgID),
		To:          rec.From,
		Attempts:    int32(rec.RetryCount),
		Reason:      "no " + string(rec.Kind) + " received",
		Retryable:   rec.Kind == retry.KindServerAck,
	})
	outcome, _ := r.route.deliver(ctx, rec.From, notice, notice)
	d.Logger.Info("abandonment notice routed",
		logging.String("client_msg_id", rec.ClientMsgID),
		logging.Int64("sender", rec.From),
		logging.String("outcome", outcome.String()),
	)
}

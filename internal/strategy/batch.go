package strategy

import (
	"context"

	"imconnect/node/internal/dispatch"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
)

// BatchIDs hands out message ids ahead of time.
type BatchIDs struct {
	deps *Deps
}

func (s *BatchIDs) MsgType() protocol.MsgType { return protocol.MsgTypeBatchMsgIDs }

func (s *BatchIDs) Exchange(_ context.Context, conn registry.Conn, env protocol.Envelope) error {
	var req protocol.BatchIDs
	if err := decode(env, &req); err != nil {
		return err
	}
	limit := s.deps.Settings().BatchIDMax
	if req.Count < 1 || int(req.Count) > limit {
		return invalid("batch size %d outside 1..%d", req.Count, limit)
	}
	ids := s.deps.IDs.NextN(int(req.Count))
	return reply(conn, protocol.NewEnvelope(protocol.MsgTypeBatchMsgIDs, &protocol.BatchIDs{Count: req.Count, IDs: ids}))
}

func (s *BatchIDs) ReceiveAndDeliver(context.Context, protocol.Envelope) error {
	return dispatch.ErrUnsupported
}

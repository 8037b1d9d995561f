package groupshard

import (
	"context"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
)

// Filter delivers broadcast group messages to the members hosted on this node. The
// recipients of a message are exactly the local members of its group minus its sender;
// the sender's own devices learn about the message from the send reply, not the feed.
type Filter struct {
	directory *Directory
	locals    LocalConns
	logger    *logging.Logger
	onPush    func(delivered, failed int)
}

// NewFilter wires a Filter. onPush may be nil.
func NewFilter(directory *Directory, locals LocalConns, logger *logging.Logger, onPush func(delivered, failed int)) *Filter {
	if logger == nil {
		logger = logging.L()
	}
	return &Filter{directory: directory, locals: locals, logger: logger, onPush: onPush}
}

// Deliver pushes msg to every local member except its sender and returns the users that
// received it. It is called sequentially from the feed, which keeps per-node order.
func (f *Filter) Deliver(ctx context.Context, msg *protocol.GroupMessage) []int64 {
	members, err := f.directory.LocalMembers(ctx, msg.GroupID)
	if err != nil {
		f.logger.Warn("group broadcast skipped", logging.Int64("group_id", msg.GroupID), logging.Error(err))
		return nil
	}
	frame := protocol.NewEnvelope(protocol.MsgTypeGroupPush, msg).Marshal()
	delivered := make([]int64, 0, len(members))
	failed := 0
	for _, userID := range members {
		if userID == msg.From {
			continue
		}
		conn, ok := f.locals.Lookup(userID)
		if !ok {
			continue
		}
		if err := conn.Send(frame); err != nil {
			failed++
			f.logger.Debug("group push failed", logging.Int64("user_id", userID), logging.Error(err))
			continue
		}
		delivered = append(delivered, userID)
	}
	if f.onPush != nil {
		f.onPush(len(delivered), failed)
	}
	return delivered
}

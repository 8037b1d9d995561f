package strategy

import (
	"context"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
)

// Outcome says where a routed envelope ended up.
type Outcome int

const (
	OutcomeLocal Outcome = iota + 1
	OutcomeRemote
	OutcomeOffline
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "local"
	case OutcomeRemote:
		return "remote"
	case OutcomeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// router sends an envelope to a user wherever they are connected.
type router struct {
	deps *Deps
}

// deliver pushes push to a local connection, or relays forward to the user's node. An
// offline outcome carries the reason; it is not an error.
func (r *router) deliver(ctx context.Context, userID int64, push, forward protocol.Envelope) (Outcome, string) {
	outcome, reason := r.resolve(ctx, userID, push, forward)
	if r.deps.Observer != nil {
		r.deps.Observer.Routed(outcome)
	}
	return outcome, reason
}

func (r *router) resolve(ctx context.Context, userID int64, push, forward protocol.Envelope) (Outcome, string) {
	d := r.deps
	logger := d.Logger.With(logging.Int64("recipient", userID), logging.String("msg_type", push.Type.String()))

	//1.- A live connection on this node wins.
	if d.Locals != nil {
		if conn, ok := d.Locals.Lookup(userID); ok {
			if err := conn.Send(push.Marshal()); err != nil {
				logger.Info("local push failed", logging.Error(err))
				return OutcomeOffline, "local push failed"
			}
			return OutcomeLocal, ""
		}
	}
	//2.- Otherwise ask the directory which node holds the user.
	if d.Presence == nil || d.Relay == nil {
		return OutcomeOffline, "no presence directory"
	}
	addr, found, err := d.Presence.Lookup(ctx, userID)
	if err != nil {
		logger.Warn("presence lookup failed", logging.Error(err))
		return OutcomeOffline, "presence unavailable"
	}
	if !found {
		return OutcomeOffline, "recipient offline"
	}
	if addr == d.Presence.Node() {
		return OutcomeOffline, "stale presence record"
	}
	//3.- Relay once; any failure falls back to the offline path.
	res, err := d.Relay.Relay(ctx, addr, forward)
	if err != nil {
		logger.Info("relay failed", logging.String("node", addr), logging.Error(err))
		return OutcomeOffline, "recipient unreachable"
	}
	if res.Code != protocol.CodeSuccess {
		logger.Debug("relay refused", logging.String("node", addr), logging.String("code", res.Code.String()))
		return OutcomeOffline, res.Code.String()
	}
	return OutcomeRemote, ""
}

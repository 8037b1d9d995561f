// Package strategy implements the per message type handlers behind the dispatcher.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/dispatch"
	"imconnect/node/internal/idgen"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/retry"
)

const (
	maxContentBytes = 10000
	maxFormat       = 10
	clientMsgIDLen  = 16
)

// LocalConns resolves users connected to this node.
type LocalConns interface {
	Lookup(userID int64) (registry.Conn, bool)
}

// Locator resolves the node a user is connected to.
type Locator interface {
	Lookup(ctx context.Context, userID int64) (string, bool, error)
	Node() string
}

// Forwarder relays an envelope to another node.
type Forwarder interface {
	Relay(ctx context.Context, addr string, env protocol.Envelope) (protocol.Result, error)
}

// Persistence is the asynchronous hand-off to the storage tier.
type Persistence interface {
	SubmitC2C(ctx context.Context, msg *protocol.C2CMessage) error
	SubmitOffline(ctx context.Context, msg *protocol.C2CMessage, reason string) error
	SubmitAck(ctx context.Context, ack *protocol.AckMessage) error
	SubmitWithdraw(ctx context.Context, w *protocol.WithdrawMessage) error
	SubmitGroup(ctx context.Context, msg *protocol.GroupMessage) error
}

// Tracker holds messages awaiting acknowledgement.
type Tracker interface {
	Track(ctx context.Context, rec retry.Record) error
	Acknowledge(ctx context.Context, kind retry.Kind, clientMsgID string) (bool, error)
}

// StateStore records delivery progress.
type StateStore interface {
	Advance(ctx context.Context, messageKey string, to delivery.State) (delivery.State, error)
	Current(ctx context.Context, messageKey string) (delivery.State, error)
	Claim(ctx context.Context, messageKey string, owner delivery.Owner) error
	Owner(ctx context.Context, messageKey string) (delivery.Owner, bool, error)
}

// IDSource allocates message ids and reads back the time embedded in them.
type IDSource interface {
	Next() uint64
	NextN(n int) []uint64
	Decompose(id uint64) idgen.Parts
}

// MembershipChecker answers group membership questions.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// Observer receives handler events for metrics. Every method must be safe to call
// concurrently.
type Observer interface {
	Routed(outcome Outcome)
	AckSeen(status int32)
	Withdrawn()
}

// Settings are the hot reloadable handler limits.
type Settings struct {
	WithdrawWindow time.Duration
	BatchIDMax     int
}

// Deps collects the collaborators shared by every strategy.
type Deps struct {
	Locals      LocalConns
	Presence    Locator
	Relay       Forwarder
	Persistence Persistence
	Retry       Tracker
	States      StateStore
	IDs         IDSource
	Members     MembershipChecker
	Observer    Observer
	Settings    func() Settings
	Now         func() time.Time
	Logger      *logging.Logger
}

func (d *Deps) normalise() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.L()
	}
	if d.Settings == nil {
		d.Settings = func() Settings { return Settings{WithdrawWindow: 2 * time.Minute, BatchIDMax: 100} }
	}
}

func (d *Deps) nowMillis() int64 { return d.Now().UnixMilli() }

// All returns every strategy the node registers with its dispatcher. The strategies
// keep deps and see later assignments to it.
func All(deps *Deps) []dispatch.Strategy {
	deps.normalise()
	r := &router{deps: deps}
	return []dispatch.Strategy{
		&C2CSend{deps: deps, route: r},
		&C2CAck{deps: deps, route: r},
		&ServerAck{deps: deps},
		&Withdraw{deps: deps, route: r},
		&BatchIDs{deps: deps},
		&GroupSend{deps: deps},
		&SocialPush{deps: deps},
		&DeliveryNotice{deps: deps},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dispatch.ErrValidation, fmt.Sprintf(format, args...))
}

func decode(env protocol.Envelope, msg protocol.Message) error {
	if err := env.Decode(msg); err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrValidation, err)
	}
	return nil
}

func validateClientMsgID(id []byte) error {
	if len(id) != clientMsgIDLen {
		return invalid("client message id must be %d bytes, got %d", clientMsgIDLen, len(id))
	}
	return nil
}

func validateContent(content []byte, format int32) error {
	if len(content) == 0 {
		return invalid("content is empty")
	}
	if len(content) > maxContentBytes {
		return invalid("content exceeds %d bytes", maxContentBytes)
	}
	if format < 0 || format > maxFormat {
		return invalid("format %d out of range", format)
	}
	return nil
}

func stateKey(msgID uint64) string {
	return protocol.FormatID(int64(msgID))
}

// advance moves the delivery state and tolerates moves the stored state forbids, which
// happen when acks race each other.
func (d *Deps) advance(ctx context.Context, msgID uint64, to delivery.State) {
	if d.States == nil {
		return
	}
	prev, err := d.States.Advance(ctx, stateKey(msgID), to)
	if errors.Is(err, delivery.ErrIllegalTransition) {
		d.Logger.Debug("delivery state unchanged",
			logging.Uint64("msg_id", msgID),
			logging.String("from", string(prev)),
			logging.String("to", string(to)),
		)
		return
	}
	if err != nil {
		d.Logger.Warn("delivery state update failed", logging.Uint64("msg_id", msgID), logging.Error(err))
	}
}

// withdrawn reports whether msgID was retracted. Read failures count as not withdrawn.
func (d *Deps) withdrawn(ctx context.Context, msgID uint64) bool {
	if d.States == nil {
		return false
	}
	current, err := d.States.Current(ctx, stateKey(msgID))
	if err != nil {
		d.Logger.Warn("delivery state read failed", logging.Uint64("msg_id", msgID), logging.Error(err))
		return false
	}
	return current == delivery.StateWithdrawn
}

// pushLocal writes env to userID's connection on this node.
func (d *Deps) pushLocal(userID int64, env protocol.Envelope) error {
	if d.Locals == nil {
		return registry.ErrNotRegistered
	}
	conn, ok := d.Locals.Lookup(userID)
	if !ok {
		return fmt.Errorf("user %d: %w", userID, registry.ErrNotRegistered)
	}
	if err := conn.Send(env.Marshal()); err != nil {
		return fmt.Errorf("push to user %d: %w", userID, err)
	}
	return nil
}

func reply(conn registry.Conn, env protocol.Envelope) error {
	if err := conn.Send(env.Marshal()); err != nil {
		return fmt.Errorf("reply to user %d: %w", conn.UserID(), err)
	}
	return nil
}

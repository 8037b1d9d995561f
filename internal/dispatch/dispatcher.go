// Package dispatch routes decoded envelopes to the strategy registered for their type.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
)

// ErrValidation marks requests rejected for bad parameters. The client receives a
// BadParams response for them.
var ErrValidation = errors.New("validation failed")

// ErrUnsupported is returned by strategies that have no relay path.
var ErrUnsupported = errors.New("operation not supported")

// Strategy handles one message type on both the client and the relay path.
type Strategy interface {
	MsgType() protocol.MsgType
	// Exchange handles a frame received from a locally connected client.
	Exchange(ctx context.Context, conn registry.Conn, env protocol.Envelope) error
	// ReceiveAndDeliver handles an envelope forwarded by another node or the
	// persistence tier.
	ReceiveAndDeliver(ctx context.Context, env protocol.Envelope) error
}

// Dispatcher holds the immutable type to strategy table.
type Dispatcher struct {
	strategies map[protocol.MsgType]Strategy
	logger     *logging.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New builds the routing table. Registering two strategies for one type is an error.
func New(strategies []Strategy, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{strategies: make(map[protocol.MsgType]Strategy, len(strategies)), logger: logging.L()}
	for _, opt := range opts {
		opt(d)
	}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		t := s.MsgType()
		if t == protocol.MsgTypeUnknown {
			return nil, fmt.Errorf("dispatch: strategy %T declares no message type", s)
		}
		if existing, ok := d.strategies[t]; ok {
			return nil, fmt.Errorf("dispatch: %s registered twice (%T and %T)", t, existing, s)
		}
		d.strategies[t] = s
	}
	return d, nil
}

// Types lists the registered message types.
func (d *Dispatcher) Types() []protocol.MsgType {
	if d == nil {
		return nil
	}
	types := make([]protocol.MsgType, 0, len(d.strategies))
	for t := range d.strategies {
		types = append(types, t)
	}
	return types
}

// DispatchFromClient runs the strategy for a client frame. Unknown types are dropped,
// failures are logged and validation failures are answered with BadParams.
func (d *Dispatcher) DispatchFromClient(ctx context.Context, conn registry.Conn, env protocol.Envelope) {
	if d == nil || conn == nil {
		return
	}
	logger := d.logger.With(
		logging.Int64("user_id", conn.UserID()),
		logging.String("conn_id", conn.ID()),
		logging.String("msg_type", env.Type.String()),
	)
	strategy, ok := d.strategies[env.Type]
	if !ok {
		logger.Warn("dropping frame with unknown message type")
		return
	}
	err := d.guard(func() error { return strategy.Exchange(ctx, conn, env) })
	if err == nil {
		return
	}
	if errors.Is(err, ErrValidation) {
		logger.Debug("rejecting invalid request", logging.Error(err))
		if sendErr := conn.Send(protocol.Response(env.Type, protocol.CodeBadParams).Marshal()); sendErr != nil {
			logger.Debug("failed to send bad params response", logging.Error(sendErr))
		}
		return
	}
	logger.Error("client handler failed", logging.Error(err))
}

// DispatchFromRelay runs the relay path of the strategy and reports the outcome to the
// calling node.
func (d *Dispatcher) DispatchFromRelay(ctx context.Context, env protocol.Envelope) protocol.Result {
	if d == nil {
		return protocol.Result{Code: protocol.CodeInternalError, Detail: "dispatcher unavailable"}
	}
	strategy, ok := d.strategies[env.Type]
	if !ok {
		return protocol.Result{Code: protocol.CodeFailure, Detail: "unknown message type " + env.Type.String()}
	}
	err := d.guard(func() error { return strategy.ReceiveAndDeliver(ctx, env) })
	if err == nil {
		return protocol.Result{Code: protocol.CodeSuccess}
	}
	d.logger.Warn("relay handler failed", logging.String("msg_type", env.Type.String()), logging.Error(err))
	return protocol.Result{Code: codeFor(err), Detail: err.Error()}
}

func (d *Dispatcher) guard(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return run()
}

func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeBadParams
	case errors.Is(err, registry.ErrNotRegistered):
		return protocol.CodeRecipientOffline
	case errors.Is(err, ErrUnsupported):
		return protocol.CodeFailure
	default:
		return protocol.CodePushFailed
	}
}

package relay

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/workerpool"
)

// Dispatcher runs the relay path of the strategy registered for an envelope type.
type Dispatcher interface {
	DispatchFromRelay(ctx context.Context, env protocol.Envelope) protocol.Result
}

// ShardInvalidator drops cached group shard entries.
type ShardInvalidator interface {
	Invalidate(ctx context.Context, groupID int64) error
}

// Pipeline is the only path from relay callbacks back into connection delivery. Each
// push becomes a task keyed by its recipient, so pushes to one user stay ordered, and
// the caller waits on the task's result.
type Pipeline struct {
	pool       *workerpool.Pool
	dispatcher Dispatcher
	logger     *logging.Logger
}

// NewPipeline binds the delivery pool to the dispatcher.
func NewPipeline(pool *workerpool.Pool, dispatcher Dispatcher, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.L()
	}
	return &Pipeline{pool: pool, dispatcher: dispatcher, logger: logger}
}

// Deliver enqueues env and waits for its outcome or ctx.
func (p *Pipeline) Deliver(ctx context.Context, env protocol.Envelope) (protocol.Result, error) {
	recipient, err := protocol.Recipient(env)
	if err != nil {
		return protocol.Result{Code: protocol.CodeBadParams, Detail: err.Error()}, nil
	}
	//1.- Hand the delivery to the owning worker through a buffered future.
	future := make(chan protocol.Result, 1)
	err = p.pool.Submit(uint64(recipient), func(taskCtx context.Context) {
		future <- p.dispatcher.DispatchFromRelay(taskCtx, env)
	})
	if errors.Is(err, workerpool.ErrQueueFull) {
		return protocol.Result{Code: protocol.CodeBusy, Detail: err.Error()}, nil
	}
	if err != nil {
		return protocol.Result{}, status.Error(codes.Unavailable, err.Error())
	}
	//2.- Wait for the worker or give up when the caller does.
	select {
	case res := <-future:
		return res, nil
	case <-ctx.Done():
		p.logger.Debug("relay caller gave up before delivery finished",
			logging.String("msg_type", env.Type.String()),
			logging.Int64("recipient", recipient),
		)
		return protocol.Result{}, status.FromContextError(ctx.Err()).Err()
	}
}

// Server implements Handler on top of a Pipeline.
type Server struct {
	pipeline *Pipeline
	shards   ShardInvalidator
	logger   *logging.Logger
}

// NewServer wires the relay service.
func NewServer(pipeline *Pipeline, shards ShardInvalidator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	return &Server{pipeline: pipeline, shards: shards, logger: logger.Named("relay_server")}
}

func (s *Server) deliver(ctx context.Context, t protocol.MsgType, msg protocol.Message) (*protocol.Result, error) {
	if s == nil || s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "relay unavailable")
	}
	res, err := s.pipeline.Deliver(ctx, protocol.NewEnvelope(t, msg))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Server) Relay(ctx context.Context, env *protocol.Envelope) (*protocol.Result, error) {
	if s == nil || s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "relay unavailable")
	}
	res, err := s.pipeline.Deliver(ctx, *env)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Server) PushServerAck(ctx context.Context, ack *protocol.AckMessage) (*protocol.Result, error) {
	return s.deliver(ctx, protocol.MsgTypeServerAck, ack)
}

func (s *Server) PushClientAck(ctx context.Context, ack *protocol.AckMessage) (*protocol.Result, error) {
	return s.deliver(ctx, protocol.MsgTypeC2CAck, ack)
}

func (s *Server) PushWithdraw(ctx context.Context, w *protocol.WithdrawMessage) (*protocol.Result, error) {
	return s.deliver(ctx, protocol.MsgTypeWithdraw, w)
}

func (s *Server) PushSocialEvent(ctx context.Context, ev *protocol.SocialEvent) (*protocol.Result, error) {
	return s.deliver(ctx, protocol.MsgTypeSocialPush, ev)
}

func (s *Server) InvalidateGroupShard(ctx context.Context, ref *protocol.GroupRef) (*protocol.Result, error) {
	if s == nil || s.shards == nil {
		return nil, status.Error(codes.FailedPrecondition, "group shards unavailable")
	}
	if ref.GroupID <= 0 {
		return &protocol.Result{Code: protocol.CodeBadParams, Detail: "group id required"}, nil
	}
	if err := s.shards.Invalidate(ctx, ref.GroupID); err != nil {
		s.logger.Warn("group shard invalidation failed", logging.Int64("group_id", ref.GroupID), logging.Error(err))
		return &protocol.Result{Code: protocol.CodeInternalError, Detail: err.Error()}, nil
	}
	return &protocol.Result{Code: protocol.CodeSuccess}, nil
}

var _ Handler = (*Server)(nil)

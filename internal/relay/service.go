// Package relay carries envelopes between connect nodes and accepts delivery callbacks
// from the persistence tier over gRPC.
package relay

import (
	"context"

	"google.golang.org/grpc"

	"imconnect/node/internal/protocol"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "imconnect.relay.v1.Relay"

const (
	methodRelay                = "Relay"
	methodPushServerAck        = "PushServerAck"
	methodPushClientAck        = "PushClientAck"
	methodPushWithdraw         = "PushWithdraw"
	methodPushSocialEvent      = "PushSocialEvent"
	methodInvalidateGroupShard = "InvalidateGroupShard"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Handler is the server side of the relay service.
type Handler interface {
	// Relay delivers an envelope forwarded by another node to a local connection.
	Relay(ctx context.Context, env *protocol.Envelope) (*protocol.Result, error)
	// PushServerAck tells a local sender that its message was persisted.
	PushServerAck(ctx context.Context, ack *protocol.AckMessage) (*protocol.Result, error)
	// PushClientAck tells a local sender that the recipient read or received its message.
	PushClientAck(ctx context.Context, ack *protocol.AckMessage) (*protocol.Result, error)
	// PushWithdraw tells a local recipient that a message was withdrawn.
	PushWithdraw(ctx context.Context, w *protocol.WithdrawMessage) (*protocol.Result, error)
	// PushSocialEvent delivers a server originated notification.
	PushSocialEvent(ctx context.Context, ev *protocol.SocialEvent) (*protocol.Result, error)
	// InvalidateGroupShard drops the local shard entry after a membership change.
	InvalidateGroupShard(ctx context.Context, ref *protocol.GroupRef) (*protocol.Result, error)
}

// unaryMethod builds the method descriptor for a handler call taking Req.
func unaryMethod[Req any, PReq interface {
	*Req
	protocol.Message
}](name string, call func(Handler, context.Context, PReq) (*protocol.Result, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := srv.(Handler)
			if interceptor == nil {
				return call(handler, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(handler, ctx, req.(PReq))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodRelay, Handler.Relay),
		unaryMethod(methodPushServerAck, Handler.PushServerAck),
		unaryMethod(methodPushClientAck, Handler.PushClientAck),
		unaryMethod(methodPushWithdraw, Handler.PushWithdraw),
		unaryMethod(methodPushSocialEvent, Handler.PushSocialEvent),
		unaryMethod(methodInvalidateGroupShard, Handler.InvalidateGroupShard),
	},
	Metadata: "imconnect/relay/v1/relay.proto",
}

// Register attaches h to s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

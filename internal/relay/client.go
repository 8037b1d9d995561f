package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
)

// ErrUnreachable wraps every failed relay call. Callers fall back to the offline path
// and never retry the call themselves.
var ErrUnreachable = errors.New("relay peer unreachable")

// Client calls the relay service on peer nodes, keeping one connection per address.
type Client struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	timeout atomic.Int64

	creds      credentials.TransportCredentials
	dialOpts   []grpc.DialOption
	compressor string
	secret     string
	logger     *logging.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTimeout bounds every call.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout.Store(int64(timeout))
		}
	}
}

// WithCompression selects the transport compressor registered with gRPC.
func WithCompression(name string) ClientOption {
	return func(c *Client) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "none" {
			name = ""
		}
		c.compressor = name
	}
}

// WithSharedSecret attaches the shared secret to outgoing calls.
func WithSharedSecret(secret string) ClientOption {
	return func(c *Client) {
		c.secret = strings.TrimSpace(secret)
	}
}

// WithTransportCredentials replaces the default plaintext transport.
func WithTransportCredentials(creds credentials.TransportCredentials) ClientOption {
	return func(c *Client) {
		if creds != nil {
			c.creds = creds
		}
	}
}

// WithDialOptions appends raw dial options, mostly for tests.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

// WithClientLogger attaches a logger.
func WithClientLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a client with an empty connection pool.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		conns:  make(map[string]*grpc.ClientConn),
		creds:  insecure.NewCredentials(),
		logger: logging.L(),
	}
	c.timeout.Store(int64(3 * time.Second))
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.Named("relay_client")
	return c
}

// SetTimeout changes the per call bound for subsequent calls.
func (c *Client) SetTimeout(timeout time.Duration) {
	if c != nil && timeout > 0 {
		c.timeout.Store(int64(timeout))
	}
}

// Relay forwards env to the node at addr.
func (c *Client) Relay(ctx context.Context, addr string, env protocol.Envelope) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodRelay, &env)
}

// PushServerAck asks the node at addr to deliver a server acknowledgement.
func (c *Client) PushServerAck(ctx context.Context, addr string, ack *protocol.AckMessage) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodPushServerAck, ack)
}

// PushClientAck asks the node at addr to deliver a client acknowledgement.
func (c *Client) PushClientAck(ctx context.Context, addr string, ack *protocol.AckMessage) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodPushClientAck, ack)
}

// PushWithdraw asks the node at addr to deliver a withdraw notice.
func (c *Client) PushWithdraw(ctx context.Context, addr string, w *protocol.WithdrawMessage) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodPushWithdraw, w)
}

// PushSocialEvent asks the node at addr to deliver a social notification.
func (c *Client) PushSocialEvent(ctx context.Context, addr string, ev *protocol.SocialEvent) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodPushSocialEvent, ev)
}

// InvalidateGroupShard asks the node at addr to drop its shard entry for groupID.
func (c *Client) InvalidateGroupShard(ctx context.Context, addr string, groupID int64) (protocol.Result, error) {
	return c.invoke(ctx, addr, methodInvalidateGroupShard, &protocol.GroupRef{GroupID: groupID})
}

func (c *Client) invoke(ctx context.Context, addr, method string, in protocol.Message) (protocol.Result, error) {
	if c == nil {
		return protocol.Result{}, fmt.Errorf("%w: relay client not configured", ErrUnreachable)
	}
	cc, err := c.conn(addr)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	//1.- Bound the call so a stuck peer never blocks a worker.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeout.Load()))
	defer cancel()
	if c.secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, c.secret)
	}
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
	if c.compressor != "" {
		callOpts = append(callOpts, grpc.UseCompressor(c.compressor))
	}
	//2.- Any transport or status failure is reported as unreachable.
	var out protocol.Result
	if err := cc.Invoke(ctx, fullMethod(method), in, &out, callOpts...); err != nil {
		c.logger.Debug("relay call failed",
			logging.String("addr", addr),
			logging.String("method", method),
			logging.Error(err),
		)
		return protocol.Result{}, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, addr, method, err)
	}
	return out, nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("empty address")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(c.creds)}, c.dialOpts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = cc
	return cc, nil
}

// Forget closes and drops the pooled connection to addr.
func (c *Client) Forget(addr string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	cc, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		_ = cc.Close()
	}
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.mu.Unlock()
	var errs []error
	for _, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

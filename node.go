package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"imconnect/node/internal/config"
	"imconnect/node/internal/delivery"
	"imconnect/node/internal/dispatch"
	"imconnect/node/internal/flow"
	"imconnect/node/internal/gateway"
	"imconnect/node/internal/groupshard"
	"imconnect/node/internal/heartbeat"
	httpapi "imconnect/node/internal/http"
	"imconnect/node/internal/idgen"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/membership"
	"imconnect/node/internal/metrics"
	"imconnect/node/internal/persistence"
	"imconnect/node/internal/presence"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/relay"
	"imconnect/node/internal/retry"
	"imconnect/node/internal/strategy"
	"imconnect/node/internal/workerpool"
)

const shutdownTimeout = 10 * time.Second

// Node wires every component of one connect node.
type Node struct {
	holder  *config.Holder
	logger  *logging.Logger
	started time.Time

	redis     redis.UniversalClient
	ownsRedis bool
	publisher persistence.Publisher
	kafka     *persistence.KafkaPublisher
	feed      *persistence.BroadcastFeed

	registry  *registry.Registry
	presence  *presence.Directory
	members   *membership.Cache
	shards    *groupshard.Directory
	retry     *retry.Engine
	heartbeat *heartbeat.Monitor
	handlers  *workerpool.Pool
	pushes    *workerpool.Pool
	relay     *relay.Client
	grpc      *grpc.Server
	gate      *flow.Gate
	gateway   *gateway.Server
	metrics   *metrics.Metrics
	ops       *http.Server
}

// NodeOption customises node construction.
type NodeOption func(*Node)

// WithRedisClient shares an existing directory client. The node will not close it.
func WithRedisClient(client redis.UniversalClient) NodeOption {
	return func(n *Node) {
		if client != nil {
			n.redis = client
		}
	}
}

// WithPublisher replaces the Kafka producer. The broadcast feed is only consumed when
// the node talks to Kafka itself.
func WithPublisher(publisher persistence.Publisher) NodeOption {
	return func(n *Node) {
		if publisher != nil {
			n.publisher = publisher
		}
	}
}

// NewNode builds a node from cfg. Nothing listens until Run.
func NewNode(cfg *config.Config, logger *logging.Logger, opts ...NodeOption) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node config is required")
	}
	if logger == nil {
		logger = logging.L()
	}
	n := &Node{
		holder:  config.NewHolder(cfg),
		logger:  logger,
		started: time.Now(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.build(cfg); err != nil {
		n.closeExternals()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(cfg *config.Config) error {
	var err error
	node := cfg.NodeAddress

	//1.- Shared infrastructure: the Redis directory and the persistence hand-off.
	if n.redis == nil {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Directory.RedisAddr,
			Password: cfg.Directory.RedisPassword,
			DB:       cfg.Directory.RedisDB,
		})
		n.ownsRedis = true
	}
	if n.publisher == nil {
		if n.kafka, err = persistence.NewKafkaPublisher(cfg.Kafka, n.logger.Named("kafka")); err != nil {
			return err
		}
		n.publisher = n.kafka
	}
	queue := persistence.NewQueue(n.publisher, node)

	//2.- Directories.
	n.registry = registry.New(registry.WithLogger(n.logger.Named("registry")))
	if n.presence, err = presence.New(n.redis, node, cfg.Heartbeat.PresenceTTL, presence.WithTimeout(cfg.Directory.Timeout)); err != nil {
		return err
	}
	n.members = membership.New(n.redis, queue, n.logger.Named("membership"))
	if n.shards, err = groupshard.New(n.redis, node, cfg.Directory.GroupShardTTL, n.members, n.registry, n.logger.Named("groupshard")); err != nil {
		return err
	}
	ids, err := idgen.New(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID)
	if err != nil {
		return err
	}

	//3.- Relay client and the handler strategies.
	clientOpts, err := relay.ClientOptions(cfg.Relay)
	if err != nil {
		return err
	}
	n.relay = relay.NewClient(append(clientOpts, relay.WithClientLogger(n.logger.Named("relay")))...)
	deps := &strategy.Deps{
		Locals:      n.registry,
		Presence:    n.presence,
		Relay:       n.relay,
		Persistence: queue,
		States:      delivery.NewStore(n.redis, cfg.Directory.DeliveryStateTTL),
		IDs:         ids,
		Members:     n.members,
		Observer:    n.metrics,
		Settings:    n.strategySettings,
		Logger:      n.logger.Named("strategy"),
	}
	recovery := strategy.NewRecovery(deps)
	if n.retry, err = retry.New(n.redis, retrySettings(cfg),
		retry.WithRedeliverer(retry.KindServerAck, retry.RedelivererFunc(recovery.ResubmitServerAck)),
		retry.WithRedeliverer(retry.KindClientAck, retry.RedelivererFunc(recovery.RepushClientAck)),
		retry.WithAbandonHandler(recovery.Abandon),
		retry.WithObserver(n.metrics),
		retry.WithLogger(n.logger.Named("retry")),
	); err != nil {
		return err
	}
	deps.Retry = n.retry
	dispatcher, err := dispatch.New(strategy.All(deps), dispatch.WithLogger(n.logger.Named("dispatch")))
	if err != nil {
		return err
	}

	//4.- Worker pools: client frames and relay pushes never share workers, so two nodes
	// relaying to each other cannot starve one another.
	if n.handlers, err = workerpool.New(cfg.Workers.Size, cfg.Workers.QueueDepth, workerpool.WithLogger(n.logger.Named("handlers"))); err != nil {
		return err
	}
	if n.pushes, err = workerpool.New(cfg.Workers.Size, cfg.Workers.QueueDepth, workerpool.WithLogger(n.logger.Named("pushes"))); err != nil {
		return err
	}

	//5.- Relay server.
	serverOpts, err := relay.ServerOptions(cfg.Relay, n.logger.Named("relay"))
	if err != nil {
		return err
	}
	n.grpc = grpc.NewServer(serverOpts...)
	relay.Register(n.grpc, relay.NewServer(relay.NewPipeline(n.pushes, dispatcher, n.logger.Named("relay")), n.shards, n.logger.Named("relay")))

	//6.- Liveness and the broadcast feed.
	if n.heartbeat, err = heartbeat.New(heartbeatSettings(cfg),
		heartbeat.WithLeaser(n.presence),
		heartbeat.WithEvictHandler(n.evicted),
		heartbeat.WithLogger(n.logger.Named("heartbeat")),
	); err != nil {
		return err
	}
	filter := groupshard.NewFilter(n.shards, n.registry, n.logger.Named("broadcast"), n.metrics.GroupPushed)
	if n.kafka != nil {
		deliver := func(ctx context.Context, msg *protocol.GroupMessage) { filter.Deliver(ctx, msg) }
		if n.feed, err = persistence.NewBroadcastFeed(cfg.Kafka, node, deliver, n.logger.Named("broadcast")); err != nil {
			return err
		}
	}

	//7.- Client gateway.
	authenticator, err := gateway.NewTokenAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("gateway auth: %w", err)
	}
	n.gate = flow.NewGate(gateConfig(cfg), n.logger.Named("flow"))
	if n.gateway, err = gateway.New(gatewaySettings(cfg), authenticator, dispatcher, n, n.handlers,
		gateway.WithActivityTracker(n.heartbeat),
		gateway.WithGate(n.gate),
		gateway.WithLogger(n.logger),
	); err != nil {
		return err
	}

	//8.- Ops HTTP.
	n.metrics.GaugeFunc("handler_pending_tasks", "Client frames queued for a handler worker.", func() float64 { return float64(n.handlers.Pending()) })
	n.metrics.GaugeFunc("push_pending_tasks", "Relay pushes queued for a delivery worker.", func() float64 { return float64(n.pushes.Pending()) })
	n.metrics.GaugeFunc("heartbeat_tracked", "Connections watched by the heartbeat monitor.", func() float64 { return float64(n.heartbeat.Len()) })
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      n.logger.Named("ops"),
		Readiness:   n,
		Metrics:     n.metrics.Handler(),
		Kicker:      n,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(time.Minute, 30, nil),
	})
	n.ops = &http.Server{Addr: cfg.OpsAddr, Handler: handlers.Router(), ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// Holder is the snapshot the config watcher publishes into.
func (n *Node) Holder() *config.Holder { return n.holder }

func (n *Node) strategySettings() strategy.Settings {
	cfg := n.holder.Current()
	return strategy.Settings{WithdrawWindow: cfg.Messaging.WithdrawWindow, BatchIDMax: cfg.Messaging.BatchIDMax}
}

func retrySettings(cfg *config.Config) retry.Settings {
	return retry.Settings{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Backoff:      cfg.Retry.Backoff,
		ScanInterval: cfg.Retry.ScanInterval,
		BatchSize:    cfg.Retry.BatchSize,
		ClaimTTL:     cfg.Retry.ClaimTTL,
	}
}

func heartbeatSettings(cfg *config.Config) heartbeat.Settings {
	return heartbeat.Settings{
		Interval:         cfg.Heartbeat.Interval,
		Timeout:          cfg.Heartbeat.Timeout,
		FailureThreshold: cfg.Heartbeat.FailureThreshold,
	}
}

func gateConfig(cfg *config.Config) flow.Config {
	return flow.Config{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst}
}

func gatewaySettings(cfg *config.Config) gateway.Settings {
	return gateway.Settings{
		Addr:            cfg.ListenAddr,
		Backlog:         cfg.Backlog,
		MaxClients:      cfg.MaxClients,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Pollers:         cfg.Pollers,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}

// Run serves until ctx is cancelled and then shuts the node down.
func (n *Node) Run(ctx context.Context) error {
	cfg := n.holder.Current()
	relayListener, err := net.Listen("tcp", cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("listen relay on %s: %w", cfg.RelayAddr, err)
	}
	if err := n.gateway.Start(); err != nil {
		_ = relayListener.Close()
		return err
	}
	n.logger.Info("connect node started",
		logging.String("node", cfg.NodeAddress),
		logging.String("gateway", cfg.ListenAddr),
		logging.String("relay", cfg.RelayAddr),
		logging.String("ops", cfg.OpsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.grpc.Serve(relayListener) })
	g.Go(func() error {
		if err := n.ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return n.retry.Run(gctx) })
	g.Go(func() error { return n.heartbeat.Run(gctx) })
	if n.feed != nil {
		g.Go(func() error { return n.feed.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.shutdown(shutdownCtx)
	})
	return g.Wait()
}

// shutdown stops intake first, releases every hosted user, then drains and closes.
func (n *Node) shutdown(ctx context.Context) error {
	n.logger.Info("connect node stopping")
	var errs []error
	if err := n.gateway.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop gateway: %w", err))
	}
	//1.- Sockets closed above may not have reported yet; release whatever is still registered.
	for _, userID := range n.registry.UserIDs() {
		if conn, ok := n.registry.Lookup(userID); ok {
			n.release(ctx, conn)
		}
	}
	n.grpc.GracefulStop()
	if err := n.ops.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop ops http: %w", err))
	}
	if err := n.handlers.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.pushes.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.relay.Close(); err != nil {
		errs = append(errs, err)
	}
	n.closeExternals()
	_ = n.logger.Sync()
	return errors.Join(errs...)
}

func (n *Node) closeExternals() {
	if n.kafka != nil {
		n.kafka.Close()
	}
	if n.ownsRedis && n.redis != nil {
		_ = n.redis.Close()
	}
}

// Connected registers an accepted socket everywhere it needs to be found.
func (n *Node) Connected(ctx context.Context, conn registry.Conn) error {
	logger := n.logger.With(logging.Int64("user_id", conn.UserID()), logging.String("conn", conn.ID()))
	if superseded := n.registry.Register(conn); superseded != nil {
		n.heartbeat.Forget(superseded.ID())
	}
	if err := n.presence.Register(ctx, conn.UserID()); err != nil {
		n.registry.Unregister(conn.UserID(), conn.ID())
		n.metrics.Handshakes.WithLabelValues("rejected").Inc()
		return err
	}
	n.heartbeat.Track(conn)
	n.metrics.Connections.Set(float64(n.registry.Len()))
	n.metrics.Handshakes.WithLabelValues("accepted").Inc()

	//1.- Shard membership only speeds up group fan-out; a failure is logged, not fatal.
	groups, err := n.members.GroupsOf(ctx, conn.UserID())
	if err != nil {
		logger.Warn("load user groups", logging.Error(err))
	} else if len(groups) > 0 {
		if err := n.shards.AddMemberBatch(ctx, groups, n.presence.Node(), conn.UserID()); err != nil {
			logger.Warn("join group shards", logging.Error(err))
		}
	}
	logger.Info("connection registered", logging.String("device", conn.DeviceClass()))
	return nil
}

// Disconnected releases a socket that closed.
func (n *Node) Disconnected(ctx context.Context, conn registry.Conn) {
	n.release(ctx, conn)
}

func (n *Node) evicted(ctx context.Context, conn registry.Conn, reason string) {
	n.metrics.Evictions.WithLabelValues(reason).Inc()
	n.release(ctx, conn)
}

// release is idempotent: only the call that removes conn from the registry tears down
// presence and shard membership, and a superseded socket never touches the newer login.
func (n *Node) release(ctx context.Context, conn registry.Conn) {
	n.heartbeat.Forget(conn.ID())
	if !n.registry.Unregister(conn.UserID(), conn.ID()) {
		return
	}
	n.metrics.Connections.Set(float64(n.registry.Len()))
	logger := n.logger.With(logging.Int64("user_id", conn.UserID()), logging.String("conn", conn.ID()))
	if _, err := n.presence.Unregister(ctx, conn.UserID()); err != nil {
		logger.Warn("presence unregister", logging.Error(err))
	}
	groups, err := n.members.GroupsOf(ctx, conn.UserID())
	if err == nil && len(groups) > 0 {
		if err := n.shards.RemoveMemberBatch(ctx, groups, n.presence.Node(), conn.UserID()); err != nil {
			logger.Warn("leave group shards", logging.Error(err))
		}
	}
	logger.Info("connection released")
}

// Kick force-disconnects userID if it is hosted here.
func (n *Node) Kick(ctx context.Context, userID int64) (bool, error) {
	conn, ok := n.registry.Lookup(userID)
	if !ok {
		return false, nil
	}
	err := conn.Close()
	n.release(ctx, conn)
	return true, err
}

// SnapshotClientCounts implements the readiness view.
func (n *Node) SnapshotClientCounts() (clients, pending int) {
	return n.registry.Len(), n.gateway.Pending()
}

// Ready reports whether the shared directory answers.
func (n *Node) Ready(ctx context.Context) error {
	if err := n.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("directory unavailable: %w", err)
	}
	return nil
}

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

// ApplyConfig pushes a reloaded snapshot into every hot reloadable component.
func (n *Node) ApplyConfig(previous, next *config.Config) {
	if fields := config.RestartRequired(previous, next); len(fields) > 0 {
		n.logger.Warn("config changes need a restart", logging.Strings("fields", fields))
	}
	var errs []error
	if err := n.logger.SetLevel(next.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := n.retry.UpdateSettings(retrySettings(next)); err != nil {
		errs = append(errs, err)
	}
	if err := n.heartbeat.UpdateSettings(heartbeatSettings(next)); err != nil {
		errs = append(errs, err)
	}
	if previous == nil || previous.Workers != next.Workers {
		if err := n.handlers.Resize(next.Workers.Size, next.Workers.QueueDepth); err != nil {
			errs = append(errs, err)
		}
		if err := n.pushes.Resize(next.Workers.Size, next.Workers.QueueDepth); err != nil {
			errs = append(errs, err)
		}
	}
	n.relay.SetTimeout(next.Relay.Timeout)
	n.presence.SetTTL(next.Heartbeat.PresenceTTL)
	n.gate.UpdateConfig(gateConfig(next))
	n.gateway.SetMaxClients(next.MaxClients)

	if err := errors.Join(errs...); err != nil {
		n.metrics.ConfigReloads.WithLabelValues("partial").Inc()
		n.logger.Error("config reload applied partially", logging.Error(err))
		return
	}
	n.metrics.ConfigReloads.WithLabelValues("applied").Inc()
	n.logger.Info("config reloaded")
}

// ConfigRejected records a reload that failed validation.
func (n *Node) ConfigRejected(err error) {
	n.metrics.ConfigReloads.WithLabelValues("rejected").Inc()
	n.logger.Error("config reload rejected", logging.Error(err))
}

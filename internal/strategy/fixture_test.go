package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"imconnect/node/internal/delivery"
	"imconnect/node/internal/dispatch"
	"imconnect/node/internal/idgen"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/persistence"
	"imconnect/node/internal/persistence/persistencetest"
	"imconnect/node/internal/presence"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/registry/registrytest"
	"imconnect/node/internal/retry"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticMembers map[int64][]int64

func (m staticMembers) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	for _, id := range m[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type countingObserver struct {
	mu        sync.Mutex
	routed    map[Outcome]int
	acks      map[int32]int
	withdrawn int
}

func (o *countingObserver) Routed(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routed[outcome]++
}

func (o *countingObserver) AckSeen(status int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acks[status]++
}

func (o *countingObserver) Withdrawn() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.withdrawn++
}

// scriptedRelay stands in for the relay client.
type scriptedRelay struct {
	mu     sync.Mutex
	calls  []string
	result protocol.Result
	err    error
}

func (r *scriptedRelay) Relay(_ context.Context, addr string, _ protocol.Envelope) (protocol.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, addr)
	return r.result, r.err
}

var retrySettings = retry.Settings{
	MaxAttempts:  3,
	Backoff:      []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second},
	ScanInterval: time.Second,
	BatchSize:    100,
	ClaimTTL:     30 * time.Second,
}

type testNode struct {
	addr       string
	registry   *registry.Registry
	presence   *presence.Directory
	recorder   *persistencetest.Recorder
	engine     *retry.Engine
	states     *delivery.Store
	observer   *countingObserver
	deps       *Deps
	dispatcher *dispatch.Dispatcher
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestNode(t *testing.T, client redis.Cmdable, addr string, worker int64, clock *manualClock) *testNode {
	t.Helper()
	logger := logging.NewTestLogger()
	pres, err := presence.New(client, addr, time.Minute)
	require.NoError(t, err)
	ids, err := idgen.New(1, worker, idgen.WithClock(clock.Now, nil))
	require.NoError(t, err)
	recorder := &persistencetest.Recorder{}
	observer := &countingObserver{routed: map[Outcome]int{}, acks: map[int32]int{}}
	n := &testNode{
		addr:     addr,
		registry: registry.New(),
		presence: pres,
		recorder: recorder,
		states:   delivery.NewStore(client, time.Hour),
		observer: observer,
	}
	n.deps = &Deps{
		Locals:      n.registry,
		Presence:    pres,
		Persistence: persistence.NewQueue(recorder, addr),
		States:      n.states,
		IDs:         ids,
		Members:     staticMembers{7: {1, 2, 3}},
		Observer:    observer,
		Now:         clock.Now,
		Logger:      logger,
	}
	recovery := NewRecovery(n.deps)
	n.engine, err = retry.New(client, retrySettings,
		retry.WithClock(clock.Now),
		retry.WithLogger(logger),
		retry.WithRedeliverer(retry.KindServerAck, retry.RedelivererFunc(recovery.ResubmitServerAck)),
		retry.WithRedeliverer(retry.KindClientAck, retry.RedelivererFunc(recovery.RepushClientAck)),
		retry.WithAbandonHandler(recovery.Abandon),
	)
	require.NoError(t, err)
	n.deps.Retry = n.engine
	n.dispatcher, err = dispatch.New(All(n.deps), dispatch.WithLogger(logger))
	require.NoError(t, err)
	return n
}

// connect registers a fake socket for userID on the node and in presence.
func (n *testNode) connect(t *testing.T, userID int64) *registrytest.FakeConn {
	t.Helper()
	conn := registrytest.NewFakeConn(uuid.NewString(), userID)
	n.registry.Register(conn)
	require.NoError(t, n.presence.Register(context.Background(), userID))
	return conn
}

func (n *testNode) send(conn registry.Conn, t protocol.MsgType, msg protocol.Message) {
	n.dispatcher.DispatchFromClient(context.Background(), conn, protocol.NewEnvelope(t, msg))
}

func (n *testNode) state(t *testing.T, msgID uint64) delivery.State {
	t.Helper()
	s, err := n.states.Current(context.Background(), stateKey(msgID))
	require.NoError(t, err)
	return s
}

func (n *testNode) pending(t *testing.T, kind retry.Kind, clientMsgID []byte) bool {
	t.Helper()
	ok, err := n.engine.Pending(context.Background(), kind, protocol.ClientMsgIDString(clientMsgID))
	require.NoError(t, err)
	return ok
}

func newClientMsgID() []byte {
	id := uuid.New()
	return id[:]
}

// framesOf decodes every frame conn received with the given type.
func framesOf(t *testing.T, conn *registrytest.FakeConn, typ protocol.MsgType) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, frame := range conn.Frames() {
		env, err := protocol.DecodeEnvelope(frame)
		require.NoError(t, err)
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// sentMessage returns the id the node assigned to the last message conn sent.
func sentMessage(t *testing.T, conn *registrytest.FakeConn, typ protocol.MsgType) protocol.AckMessage {
	t.Helper()
	replies := framesOf(t, conn, typ)
	require.NotEmpty(t, replies)
	last := replies[len(replies)-1]
	require.Equal(t, protocol.CodeSuccess, last.Code)
	var ack protocol.AckMessage
	require.NoError(t, last.Decode(&ack))
	return ack
}

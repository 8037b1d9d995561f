package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"imconnect/node/internal/auth"
	"imconnect/node/internal/config"
	"imconnect/node/internal/gateway"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/persistence"
	"imconnect/node/internal/persistence/persistencetest"
	"imconnect/node/internal/presence"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/websockettest"
)

const testSecret = "node-test-secret"

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ListenAddr = freeAddr(t)
	cfg.RelayAddr = freeAddr(t)
	cfg.NodeAddress = cfg.RelayAddr
	cfg.OpsAddr = freeAddr(t)
	cfg.Pollers = 1
	cfg.Workers.Size = 2
	cfg.Auth.Secret = testSecret
	cfg.Relay.SharedSecret = "cluster-secret"
	cfg.AdminToken = "admin-token"
	return cfg
}

type testNode struct {
	*Node
	cfg      *config.Config
	recorder *persistencetest.Recorder
	stop     func() error
}

func startNode(t *testing.T, client redis.UniversalClient, cfg *config.Config) *testNode {
	t.Helper()
	recorder := &persistencetest.Recorder{}
	node, err := NewNode(cfg, logging.NewTestLogger(), WithRedisClient(client), WithPublisher(recorder))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(15 * time.Second):
				stopErr = errors.New("node did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { require.NoError(t, stop()) })

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.OpsAddr + "/livez")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return &testNode{Node: node, cfg: cfg, recorder: recorder, stop: stop}
}

func signToken(t *testing.T, userID int64) string {
	t.Helper()
	claims := auth.Claims{
		Device: "desktop",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (n *testNode) url(t *testing.T, userID int64) string {
	return gateway.ListenerURL(n.cfg.ListenAddr, false) + "?auth_token=" + signToken(t, userID)
}

func (n *testNode) waitPresent(t *testing.T, mr *miniredis.Miniredis, userID int64) {
	t.Helper()
	key := presence.KeyPrefix + strconv.FormatInt(userID, 10)
	require.Eventually(t, func() bool {
		owner, err := mr.Get(key)
		return err == nil && owner == n.cfg.NodeAddress
	}, 2*time.Second, 10*time.Millisecond)
}

func (n *testNode) dial(t *testing.T, mr *miniredis.Miniredis, userID int64) *websocket.Conn {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial(n.url(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	n.waitPresent(t, mr, userID)
	return client
}

func readEnvelope(t *testing.T, client *websocket.Conn, want protocol.MsgType) protocol.Envelope {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(t, err)
		if env.Type == want {
			return env
		}
	}
}

func newCluster(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNodesDeliverAcrossTheCluster(t *testing.T) {
	mr, client := newCluster(t)
	node1 := startNode(t, client, testConfig(t))
	node2 := startNode(t, client, testConfig(t))

	alice := node1.dial(t, mr, 1)
	bob := node2.dial(t, mr, 2)

	clientMsgID := uuid.New()
	send := protocol.NewEnvelope(protocol.MsgTypeC2CSend, &protocol.C2CMessage{
		ClientMsgID: clientMsgID[:],
		To:          2,
		Content:     []byte("hello bob"),
	})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, send.Marshal()))

	reply := readEnvelope(t, alice, protocol.MsgTypeC2CSend)
	require.Equal(t, protocol.CodeSuccess, reply.Code)
	var ack protocol.AckMessage
	require.NoError(t, reply.Decode(&ack))
	require.NotZero(t, ack.MsgID)
	require.EqualValues(t, 2, ack.To)

	push := readEnvelope(t, bob, protocol.MsgTypeC2CPush)
	var msg protocol.C2CMessage
	require.NoError(t, push.Decode(&msg))
	require.Equal(t, "hello bob", string(msg.Content))
	require.EqualValues(t, 1, msg.From)
	require.Equal(t, ack.MsgID, msg.MsgID)

	require.Len(t, node1.recorder.Topic(persistence.TopicC2CMessage), 1)
	require.Empty(t, node1.recorder.Topic(persistence.TopicC2COffline))
	require.Empty(t, node2.recorder.Records())
}

func TestNodeQueuesMessagesForOfflineUsers(t *testing.T) {
	mr, client := newCluster(t)
	node := startNode(t, client, testConfig(t))
	alice := node.dial(t, mr, 1)

	clientMsgID := uuid.New()
	send := protocol.NewEnvelope(protocol.MsgTypeC2CSend, &protocol.C2CMessage{
		ClientMsgID: clientMsgID[:],
		To:          99,
		Content:     []byte("are you there"),
	})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, send.Marshal()))
	require.Equal(t, protocol.CodeSuccess, readEnvelope(t, alice, protocol.MsgTypeC2CSend).Code)
	require.Eventually(t, func() bool {
		return len(node.recorder.Topic(persistence.TopicC2COffline)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeReleasesPresenceOnDisconnect(t *testing.T) {
	mr, client := newCluster(t)
	node := startNode(t, client, testConfig(t))
	bob := node.dial(t, mr, 2)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		return !mr.Exists(presence.KeyPrefix+"2") && node.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeKicksUsersThroughOpsAPI(t *testing.T) {
	mr, client := newCluster(t)
	node := startNode(t, client, testConfig(t))
	alice := node.dial(t, mr, 1)

	req, err := http.NewRequest(http.MethodPost, "http://"+node.cfg.OpsAddr+"/admin/users/1/kick", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "admin-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = alice.ReadMessage()
	require.Error(t, err)
	require.False(t, mr.Exists(presence.KeyPrefix+"1"))
}

func TestNodeReadinessFollowsDirectory(t *testing.T) {
	mr, client := newCluster(t)
	node := startNode(t, client, testConfig(t))

	get := func() int {
		resp, err := http.Get("http://" + node.cfg.OpsAddr + "/readyz")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, get())
	mr.SetError("ERR directory down")
	require.Equal(t, http.StatusServiceUnavailable, get())
	mr.SetError("")
}

func TestApplyConfigReachesEveryComponent(t *testing.T) {
	_, client := newCluster(t)
	cfg := testConfig(t)
	node, err := NewNode(cfg, logging.NewTestLogger(), WithRedisClient(client), WithPublisher(&persistencetest.Recorder{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.handlers.Close(ctx)
		_ = node.pushes.Close(ctx)
	})

	next := *cfg
	next.Workers.Size = 5
	next.Retry.MaxAttempts = 7
	next.Heartbeat.FailureThreshold = 9
	next.Messaging.BatchIDMax = 42
	next.ListenAddr = freeAddr(t)
	node.Holder().Swap(&next)
	node.ApplyConfig(cfg, &next)

	require.Equal(t, 5, node.handlers.Size())
	require.Equal(t, 5, node.pushes.Size())
	require.Equal(t, 7, node.retry.Settings().MaxAttempts)
	require.Equal(t, 9, node.heartbeat.Settings().FailureThreshold)
	require.Equal(t, 42, node.strategySettings().BatchIDMax)
}

func TestShutdownReleasesEveryLocalUser(t *testing.T) {
	mr, client := newCluster(t)
	node := startNode(t, client, testConfig(t))
	node.dial(t, mr, 1)
	node.dial(t, mr, 2)
	node.dial(t, mr, 3)

	require.NoError(t, node.stop())

	for _, key := range mr.Keys() {
		require.False(t, strings.HasPrefix(key, presence.KeyPrefix), "presence record %s survived shutdown", key)
	}
	require.Zero(t, node.registry.Len())
}

func TestUnresponsiveConnectionIsEvicted(t *testing.T) {
	mr, client := newCluster(t)
	cfg := testConfig(t)
	cfg.Heartbeat.Interval = time.Hour
	cfg.Heartbeat.Timeout = time.Millisecond
	cfg.Heartbeat.FailureThreshold = 3
	cfg.Heartbeat.PresenceTTL = 2 * time.Hour
	node := startNode(t, client, cfg)

	silent, _, err := websockettest.DialIgnoringPongs(node.url(t, 1), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = silent.Close() })
	closed := make(chan error, 1)
	go func() { closed <- websockettest.Drain(silent) }()
	node.waitPresent(t, mr, 1)

	//1.- The first tick pings, the next three count the missing pongs.
	for i := 0; i < 4; i++ {
		time.Sleep(5 * time.Millisecond)
		node.heartbeat.Tick(context.Background())
	}

	select {
	case err := <-closed:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("evicted socket was not closed")
	}
	_, registered := node.registry.Lookup(1)
	require.False(t, registered)
	require.False(t, mr.Exists(presence.KeyPrefix+"1"))
	require.Zero(t, node.heartbeat.Len())
}

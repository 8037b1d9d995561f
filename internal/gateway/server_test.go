package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"imconnect/node/internal/auth"
	"imconnect/node/internal/config"
	"imconnect/node/internal/flow"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/websockettest"
	"imconnect/node/internal/workerpool"
)

const testSecret = "gateway-secret"

type recordingDispatcher struct {
	frames chan protocol.Envelope
}

func (d *recordingDispatcher) DispatchFromClient(_ context.Context, conn registry.Conn, env protocol.Envelope) {
	d.frames <- env
	resp := protocol.Response(env.Type, protocol.CodeSuccess)
	_ = conn.Send(resp.Marshal())
}

type recordingLifecycle struct {
	err          error
	connected    chan registry.Conn
	disconnected chan registry.Conn
}

func (l *recordingLifecycle) Connected(_ context.Context, conn registry.Conn) error {
	l.connected <- conn
	return l.err
}

func (l *recordingLifecycle) Disconnected(_ context.Context, conn registry.Conn) {
	l.disconnected <- conn
}

type recordingActivity struct {
	mu      sync.Mutex
	touches map[string]int
}

func (a *recordingActivity) Touch(connID string) {
	a.mu.Lock()
	a.touches[connID]++
	a.mu.Unlock()
}

func (a *recordingActivity) count(connID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.touches[connID]
}

type fullPool struct{}

func (fullPool) Submit(uint64, workerpool.Task) error { return workerpool.ErrQueueFull }

type fixture struct {
	server     *Server
	addr       string
	dispatcher *recordingDispatcher
	lifecycle  *recordingLifecycle
	activity   *recordingActivity
}

type fixtureOption func(*Settings, *[]Option, *Submitter)

func withSubmitter(s Submitter) fixtureOption {
	return func(_ *Settings, _ *[]Option, sub *Submitter) { *sub = s }
}

func withSettings(fn func(*Settings)) fixtureOption {
	return func(settings *Settings, _ *[]Option, _ *Submitter) { fn(settings) }
}

func withServerOption(opt Option) fixtureOption {
	return func(_ *Settings, opts *[]Option, _ *Submitter) { *opts = append(*opts, opt) }
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startGateway(t *testing.T, lifecycleErr error, fopts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		addr:       freeAddr(t),
		dispatcher: &recordingDispatcher{frames: make(chan protocol.Envelope, 16)},
		lifecycle: &recordingLifecycle{
			err:          lifecycleErr,
			connected:    make(chan registry.Conn, 4),
			disconnected: make(chan registry.Conn, 4),
		},
		activity: &recordingActivity{touches: make(map[string]int)},
	}
	pool, err := workerpool.New(2, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	settings := Settings{Addr: f.addr, Backlog: 8, MaxPayloadBytes: 4096, Pollers: 1}
	opts := []Option{WithActivityTracker(f.activity), WithLogger(logging.NewTestLogger())}
	var submitter Submitter = pool
	for _, fo := range fopts {
		fo(&settings, &opts, &submitter)
	}
	authenticator, err := NewTokenAuthenticator(config.AuthConfig{Secret: testSecret})
	require.NoError(t, err)

	f.server, err = New(settings, authenticator, f.dispatcher, f.lifecycle, submitter, opts...)
	require.NoError(t, err)
	require.NoError(t, f.server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.server.Stop(ctx)
	})
	return f
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	claims := auth.Claims{
		Device: "mobile",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) url(t *testing.T, userID int64) string {
	return ListenerURL(f.addr, false) + "?auth_token=" + token(t, userID)
}

func (f *fixture) dial(t *testing.T, userID int64) (*websocket.Conn, registry.Conn) {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial(f.url(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	select {
	case conn := <-f.lifecycle.connected:
		return client, conn
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not registered")
		return nil, nil
	}
}

func sendFrame(t *testing.T, client *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, env.Marshal()))
}

func readEnvelope(t *testing.T, client *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func c2c(to int64, content string) protocol.Envelope {
	return protocol.NewEnvelope(protocol.MsgTypeC2CSend, &protocol.C2CMessage{To: to, Content: []byte(content)})
}

func TestGatewayRejectsUnauthenticatedHandshake(t *testing.T) {
	f := startGateway(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(ListenerURL(f.addr, false), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"X-Auth-Token": []string{"garbage"}}
	_, resp, err = websocket.DefaultDialer.Dial(ListenerURL(f.addr, false), header)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayDispatchesFramesInOrder(t *testing.T) {
	f := startGateway(t, nil)
	client, conn := f.dial(t, 42)
	require.EqualValues(t, 42, conn.UserID())
	require.Equal(t, "mobile", conn.DeviceClass())
	require.NotEmpty(t, conn.ID())

	for _, content := range []string{"one", "two", "three"} {
		sendFrame(t, client, c2c(7, content))
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case env := <-f.dispatcher.frames:
			var msg protocol.C2CMessage
			require.NoError(t, env.Decode(&msg))
			require.Equal(t, want, string(msg.Content))
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %q was not dispatched", want)
		}
		resp := readEnvelope(t, client)
		require.Equal(t, protocol.MsgTypeC2CSend, resp.Type)
		require.Equal(t, protocol.CodeSuccess, resp.Code)
	}
	require.Eventually(t, func() bool { return f.server.Active() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGatewayDropsMalformedAndTextFrames(t *testing.T) {
	f := startGateway(t, nil)
	client, _ := f.dial(t, 42)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
	sendFrame(t, client, c2c(7, "valid"))

	select {
	case env := <-f.dispatcher.frames:
		var msg protocol.C2CMessage
		require.NoError(t, env.Decode(&msg))
		require.Equal(t, "valid", string(msg.Content))
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame was not dispatched")
	}
	require.Empty(t, f.dispatcher.frames)
}

func TestGatewayRespondsBusyWhenWorkersAreFull(t *testing.T) {
	f := startGateway(t, nil, withSubmitter(fullPool{}))
	client, _ := f.dial(t, 42)

	sendFrame(t, client, c2c(7, "hi"))
	resp := readEnvelope(t, client)
	require.Equal(t, protocol.MsgTypeC2CSend, resp.Type)
	require.Equal(t, protocol.CodeBusy, resp.Code)
	require.Empty(t, f.dispatcher.frames)
}

func TestGatewayRateLimitsEachConnection(t *testing.T) {
	gate := flow.NewGate(flow.Config{PerSecond: 0.001, Burst: 1}, nil)
	f := startGateway(t, nil, withServerOption(WithGate(gate)))
	client, conn := f.dial(t, 42)

	sendFrame(t, client, c2c(7, "first"))
	require.Equal(t, protocol.CodeSuccess, readEnvelope(t, client).Code)
	sendFrame(t, client, c2c(7, "second"))
	require.Equal(t, protocol.CodeBusy, readEnvelope(t, client).Code)
	require.EqualValues(t, 1, gate.Dropped(conn.ID()))
}

func TestGatewayEnforcesMaxClients(t *testing.T) {
	f := startGateway(t, nil, withSettings(func(s *Settings) { s.MaxClients = 1 }))
	f.dial(t, 1)
	require.Eventually(t, func() bool { return f.server.Active() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(f.url(t, 2), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.server.SetMaxClients(0)
	f.dial(t, 2)
	require.Eventually(t, func() bool { return f.server.Active() == 2 }, time.Second, 10*time.Millisecond)
}

func TestGatewayPongCountsAsActivity(t *testing.T) {
	f := startGateway(t, nil)
	client, conn := f.dial(t, 42)
	go func() { _ = websockettest.Drain(client) }()

	require.Eventually(t, func() bool { return f.activity.count(conn.ID()) >= 1 }, time.Second, 10*time.Millisecond)
	before := f.activity.count(conn.ID())
	require.NoError(t, conn.Ping())
	require.Eventually(t, func() bool { return f.activity.count(conn.ID()) > before }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayUnansweredPingLeavesActivityUntouched(t *testing.T) {
	f := startGateway(t, nil)
	client, _, err := websockettest.DialIgnoringPongs(f.url(t, 42), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	conn := <-f.lifecycle.connected
	go func() { _ = websockettest.Drain(client) }()

	require.Eventually(t, func() bool { return f.activity.count(conn.ID()) >= 1 }, time.Second, 10*time.Millisecond)
	before := f.activity.count(conn.ID())
	require.NoError(t, conn.Ping())
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, before, f.activity.count(conn.ID()))
}

func TestGatewayReleasesConnectionOnClose(t *testing.T) {
	f := startGateway(t, nil)
	client, conn := f.dial(t, 42)

	require.NoError(t, client.Close())
	select {
	case gone := <-f.lifecycle.disconnected:
		require.Equal(t, conn.ID(), gone.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	require.Eventually(t, func() bool { return f.server.Active() == 0 }, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, conn.Send([]byte{1}), ErrConnClosed)
}

func TestGatewayClosesSocketWhenRegistrationFails(t *testing.T) {
	f := startGateway(t, errors.New("presence unavailable"))
	client, _ := f.dial(t, 42)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "socket was left open")
	}
}

func TestGatewayClosesOversizedFrames(t *testing.T) {
	f := startGateway(t, nil, withSettings(func(s *Settings) { s.MaxPayloadBytes = 16 }))
	client, _ := f.dial(t, 42)

	sendFrame(t, client, c2c(7, "this content is far beyond sixteen bytes"))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	require.Empty(t, f.dispatcher.frames)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	authenticator, err := NewTokenAuthenticator(config.AuthConfig{Secret: testSecret})
	require.NoError(t, err)
	d := &recordingDispatcher{}
	l := &recordingLifecycle{}

	_, err = New(Settings{Backlog: 1}, authenticator, d, l, fullPool{})
	require.Error(t, err)
	_, err = New(Settings{Addr: ":0"}, authenticator, d, l, fullPool{})
	require.Error(t, err)
	_, err = New(Settings{Addr: ":0", Backlog: 1}, nil, d, l, fullPool{})
	require.Error(t, err)
}

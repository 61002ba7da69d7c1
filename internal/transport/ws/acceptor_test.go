package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

// echoHandler is a test SessionHandler that echoes frames back to the client.
type echoHandler struct {
	sessionCount atomic.Int32
	addrs        chan string
}

func newEchoHandler() *echoHandler {
	return &echoHandler{addrs: make(chan string, 8)}
}

func (h *echoHandler) HandleSession(_ context.Context, conn *Conn) error {
	h.sessionCount.Add(1)
	h.addrs <- conn.RemoteAddr()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch string(data) {
		case "quit":
			_ = conn.Send([]byte("bye"))
			conn.Close()
		case "burst":
			for _, f := range []string{"one", "two", "three"} {
				_ = conn.Send([]byte(f))
			}
		default:
			_ = conn.Send(append([]byte("echo: "), data...))
		}
	}
}

func testTransport() config.TransportConfig {
	return config.TransportConfig{
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     16,
	}
}

// startAcceptor runs an acceptor on a random port and stops it at cleanup.
func startAcceptor(t *testing.T, transport config.TransportConfig, handler SessionHandler) *Acceptor {
	t.Helper()
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, Path: "/ws"}
	acc := NewAcceptor(cfg, transport, handler, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() {
		errCh <- acc.ListenAndServe()
	}()

	deadline := time.After(2 * time.Second)
	for !acc.IsRunning() || acc.Addr() == "" {
		select {
		case <-deadline:
			t.Fatal("acceptor did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	t.Cleanup(func() {
		acc.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("ListenAndServe did not return after Stop")
		}
	})
	return acc
}

func wsURL(acc *Acceptor) string {
	return "ws://" + acc.Addr() + "/ws"
}

func TestAcceptor_EchoAndRemoteAddr(t *testing.T) {
	handler := newEchoHandler()
	acc := startAcceptor(t, testTransport(), handler)

	client := testutil.NewWSClient(t, wsURL(acc))
	client.Send("hello")
	assert.Equal(t, "echo: hello", client.Read(2*time.Second))
	assert.Equal(t, "127.0.0.1", <-handler.addrs)
	assert.Equal(t, int32(1), handler.sessionCount.Load())
}

func TestAcceptor_OneFramePerSend(t *testing.T) {
	acc := startAcceptor(t, testTransport(), newEchoHandler())
	client := testutil.NewWSClient(t, wsURL(acc))

	client.Send("burst")
	assert.Equal(t, "one", client.Read(2*time.Second))
	assert.Equal(t, "two", client.Read(2*time.Second))
	assert.Equal(t, "three", client.Read(2*time.Second))
}

func TestAcceptor_CloseFlushesQueuedFrames(t *testing.T) {
	acc := startAcceptor(t, testTransport(), newEchoHandler())
	client := testutil.NewWSClient(t, wsURL(acc))

	client.Send("quit")
	assert.Equal(t, "bye", client.Read(2*time.Second))
	client.ExpectClosed(2 * time.Second)
}

func TestAcceptor_RejectsNonGet(t *testing.T) {
	acc := startAcceptor(t, testTransport(), newEchoHandler())
	resp, err := http.Post("http://"+acc.Addr()+"/ws", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAcceptor_OriginAllowList(t *testing.T) {
	transport := testTransport()
	transport.AllowedOrigins = []string{"https://Game.Example.com", "not a url"}
	acc := startAcceptor(t, transport, newEchoHandler())

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		return websocket.DefaultDialer.Dial(wsURL(acc), header)
	}

	conn, _, err := dial("https://game.example.com")
	require.NoError(t, err)
	conn.Close()

	for _, origin := range []string{"https://evil.example.com", ""} {
		_, resp, err := dial(origin)
		require.Error(t, err, origin)
		require.NotNil(t, resp, origin)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
	}
}

func TestOriginPolicy_EmptyAllowsAll(t *testing.T) {
	p := newOriginPolicy(nil, zap.NewNop())
	r, err := http.NewRequest(http.MethodGet, "http://x/ws", nil)
	require.NoError(t, err)
	r.Header.Set("Origin", "https://anywhere.example")
	assert.True(t, p.check(r))

	p = newOriginPolicy([]string{"*", "https://a.example"}, zap.NewNop())
	assert.True(t, p.check(r))
}

func TestAcceptor_RateLimitDropsExcessFrames(t *testing.T) {
	transport := testTransport()
	transport.RateLimit = config.RateLimitConfig{Burst: 2, PerSecond: 0.001}
	acc := startAcceptor(t, transport, newEchoHandler())
	client := testutil.NewWSClient(t, wsURL(acc))

	for _, f := range []string{"a", "b", "c", "d"} {
		client.Send(f)
	}
	assert.Equal(t, "echo: a", client.Read(2*time.Second))
	assert.Equal(t, "echo: b", client.Read(2*time.Second))
	client.Send("e")
	client.ExpectNoFrame(200 * time.Millisecond)
}

func TestAcceptor_RateLimitPassesHeartbeatAcks(t *testing.T) {
	transport := testTransport()
	transport.RateLimit = config.RateLimitConfig{Burst: 1, PerSecond: 0.001}
	acc := startAcceptor(t, transport, newEchoHandler())
	client := testutil.NewWSClient(t, wsURL(acc))

	for _, f := range []string{"a", "heartbeat", "heartbeat", "b"} {
		client.Send(f)
	}
	assert.Equal(t, "echo: a", client.Read(2*time.Second))
	assert.Equal(t, "echo: heartbeat", client.Read(2*time.Second))
	assert.Equal(t, "echo: heartbeat", client.Read(2*time.Second))
	client.ExpectNoFrame(200 * time.Millisecond)
}

func TestAcceptor_StopEndsSessions(t *testing.T) {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, Path: "/ws"}
	acc := NewAcceptor(cfg, testTransport(), HandlerFunc(func(ctx context.Context, conn *Conn) error {
		<-ctx.Done()
		return ctx.Err()
	}), zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()
	require.Eventually(t, func() bool { return acc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	client := testutil.NewWSClient(t, wsURL(acc))
	acc.Stop()
	client.ExpectClosed(2 * time.Second)
	assert.NoError(t, <-errCh)
	assert.False(t, acc.IsRunning())
	acc.Stop()
}

func TestConn_SendAfterClose(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrBufferFull)
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClosed)
}

func TestConn_SendAfterWriterExit(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), done: make(chan struct{})}
	close(c.done)
	assert.ErrorIs(t, c.Send([]byte("a")), ErrClosed)
}

func TestRemoteIP(t *testing.T) {
	assert.Equal(t, "192.0.2.1", remoteIP("192.0.2.1:5555"))
	assert.Equal(t, "::1", remoteIP("[::1]:80"))
	assert.Equal(t, "garbage", remoteIP("garbage"))
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.False(t, isExpectedCloseError(&websocket.CloseError{Code: websocket.CloseProtocolError}))
	assert.True(t, isExpectedCloseError(websocket.ErrCloseSent))
	assert.False(t, isExpectedCloseError(context.Canceled))
}

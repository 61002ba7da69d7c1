package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/account"
	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/policy"
	"github.com/cory-johannsen/lobby/internal/storage/filestore"
)

const waitTimeout = 2 * time.Second

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	addr   string
	frames chan string

	mu       sync.Mutex
	closed   bool
	failSend bool
	closedCh chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:     addr,
		frames:   make(chan string, 4096),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	if c.failSend {
		return errors.New("fake send failure")
	}
	select {
	case c.frames <- string(data):
		return nil
	default:
		return errors.New("fake buffer full")
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) breakSends() {
	c.mu.Lock()
	c.failSend = true
	c.mu.Unlock()
}

type harness struct {
	t    *testing.T
	hub  *Hub
	bans *policy.Registry
}

// testLobbyConfig keeps timers out of the way unless a test shortens them.
func testLobbyConfig() config.LobbyConfig {
	cfg := config.Default().Lobby
	cfg.KeyDeadline = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.CloseDelay = 10 * time.Millisecond
	return cfg
}

func newTestAccounts(t *testing.T) *account.Service {
	t.Helper()
	store := filestore.Open(filepath.Join(t.TempDir(), "accounts.json"), zaptest.NewLogger(t))
	return account.NewService(store, zaptest.NewLogger(t))
}

func newHarness(t *testing.T, mutate func(*config.LobbyConfig)) *harness {
	t.Helper()
	return newHarnessWith(t, mutate, newTestAccounts(t), policy.File{})
}

func newHarnessWith(t *testing.T, mutate func(*config.LobbyConfig), accounts Authenticator, bans policy.File) *harness {
	t.Helper()
	cfg := testLobbyConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := policy.New(zap.NewNop(), bans)
	hub := NewHub(cfg, accounts, reg, zaptest.NewLogger(t))
	startHub(t, hub)
	return &harness{t: t, hub: hub, bans: reg}
}

func startHub(t testing.TB, hub *Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
}

// inspect runs fn on the hub loop and waits for it, so every task posted
// before it has completed.
func (h *harness) inspect(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	require.True(h.t, h.hub.post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		h.t.Fatal("hub did not process task")
	}
}

func (h *harness) sync() { h.inspect(func() {}) }

type client struct {
	t    *testing.T
	h    *harness
	conn *fakeConn
	sess *Session
	key  string
}

func (h *harness) connect(addr string) *client {
	h.t.Helper()
	conn := newFakeConn(addr)
	c := &client{t: h.t, h: h, conn: conn, sess: h.hub.Accept(conn)}
	h.sync()
	return c
}

// joinLobby connects, presents key and authenticates as a guest, then drains
// every frame received so far.
func (h *harness) joinLobby(key string) *client {
	h.t.Helper()
	c := h.connect("198.51.100." + key)
	c.presentKey(key)
	c.command("guest", "ignored", "")
	c.expect("auth")
	h.sync()
	c.drain()
	return c
}

func (c *client) raw(frame string) {
	c.h.hub.Deliver(c.sess, []byte(frame))
}

func (c *client) command(name string, args ...any) {
	c.t.Helper()
	data, err := json.Marshal(append([]any{"server", name}, args...))
	require.NoError(c.t, err)
	c.raw(string(data))
}

func (c *client) presentKey(key string) {
	c.key = key
	c.command("key", []any{key, "extra"})
}

// next returns the next frame or fails on timeout.
func (c *client) next() string {
	c.t.Helper()
	select {
	case f := <-c.conn.frames:
		return f
	case <-time.After(waitTimeout):
		c.t.Fatal("no frame received")
		return ""
	}
}

// expect skips frames until the notice name arrives and returns its payload.
func (c *client) expect(name string) []json.RawMessage {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	var seen []string
	for {
		select {
		case f := <-c.conn.frames:
			got, payload := decodeFrame(f)
			if got == name {
				return payload
			}
			seen = append(seen, got)
		case <-deadline:
			c.t.Fatalf("notice %q not received; saw %v", name, seen)
			return nil
		}
	}
}

// names syncs the hub and returns the names of every frame buffered so far.
func (c *client) names() []string {
	c.t.Helper()
	c.h.sync()
	var out []string
	for {
		select {
		case f := <-c.conn.frames:
			name, _ := decodeFrame(f)
			out = append(out, name)
		default:
			return out
		}
	}
}

func (c *client) drain() { _ = c.names() }

// namesUntil waits for n frames and returns their names.
func (c *client) namesUntil(n int) []string {
	c.t.Helper()
	var out []string
	for len(out) < n {
		name, _ := decodeFrame(c.next())
		out = append(out, name)
	}
	return out
}

func (c *client) waitClosed() {
	c.t.Helper()
	select {
	case <-c.conn.closedCh:
	case <-time.After(waitTimeout):
		c.t.Fatal("connection not closed")
	}
}

// decodeFrame splits a notice into its name and payload. Non-array frames are
// returned verbatim as the name.
func decodeFrame(frame string) (string, []json.RawMessage) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame), &parts); err != nil || len(parts) == 0 {
		return frame, nil
	}
	var name string
	_ = json.Unmarshal(parts[0], &name)
	return name, parts[1:]
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

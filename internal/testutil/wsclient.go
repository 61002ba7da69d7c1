package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a WebSocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("ws client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Read returns the next text frame or fails the test on timeout.
func (c *WSClient) Read(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return string(data)
}

// ReadNotice reads frames until one whose JSON array starts with name arrives,
// returning the decoded elements after the name. Frames that are not JSON
// arrays, such as heartbeat probes, are skipped.
//
// Postcondition: Returns the payload of the matching notice, or fails on timeout.
func (c *WSClient) ReadNotice(name string, timeout time.Duration) []json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %q: saw [%s], error: %v", name, strings.Join(seen, ", "), err)
		}
		var parts []json.RawMessage
		if json.Unmarshal(data, &parts) != nil || len(parts) == 0 {
			seen = append(seen, string(data))
			continue
		}
		var got string
		if json.Unmarshal(parts[0], &got) == nil && got == name {
			return parts[1:]
		}
		seen = append(seen, got)
	}
}

// ExpectClosed fails the test unless the server closes the connection within timeout.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// ExpectNoFrame fails the test if a frame arrives within wait. The connection
// is unusable for reads afterwards, so call it last.
func (c *WSClient) ExpectNoFrame(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected frame %q", data)
	}
}

// Send writes one text frame.
func (c *WSClient) Send(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// SendCommand encodes ["server", name, args...] and writes it as one frame.
func (c *WSClient) SendCommand(name string, args ...any) {
	c.t.Helper()
	data, err := json.Marshal(append([]any{"server", name}, args...))
	if err != nil {
		c.t.Fatalf("encoding %q: %v", name, err)
	}
	c.Send(string(data))
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}

// Package testhelpers provides WebSocket and HTTP utilities shared by the
// relay's package tests.
//
// A WSClient reads frames on a background goroutine so tests can assert that
// nothing arrived without tripping gorilla's read deadline, which leaves a
// connection unusable once it fires.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by Dial.
const TestOrigin = "http://localhost:8080"

// Frame mirrors the relay's wire frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// WSClient is a test WebSocket connection with a background reader.
type WSClient struct {
	Conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}
	err    error
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the test origin. The caller owns the
// connection.
func ConnectWebSocket(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if header == nil {
		header = http.Header{}
		header.Set("Origin", TestOrigin)
	}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects to the relay at url and starts the background reader. The
// connection is closed when the test ends.
func Dial(t *testing.T, url string) *WSClient {
	t.Helper()

	conn, _, err := ConnectWebSocket(url, nil)
	require.NoError(t, err, "dial %s", url)

	c := &WSClient{
		Conn:   conn,
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// DialN connects n clients.
func DialN(t *testing.T, url string, n int) []*WSClient {
	t.Helper()
	clients := make([]*WSClient, n)
	for i := range clients {
		clients[i] = Dial(t, url)
	}
	return clients
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		c.frames <- raw
	}
}

// Send writes an event frame. A nil data omits the data field.
func (c *WSClient) Send(t *testing.T, event string, data any) {
	t.Helper()
	c.send(t, event, data, nil)
}

// SendWithAck writes an event frame that requests an acknowledgement.
func (c *WSClient) SendWithAck(t *testing.T, event string, data any, ack uint64) {
	t.Helper()
	c.send(t, event, data, &ack)
}

func (c *WSClient) send(t *testing.T, event string, data any, ack *uint64) {
	t.Helper()
	frame := Frame{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		frame.Data = raw
	}
	c.SendRaw(t, MustMarshal(t, frame))
}

// SendRaw writes a text frame as is.
func (c *WSClient) SendRaw(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, c.Conn.WriteMessage(websocket.TextMessage, raw))
}

// Next returns the next frame or fails the test after timeout.
func (c *WSClient) Next(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	raw := c.NextRaw(t, timeout)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f), "frame %s", raw)
	return f
}

// NextRaw returns the next frame's bytes or fails the test after timeout.
func (c *WSClient) NextRaw(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case raw := <-c.frames:
		return raw
	case <-c.done:
		select {
		case raw := <-c.frames:
			return raw
		default:
		}
		t.Fatalf("connection closed while waiting for frame: %v", c.err)
	case <-time.After(timeout):
		t.Fatalf("timed out after %s waiting for frame", timeout)
	}
	return nil
}

// ExpectNone fails the test if a frame arrives within timeout.
func (c *WSClient) ExpectNone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case raw := <-c.frames:
		t.Fatalf("expected no frame, got %s", raw)
	case <-time.After(timeout):
	}
}

// WaitClosed waits for the server to close the connection and returns the
// read error that ended it.
func (c *WSClient) WaitClosed(t *testing.T, timeout time.Duration) error {
	t.Helper()
	for {
		select {
		case <-c.frames:
		case <-c.done:
			return c.err
		case <-time.After(timeout):
			t.Fatalf("connection still open after %s", timeout)
			return nil
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Conn.Close()
}

// MustMarshal encodes v as JSON or fails the test.
func MustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// MakeRequest performs a request against handler and returns the recorder.
func MakeRequest(t *testing.T, handler http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}

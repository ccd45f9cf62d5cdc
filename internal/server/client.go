package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one WebSocket connection owned by a Hub.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a client for conn using the hub's connection limits. The
// client is inert until passed to Hub.Register.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(hub.maxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, hub.sendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: hub.maxMessageSize,
		limiter:        newRateLimiter(hub.rateLimit.Burst, hub.rateLimit.RefillInterval),
		rateLimit:      hub.rateLimit,
		log:            hub.log.With().Str("client", id).Str("addr", addr).Logger(),
	}
}

// ID returns the connection's session id.
func (c *Client) ID() string {
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.log.Info().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the next message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// processMessage parses a frame, resolves its route and hands it to the hub.
// Malformed frames and unknown events are dropped without a reply.
func (c *Client) processMessage(raw []byte) bool {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		eventsReceivedTotal.WithLabelValues("", "invalid").Inc()
		c.log.Debug().Err(err).Msg("invalid frame")
		return false
	}

	outbound, ok := c.hub.router.Resolve(frame.Event)
	if !ok {
		eventsReceivedTotal.WithLabelValues("", "unknown").Inc()
		c.log.Debug().Str("event", frame.Event).Msg("ignoring unknown event")
		return false
	}

	ack, ok := frame.ackID()
	if !ok {
		c.log.Debug().RawJSON("ack", frame.Ack).Msg("ignoring invalid ack")
	}

	if !c.hub.Broadcast(BroadcastMessage{Sender: c, Event: outbound, Data: frame.Data, Ack: ack}) {
		eventsReceivedTotal.WithLabelValues(frame.Event, "draining").Inc()
		c.log.Debug().Str("event", frame.Event).Msg("hub draining; event discarded")
		return false
	}

	eventsReceivedTotal.WithLabelValues(frame.Event, "accepted").Inc()
	evt := c.log.Info().Str("event", frame.Event)
	if len(frame.Data) > 0 {
		evt = evt.RawJSON("data", frame.Data)
	}
	evt.Msg("event received")
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error closing connection")
	}
}

// handleMessage writes one queued frame; a closed queue ends the connection
// with a close frame.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}

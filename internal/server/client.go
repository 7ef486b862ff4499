package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/chat"
	"github.com/Tyrowin/presencechat/internal/config"
	"github.com/Tyrowin/presencechat/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Dispatcher receives the lifecycle and inbound events of a connection.
type Dispatcher interface {
	Connect(id presence.ConnID) *chat.Session
	Handle(ctx context.Context, s *chat.Session, in chat.Inbound)
	Disconnect(s *chat.Session)
}

// Client represents a WebSocket client connection in the chat system.
// It manages the connection state, message sending channel, hub reference,
// and client address information.
type Client struct {
	id             presence.ConnID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	dispatcher     Dispatcher
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         zerolog.Logger
}

// NewClient wraps an upgraded connection with a fresh identity.
func NewClient(conn *websocket.Conn, hub *Hub, dispatcher Dispatcher, addr string, cfg *config.Config, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := presence.NewConnID()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		dispatcher:     dispatcher,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With().Str("conn", id.String()).Str("remote_addr", addr).Logger(),
	}
}

// ID returns the connection identity.
func (c *Client) ID() presence.ConnID {
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs a read failure at a level matching its cause. Every
// read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err):
		c.logger.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether an event may be processed. Only join and
// chat message are limited.
func (c *Client) checkRateLimit(event string) bool {
	if event != chat.EventJoin && event != chat.EventChatMessage {
		return true
	}
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().
			Str("event", event).
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding event")
		return false
	}
	return true
}

// processFrame decodes every envelope in a frame and dispatches the valid
// ones in order.
func (c *Client) processFrame(ctx context.Context, session *chat.Session, frame []byte) {
	for _, raw := range bytes.Split(frame, []byte{'\n'}) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		in, err := chat.DecodeInbound(raw)
		if err != nil {
			if errors.Is(err, chat.ErrUnknownEvent) {
				c.logger.Debug().Err(err).Msg("ignoring event")
			} else {
				c.logger.Warn().Err(err).Msg("invalid frame")
			}
			continue
		}

		if !c.checkRateLimit(in.Event) {
			continue
		}

		c.dispatcher.Handle(ctx, session, in)
	}
}

// readPump owns the session. On exit the client leaves the hub before the
// coordinator announces the departure, so the departing connection never
// receives its own user left.
func (c *Client) readPump(ctx context.Context) {
	session := c.dispatcher.Connect(c.id)

	defer func() {
		c.hub.Unregister(c)
		c.dispatcher.Disconnect(session)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Error().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processFrame(ctx, session, frame)
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

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Error().Err(err).Msg("error closing connection in writePump")
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes message plus whatever is already queued into a
// single frame, one envelope per line.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Debug().Err(err).Msg("error creating writer")
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.logger.Debug().Err(err).Msg("error writing message")
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing writer")
		return false
	}
	return true
}

// writeQueuedMessages drains the messages queued at call time. A closed
// channel ends the drain early.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.logger.Debug().Err(err).Msg("error writing newline")
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger.Debug().Err(err).Msg("error writing queued message")
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}

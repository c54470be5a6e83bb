package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/service"
	"github.com/Tyrowin/roomchat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client is one WebSocket connection. It is the Sink for every session
// opened on behalf of the connection, and turns inbound frames into
// service calls.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	svc            *service.Service
	userID         string
	room           string
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      config.RateLimitConfig
	logger         zerolog.Logger

	mu       sync.Mutex
	sessions []*session.Session

	// done is closed when the client shuts down. send is never closed, so
	// a late Send cannot panic.
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, hub *Hub, svc *service.Service, userID, room, addr string, cfg config.Config, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		svc:            svc,
		userID:         userID,
		room:           room,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger: logger.With().
			Str("client", id).
			Str("user", userID).
			Str("room", room).
			Str("remote_addr", addr).
			Logger(),
		done: make(chan struct{}),
	}
}

// Send encodes ev onto the outgoing buffer without blocking. A client
// whose buffer is full is disconnected.
func (c *Client) Send(ev events.Event) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn().Msg("client removed due to full send buffer")
		c.closeConnection()
		return errSendBufferFull
	}
}

// reply queues a direct response to this client, dropping it if the
// buffer is full.
func (c *Client) reply(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn().Msg("dropping reply, send buffer full")
	}
}

func (c *Client) attach(sessions []*session.Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, sessions...)
	c.mu.Unlock()
}

// close ends every session, stops the write pump and closes the socket.
// Once the sessions are closed no further events reach the buffer.
func (c *Client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		sessions := c.sessions
		c.sessions = nil
		c.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		close(c.done)
		c.closeConnection()
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug().Err(err).Msg("set read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching how expected it was.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("max_bytes", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("connection closed")
	default:
		c.logger.Warn().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		c.logger.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// processMessage decodes an inbound frame and dispatches it to the
// service. Failures are reported back to the client as error frames.
func (c *Client) processMessage(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.reply(encodeError("", fmt.Errorf("malformed frame: %w", chat.ErrInvalid)))
		return
	}

	var err error
	switch frame.Type {
	case frameTyping:
		err = c.svc.Typing(c.room, c.userID, frame.Text, frame.IsSharable)
	case frameSend:
		_, err = c.svc.SendMessage(c.room, c.userID, frame.Message)
	case frameLike:
		_, err = c.svc.ToggleLike(c.room, frame.ID, c.userID)
	case frameEdit:
		_, err = c.svc.EditMessage(c.room, frame.ID, c.userID, frame.Message)
	default:
		err = fmt.Errorf("unknown frame type %q: %w", frame.Type, chat.ErrInvalid)
	}

	if err != nil {
		c.logger.Debug().Err(err).Str("frame", frame.Type).Msg("frame rejected")
		c.reply(encodeError(frame.Type, err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
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
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

// closeConnection closes the socket, ignoring the errors a double close produces.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error closing connection")
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error writing close message")
	}
}

// writeTextMessage writes message and then whatever else is already queued,
// one frame per event.
func (c *Client) writeTextMessage(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeFrame(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}

package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/eventbus"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed so a stalled client cannot block the writePump.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound frames. Clients only send ping and ack
	// frames; anything larger is a protocol violation.
	maxMessageSize = 512

	// terminalFallbackWait is how long the writer waits for a replayed
	// terminal event on an already-finished job before synthesizing one
	// from the job snapshot. Covers reconnects after the retained events
	// expired.
	terminalFallbackWait = 2 * time.Second

	// DefaultHeartbeat is the heartbeat interval when the config names none.
	DefaultHeartbeat = 30 * time.Second
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation belongs to the reverse proxy in
// front of the service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade switches the request onto the WebSocket protocol.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Close codes used by the gateway for sockets refused before a subscription
// exists, re-exported so callers need not import gorilla directly.
const (
	ClosePolicyViolation   = websocket.ClosePolicyViolation
	CloseTryAgainLater     = websocket.CloseTryAgainLater
	CloseInternalServerErr = websocket.CloseInternalServerErr
)

// CloseWith sends a close frame and drops the connection. Used by the
// gateway for sockets refused before a subscription existed.
func CloseWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// Client pumps one subscription onto one connection. Two goroutines per
// client: readPump detects disconnection and handles the ping/ack
// vocabulary, writePump serializes every outbound frame. writePump is the
// only goroutine writing data frames; control frames go through WriteControl
// which gorilla allows concurrently.
type Client struct {
	conn *websocket.Conn
	sub  *eventbus.Subscription

	heartbeat time.Duration

	// fallback, when set, is the synthesized terminal event for a job that
	// finished before the client connected.
	fallback *jobs.Event

	// pongs hands ping replies from readPump to the writer.
	pongs chan struct{}

	log *zap.Logger
}

// NewClient wires a subscription to an upgraded connection. fallback may be
// nil for jobs still running at connect time.
func NewClient(conn *websocket.Conn, sub *eventbus.Subscription, heartbeat time.Duration, fallback *jobs.Event, logger *zap.Logger) *Client {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Client{
		conn:      conn,
		sub:       sub,
		heartbeat: heartbeat,
		fallback:  fallback,
		pongs:     make(chan struct{}, 4),
		log:       logger.With(zap.String("job_id", sub.JobID()), zap.String("remote_addr", conn.RemoteAddr().String())),
	}
}

// Run blocks until the connection closes. Either pump exiting tears down the
// other: readPump closes the subscription, which closes the writer's channel;
// writePump closes the connection, which errors the reader out.
func (c *Client) Run() {
	metrics.WSConnected()
	defer metrics.WSDisconnected()

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// The read deadline doubles as the stale-subscription reaper: any
	// inbound frame refreshes it, and a peer silent for two heartbeat
	// intervals is dropped.
	deadline := 2 * c.heartbeat
	if err := c.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		c.log.Warn("ws: set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return
		}
		c.handleInbound(data)
	}
}

// handleInbound dispatches one client frame. Unknown types and malformed
// JSON are ignored rather than punished.
func (c *Client) handleInbound(data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	switch f.Type {
	case "ping":
		select {
		case c.pongs <- struct{}{}:
		default:
		}
	case "ack":
		c.sub.Ack(f.Seq)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var fallbackC <-chan time.Time
	if c.fallback != nil {
		t := time.NewTimer(terminalFallbackWait)
		defer t.Stop()
		fallbackC = t.C
	}

	for {
		select {
		case d, ok := <-c.sub.C():
			if !ok {
				c.closeFor(c.sub.Err())
				return
			}
			if err := c.write(Frame{Event: d.Event, Gap: d.Gap}); err != nil {
				return
			}
			if d.Event.Terminal() {
				c.closeWith(websocket.CloseNormalClosure, "job finished")
				return
			}

		case <-fallbackC:
			// Replay delivered no terminal for a finished job: its
			// events aged out of retention. Send the snapshot.
			if err := c.write(Frame{Event: *c.fallback}); err != nil {
				return
			}
			c.closeWith(websocket.CloseNormalClosure, "job finished")
			return

		case <-c.pongs:
			if err := c.write(pongFrame(c.sub.JobID())); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(heartbeatFrame(c.sub.JobID())); err != nil {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(f Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		c.log.Debug("ws: write error", zap.Error(err))
		return err
	}
	return nil
}

// closeFor maps the subscription's end reason onto a close code.
func (c *Client) closeFor(err error) {
	switch {
	case errors.Is(err, eventbus.ErrSlowConsumer):
		c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
	case errors.Is(err, eventbus.ErrBusClosed):
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	default:
		c.closeWith(websocket.CloseNormalClosure, "")
	}
}

func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("ws: close frame", zap.Error(err))
	}
}

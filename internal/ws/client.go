package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeTimeout bounds every frame write; a peer that cannot accept a
	// frame within it is treated as gone.
	writeTimeout = 10 * time.Second

	// idleTimeout is how long the connection may go without any inbound
	// frame (pongs included) before the read side gives up.
	idleTimeout = 90 * time.Second

	// keepAliveEvery is the ping cadence; well under idleTimeout so a
	// responsive peer always resets the deadline in time.
	keepAliveEvery = 30 * time.Second

	// clientQueueSize is how many undelivered messages a client may
	// accumulate before the hub evicts it as too slow.
	clientQueueSize = 16

	// maxInboundFrame caps what a peer may send; the protocol is
	// server-push only, so anything beyond control frames is noise.
	maxInboundFrame = 256
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin
// validation is left to the reverse proxy in front of the control plane.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected dashboard: a write loop draining its queue
// onto the wire and a read loop that exists only to notice disconnects
// and answer pings. shutdown may be called from the hub, either loop, or
// Run itself; the sync.Once makes every path converge.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	queue  chan Message
	done   chan struct{}
	once   sync.Once
	topics []string
	logger *zap.Logger
}

// NewClient validates the requested topics against the known subject
// families and upgrades the request. Topic validation runs first so a
// bad subscription fails as a plain HTTP error, before the upgrade
// commits the connection.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	for _, topic := range topics {
		if !ValidTopic(topic) {
			return nil, fmt.Errorf("ws: unknown topic %q", topic)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		queue:  make(chan Message, clientQueueSize),
		done:   make(chan struct{}),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run attaches the client to the hub and blocks until the connection
// ends, by peer disconnect, eviction, or hub shutdown.
func (c *Client) Run() {
	if !c.hub.attach(c) {
		_ = c.conn.Close()
		return
	}

	go c.writeLoop()
	c.readLoop()

	c.hub.detach(c)
	c.shutdown()
}

// enqueue hands msg to the write loop without ever blocking the
// publisher. false means the client is full or already gone, and the
// hub should evict it.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

// shutdown signals both loops to exit. Idempotent.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readLoop consumes inbound frames until the connection dies. Dashboards
// send nothing but control frames; the loop's real job is resetting the
// idle deadline on every pong and noticing the close.
func (c *Client) readLoop() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxInboundFrame)
	if err := c.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop is the connection's only writer: queued messages, keepalive
// pings, and the final close frame all leave through here, since gorilla
// connections do not tolerate concurrent writers.
func (c *Client) writeLoop() {
	keepalive := time.NewTicker(keepAliveEvery)
	defer func() {
		keepalive.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.queue:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-keepalive.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

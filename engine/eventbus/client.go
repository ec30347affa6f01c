package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftworks/conductor/engine/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send small control messages
	maxMessageSize = 4096

	authorizeTimeout = 5 * time.Second
)

// AuthorizeFunc decides whether a user may join a room
type AuthorizeFunc func(ctx context.Context, userID, room string) bool

// clientMessage is the inbound control protocol
type clientMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// Client is one websocket connection owned by a user
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	userID    string
	authorize AuthorizeFunc
	logger    Logger

	send chan []byte

	// room memberships, guarded by the hub mutex
	rooms map[string]bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, authorize AuthorizeFunc) *Client {
	return &Client{
		id:        uuid.NewString(),
		hub:       hub,
		conn:      conn,
		userID:    userID,
		authorize: authorize,
		logger:    hub.logger,
		send:      make(chan []byte, hub.sendBuffer),
		rooms:     make(map[string]bool),
	}
}

// Start registers the client and launches both pumps. It returns
// immediately; the connection lives until the peer closes or the hub
// drops it.
func (c *Client) Start() {
	c.hub.Register(c)
	c.enqueue(events.NewConnected(c.id, c.userID))

	go c.writePump()
	go c.readPump()
}

// readPump consumes control messages and detects disconnects. It is the
// only goroutine reading the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(events.NewError("invalid message"))
		return
	}

	switch msg.Type {
	case "ping":
		c.enqueue(events.NewPong())

	case "subscribe":
		if !ValidRoom(msg.RoomID) {
			c.enqueue(events.NewError("invalid room"))
			return
		}
		if !c.authorized(msg.RoomID) {
			c.enqueue(events.NewError("not authorized for room"))
			return
		}
		c.hub.Subscribe(c, msg.RoomID)
		c.enqueue(events.NewSubscribed(msg.RoomID))

	case "unsubscribe":
		if !ValidRoom(msg.RoomID) {
			c.enqueue(events.NewError("invalid room"))
			return
		}
		c.hub.Unsubscribe(c, msg.RoomID)
		c.enqueue(events.NewUnsubscribed(msg.RoomID))

	default:
		c.enqueue(events.NewError("unknown message type"))
	}
}

func (c *Client) authorized(room string) bool {
	if c.authorize == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()
	return c.authorize(ctx, c.userID, room)
}

// enqueue marshals a control event onto the send queue, dropping it if
// the queue is full
func (c *Client) enqueue(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pushes queued frames and keepalive pings to the peer. It is
// the only goroutine writing the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush queued frames individually so each stays one JSON
			// document on the wire
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

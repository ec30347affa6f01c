package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftworks/conductor/common/telemetry"
	"github.com/driftworks/conductor/engine/events"
)

// Logger interface for eventbus operations
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

var roomPrefixes = []string{"execution:", "workflow:", "user:"}

// ValidRoom reports whether a room name uses a known prefix and a
// non-empty key
func ValidRoom(room string) bool {
	for _, prefix := range roomPrefixes {
		if strings.HasPrefix(room, prefix) && len(room) > len(prefix) {
			return true
		}
	}
	return false
}

type envelope struct {
	room string
	data []byte
}

type subscription struct {
	client *Client
	room   string
}

type HubOpts struct {
	Logger     Logger
	Telemetry  *telemetry.Telemetry
	SendBuffer int
}

// Hub tracks websocket clients and their room memberships, and fans
// frames out room by room. Membership changes and broadcasts flow
// through the Run loop; the maps are additionally mutex-guarded so
// counters can read them directly.
type Hub struct {
	logger     Logger
	metrics    *telemetry.Telemetry
	sendBuffer int

	rooms map[string]map[*Client]bool
	mutex sync.RWMutex

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscription
	unsubscribe chan *subscription
	broadcast   chan *envelope
	done        chan struct{}
}

func NewHub(opts *HubOpts) *Hub {
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		logger:      opts.Logger,
		metrics:     opts.Telemetry,
		sendBuffer:  sendBuffer,
		rooms:       make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *subscription),
		unsubscribe: make(chan *subscription),
		broadcast:   make(chan *envelope, 256),
		done:        make(chan struct{}),
	}
}

// Run dispatches hub operations until Shutdown is called
func (h *Hub) Run() {
	h.logger.Info("event bus hub started")

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case sub := <-h.subscribe:
			h.subscribeClient(sub.client, sub.room)
		case sub := <-h.unsubscribe:
			h.unsubscribeClient(sub.client, sub.room)
		case env := <-h.broadcast:
			h.broadcastToRoom(env)
		case <-h.done:
			h.logger.Info("event bus hub stopped")
			return
		}
	}
}

// Broadcast marshals the event and fans it out to the room's clients
func (h *Hub) Broadcast(room string, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.BroadcastRaw(room, data)
	return nil
}

// BroadcastRaw fans out an already-encoded frame
func (h *Hub) BroadcastRaw(room string, data []byte) {
	select {
	case h.broadcast <- &envelope{room: room, data: data}:
	case <-h.done:
	}
}

// Register adds a client and joins it to its user room
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from every room and releases its queue
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe joins a client to a room
func (h *Hub) Subscribe(client *Client, room string) {
	select {
	case h.subscribe <- &subscription{client: client, room: room}:
	case <-h.done:
	}
}

// Unsubscribe removes a client from a room
func (h *Hub) Unsubscribe(client *Client, room string) {
	select {
	case h.unsubscribe <- &subscription{client: client, room: room}:
	case <-h.done:
	}
}

// Shutdown stops the dispatch loop and closes every connection with a
// going-away frame
func (h *Hub) Shutdown(ctx context.Context) {
	close(h.done)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	closed := make(map[*Client]bool)
	for _, clients := range h.rooms {
		for client := range clients {
			if closed[client] {
				continue
			}
			closed[client] = true
			client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			client.conn.Close()
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.logger.Info("event bus drained", "connections_closed", len(closed))
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	userRoom := events.UserRoom(client.userID)
	h.joinLocked(client, userRoom)

	if h.metrics != nil {
		h.metrics.EventBusConnections.Inc()
	}
	h.logger.Debug("client registered", "user_id", client.userID, "room", userRoom)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(client.rooms) == 0 {
		return
	}
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	close(client.send)

	if h.metrics != nil {
		h.metrics.EventBusConnections.Dec()
	}
	h.logger.Debug("client unregistered", "user_id", client.userID)
}

func (h *Hub) subscribeClient(client *Client, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(client.rooms) == 0 {
		// Already unregistered; a late subscribe must not resurrect it
		return
	}
	h.joinLocked(client, room)
	h.logger.Debug("client subscribed", "user_id", client.userID, "room", room)
}

func (h *Hub) unsubscribeClient(client *Client, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) joinLocked(client *Client, room string) {
	clients, ok := h.rooms[room]
	if !ok {
		clients = make(map[*Client]bool)
		h.rooms[room] = clients
	}
	clients[client] = true
	client.rooms[room] = true
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

func (h *Hub) broadcastToRoom(env *envelope) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := h.rooms[env.room]
	if len(clients) == 0 {
		return
	}

	for client := range clients {
		select {
		case client.send <- env.data:
		default:
			// Queue full. Drop the connection rather than stall the
			// room; the read pump will unregister it.
			h.logger.Warn("client send buffer full, dropping connection", "user_id", client.userID)
			client.conn.Close()
		}
	}
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seen := make(map[*Client]bool)
	for _, clients := range h.rooms {
		for client := range clients {
			seen[client] = true
		}
	}
	return len(seen)
}

// RoomCount returns the number of rooms with at least one subscriber
func (h *Hub) RoomCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms)
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var ErrNoSession = errors.New("no ws session")

// Authorizer decides whether userID may join channel.
type Authorizer func(ctx context.Context, userID, channel string) bool

// Client is one connected session. Its send queue is bounded; the hub drops
// messages for a client whose queue is full instead of waiting on it.
type Client struct {
	ID     string
	UserID string

	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	subs      map[string]struct{}
}

// Messages exposes the outbound queue for sessions without a socket.
func (c *Client) Messages() <-chan []byte { return c.send }

func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub holds websocket sessions and their channel memberships.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	channels  map[string]map[string]*Client
	authorize Authorizer
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	now       func() time.Time
}

func NewHub(logger *zap.Logger, authorize Authorizer) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[string]*Client),
		channels:  make(map[string]map[string]*Client),
		authorize: authorize,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Register adds a session for userID and returns it.
func (h *Hub) Register(userID string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	observability.WSClients.Inc()
	return c
}

// Unregister drops the session and all of its memberships. Safe to call twice.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		for ch := range c.subs {
			h.leaveLocked(ch, c)
		}
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		c.closeOnce.Do(func() { close(c.done) })
		observability.WSClients.Dec()
	}
}

// Subscribe joins clientID to channel. Joining twice is a no-op.
func (h *Hub) Subscribe(channel, clientID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return ErrNoSession
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[clientID] = c
	c.subs[channel] = struct{}{}
	return nil
}

// Unsubscribe removes clientID from channel. Leaving twice is a no-op.
func (h *Hub) Unsubscribe(channel, clientID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return ErrNoSession
	}
	h.leaveLocked(channel, c)
	return nil
}

func (h *Hub) leaveLocked(channel string, c *Client) {
	delete(c.subs, channel)
	if members, ok := h.channels[channel]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish enqueues the event for every member of channel without blocking.
func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	msg, err := json.Marshal(Envelope{Channel: channel, Event: event, Data: payload, SentAt: h.now().UTC()})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels[channel] {
		if !c.enqueue(msg) {
			observability.BroadcastsDropped.Inc()
			h.logger.Warn("broadcast_dropped",
				zap.String("client_id", c.ID),
				zap.String("channel", channel),
				zap.String("event", event),
			)
		}
	}
	return nil
}

// Serve upgrades the request and runs the session pumps in the background.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := h.Register(userID)
	c.conn = conn
	c.enqueue(mustJSON(frame{Type: "connected", ClientID: c.ID}))
	go c.writePump()
	go c.readPump()
	return nil
}

// frame is the control message exchanged with websocket clients.
type frame struct {
	Type     string `json:"type"`
	Channel  string `json:"channel,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func mustJSON(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

// handleFrame applies a subscribe/unsubscribe request from the client.
func (h *Hub) handleFrame(c *Client, f frame) frame {
	if f.Channel == "" {
		return frame{Type: "error", Message: "channel required"}
	}
	switch f.Type {
	case "subscribe":
		if h.authorize != nil && !h.authorize(context.Background(), c.UserID, f.Channel) {
			return frame{Type: "error", Channel: f.Channel, Message: "forbidden"}
		}
		if err := h.Subscribe(f.Channel, c.ID); err != nil {
			return frame{Type: "error", Channel: f.Channel, Message: err.Error()}
		}
		return frame{Type: "subscribed", Channel: f.Channel}
	case "unsubscribe":
		if err := h.Unsubscribe(f.Channel, c.ID); err != nil {
			return frame{Type: "error", Channel: f.Channel, Message: err.Error()}
		}
		return frame{Type: "unsubscribed", Channel: f.Channel}
	}
	return frame{Type: "error", Message: "unknown frame type " + f.Type}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.ID)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws_read_error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.enqueue(mustJSON(frame{Type: "error", Message: "malformed frame"}))
			continue
		}
		c.enqueue(mustJSON(c.hub.handleFrame(c, f)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the agent only listens on the local interface
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// Message types on the wire.
const (
	TypeWelcome         = "welcome"
	TypeNotification    = "notification"
	TypeRemindersChange = "reminders_changed"
	TypePermission      = "permission"
	TypeAction          = "action"
)

var ErrNoSubscribers = errors.New("no client with notification permission")

// Message is the envelope of every websocket frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type permissionPayload struct {
	Granted bool `json:"granted"`
}

type actionPayload struct {
	ReminderID int64  `json:"reminder_id"`
	Action     string `json:"action"`
}

type changePayload struct {
	Event      domain.EventKind `json:"event"`
	ReminderID int64            `json:"reminder_id"`
}

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	granted bool
}

// Hub renders local notifications on the connected pages and receives the
// user's notification actions.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	onAction func(domain.NotificationAction)
}

func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

// OnAction registers the receiver of notification actions.
func (h *Hub) OnAction(fn func(domain.NotificationAction)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAction = fn
}

func (h *Hub) Run(ctx context.Context) {
	log.Printf("[WS HUB] Hub started and running")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS HUB] Client registered: %s (total clients: %d)", client.id, count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("[WS HUB] Client unregistered: %s (total clients: %d)", client.id, len(h.clients))
			}
			h.mu.Unlock()
		}
	}
}

// PermissionGranted reports whether any connected page allowed notifications.
func (h *Hub) PermissionGranted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.granted {
			return true
		}
	}
	return false
}

// Notify shows n on every page that granted notification permission.
func (h *Hub) Notify(n delivery.Notification) error {
	data, err := encode(TypeNotification, n)
	if err != nil {
		return err
	}
	if h.send(data, true) == 0 {
		return ErrNoSubscribers
	}
	return nil
}

// Publish tells pages that the reminder list changed.
func (h *Hub) Publish(ev domain.ReminderEvent) {
	if ev.Reminder == nil {
		return
	}
	data, err := encode(TypeRemindersChange, changePayload{Event: ev.Kind, ReminderID: ev.Reminder.ID})
	if err != nil {
		log.Printf("[WS] encode %s: %v", ev.Kind, err)
		return
	}
	h.send(data, false)
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(data []byte, grantedOnly bool) int {
	sent := 0
	var stale []*Client

	h.mu.RLock()
	for client := range h.clients {
		if grantedOnly && !client.granted {
			continue
		}
		select {
		case client.send <- data:
			sent++
		default:
			log.Printf("[WS] Client %s buffer full, closing", client.id)
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	if len(stale) > 0 {
		h.mu.Lock()
		for _, client := range stale {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
	return sent
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.NewString(),
	}

	welcome, _ := encode(TypeWelcome, map[string]string{"client_id": client.id})
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		log.Printf("[WS] Failed to send welcome message to %s: %v", client.id, err)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	select {
	case h.register <- client:
	case <-h.done:
		// hub stopped; the pumps exit once the connection is gone
		close(client.send)
		conn.Close()
	}
}

func (h *Hub) setGranted(c *Client, granted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.granted = granted
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Unexpected close error for client %s: %v", c.id, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[WS] Failed to unmarshal message from client %s: %v", c.id, err)
			continue
		}

		switch msg.Type {
		case TypePermission:
			var p permissionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			c.hub.setGranted(c, p.Granted)
			log.Printf("[WS] Client %s notification permission: %v", c.id, p.Granted)

		case TypeAction:
			var p actionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ReminderID == 0 {
				continue
			}
			action := domain.NotificationActionKind(p.Action)
			if action != domain.ActionAcknowledge && action != domain.ActionSnooze {
				log.Printf("[WS] Unknown action '%s' from client %s", p.Action, c.id)
				continue
			}
			c.hub.mu.RLock()
			fn := c.hub.onAction
			c.hub.mu.RUnlock()
			if fn != nil {
				fn(domain.NotificationAction{ID: p.ReminderID, Action: action})
			}

		default:
			log.Printf("[WS] Unknown message type '%s' from client %s", msg.Type, c.id)
		}
	}
}

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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WS] Write error for client %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: kind, Payload: raw})
}

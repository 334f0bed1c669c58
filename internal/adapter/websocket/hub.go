package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub pushes transaction lifecycle events to local displays subscribed on
// /ws/events. Slow clients are dropped rather than allowed to block the engine.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Outbound events for every client.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}
	log  *zap.Logger
	mu   sync.RWMutex
}

type Client struct {
	hub *Hub
	// The websocket connection.
	conn Conn
	// Buffered channel of outbound messages.
	send chan []byte
	// Remote address, for logs only.
	remote string
}

var _ ports.EventPublisher = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Event feed client connected", zap.String("remote", client.remote))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					h.log.Warn("Dropping slow event feed client", zap.String("remote", client.remote))
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishTransactionEvent queues evt for every connected client. It never
// blocks: when the hub is stopped or saturated the event is dropped.
func (h *Hub) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("Event feed saturated, dropping event", zap.String("type", string(evt.Type)))
	}
	return nil
}

// Serve registers conn and blocks until it disconnects, which is what a
// gofiber websocket handler must do to keep the connection open.
func (h *Hub) Serve(conn Conn, remote string) {
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), remote: remote}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// Handler is the fiber route for /ws/events.
func (h *Hub) Handler() func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		h.Serve(c, c.RemoteAddr().String())
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		// Clients never send; reading surfaces the close.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketHub fans write events out to connected dashboard clients.
// Engines feed it through their write callback.
type WebSocketHub struct {
	clients    map[hubClient]bool
	broadcast  chan any
	register   chan hubClient
	unregister chan hubClient
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc

	// originPatterns restricts websocket upgrades; empty allows the
	// same-origin default only.
	originPatterns []string
}

// hubClient allows both real connections and test doubles.
type hubClient interface {
	sendChannel() chan []byte
	close()
}

type wsClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewWebSocketHub creates a hub. Call Run in a goroutine before serving.
func NewWebSocketHub(originPatterns ...string) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:        make(map[hubClient]bool),
		broadcast:      make(chan any, 256),
		register:       make(chan hubClient),
		unregister:     make(chan hubClient),
		ctx:            ctx,
		cancel:         cancel,
		originPatterns: originPatterns,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client disconnected (total: %d)", count)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("ERROR: failed to marshal websocket message: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow client: drop it rather than block the hub.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *WebSocketHub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.close()
	}
	h.clients = make(map[hubClient]bool)
	h.mu.Unlock()
}

// Broadcast queues a message for all clients. Drops when the hub is
// saturated; the dashboard feed is advisory.
func (h *WebSocketHub) Broadcast(message any) {
	select {
	case h.broadcast <- message:
	default:
		log.Println("WARNING: websocket broadcast channel full, dropping message")
	}
}

// BroadcastWrite emits one write event; wire it to the engine's write
// callback.
func (h *WebSocketHub) BroadcastWrite(persona, operation, key string) {
	h.Broadcast(WriteEvent{
		Type:      "write",
		Persona:   persona,
		Operation: operation,
		Key:       key,
		Timestamp: time.Now(),
	})
}

// ServeHTTP upgrades the request to a websocket connection.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Printf("ERROR: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	go client.writePump()
	go client.readPump()
}

// deregister hands a client back to the Run loop. After Stop the loop is
// gone, so it bails out on hub shutdown instead of blocking the pump
// goroutine forever.
func (h *WebSocketHub) deregister(c hubClient) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.deregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client messages to detect disconnects; the dashboard
// protocol is one-way.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.deregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

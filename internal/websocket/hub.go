package websocket

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	MessageInitialState = "initialState"
	MessageVMUpdate     = "vmUpdate"
	MessageState        = "state"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageRequestData  = "requestData"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// A nil CheckOrigin makes gorilla enforce same-origin requests.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 64,
}

// Client is one connected WebSocket peer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send chan []byte
	id   string
}

// Hub tracks connected clients and pushes VM updates to all of them.
type Hub struct {
	clients      map[*Client]bool
	broadcast    chan []byte
	register     chan *Client
	unregister   chan *Client
	done         chan struct{}
	mu           sync.RWMutex
	getState     func() any
	pingInterval time.Duration
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewHub creates a hub; getState supplies the payload of initialState.
func NewHub(getState func() any) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		broadcast:    make(chan []byte, 1024),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		getState:     getState,
		pingInterval: 30 * time.Second,
	}
}

func (h *Hub) SetStateGetter(getState func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getState = getState
}

func (h *Hub) stateGetter() func() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.getState
}

// Run services registrations and broadcasts until ctx is cancelled. It must
// be called at most once.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.mu.Unlock()
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than block every other client.
					delete(h.clients, client)
					close(client.send)
					log.Warn().Str("client", client.id).Msg("WebSocket client send buffer full, disconnecting")
				}
			}
			h.mu.Unlock()

		case <-pingTicker.C:
			h.broadcastMessage(Message{
				Type: MessagePing,
				Data: map[string]int64{"timestamp": time.Now().Unix()},
			})
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) sendInitialState(client *Client) {
	getState := h.stateGetter()
	if getState == nil {
		log.Warn().Msg("No state getter defined; skipping initial state")
		return
	}
	data, err := encode(Message{Type: MessageInitialState, Data: getState()})
	if err != nil {
		log.Error().Err(err).Str("client", client.id).Msg("Failed to marshal initial state")
		return
	}
	select {
	case client.send <- data:
	default:
		log.Warn().Str("client", client.id).Msg("Client send buffer full, skipping initial state")
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastVMUpdate pushes one VM view to every client.
func (h *Hub) BroadcastVMUpdate(view any) {
	h.broadcastMessage(Message{Type: MessageVMUpdate, Data: view})
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// leave unregisters a client, or returns at once if Run has exited.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) broadcastMessage(msg Message) {
	data, err := encode(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full")
	}
}

func encode(msg Message) ([]byte, error) {
	msg.Data = sanitizeData(msg.Data)
	return json.Marshal(msg)
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		c.hub.leave(c)
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case MessagePing:
			c.reply(Message{Type: MessagePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case MessageRequestData:
			if getState := c.hub.stateGetter(); getState != nil {
				c.reply(Message{Type: MessageState, Data: getState()})
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

// reply queues a message for this client only. The send channel may already
// be closed by the hub, so a closed-channel panic is swallowed.
func (c *Client) reply(msg Message) {
	data, err := encode(msg)
	if err != nil {
		log.Error().Err(err).Str("client", c.id).Msg("Failed to marshal reply")
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Str("type", msg.Type).Msg("Client send buffer full, dropping reply")
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sanitizeData round-trips data through JSON and replaces NaN/Inf with nil,
// which encoding/json refuses to marshal.
func sanitizeData(data any) any {
	if data == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		// Most likely a NaN inside a struct; walk the value directly.
		return sanitizeValue(data)
	}

	var jsonData any
	if err := json.Unmarshal(jsonBytes, &jsonData); err != nil {
		return data
	}
	return jsonData
}

func sanitizeValue(data any) any {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil
		}
		return v
	case map[string]float64:
		sanitized := make(map[string]any, len(v))
		for k, val := range v {
			sanitized[k] = sanitizeValue(val)
		}
		return sanitized
	case map[string]any:
		sanitized := make(map[string]any, len(v))
		for k, val := range v {
			sanitized[k] = sanitizeValue(val)
		}
		return sanitized
	case []any:
		sanitized := make([]any, len(v))
		for i, val := range v {
			sanitized[i] = sanitizeValue(val)
		}
		return sanitized
	default:
		return v
	}
}

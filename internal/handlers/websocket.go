package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// clientMessage is the inbound frame: join or leave a room
type clientMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// serverMessage is the outbound frame carrying a room event
type serverMessage struct {
	Room    string      `json:"room"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// wsClient is one connected socket with its room subscriptions
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu         sync.Mutex
	rooms      map[string]bool
	throttlers map[string]*rate.Limiter
}

// WebSocketHandler bridges the progress bus onto WebSocket connections.
// Clients join task rooms and receive progress and finished events; per-event
// throttle intervals drop excess progress frames.
type WebSocketHandler struct {
	events            interfaces.EventService
	logger            arbor.ILogger
	throttleIntervals map[string]time.Duration

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(events interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	intervals := make(map[string]time.Duration)
	if config != nil {
		for event, raw := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(raw)
			if err != nil {
				logger.Warn().
					Str("event", event).
					Str("interval", raw).
					Msg("Ignoring unparseable throttle interval")
				continue
			}
			intervals[event] = duration
		}
	}

	return &WebSocketHandler{
		events:            events,
		logger:            logger,
		throttleIntervals: intervals,
		clients:           make(map[string]*wsClient),
	}
}

// HandleWebSocket upgrades the connection and serves the join/leave protocol
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		id:         uuid.New().String(),
		conn:       conn,
		rooms:      make(map[string]bool),
		throttlers: make(map[string]*rate.Limiter),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", client.id).Msg("WebSocket client connected")

	defer func() {
		h.events.LeaveAll(client.id)
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug().Str("client_id", client.id).Msg("WebSocket client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Room == "" {
			continue
		}

		switch msg.Action {
		case "join":
			h.join(client, msg.Room)
		case "leave":
			h.leave(client, msg.Room)
		}
	}
}

func (h *WebSocketHandler) join(client *wsClient, room string) {
	client.mu.Lock()
	client.rooms[room] = true
	client.mu.Unlock()

	h.events.Join(room, client.id, func(room string, event interfaces.Event) {
		h.deliver(client, room, event)
	})

	h.logger.Debug().
		Str("client_id", client.id).
		Str("room", room).
		Msg("Client joined room")
}

func (h *WebSocketHandler) leave(client *wsClient, room string) {
	client.mu.Lock()
	delete(client.rooms, room)
	client.mu.Unlock()

	h.events.Leave(room, client.id)
}

// deliver writes one event frame, subject to the per-event throttle.
// Throttled frames are dropped; clients catch up on the next frame.
func (h *WebSocketHandler) deliver(client *wsClient, room string, event interfaces.Event) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if interval, ok := h.throttleIntervals[event.Name]; ok {
		key := room + ":" + event.Name
		limiter, exists := client.throttlers[key]
		if !exists {
			limiter = rate.NewLimiter(rate.Every(interval), 1)
			client.throttlers[key] = limiter
		}
		if !limiter.Allow() {
			return
		}
	}

	msg := serverMessage{
		Room:    room,
		Event:   event.Name,
		Payload: event.Payload,
	}
	if err := client.conn.WriteJSON(msg); err != nil {
		h.logger.Debug().
			Err(err).
			Str("client_id", client.id).
			Msg("WebSocket write failed")
	}
}

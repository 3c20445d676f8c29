package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"location-share-client/internal/models"
	"location-share-client/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const uiWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // bridge listens on loopback
	},
}

// UIMessage is a message pushed to UI clients
type UIMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// uiClientMessage is a message received from a UI client
type uiClientMessage struct {
	Type       string `json:"type"`
	Foreground *bool  `json:"foreground,omitempty"`
}

type uiClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *uiClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// UIStream pushes view state and notices to connected UI clients.
// It implements services.Notifier.
type UIStream struct {
	mu      sync.RWMutex
	clients map[string]*uiClient
}

// NewUIStream creates an empty stream
func NewUIStream() *UIStream {
	return &UIStream{clients: make(map[string]*uiClient)}
}

// Notify broadcasts a notice to every client
func (s *UIStream) Notify(n services.Notice) {
	payload := map[string]interface{}{
		"kind":            n.Kind,
		"conversation_id": n.ConversationID,
		"message":         n.Message,
	}
	if n.UserID != "" {
		payload["user_id"] = n.UserID
	}
	s.Broadcast(UIMessage{Type: "notice", Data: payload})
}

// PublishView broadcasts a view state to every client
func (s *UIStream) PublishView(view models.ViewState) {
	s.Broadcast(UIMessage{Type: "view", Data: view})
}

// Broadcast sends msg to every client, dropping clients that fail
func (s *UIStream) Broadcast(msg UIMessage) {
	if s.Clients() == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal UI message")
		return
	}

	s.mu.RLock()
	clients := make(map[string]*uiClient, len(s.clients))
	for id, c := range s.clients {
		clients[id] = c
	}
	s.mu.RUnlock()

	for id, c := range clients {
		if err := c.send(data); err != nil {
			log.Error().Err(err).Str("client_id", id).Msg("Failed to push to UI client")
			s.unregister(id)
		}
	}
}

// Clients returns the number of connected clients
func (s *UIStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *UIStream) register(conn *websocket.Conn) (string, *uiClient) {
	id := uuid.New().String()
	c := &uiClient{conn: conn}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	log.Info().Str("client_id", id).Msg("UI client connected")
	return id, c
}

func (s *UIStream) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, exists := s.clients[id]; exists {
		c.conn.Close()
		delete(s.clients, id)
		log.Info().Str("client_id", id).Msg("UI client disconnected")
	}
}

// WebSocketHandler streams view state to UI clients
type WebSocketHandler struct {
	stream     *UIStream
	controller SharingController
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(stream *UIStream, controller SharingController) *WebSocketHandler {
	return &WebSocketHandler{
		stream:     stream,
		controller: controller,
	}
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	id, client := h.stream.register(conn)
	defer h.stream.unregister(id)

	initial, err := json.Marshal(UIMessage{Type: "view", Data: h.controller.View()})
	if err == nil {
		if err := client.send(initial); err != nil {
			log.Error().Err(err).Str("client_id", id).Msg("Failed to send initial view")
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("client_id", id).Msg("WebSocket error")
			}
			return
		}

		var msg uiClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("client_id", id).Msg("Failed to parse UI message")
			continue
		}

		switch msg.Type {
		case "lifecycle":
			if msg.Foreground != nil {
				h.controller.SetForeground(*msg.Foreground)
			}
		default:
			log.Debug().Str("client_id", id).Str("type", msg.Type).Msg("Ignoring UI message")
		}
	}
}

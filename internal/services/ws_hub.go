package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"location-share-client/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings to the server with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size accepted from the server.
	maxMessageSize = 64 * 1024

	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Push event types delivered by the server
const (
	EventSharingStarted      = "location_sharing_started"
	EventSharingStopped      = "location_sharing_stopped"
	EventPositionUpdated     = "location_updated"
	EventNearbyPlacesUpdated = "nearby_places_updated"
	EventSharingExpired      = "location_sharing_expired"
	EventError               = "error"
)

// MessagePositionSample is the outbound message carrying a device fix
const MessagePositionSample = "location_sample"

// WSMessage represents a WebSocket message sent to the server
type WSMessage struct {
	Type           string      `json:"type"`
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Timestamp      int64       `json:"timestamp,omitempty"`
	Message        string      `json:"message,omitempty"`
	Data           interface{} `json:"data,omitempty"`
}

// EventHandler receives push events for a subscribed conversation
type EventHandler func(ev models.Event)

// WSHub owns the process-wide push event connection. It fans events out to
// per-conversation subscribers, sends position samples and reconnects on failure.
type WSHub struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu             sync.RWMutex
	conn           *websocket.Conn
	userID         string
	cancel         context.CancelFunc
	done           chan struct{}
	handlers       map[string]map[int]EventHandler
	reconnectHooks map[int]func()
	nextID         int
	unsent         map[string]WSMessage

	writeMu sync.Mutex
}

// NewWSHub creates a hub for the given websocket endpoint and bearer token
func NewWSHub(wsURL, token string) *WSHub {
	return &WSHub{
		url:            wsURL,
		token:          token,
		dialer:         &websocket.Dialer{HandshakeTimeout: writeWait},
		handlers:       make(map[string]map[int]EventHandler),
		reconnectHooks: make(map[int]func()),
		unsent:         make(map[string]WSMessage),
	}
}

// Connect dials the event channel for userID and starts the read loop.
// Calling Connect on a connected hub is a no-op.
func (h *WSHub) Connect(ctx context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return nil
	}

	conn, err := h.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect websocket: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.conn = conn
	h.userID = userID
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.run(runCtx, conn, h.done)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")
	return nil
}

// Disconnect closes the connection and waits for the read loop to exit
func (h *WSHub) Disconnect() {
	h.mu.Lock()
	cancel := h.cancel
	conn := h.conn
	done := h.done
	userID := h.userID
	h.cancel = nil
	h.conn = nil
	h.done = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if conn != nil {
		h.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		h.writeMu.Unlock()
		conn.Close()
	}
	<-done

	log.Info().Str("user_id", userID).Msg("WebSocket connection closed")
}

// IsConnected reports whether a live connection is currently held
func (h *WSHub) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Subscribe registers handler for events of a conversation
func (h *WSHub) Subscribe(conversationID string, handler EventHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	if h.handlers[conversationID] == nil {
		h.handlers[conversationID] = make(map[int]EventHandler)
	}
	h.handlers[conversationID][id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers[conversationID], id)
		if len(h.handlers[conversationID]) == 0 {
			delete(h.handlers, conversationID)
		}
	}
}

// OnReconnect registers fn to run after every successful reconnect
func (h *WSHub) OnReconnect(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.reconnectHooks[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.reconnectHooks, id)
	}
}

// SendPosition sends a device fix for a conversation. While disconnected only
// the latest fix per conversation is kept and sent after reconnecting.
func (h *WSHub) SendPosition(ctx context.Context, conversationID string, fix PositionFix) error {
	msg := WSMessage{
		Type:           MessagePositionSample,
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Timestamp:      fix.ObservedAt.UnixMilli(),
		Data:           fix,
	}

	if err := h.send(ctx, msg); err != nil {
		h.mu.Lock()
		h.unsent[conversationID] = msg
		h.mu.Unlock()

		log.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Msg("Position sample buffered until reconnect")
	}
	return nil
}

func (h *WSHub) send(ctx context.Context, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("websocket is not connected")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (h *WSHub) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		h.serve(ctx, conn)

		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		conn = h.reconnect(ctx)
		if conn == nil {
			return
		}
		h.afterReconnect()
	}
}

// serve pumps one connection until it fails or ctx is cancelled.
func (h *WSHub) serve(ctx context.Context, conn *websocket.Conn) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.pingLoop(serveCtx, conn)

	go func() {
		<-serveCtx.Done()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("WebSocket error")
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug().Err(err).Msg("Failed to parse WebSocket message")
			continue
		}
		if ev.Type == EventError {
			log.Warn().Str("conversation_id", ev.ConversationID).RawJSON("data", nonEmptyJSON(ev.Data)).Msg("Server reported an error")
			continue
		}
		h.dispatch(ev)
	}
}

func (h *WSHub) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHub) reconnect(ctx context.Context) *websocket.Conn {
	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := h.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("WebSocket reconnect failed")
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		h.mu.Lock()
		if ctx.Err() != nil {
			h.mu.Unlock()
			conn.Close()
			return nil
		}
		h.conn = conn
		h.mu.Unlock()

		log.Info().Str("user_id", h.userID).Msg("WebSocket reconnected")
		return conn
	}
}

func (h *WSHub) afterReconnect() {
	h.mu.Lock()
	unsent := h.unsent
	h.unsent = make(map[string]WSMessage)
	hooks := make([]func(), 0, len(h.reconnectHooks))
	for _, fn := range h.reconnectHooks {
		hooks = append(hooks, fn)
	}
	h.mu.Unlock()

	for conversationID, msg := range unsent {
		if err := h.send(context.Background(), msg); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to flush buffered position sample")
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

func (h *WSHub) dispatch(ev models.Event) {
	h.mu.RLock()
	var targets []EventHandler
	if ev.ConversationID == "" {
		for _, subs := range h.handlers {
			for _, fn := range subs {
				targets = append(targets, fn)
			}
		}
	} else {
		for _, fn := range h.handlers[ev.ConversationID] {
			targets = append(targets, fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}

func (h *WSHub) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(h.url)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", h.token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token)

	conn, resp, err := h.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

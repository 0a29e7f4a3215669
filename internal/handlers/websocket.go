// -----------------------------------------------------------------------
// Connection hub - live task updates over WebSocket. Each connection
// belongs to one owner; one owner may hold several connections (browser
// tabs) and each receives every update for that owner's tasks.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// WSMessage is the envelope for every server-to-client message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// clientCommand is the envelope for client-to-server messages
type clientCommand struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// wsClient is one live connection. All writes go through a bounded send
// queue drained by the connection's own writer goroutine, so one stalled
// peer never holds up delivery to the others.
type wsClient struct {
	conn    *websocket.Conn
	ownerID string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newWSClient(conn *websocket.Conn, ownerID string) *wsClient {
	return &wsClient{
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// enqueue hands a message to the writer goroutine without blocking. A full
// queue means the peer stopped draining; the connection is dropped.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

type WebSocketHandler struct {
	logger       arbor.ILogger
	config       *common.WebSocketConfig
	storage      interfaces.TaskStorage
	canceller    interfaces.TaskCanceller
	eventService interfaces.EventService

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	// throttleMu guards per-task limiters for non-terminal task updates.
	// Terminal updates bypass throttling entirely.
	throttleMu       sync.Mutex
	taskThrottlers   map[string]*rate.Limiter
	throttleInterval time.Duration

	serverInstanceID string
}

func NewWebSocketHandler(config *common.WebSocketConfig, storage interfaces.TaskStorage, canceller interfaces.TaskCanceller, eventService interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		config:           config,
		storage:          storage,
		canceller:        canceller,
		eventService:     eventService,
		clients:          make(map[*websocket.Conn]*wsClient),
		taskThrottlers:   make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && config.ProgressThrottle != "" {
		if interval, err := time.ParseDuration(config.ProgressThrottle); err == nil {
			h.throttleInterval = interval
			logger.Debug().
				Str("interval", config.ProgressThrottle).
				Msg("Throttling non-terminal task updates")
		} else {
			logger.Warn().
				Err(err).
				Str("interval", config.ProgressThrottle).
				Msg("Failed to parse progress throttle interval - throttling disabled")
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	if eventService != nil {
		h.subscribeToEvents()
	}

	return h
}

// HandleWebSocket upgrades the connection and serves it until the client
// goes away. The owner_id query parameter is mandatory; every message the
// connection receives is scoped to that owner.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := newWSClient(conn, ownerID)

	h.mu.Lock()
	h.clients[conn] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("owner_id", ownerID).Msgf("WebSocket client connected (total: %d)", clientCount)

	heartbeat := h.config.HeartbeatIntervalDuration()
	go h.writeLoop(client, heartbeat)

	h.sendConnected(client)
	h.replayTasks(r.Context(), client)

	defer func() {
		client.close()
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		h.logger.Debug().Str("owner_id", ownerID).Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Silence beyond twice the heartbeat interval means the peer is gone
	conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		h.handleCommand(r.Context(), client, data)
	}
}

// writeLoop is the single writer for one connection: it drains the send
// queue and keeps the peer alive with heartbeat pings
func (h *WebSocketHandler) writeLoop(client *wsClient, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		}
	}
}

// handleCommand dispatches one client message
func (h *WebSocketHandler) handleCommand(ctx context.Context, client *wsClient, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.sendError(client, "malformed command")
		return
	}

	switch cmd.Type {
	case "subscribe_task":
		h.handleSubscribeTask(ctx, client, cmd.TaskID)
	case "cancel_task":
		h.handleCancel(ctx, client, cmd.TaskID)
	case "get_user_tasks":
		h.sendUserTasks(ctx, client, true)
	case "clear_completed_tasks":
		h.handleClearCompleted(ctx, client)
	case "ping":
		h.sendTo(client, WSMessage{Type: "pong", Payload: nil})
	default:
		h.sendError(client, "unknown command: "+cmd.Type)
	}
}

// handleSubscribeTask answers with the task's current snapshot so a client
// that tuned in mid-processing starts from exact state, not a guess.
// Subsequent updates arrive through the owner broadcast.
func (h *WebSocketHandler) handleSubscribeTask(ctx context.Context, client *wsClient, taskID string) {
	if taskID == "" {
		h.sendError(client, "task_id is required")
		return
	}

	task, err := h.storage.GetTask(ctx, taskID)
	if err != nil {
		h.sendError(client, "task not found")
		return
	}
	if task.OwnerID != client.ownerID {
		h.sendError(client, "task does not belong to this owner")
		return
	}

	h.sendTo(client, WSMessage{Type: "task_update", Payload: task})
}

func (h *WebSocketHandler) handleCancel(ctx context.Context, client *wsClient, taskID string) {
	if taskID == "" {
		h.sendError(client, "task_id is required")
		return
	}

	// Owner check: a client may only cancel its own tasks
	task, err := h.storage.GetTask(ctx, taskID)
	if err != nil {
		h.sendError(client, "task not found")
		return
	}
	if task.OwnerID != client.ownerID {
		h.sendError(client, "task does not belong to this owner")
		return
	}

	if err := h.canceller.Cancel(ctx, taskID); err != nil {
		if err == interfaces.ErrAlreadyTerminal {
			h.sendTo(client, WSMessage{Type: "cancel_rejected", Payload: map[string]string{
				"task_id": taskID,
				"reason":  "already_terminal",
			}})
			return
		}
		h.sendError(client, "failed to cancel task")
		return
	}

	h.sendTo(client, WSMessage{Type: "cancel_accepted", Payload: map[string]string{"task_id": taskID}})
}

func (h *WebSocketHandler) handleClearCompleted(ctx context.Context, client *wsClient) {
	deleted, err := h.storage.DeleteTerminalTasks(ctx, client.ownerID)
	if err != nil {
		h.sendError(client, "failed to clear completed tasks")
		return
	}
	h.sendTo(client, WSMessage{Type: "tasks_cleared", Payload: map[string]int{"deleted": deleted}})
}

// sendConnected greets a new connection. Clients compare the server
// instance ID against their cached one to detect a server restart.
func (h *WebSocketHandler) sendConnected(client *wsClient) {
	h.sendTo(client, WSMessage{Type: "connected", Payload: map[string]string{
		"server_instance_id": h.serverInstanceID,
		"owner_id":           client.ownerID,
	}})
}

// replayTasks sends the owner's non-terminal tasks so a reconnecting tab
// catches up on in-flight work without waiting for the next update
func (h *WebSocketHandler) replayTasks(ctx context.Context, client *wsClient) {
	h.sendUserTasks(ctx, client, false)
}

func (h *WebSocketHandler) sendUserTasks(ctx context.Context, client *wsClient, includeTerminal bool) {
	tasks, err := h.storage.ListTasksByOwner(ctx, client.ownerID, includeTerminal)
	if err != nil {
		h.logger.Error().Err(err).Str("owner_id", client.ownerID).Msg("Failed to list owner tasks")
		h.sendError(client, "failed to load tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.TaskRecord{}
	}
	h.sendTo(client, WSMessage{Type: "user_tasks", Payload: tasks})
}

func (h *WebSocketHandler) sendError(client *wsClient, message string) {
	h.sendTo(client, WSMessage{Type: "error", Payload: map[string]string{"message": message}})
}

func (h *WebSocketHandler) sendTo(client *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	if !client.enqueue(data) {
		h.logger.Warn().Str("type", msg.Type).Str("owner_id", client.ownerID).Msg("Dropped message to stalled client")
	}
}

// broadcastToOwner sends a message to every connection held by one owner
func (h *WebSocketHandler) broadcastToOwner(ownerID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		if client.ownerID == ownerID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.enqueue(data) {
			h.logger.Warn().Str("type", msg.Type).Str("owner_id", client.ownerID).Msg("Dropped broadcast to stalled client")
		}
	}
}

// broadcastToAll sends a message to every connection
func (h *WebSocketHandler) broadcastToAll(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.enqueue(data) {
			h.logger.Warn().Str("type", msg.Type).Str("owner_id", client.ownerID).Msg("Dropped broadcast to stalled client")
		}
	}
}

// BroadcastNotification sends an operator notice to all connected clients
func (h *WebSocketHandler) BroadcastNotification(payload interface{}) {
	h.broadcastToAll(WSMessage{Type: "notification", Payload: payload})
}

// allowTaskUpdate applies the per-task throttle to non-terminal updates.
// Terminal updates always pass and release the task's limiter.
func (h *WebSocketHandler) allowTaskUpdate(task *models.TaskRecord) bool {
	if h.throttleInterval <= 0 {
		return true
	}
	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	if task.IsTerminal() {
		delete(h.taskThrottlers, task.TaskID)
		return true
	}

	limiter, ok := h.taskThrottlers[task.TaskID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.throttleInterval), 1)
		h.taskThrottlers[task.TaskID] = limiter
	}
	return limiter.Allow()
}

// subscribeToEvents wires the hub to the event bus
func (h *WebSocketHandler) subscribeToEvents() {
	// Task updates arrive in commit order per task and fan out to the
	// owner's connections in the same order
	h.eventService.Subscribe(interfaces.EventTaskUpdate, func(ctx context.Context, event interfaces.Event) error {
		task, ok := event.Payload.(*models.TaskRecord)
		if !ok {
			h.logger.Warn().Msg("Invalid task update event payload type")
			return nil
		}
		if !h.allowTaskUpdate(task) {
			return nil
		}

		h.broadcastToOwner(task.OwnerID, WSMessage{Type: "task_update", Payload: task})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventNotification, func(ctx context.Context, event interfaces.Event) error {
		h.BroadcastNotification(event.Payload)
		return nil
	})

	h.eventService.Subscribe(interfaces.EventDrawingDeleted, func(ctx context.Context, event interfaces.Event) error {
		h.broadcastToAll(WSMessage{Type: "drawing_deleted", Payload: event.Payload})
		return nil
	})
}

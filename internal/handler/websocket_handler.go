// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/events"
	"board-service/internal/service"
	"board-service/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sendTimeout  = 5 * time.Second
)

// WebSocketHandler streams bus events to clients and accepts console input
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	bus           *events.Bus
	logger        *utils.ServiceLogger

	// clients counts reader and writer goroutines of live connections
	clients sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	deviceService *service.DeviceService,
	bus *events.Bus,
	security *config.SecurityConfig,
	logger *zap.Logger,
) *WebSocketHandler {
	allowed := security.AllowedOrigins
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}

	return &WebSocketHandler{
		upgrader:      upgrader,
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		bus:           bus,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// HandleEventConnection upgrades the request and streams every event
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	sub := h.bus.Subscribe()
	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "status",
		Data:      h.deviceService.Status(),
		Timestamp: time.Now(),
	})

	h.clients.Add(2)
	go func() {
		defer h.clients.Done()
		h.handleClientRead(client, sub)
	}()
	go func() {
		defer h.clients.Done()
		h.handleClientWrite(client, sub)
	}()
}

// Close disconnects every client and waits for their goroutines to exit.
// http.Server.Shutdown does not track hijacked connections.
func (h *WebSocketHandler) Close() {
	closed := h.connections.CloseAll()
	h.clients.Wait()
	if closed > 0 {
		h.logger.Info("Event WebSocket clients closed", zap.Int("count", closed))
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client, sub *events.Subscription) {
	defer func() {
		sub.Unsubscribe()
		h.connections.Unregister(client)
		h.logger.Info("Event WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "", "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite is the only goroutine writing to the connection
func (h *WebSocketHandler) handleClientWrite(client *Client, sub *events.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.write(client, &WebSocketMessage{
				Type:      "event",
				Data:      event,
				Timestamp: event.Timestamp,
			}); err != nil {
				return
			}

		case message := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.done:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *WebSocketHandler) write(client *Client, message *WebSocketMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return nil
	}

	client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.Connection.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		h.logger.Error("WebSocket write error",
			zap.Error(err),
			zap.String("client_id", client.ID),
		)
		return err
	}
	return nil
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "send":
		h.handleSend(client, message)
	case "status":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "status",
			Data:      h.deviceService.Status(),
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, message.RequestID, "unknown message type: "+message.Type)
	}
}

// handleSend writes console input typed in the client
func (h *WebSocketHandler) handleSend(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, message.RequestID, "invalid send data")
		return
	}
	text, ok := data["text"].(string)
	if !ok {
		h.sendError(client, message.RequestID, "text is required")
		return
	}
	newline, _ := data["newline"].(bool)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := h.deviceService.Send(ctx, text, newline)

	response := map[string]interface{}{
		"success": err == nil,
	}
	if err != nil {
		response["error"] = err.Error()
		response["status"] = errorStatus(err)
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "send_result",
		Data:      response,
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// sendMessage queues a message for the writer goroutine
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	case <-client.done:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type: "error",
		Data: map[string]interface{}{
			"error": errorMsg,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

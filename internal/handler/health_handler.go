// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/events"
	"board-service/internal/service"
	"board-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	deviceService *service.DeviceService
	bus           *events.Bus
	websocket     *WebSocketHandler
	config        *config.Config
	logger        *utils.ServiceLogger
	startTime     time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(
	deviceService *service.DeviceService,
	bus *events.Bus,
	websocket *WebSocketHandler,
	config *config.Config,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		deviceService: deviceService,
		bus:           bus,
		websocket:     websocket,
		config:        config,
		logger:        utils.NewServiceLogger(logger, "health-handler"),
		startTime:     time.Now(),
	}
}

// HealthCheck performs general health check
// @Summary Health check
// @Description Get overall service health including serial capability and link state
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Failure 503 {object} HealthResponse "Serial access unavailable"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	status := h.deviceService.Status()
	if status.Supported {
		health.Checks["serial"] = CheckResult{
			Status:  "healthy",
			Message: "Serial access available",
		}
	} else {
		health.Status = "unhealthy"
		health.Checks["serial"] = CheckResult{
			Status:  "unhealthy",
			Message: "Serial access is not supported on this platform",
		}
	}

	link := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state":         status.State,
			"upload_active": status.UploadActive,
		},
	}
	if status.Port != nil {
		link.Data["port"] = status.Port.PortName
		link.Data["board_type"] = status.Port.BoardType
	}
	health.Checks["link"] = link

	health.Checks["event_bus"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"subscribers":    h.bus.SubscriberCount(),
			"dropped_events": h.bus.Dropped(),
		},
	}

	if h.websocket != nil {
		health.Checks["websocket"] = CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"clients": h.websocket.GetConnectionStats().TotalConnections,
			},
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck reports ready when the host has serial access
// @Summary Readiness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is ready"
// @Failure 503 {object} object{status=string,reason=string} "Service is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.deviceService.IsSupported() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "serial access not available",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
// @Summary Liveness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

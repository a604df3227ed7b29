// internal/handler/device_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-service/internal/service"
	"board-service/internal/utils"
)

// DeviceHandler handles port and connection HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// SendRequest is console input for the board
type SendRequest struct {
	Text    string `json:"text"`
	Newline bool   `json:"newline"`
}

// ListPorts lists serial ports
// @Summary List serial ports
// @Description Enumerate serial ports with the board identified behind each
// @Tags Ports
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]discovery.DiscoveredPort}
// @Failure 501 {object} utils.APIResponse "Serial access unsupported"
// @Router /api/v1/ports [get]
func (h *DeviceHandler) ListPorts(c *gin.Context) {
	ports, err := h.deviceService.ListPorts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list ports", zap.Error(err))
		utils.ErrorResponse(c, errorStatus(err), "Failed to list ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// Connect opens the serial link
// @Summary Connect to a board
// @Description Open a port by name, or the single known board when no name is given
// @Tags Connection
// @Accept json
// @Produce json
// @Param request body service.ConnectRequest false "Port and line options"
// @Success 200 {object} utils.APIResponse{data=model.PortInfo}
// @Failure 400 {object} utils.APIResponse "No port selected or invalid options"
// @Failure 409 {object} utils.APIResponse "Port busy or already connected"
// @Router /api/v1/connection [post]
func (h *DeviceHandler) Connect(c *gin.Context) {
	var req service.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	info, err := h.deviceService.Connect(c.Request.Context(), &req)
	if err != nil {
		utils.ErrorResponse(c, errorStatus(err), "Failed to connect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Board connected successfully", info)
}

// Disconnect closes the serial link
// @Summary Disconnect the board
// @Tags Connection
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Failure 502 {object} utils.APIResponse "Close failed, link is released anyway"
// @Router /api/v1/connection [delete]
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	if err := h.deviceService.Disconnect(c.Request.Context()); err != nil {
		utils.ErrorResponse(c, errorStatus(err), "Disconnect reported an error", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Board disconnected successfully", nil)
}

// Status reports the link state
// @Summary Connection status
// @Tags Connection
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.ConnectionStatus}
// @Router /api/v1/connection [get]
func (h *DeviceHandler) Status(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection status retrieved", h.deviceService.Status())
}

// Send writes console input
// @Summary Send console input
// @Tags Connection
// @Accept json
// @Produce json
// @Param request body SendRequest true "Text to send"
// @Success 200 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse "Upload in progress"
// @Failure 412 {object} utils.APIResponse "Not connected"
// @Router /api/v1/connection/send [post]
func (h *DeviceHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.deviceService.Send(c.Request.Context(), req.Text, req.Newline); err != nil {
		utils.ErrorResponse(c, errorStatus(err), "Failed to send", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sent", gin.H{"bytes": len(req.Text)})
}

// internal/handler/upload_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-service/internal/service"
	"board-service/internal/utils"
)

// maxFirmwareImage bounds the simulated firmware request body
const maxFirmwareImage = 16 << 20

// UploadHandler handles upload HTTP requests
type UploadHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(deviceService *service.DeviceService, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "upload-handler"),
	}
}

// StartUpload starts a raw REPL upload
// @Summary Upload a program
// @Description Stream program text through the raw REPL. Progress is published on /ws/events.
// @Tags Upload
// @Accept json
// @Produce json
// @Param request body service.UploadRequest true "Program text"
// @Success 202 {object} utils.APIResponse{data=model.UploadSession}
// @Failure 400 {object} utils.APIResponse "Empty program"
// @Failure 409 {object} utils.APIResponse "Upload in progress"
// @Failure 412 {object} utils.APIResponse "Not connected"
// @Failure 422 {object} utils.APIResponse "Board does not accept program text"
// @Router /api/v1/upload [post]
func (h *UploadHandler) StartUpload(c *gin.Context) {
	var req service.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.deviceService.StartUpload(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("Upload rejected", zap.Error(err))
		utils.ErrorResponse(c, errorStatus(err), "Upload rejected", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Upload started", session)
}

// StartFirmwareUpload starts the simulated firmware path
// @Summary Simulated firmware upload
// @Description Placeholder only: sends a soft reset and reports progress, no image data is written
// @Tags Upload
// @Accept application/octet-stream
// @Produce json
// @Success 202 {object} utils.APIResponse{data=model.UploadSession}
// @Failure 409 {object} utils.APIResponse "Upload in progress"
// @Failure 412 {object} utils.APIResponse "Not connected"
// @Router /api/v1/upload/firmware [post]
func (h *UploadHandler) StartFirmwareUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFirmwareImage)
	image, err := c.GetRawData()
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid firmware image", err)
		return
	}

	session, err := h.deviceService.StartFirmwareUpload(c.Request.Context(), image)
	if err != nil {
		utils.ErrorResponse(c, errorStatus(err), "Firmware upload rejected", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Simulated firmware upload started, no data will be written", session)
}

// GetUpload returns the current or last session
// @Summary Upload status
// @Tags Upload
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.UploadSession}
// @Failure 404 {object} utils.APIResponse "No upload yet"
// @Router /api/v1/upload [get]
func (h *UploadHandler) GetUpload(c *gin.Context) {
	session, ok := h.deviceService.GetUpload()
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "No upload has been started", nil)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Upload status retrieved", session)
}

// CancelUpload cancels the running upload
// @Summary Cancel upload
// @Tags Upload
// @Produce json
// @Success 202 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse "No upload running"
// @Router /api/v1/upload/cancel [post]
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	if err := h.deviceService.CancelUpload(); err != nil {
		utils.ErrorResponse(c, errorStatus(err), "Nothing to cancel", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Upload cancellation requested", nil)
}

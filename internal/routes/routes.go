// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/events"
	"board-service/internal/handler"
	"board-service/internal/middleware"
	"board-service/internal/service"
	"board-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config        *config.Config
	logger        *zap.Logger
	bus           *events.Bus
	deviceService *service.DeviceService

	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	bus *events.Bus,
	deviceService *service.DeviceService,
) *Router {
	return &Router{
		config:        config,
		logger:        logger,
		bus:           bus,
		deviceService: deviceService,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.App.Environment == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, "/live", "/ready"))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	wsHandler := handler.NewWebSocketHandler(r.deviceService, r.bus, &r.config.Security, r.logger)
	r.websocket = wsHandler
	healthHandler := handler.NewHealthHandler(r.deviceService, r.bus, wsHandler, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.logger)
	uploadHandler := handler.NewUploadHandler(r.deviceService, r.logger)

	r.addHealthRoutes(router, healthHandler)

	apiV1 := router.Group("/api/v1")
	r.addPortRoutes(apiV1, deviceHandler)
	r.addConnectionRoutes(apiV1, deviceHandler)
	r.addUploadRoutes(apiV1, uploadHandler)

	r.addWebSocketRoutes(router, wsHandler)

	r.logger.Info("All routes configured successfully")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine, handler *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", handler.HealthCheck)
		health.GET("/ready", handler.ReadinessCheck)
		health.GET("/live", handler.LivenessCheck)
	}
}

// addPortRoutes sets up port enumeration routes
func (r *Router) addPortRoutes(api *gin.RouterGroup, handler *handler.DeviceHandler) {
	api.GET("/ports", handler.ListPorts)
}

// addConnectionRoutes sets up serial link routes
func (r *Router) addConnectionRoutes(api *gin.RouterGroup, handler *handler.DeviceHandler) {
	connection := api.Group("/connection")
	{
		connection.GET("", handler.Status)
		connection.POST("", handler.Connect)
		connection.DELETE("", handler.Disconnect)
		connection.POST("/send", handler.Send)
	}
}

// addUploadRoutes sets up upload routes
func (r *Router) addUploadRoutes(api *gin.RouterGroup, handler *handler.UploadHandler) {
	upload := api.Group("/upload")
	{
		upload.POST("", handler.StartUpload)
		upload.GET("", handler.GetUpload)
		upload.POST("/cancel", handler.CancelUpload)
		upload.POST("/firmware", handler.StartFirmwareUpload)
	}
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", handler.HandleEventConnection)
	}
}

// Close disconnects WebSocket clients and waits for their goroutines
func (r *Router) Close() {
	if r.websocket != nil {
		r.websocket.Close()
	}
}

// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/discovery"
	"board-service/internal/discovery/usb"
	"board-service/internal/events"
	"board-service/internal/model"
	"board-service/internal/protocol/serial"
	"board-service/internal/routes"
	"board-service/internal/service"
	"board-service/internal/upload"
	"board-service/internal/utils"
)

const eventBusCapacity = 1024

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	bus       *events.Bus
	busCancel context.CancelFunc

	deviceService *service.DeviceService
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "board-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.initializeServices()
	app.initializeServer()

	return app, nil
}

// initializeServices builds the serial stack and the service around it
func (app *Application) initializeServices() {
	boards := usb.NewBoardDatabase()
	host := serial.NewSystemHost(app.config.Serial.ReadInterval, app.logger)

	manager := serial.NewManager(host, boards, serial.OptionsFromConfig(app.config.Serial), app.logger)
	scanner := discovery.NewScanner(host, boards, app.logger)
	controller := upload.NewController(manager, upload.TimingFromConfig(app.config.Upload), app.logger)

	app.bus = events.NewBus(eventBusCapacity, app.logger)
	app.deviceService = service.NewDeviceService(manager, scanner, controller, app.bus, app.config, app.logger)

	app.logger.Info("Services initialized successfully",
		zap.Bool("serial_supported", host.Supported()),
		zap.Int("known_boards", boards.GetTotalProductCount()),
	)
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(app.config, app.logger, app.bus, app.deviceService)
	router := app.router.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// startBackgroundServices starts the event distributor and the audit log
func (app *Application) startBackgroundServices() {
	ctx, cancel := context.WithCancel(context.Background())
	app.busCancel = cancel

	go app.bus.Run(ctx)
	go app.logLinkEvents(ctx)

	app.logger.Info("Background services started")
}

// logLinkEvents records link and upload outcomes. Receive chunks and
// progress reports are left to the WebSocket stream.
func (app *Application) logLinkEvents(ctx context.Context) {
	sub := app.bus.Subscribe(
		model.EventDeviceConnected,
		model.EventDeviceDisconnected,
		model.EventSerialError,
		model.EventUploadCompleted,
		model.EventUploadFailed,
	)
	defer sub.Unsubscribe()

	logger := app.logger.With(zap.String("component", "event-log"))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			logger.Info("Event",
				zap.String("type", string(event.Type)),
				zap.Any("data", event.Data),
			)
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "board-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}
	app.router.Close()

	// Cancels any upload and closes the serial link.
	if err := app.deviceService.Shutdown(ctx); err != nil {
		app.logger.Error("Serial link close error", zap.Error(err))
	} else {
		app.logger.Info("Serial link released")
	}

	if app.busCancel != nil {
		app.busCancel()
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the HTTP server until a shutdown signal arrives
func (app *Application) Start() error {
	app.startBackgroundServices()

	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.waitForShutdown()

	return nil
}

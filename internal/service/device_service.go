// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/discovery"
	"board-service/internal/events"
	"board-service/internal/model"
	"board-service/internal/protocol/serial"
	"board-service/internal/upload"
	"board-service/internal/utils"
)

var (
	// ErrEmptyProgram rejects an upload with no program text
	ErrEmptyProgram = errors.New("program text is empty")
	// ErrUnsupportedBoard rejects a source upload to a board without an interpreter
	ErrUnsupportedBoard = errors.New("board does not accept program text")
	// ErrNoActiveUpload is returned when cancelling with nothing running
	ErrNoActiveUpload = errors.New("no upload is running")
)

// DeviceService owns the single serial link and the upload session that
// may run on it, and republishes their observer callbacks on the bus.
type DeviceService struct {
	manager    *serial.Manager
	scanner    *discovery.Scanner
	controller *upload.Controller
	bus        *events.Bus
	config     *config.Config
	logger     *utils.ServiceLogger

	mu      sync.Mutex
	session *model.UploadSession
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConnectRequest selects a port and optional line overrides
type ConnectRequest struct {
	Port        string `json:"port"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	FlowControl string `json:"flow_control"`
}

// ConnectionStatus is a snapshot of the link
type ConnectionStatus struct {
	Supported    bool             `json:"supported"`
	State        model.LinkState  `json:"state"`
	Port         *model.PortInfo  `json:"port,omitempty"`
	Options      *serial.Options  `json:"options,omitempty"`
	Stats        *model.LinkStats `json:"stats,omitempty"`
	UploadActive bool             `json:"upload_active"`
}

// NewDeviceService creates the service and registers itself as the sole
// observer of manager and controller.
func NewDeviceService(
	manager *serial.Manager,
	scanner *discovery.Scanner,
	controller *upload.Controller,
	bus *events.Bus,
	config *config.Config,
	logger *zap.Logger,
) *DeviceService {
	ds := &DeviceService{
		manager:    manager,
		scanner:    scanner,
		controller: controller,
		bus:        bus,
		config:     config,
		logger:     utils.NewServiceLogger(logger, "device-service"),
	}

	manager.OnReceive(ds.handleReceive)
	manager.OnError(ds.handleLinkError)
	manager.OnDisconnect(ds.handleDisconnect)

	controller.SetProgressCallback(ds.handleUploadProgress)
	controller.SetCompleteCallback(ds.handleUploadComplete)
	controller.SetErrorCallback(ds.handleUploadError)

	return ds
}

// IsSupported reports whether the host has serial access
func (ds *DeviceService) IsSupported() bool {
	return ds.manager.IsSupported()
}

// Connect opens the named port, or the only port with a known board when
// no name is given.
func (ds *DeviceService) Connect(ctx context.Context, req *ConnectRequest) (*model.PortInfo, error) {
	pick := serial.PickByName(req.Port)
	if req.Port == "" {
		pick = ds.scanner.AutoPick()
	}

	opts := serial.Options{
		BaudRate:    req.BaudRate,
		DataBits:    req.DataBits,
		StopBits:    req.StopBits,
		Parity:      serial.Parity(req.Parity),
		FlowControl: serial.FlowControl(req.FlowControl),
	}

	if err := ds.manager.Connect(ctx, pick, opts); err != nil {
		ds.logger.Warn("Connect failed", zap.String("port", req.Port), zap.Error(err))
		return nil, err
	}

	info := ds.manager.GetPortInfo()
	if info == nil {
		// Link was lost between connect and lookup.
		return nil, serial.ErrNotConnected
	}

	ds.bus.Publish(model.NewEvent(model.EventDeviceConnected, map[string]interface{}{
		"port":       info.PortName,
		"board_type": info.BoardType,
		"family":     info.Family,
	}))

	ds.logger.Info("Board connected",
		zap.String("port", info.PortName),
		zap.String("board", info.BoardType),
	)
	return info, nil
}

// Disconnect cancels any running upload and closes the link
func (ds *DeviceService) Disconnect(ctx context.Context) error {
	ds.mu.Lock()
	cancel := ds.cancel
	ds.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := ds.manager.Disconnect(); err != nil {
		ds.logger.Error("Disconnect reported an error", zap.Error(err))
		return err
	}
	return nil
}

// Status returns a snapshot of the link
func (ds *DeviceService) Status() *ConnectionStatus {
	status := &ConnectionStatus{
		Supported:    ds.manager.IsSupported(),
		State:        model.LinkStateDisconnected,
		UploadActive: ds.controller.IsBusy(),
	}

	if !ds.manager.IsConnected() {
		return status
	}

	status.State = model.LinkStateConnected
	status.Port = ds.manager.GetPortInfo()
	if opts, ok := ds.manager.Options(); ok {
		status.Options = &opts
	}
	if stats, ok := ds.manager.Stats(); ok {
		status.Stats = &stats
	}
	return status
}

// Send writes console input to the board. It is refused while an upload
// runs because a stray byte corrupts a raw-mode transfer.
func (ds *DeviceService) Send(ctx context.Context, text string, newline bool) error {
	if ds.uploadActive() {
		return upload.ErrUploadInProgress
	}
	if newline {
		text += "\n"
	}
	if err := ds.manager.Send(ctx, text); err != nil {
		return fmt.Errorf("console send failed: %w", err)
	}
	return nil
}

// Shutdown cancels any upload, waits for it and closes the link
func (ds *DeviceService) Shutdown(ctx context.Context) error {
	ds.mu.Lock()
	cancel, done := ds.cancel, ds.done
	ds.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			ds.logger.Warn("Upload did not stop before shutdown deadline")
		}
	}

	return ds.manager.Disconnect()
}

func (ds *DeviceService) handleReceive(text string) {
	ds.bus.Publish(model.NewEvent(model.EventSerialData, map[string]interface{}{
		"text": text,
	}))
}

func (ds *DeviceService) handleLinkError(err error) {
	ds.logger.Error("Serial link error", zap.Error(err))
	ds.bus.Publish(model.NewEvent(model.EventSerialError, map[string]interface{}{
		"error": err.Error(),
	}))
}

func (ds *DeviceService) handleDisconnect() {
	ds.logger.Info("Board disconnected")
	ds.bus.Publish(model.NewEvent(model.EventDeviceDisconnected, nil))
}

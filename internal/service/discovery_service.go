// internal/service/discovery_service.go
package service

import (
	"context"

	"go.uber.org/zap"

	"board-service/internal/discovery"
	"board-service/internal/protocol/serial"
)

// ListPorts enumerates serial ports with their board labels
func (ds *DeviceService) ListPorts(ctx context.Context) ([]*discovery.DiscoveredPort, error) {
	if !ds.manager.IsSupported() {
		return nil, serial.ErrUnsupportedPlatform
	}

	ports, err := ds.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	ds.logger.Debug("Ports listed", zap.Int("count", len(ports)))
	return ports, nil
}

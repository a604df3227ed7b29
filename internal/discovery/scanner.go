// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"board-service/internal/discovery/usb"
	"board-service/internal/model"
	"board-service/internal/protocol/serial"
)

// PortLister enumerates serial ports
type PortLister interface {
	ListPorts() ([]serial.PortDetails, error)
}

// DiscoveredPort is an enumerated port with its board identification
type DiscoveredPort struct {
	Name         string            `json:"name"`
	IsUSB        bool              `json:"is_usb"`
	VendorID     string            `json:"usb_vendor_id,omitempty"`
	ProductID    string            `json:"usb_product_id,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Product      string            `json:"product,omitempty"`
	BoardType    string            `json:"board_type"`
	Family       model.BoardFamily `json:"family"`
	Known        bool              `json:"known"`
	// KnownVendor marks a USB bridge vendor found on dev boards even when
	// the exact product is not in the table.
	KnownVendor bool `json:"known_vendor"`
}

// Scanner lists ports and labels the boards behind them
type Scanner struct {
	lister PortLister
	boards *usb.BoardDatabase
	logger *zap.Logger
}

// NewScanner creates a scanner
func NewScanner(lister PortLister, boards *usb.BoardDatabase, logger *zap.Logger) *Scanner {
	return &Scanner{
		lister: lister,
		boards: boards,
		logger: logger.With(zap.String("component", "port_scanner")),
	}
}

// Scan returns every enumerated port sorted by name
func (s *Scanner) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.lister.ListPorts()
	if err != nil {
		s.logger.Error("Port scan failed", zap.Error(err))
		return nil, fmt.Errorf("port scan failed: %w", err)
	}

	result := make([]*DiscoveredPort, 0, len(ports))
	for _, p := range ports {
		result = append(result, s.describe(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	s.logger.Debug("Port scan completed", zap.Int("ports_found", len(result)))
	return result, nil
}

func (s *Scanner) describe(p serial.PortDetails) *DiscoveredPort {
	profile := s.boards.Profile(p.VendorID, p.ProductID)
	d := &DiscoveredPort{
		Name:         p.Name,
		IsUSB:        p.IsUSB,
		SerialNumber: p.SerialNumber,
		Product:      p.Product,
		BoardType:    profile.Label,
		Family:       profile.Family,
		Known:        profile.Label != model.UnknownBoardLabel,
	}
	if p.IsUSB {
		d.VendorID = usb.FormatID(p.VendorID)
		d.ProductID = usb.FormatID(p.ProductID)
		d.KnownVendor = s.boards.IsKnownVendor(p.VendorID)
	}
	return d
}

// AutoPick returns a picker that selects the only port with a known board.
// Zero or several candidates leave the choice to the user, reported as
// serial.ErrNoPortSelected.
func (s *Scanner) AutoPick() serial.Picker {
	return func(ctx context.Context, ports []serial.PortDetails) (serial.PortDetails, error) {
		if err := ctx.Err(); err != nil {
			return serial.PortDetails{}, serial.ErrNoPortSelected
		}

		var candidates []serial.PortDetails
		for _, p := range ports {
			if s.boards.IdentifyBoard(p.VendorID, p.ProductID) != model.UnknownBoardLabel {
				candidates = append(candidates, p)
			}
		}

		if len(candidates) != 1 {
			s.logger.Info("Automatic port selection not possible",
				zap.Int("candidates", len(candidates)),
			)
			return serial.PortDetails{}, serial.ErrNoPortSelected
		}
		return candidates[0], nil
	}
}

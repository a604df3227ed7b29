// internal/model/board.go
package model

import (
	"strings"
	"time"
)

// UnknownBoardLabel is reported for any vendor/product pair missing from the board table
const UnknownBoardLabel = "Unknown Board"

// BoardFamily groups boards by how code reaches them
type BoardFamily string

const (
	FamilyESP32   BoardFamily = "ESP32"
	FamilyArduino BoardFamily = "Arduino"
	FamilyRP2040  BoardFamily = "RP2040"
	FamilyUnknown BoardFamily = "UNKNOWN"
)

// AcceptsSource reports whether the family runs an interpreter that takes
// program text over the raw REPL.
func (f BoardFamily) AcceptsSource() bool {
	return f == FamilyESP32 || f == FamilyRP2040 || f == FamilyUnknown
}

// FamilyFromLabel derives the family from a human-readable board label
func FamilyFromLabel(label string) BoardFamily {
	switch {
	case strings.Contains(label, "ESP32"):
		return FamilyESP32
	case strings.Contains(label, "Arduino"):
		return FamilyArduino
	case strings.Contains(label, "Pico"), strings.Contains(label, "RP2040"):
		return FamilyRP2040
	default:
		return FamilyUnknown
	}
}

// BoardProfile is the lookup result for a vendor/product pair
type BoardProfile struct {
	Label  string      `json:"label"`
	Family BoardFamily `json:"family"`
}

// PortInfo describes the device behind the open link
type PortInfo struct {
	PortName     string      `json:"port_name"`
	USBVendorID  uint16      `json:"usb_vendor_id"`
	USBProductID uint16      `json:"usb_product_id"`
	BoardType    string      `json:"board_type"`
	Family       BoardFamily `json:"family"`
}

// LinkState is the lifecycle state of the serial link
type LinkState string

const (
	LinkStateDisconnected LinkState = "DISCONNECTED"
	LinkStateConnected    LinkState = "CONNECTED"
)

// LinkStats holds traffic counters for the open link
type LinkStats struct {
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
}

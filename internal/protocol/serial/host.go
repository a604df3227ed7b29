// internal/protocol/serial/host.go
package serial

import (
	"context"
)

// Port is an open serial device. Read returns (0, nil) when its poll
// interval elapses without data and io.EOF at end of stream.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PortDetails describes an enumerated port
type PortDetails struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     uint16 `json:"usb_vendor_id,omitempty"`
	ProductID    uint16 `json:"usb_product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Host is the platform's serial facility: capability probe, enumeration
// and open.
type Host interface {
	Supported() bool
	ListPorts() ([]PortDetails, error)
	Open(name string, opts Options) (Port, error)
}

// Picker chooses one port from the enumerated list. It returns
// ErrNoPortSelected when the choice is abandoned.
type Picker func(ctx context.Context, ports []PortDetails) (PortDetails, error)

// PickByName selects the named port. A name that was not enumerated is
// still returned so virtual ports can be opened directly.
func PickByName(name string) Picker {
	return func(ctx context.Context, ports []PortDetails) (PortDetails, error) {
		if name == "" {
			return PortDetails{}, ErrNoPortSelected
		}
		if err := ctx.Err(); err != nil {
			return PortDetails{}, ErrNoPortSelected
		}
		for _, p := range ports {
			if p.Name == name {
				return p, nil
			}
		}
		return PortDetails{Name: name}, nil
	}
}

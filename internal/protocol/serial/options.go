// internal/protocol/serial/options.go
package serial

import (
	"fmt"

	"board-service/internal/config"
)

// Parity selects the parity bit mode
type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// FlowControl selects the flow control mode
type FlowControl string

const (
	FlowControlNone     FlowControl = "none"
	FlowControlHardware FlowControl = "hardware"
)

// Options are the line parameters used to open a port. Zero fields mean
// "use the default" when merged.
type Options struct {
	BaudRate    int         `json:"baud_rate,omitempty"`
	DataBits    int         `json:"data_bits,omitempty"`
	StopBits    int         `json:"stop_bits,omitempty"`
	Parity      Parity      `json:"parity,omitempty"`
	FlowControl FlowControl `json:"flow_control,omitempty"`
}

// DefaultOptions returns 115200 baud, 8 data bits, 1 stop bit, no parity,
// no flow control.
func DefaultOptions() Options {
	return Options{
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowControlNone,
	}
}

// OptionsFromConfig converts the configured serial defaults
func OptionsFromConfig(cfg config.SerialConfig) Options {
	return DefaultOptions().Merge(Options{
		BaudRate:    cfg.BaudRate,
		DataBits:    cfg.DataBits,
		StopBits:    cfg.StopBits,
		Parity:      Parity(cfg.Parity),
		FlowControl: FlowControl(cfg.FlowControl),
	})
}

// Merge returns o with every non-zero field of override applied
func (o Options) Merge(override Options) Options {
	if override.BaudRate != 0 {
		o.BaudRate = override.BaudRate
	}
	if override.DataBits != 0 {
		o.DataBits = override.DataBits
	}
	if override.StopBits != 0 {
		o.StopBits = override.StopBits
	}
	if override.Parity != "" {
		o.Parity = override.Parity
	}
	if override.FlowControl != "" {
		o.FlowControl = override.FlowControl
	}
	return o
}

// Validate checks that every field holds a supported value
func (o Options) Validate() error {
	if o.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", o.BaudRate)
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return fmt.Errorf("data bits must be between 5 and 8, got %d", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return fmt.Errorf("stop bits must be 1 or 2, got %d", o.StopBits)
	}
	switch o.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("unsupported parity %q", o.Parity)
	}
	switch o.FlowControl {
	case FlowControlNone, FlowControlHardware:
	default:
		return fmt.Errorf("unsupported flow control %q", o.FlowControl)
	}
	return nil
}

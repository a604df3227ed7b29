// internal/protocol/serial/connection.go
package serial

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// SystemHost opens real ports through go.bug.st/serial
type SystemHost struct {
	readInterval time.Duration
	logger       *zap.Logger
}

// NewSystemHost creates a host whose ports poll for data every readInterval
func NewSystemHost(readInterval time.Duration, logger *zap.Logger) *SystemHost {
	if readInterval <= 0 {
		readInterval = 100 * time.Millisecond
	}
	return &SystemHost{
		readInterval: readInterval,
		logger:       logger.With(zap.String("host", "system")),
	}
}

// Supported reports whether go.bug.st/serial has a backend for this OS
func (h *SystemHost) Supported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd", "openbsd":
		return true
	default:
		return false
	}
}

// ListPorts enumerates ports with their USB identifiers
func (h *SystemHost) ListPorts() ([]PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	result := make([]PortDetails, 0, len(ports))
	for _, p := range ports {
		details := PortDetails{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		}
		if p.IsUSB {
			details.VendorID = parseUSBID(p.VID)
			details.ProductID = parseUSBID(p.PID)
		}
		result = append(result, details)
	}
	return result, nil
}

// Open opens the named port with the given line options
func (h *SystemHost) Open(name string, opts Options) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 2:
		mode.StopBits = bugst.TwoStopBits
	default:
		mode.StopBits = bugst.OneStopBit
	}

	switch opts.Parity {
	case ParityOdd:
		mode.Parity = bugst.OddParity
	case ParityEven:
		mode.Parity = bugst.EvenParity
	default:
		mode.Parity = bugst.NoParity
	}

	// go.bug.st/serial has no RTS/CTS handshake setting; hardware flow
	// control is approximated by asserting RTS and DTR at open.
	if opts.FlowControl == FlowControlHardware {
		mode.InitialStatusBits = &bugst.ModemOutputBits{RTS: true, DTR: true}
		h.logger.Warn("Hardware flow control requested, asserting RTS/DTR only",
			zap.String("port", name),
		)
	}

	port, err := bugst.Open(name, mode)
	if err != nil {
		h.logger.Error("Failed to open serial port",
			zap.Error(err),
			zap.String("port", name),
		)
		return nil, classifyOpenError(err)
	}

	if err := port.SetReadTimeout(h.readInterval); err != nil {
		port.Close()
		return nil, &IOError{Op: "open", Err: fmt.Errorf("failed to set read timeout: %w", err)}
	}

	h.logger.Info("Serial port opened successfully",
		zap.String("port", name),
		zap.Int("baud_rate", opts.BaudRate),
	)

	return port, nil
}

// classifyOpenError maps go.bug.st error codes onto the package taxonomy
func classifyOpenError(err error) error {
	var portErr *bugst.PortError
	if errors.As(err, &portErr) && portErr.Code() == bugst.PortBusy {
		return fmt.Errorf("%w: %v", ErrPortBusy, err)
	}
	return &IOError{Op: "open", Err: err}
}

// parseUSBID parses the hex VID/PID strings reported by the enumerator
func parseUSBID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// internal/protocol/serial/errors.go
package serial

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPlatform is returned when the host has no serial access
	ErrUnsupportedPlatform = errors.New("serial access is not supported on this platform")
	// ErrNoPortSelected is returned when the port picker yields nothing
	ErrNoPortSelected = errors.New("no serial port selected")
	// ErrPortBusy is returned when the device is held open elsewhere
	ErrPortBusy = errors.New("serial port is already in use")
	// ErrNotConnected is returned by operations that need an open link
	ErrNotConnected = errors.New("board is not connected")
	// ErrAlreadyConnected rejects a connect while a link is open
	ErrAlreadyConnected = errors.New("a serial link is already open")
	// ErrInvalidOptions wraps a line option validation failure
	ErrInvalidOptions = errors.New("invalid serial options")
)

// IOError wraps a transport failure during open, read, write or close
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serial %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

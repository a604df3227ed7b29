// Package serialtest provides an in-memory serial host for tests.
package serialtest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"board-service/internal/protocol/serial"
)

// ErrPortClosed is returned by a FakePort after Close
var ErrPortClosed = errors.New("fake port closed")

// FakePort is a scripted serial port. Reads block until data is fed, an
// error is injected, the stream is ended or the port is closed.
type FakePort struct {
	mu         sync.Mutex
	writes     [][]byte
	writeCalls int
	closeCalls int

	// FailWriteAt makes the n-th Write call (1-based) fail with WriteErr
	FailWriteAt int
	WriteErr    error
	// WriteDelay is slept inside Write to widen race windows
	WriteDelay time.Duration
	CloseErr   error

	reads     chan []byte
	readErrs  chan error
	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFakePort creates an idle port
func NewFakePort() *FakePort {
	return &FakePort{
		reads:    make(chan []byte, 64),
		readErrs: make(chan error, 1),
		ended:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *FakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.reads:
		return copy(b, chunk), nil
	case err := <-p.readErrs:
		return 0, err
	case <-p.ended:
		return 0, io.EOF
	case <-p.closed:
		return 0, ErrPortClosed
	}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writeCalls++
	call := p.writeCalls
	delay := p.WriteDelay
	p.mu.Unlock()

	if p.IsClosed() {
		return 0, ErrPortClosed
	}
	if p.FailWriteAt > 0 && call == p.FailWriteAt {
		err := p.WriteErr
		if err == nil {
			err = errors.New("fake write failure")
		}
		return 0, err
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	p.writes = append(p.writes, bytes.Clone(b))
	p.mu.Unlock()
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closed) })
	return p.CloseErr
}

// Feed queues s to be returned by a later Read
func (p *FakePort) Feed(s string) {
	p.FeedBytes([]byte(s))
}

// FeedBytes queues raw bytes to be returned by a later Read
func (p *FakePort) FeedBytes(b []byte) {
	p.reads <- bytes.Clone(b)
}

// FailRead makes the next blocked Read return err
func (p *FakePort) FailRead(err error) {
	p.readErrs <- err
}

// EndStream makes pending and future Reads return io.EOF
func (p *FakePort) EndStream() {
	p.endOnce.Do(func() { close(p.ended) })
}

// Writes returns a copy of every successful Write payload in order
func (p *FakePort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Written returns all successfully written bytes concatenated
func (p *FakePort) Written() []byte {
	return bytes.Join(p.Writes(), nil)
}

// IsClosed reports whether Close was called
func (p *FakePort) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called
func (p *FakePort) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// FakeHost hands out FakePorts
type FakeHost struct {
	mu sync.Mutex

	Unsupported bool
	Ports       []serial.PortDetails
	ListErr     error
	OpenErr     error
	// NewPort, when set, builds the port returned by the next Open
	NewPort func(name string) *FakePort

	opened  []*FakePort
	names   []string
	options []serial.Options
}

// NewFakeHost creates a host listing the given ports
func NewFakeHost(ports ...serial.PortDetails) *FakeHost {
	return &FakeHost{Ports: ports}
}

func (h *FakeHost) Supported() bool {
	return !h.Unsupported
}

func (h *FakeHost) ListPorts() ([]serial.PortDetails, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ListErr != nil {
		return nil, h.ListErr
	}
	out := make([]serial.PortDetails, len(h.Ports))
	copy(out, h.Ports)
	return out, nil
}

func (h *FakeHost) Open(name string, opts serial.Options) (serial.Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenErr != nil {
		return nil, h.OpenErr
	}

	var port *FakePort
	if h.NewPort != nil {
		port = h.NewPort(name)
	}
	if port == nil {
		port = NewFakePort()
	}

	h.opened = append(h.opened, port)
	h.names = append(h.names, name)
	h.options = append(h.options, opts)
	return port, nil
}

// LastPort returns the most recently opened port, or nil
func (h *FakeHost) LastPort() *FakePort {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.opened) == 0 {
		return nil
	}
	return h.opened[len(h.opened)-1]
}

// LastOpen returns the name and options of the most recent Open
func (h *FakeHost) LastOpen() (string, serial.Options) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.names) == 0 {
		return "", serial.Options{}
	}
	return h.names[len(h.names)-1], h.options[len(h.options)-1]
}

// OpenCount returns how many ports were opened
func (h *FakeHost) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.opened)
}

// internal/protocol/serial/manager.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"board-service/internal/model"
	"board-service/internal/utils"
)

const (
	readBufferSize  = 4096
	loopExitTimeout = 2 * time.Second
)

// BoardIdentifier resolves USB identifiers to a board profile
type BoardIdentifier interface {
	Profile(vendorID, productID uint16) model.BoardProfile
}

// Manager owns at most one serial link. It opens the link, runs the
// background receive loop, serializes writes and tears the link down.
type Manager struct {
	host     Host
	boards   BoardIdentifier
	defaults Options
	logger   *zap.Logger

	mu         sync.Mutex
	link       *link
	connecting bool

	// writeMu keeps concurrent senders from interleaving bytes
	writeMu sync.Mutex

	cbMu         sync.RWMutex
	onReceive    func(string)
	onError      func(error)
	onDisconnect func()
}

type link struct {
	port    Port
	details PortDetails
	profile model.BoardProfile
	options Options
	logger  *utils.DeviceLogger
	decoder *encoding.Decoder
	pending []byte

	reading        atomic.Bool
	dispatching    atomic.Bool
	closed         atomic.Bool
	writerReleased atomic.Bool
	loopDone       chan struct{}
	readerOnce     sync.Once
	closeOnce      sync.Once
	closeErr       error

	openedAt     time.Time
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	lastActivity atomic.Time
}

// NewManager creates a manager. defaults are merged under the options
// passed to every Connect.
func NewManager(host Host, boards BoardIdentifier, defaults Options, logger *zap.Logger) *Manager {
	return &Manager{
		host:     host,
		boards:   boards,
		defaults: DefaultOptions().Merge(defaults),
		logger:   logger.With(zap.String("component", "serial_manager")),
	}
}

// IsSupported reports whether the host has serial access
func (m *Manager) IsSupported() bool {
	return m.host.Supported()
}

// OnReceive registers the observer for decoded inbound text. A later
// registration replaces the earlier one.
func (m *Manager) OnReceive(fn func(string)) {
	m.cbMu.Lock()
	m.onReceive = fn
	m.cbMu.Unlock()
}

// OnError registers the observer for receive loop failures
func (m *Manager) OnError(fn func(error)) {
	m.cbMu.Lock()
	m.onError = fn
	m.cbMu.Unlock()
}

// OnDisconnect registers the observer fired after every teardown
func (m *Manager) OnDisconnect(fn func()) {
	m.cbMu.Lock()
	m.onDisconnect = fn
	m.cbMu.Unlock()
}

// Connect asks pick for a port, opens it with the merged options and
// starts the receive loop.
func (m *Manager) Connect(ctx context.Context, pick Picker, opts Options) error {
	if !m.host.Supported() {
		return ErrUnsupportedPlatform
	}
	if pick == nil {
		return ErrNoPortSelected
	}

	m.mu.Lock()
	if m.link != nil || m.connecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connecting = true
	m.mu.Unlock()

	l, err := m.open(ctx, pick, opts)

	m.mu.Lock()
	m.connecting = false
	if err == nil {
		m.link = l
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}

	go m.readLoop(l)

	l.logger.LogConnection("connect", true, nil)
	return nil
}

func (m *Manager) open(ctx context.Context, pick Picker, opts Options) (*link, error) {
	ports, err := m.host.ListPorts()
	if err != nil {
		return nil, &IOError{Op: "enumerate", Err: err}
	}

	details, err := pick(ctx, ports)
	if err != nil {
		return nil, err
	}
	if details.Name == "" {
		return nil, ErrNoPortSelected
	}

	merged := m.defaults.Merge(opts)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	port, err := m.host.Open(details.Name, merged)
	if err != nil {
		var ioErr *IOError
		if !errors.Is(err, ErrPortBusy) && !errors.As(err, &ioErr) {
			err = &IOError{Op: "open", Err: err}
		}
		m.logger.Error("Failed to connect",
			zap.String("port", details.Name),
			zap.Error(err),
		)
		return nil, err
	}

	profile := m.profile(details)
	now := time.Now()
	l := &link{
		port:     port,
		details:  details,
		profile:  profile,
		options:  merged,
		logger:   utils.NewDeviceLogger(m.logger, details.Name, profile.Label),
		decoder:  unicode.UTF8.NewDecoder(),
		loopDone: make(chan struct{}),
		openedAt: now,
	}
	l.reading.Store(true)
	l.lastActivity.Store(now)
	return l, nil
}

func (m *Manager) profile(details PortDetails) model.BoardProfile {
	if m.boards == nil {
		return model.BoardProfile{Label: model.UnknownBoardLabel, Family: model.FamilyUnknown}
	}
	return m.boards.Profile(details.VendorID, details.ProductID)
}

// Disconnect stops the receive loop, releases the port and fires the
// disconnect observer. It is a no-op when nothing is open. The link is
// gone afterwards even when closing the port reports an error.
//
// It may be called from a receive or error observer. In that case, or
// when another goroutine calls it while an observer runs, it returns once
// the port is closed without waiting for that observer; no further
// observer call is delivered for the link.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.link
	m.link = nil
	m.mu.Unlock()

	if l == nil {
		return nil
	}

	err := m.teardown(l)
	l.logger.LogConnection("disconnect", err == nil, err)
	m.fireDisconnect()
	return err
}

// teardown waits for the receive loop unless the loop is inside an
// observer, which may be the caller itself.
func (m *Manager) teardown(l *link) error {
	l.reading.Store(false)
	closeErr := l.close()

	if !l.dispatching.Load() {
		select {
		case <-l.loopDone:
		case <-time.After(loopExitTimeout):
			l.logger.Warn("Receive loop did not exit in time")
		}
	}

	l.releaseWriter()

	if closeErr != nil {
		return &IOError{Op: "close", Err: closeErr}
	}
	return nil
}

// IsConnected reports whether a link is open
func (m *Manager) IsConnected() bool {
	l := m.current()
	return l != nil && !l.closed.Load()
}

// Send writes the UTF-8 encoding of data as one write
func (m *Manager) Send(ctx context.Context, data string) error {
	return m.Write(ctx, []byte(data))
}

// Write writes raw bytes to the open link
func (m *Manager) Write(ctx context.Context, data []byte) error {
	l := m.current()
	if l == nil || l.closed.Load() {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if l.writerReleased.Load() {
		return ErrNotConnected
	}

	n, err := l.port.Write(data)
	if err != nil {
		l.logger.Error("Serial write failed", zap.Error(err))
		return &IOError{Op: "write", Err: err}
	}
	if n != len(data) {
		return &IOError{Op: "write", Err: fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))}
	}

	l.bytesWritten.Add(int64(n))
	l.lastActivity.Store(time.Now())

	l.logger.Debug("Serial write completed", zap.Int("bytes", n))
	return nil
}

// GetPortInfo describes the open link, or returns nil when disconnected
func (m *Manager) GetPortInfo() *model.PortInfo {
	l := m.current()
	if l == nil {
		return nil
	}
	return &model.PortInfo{
		PortName:     l.details.Name,
		USBVendorID:  l.details.VendorID,
		USBProductID: l.details.ProductID,
		BoardType:    l.profile.Label,
		Family:       l.profile.Family,
	}
}

// Options returns the line options of the open link
func (m *Manager) Options() (Options, bool) {
	l := m.current()
	if l == nil {
		return Options{}, false
	}
	return l.options, true
}

// Stats returns transfer counters of the open link
func (m *Manager) Stats() (model.LinkStats, bool) {
	l := m.current()
	if l == nil {
		return model.LinkStats{}, false
	}
	return model.LinkStats{
		BytesRead:    l.bytesRead.Load(),
		BytesWritten: l.bytesWritten.Load(),
		OpenedAt:     l.openedAt,
		LastActivity: l.lastActivity.Load(),
	}, true
}

func (m *Manager) current() *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

func (m *Manager) readLoop(l *link) {
	if lost := m.receive(l); lost {
		m.dropLink(l)
	}
}

// receive reads until the link is stopped or fails. It reports true when
// the link failed underneath it.
func (m *Manager) receive(l *link) bool {
	defer l.releaseReader()

	buf := make([]byte, readBufferSize)
	for l.reading.Load() {
		n, err := l.port.Read(buf)
		if n > 0 && l.reading.Load() {
			m.deliver(l, buf[:n])
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			l.logger.Debug("Serial stream ended")
			return false
		}
		if !l.reading.Load() {
			return false
		}

		l.logger.Error("Serial read failed", zap.Error(err))
		l.dispatching.Store(true)
		m.fireError(&IOError{Op: "read", Err: err})
		l.dispatching.Store(false)
		return true
	}
	return false
}

func (m *Manager) deliver(l *link, chunk []byte) {
	l.bytesRead.Add(int64(len(chunk)))
	l.lastActivity.Store(time.Now())

	if text := l.decode(chunk); text != "" {
		l.dispatching.Store(true)
		m.fireReceive(text)
		l.dispatching.Store(false)
	}
}

// dropLink tears down a link whose receive loop failed. A concurrent
// Disconnect that already claimed the link wins.
func (m *Manager) dropLink(l *link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.mu.Unlock()

	err := m.teardown(l)
	l.logger.LogConnection("link_lost", false, err)
	m.fireDisconnect()
}

func (m *Manager) fireReceive(text string) {
	m.cbMu.RLock()
	fn := m.onReceive
	m.cbMu.RUnlock()
	if fn != nil {
		fn(text)
	}
}

func (m *Manager) fireError(err error) {
	m.cbMu.RLock()
	fn := m.onError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) fireDisconnect() {
	m.cbMu.RLock()
	fn := m.onDisconnect
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// decode converts a chunk to text, holding back a trailing partial
// sequence until the next chunk completes it.
func (l *link) decode(chunk []byte) string {
	src := append(l.pending, chunk...)
	dst := make([]byte, len(src)*3+utf8.UTFMax)

	nDst, nSrc, err := l.decoder.Transform(dst, src, false)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		l.pending = l.pending[:0]
		return strings.ToValidUTF8(string(src), "\uFFFD")
	}

	l.pending = append(l.pending[:0], src[nSrc:]...)
	return string(dst[:nDst])
}

func (l *link) close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}

func (l *link) releaseReader() {
	l.readerOnce.Do(func() {
		close(l.loopDone)
		l.logger.Debug("Reader released")
	})
}

func (l *link) releaseWriter() {
	if l.writerReleased.CompareAndSwap(false, true) {
		l.logger.Debug("Writer released")
	}
}

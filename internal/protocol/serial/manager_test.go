package serial_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"board-service/internal/discovery/usb"
	"board-service/internal/model"
	"board-service/internal/protocol/serial"
	"board-service/internal/protocol/serial/serialtest"
)

var esp32Port = serial.PortDetails{
	Name:      "/dev/ttyUSB0",
	IsUSB:     true,
	VendorID:  0x10C4,
	ProductID: 0xEA60,
}

func newManager(t *testing.T, host *serialtest.FakeHost) *serial.Manager {
	t.Helper()
	m := serial.NewManager(host, usb.NewBoardDatabase(), serial.Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func connect(t *testing.T, m *serial.Manager, name string) {
	t.Helper()
	if err := m.Connect(context.Background(), serial.PickByName(name), serial.Options{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestConnectAppliesDefaultOptions(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	connect(t, m, esp32Port.Name)

	if !m.IsConnected() {
		t.Fatal("expected connected")
	}
	name, opts := host.LastOpen()
	if name != esp32Port.Name {
		t.Errorf("opened %q, want %q", name, esp32Port.Name)
	}
	if opts != serial.DefaultOptions() {
		t.Errorf("opened with %+v, want defaults", opts)
	}

	info := m.GetPortInfo()
	if info == nil {
		t.Fatal("expected port info")
	}
	if info.BoardType != "ESP32 (CP2102)" || info.Family != model.FamilyESP32 {
		t.Errorf("unexpected board %q/%s", info.BoardType, info.Family)
	}
	if info.USBVendorID != 0x10C4 || info.USBProductID != 0xEA60 {
		t.Errorf("unexpected ids %04x:%04x", info.USBVendorID, info.USBProductID)
	}
}

func TestConnectMergesOverrides(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{BaudRate: 9600, Parity: serial.ParityEven})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, opts := host.LastOpen()
	if opts.BaudRate != 9600 || opts.Parity != serial.ParityEven || opts.DataBits != 8 {
		t.Errorf("unexpected merged options %+v", opts)
	}
}

func TestConnectFailures(t *testing.T) {
	t.Run("unsupported platform", func(t *testing.T) {
		host := serialtest.NewFakeHost(esp32Port)
		host.Unsupported = true
		m := newManager(t, host)

		if m.IsSupported() {
			t.Error("expected unsupported")
		}
		err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{})
		if !errors.Is(err, serial.ErrUnsupportedPlatform) {
			t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
		}
		if host.OpenCount() != 0 {
			t.Error("port must not be opened")
		}
	})

	t.Run("picker cancelled", func(t *testing.T) {
		host := serialtest.NewFakeHost(esp32Port)
		m := newManager(t, host)

		err := m.Connect(context.Background(), serial.PickByName(""), serial.Options{})
		if !errors.Is(err, serial.ErrNoPortSelected) {
			t.Fatalf("expected ErrNoPortSelected, got %v", err)
		}
		if m.IsConnected() {
			t.Error("expected disconnected")
		}
	})

	t.Run("port busy", func(t *testing.T) {
		host := serialtest.NewFakeHost(esp32Port)
		host.OpenErr = serial.ErrPortBusy
		m := newManager(t, host)

		err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{})
		if !errors.Is(err, serial.ErrPortBusy) {
			t.Fatalf("expected ErrPortBusy, got %v", err)
		}
		if m.IsConnected() {
			t.Error("expected disconnected")
		}
	})

	t.Run("open io failure", func(t *testing.T) {
		host := serialtest.NewFakeHost(esp32Port)
		host.OpenErr = errors.New("permission denied")
		m := newManager(t, host)

		err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{})
		var ioErr *serial.IOError
		if !errors.As(err, &ioErr) || ioErr.Op != "open" {
			t.Fatalf("expected open IOError, got %v", err)
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		host := serialtest.NewFakeHost(esp32Port)
		m := newManager(t, host)

		err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{DataBits: 9})
		if !errors.Is(err, serial.ErrInvalidOptions) {
			t.Fatalf("expected ErrInvalidOptions, got %v", err)
		}
		if host.OpenCount() != 0 {
			t.Error("port must not be opened")
		}
	})
}

func TestConnectTwiceIsRejected(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)
	connect(t, m, esp32Port.Name)

	err := m.Connect(context.Background(), serial.PickByName(esp32Port.Name), serial.Options{})
	if !errors.Is(err, serial.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if host.OpenCount() != 1 {
		t.Errorf("expected one open, got %d", host.OpenCount())
	}
}

func TestReceiveDeliversDecodedText(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	m.OnReceive(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
		if len(got) == 3 {
			close(done)
		}
	})

	connect(t, m, esp32Port.Name)
	port := host.LastPort()

	port.Feed(">>> ")
	// "é" split across two chunks
	port.FeedBytes([]byte{'a', 0xC3})
	port.FeedBytes([]byte{0xA9, 'b'})

	waitFor(t, done, "three chunks")

	mu.Lock()
	defer mu.Unlock()
	want := []string{">>> ", "a", "éb"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}

	stats, ok := m.Stats()
	if !ok || stats.BytesRead != 8 {
		t.Errorf("expected 8 bytes read, got %+v", stats)
	}
}

func TestReceiveLastObserverWins(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	m.OnReceive(func(string) { first <- struct{}{} })
	m.OnReceive(func(string) { second <- struct{}{} })

	connect(t, m, esp32Port.Name)
	host.LastPort().Feed("x")

	waitFor(t, second, "second observer")
	select {
	case <-first:
		t.Error("replaced observer must not be invoked")
	default:
	}
}

func TestSendWritesExactBytes(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)
	connect(t, m, esp32Port.Name)

	if err := m.Send(context.Background(), "print('héllo')\n"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := m.Write(context.Background(), []byte{0x03}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	writes := host.LastPort().Writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	if string(writes[0]) != "print('héllo')\n" {
		t.Errorf("unexpected payload %q", writes[0])
	}
	if len(writes[1]) != 1 || writes[1][0] != 0x03 {
		t.Errorf("unexpected control byte %v", writes[1])
	}

	stats, _ := m.Stats()
	if stats.BytesWritten != int64(len("print('héllo')\n")+1) {
		t.Errorf("unexpected bytes written %d", stats.BytesWritten)
	}
}

func TestSendWithoutLink(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	if err := m.Send(context.Background(), "x"); !errors.Is(err, serial.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	connect(t, m, esp32Port.Name)
	port := host.LastPort()
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := m.Send(context.Background(), "x"); !errors.Is(err, serial.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
	if len(port.Writes()) != 0 {
		t.Error("no bytes may be written")
	}
}

func TestSendWriteFailure(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	host.NewPort = func(string) *serialtest.FakePort {
		p := serialtest.NewFakePort()
		p.FailWriteAt = 1
		return p
	}
	m := newManager(t, host)
	connect(t, m, esp32Port.Name)

	err := m.Send(context.Background(), "x")
	var ioErr *serial.IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write" {
		t.Fatalf("expected write IOError, got %v", err)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	host.NewPort = func(string) *serialtest.FakePort {
		p := serialtest.NewFakePort()
		p.WriteDelay = time.Millisecond
		return p
	}
	m := newManager(t, host)
	connect(t, m, esp32Port.Name)

	payloads := []string{"aaaa", "bbbb", "cccc", "dddd"}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if err := m.Send(context.Background(), p); err != nil {
				t.Errorf("Send(%q) failed: %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	writes := host.LastPort().Writes()
	if len(writes) != len(payloads) {
		t.Fatalf("expected %d writes, got %d", len(payloads), len(writes))
	}
	seen := map[string]bool{}
	for _, w := range writes {
		seen[string(w)] = true
	}
	for _, p := range payloads {
		if !seen[p] {
			t.Errorf("payload %q missing or interleaved", p)
		}
	}
}

func TestDisconnectReleasesLink(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	disconnected := make(chan struct{}, 2)
	m.OnDisconnect(func() { disconnected <- struct{}{} })
	errs := make(chan error, 1)
	m.OnError(func(err error) { errs <- err })

	connect(t, m, esp32Port.Name)
	port := host.LastPort()

	// The receive loop is blocked in Read at this point.
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.IsConnected() {
		t.Error("expected disconnected")
	}
	if !port.IsClosed() {
		t.Error("expected port closed")
	}
	if m.GetPortInfo() != nil {
		t.Error("expected no port info")
	}
	waitFor(t, disconnected, "disconnect observer")

	select {
	case err := <-errs:
		t.Errorf("disconnect during read must not report an error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Second disconnect is a no-op.
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	select {
	case <-disconnected:
		t.Error("observer fired for a no-op disconnect")
	default:
	}

	connect(t, m, esp32Port.Name)
	if host.OpenCount() != 2 {
		t.Errorf("expected reconnect, opens = %d", host.OpenCount())
	}
}

func TestDisconnectFromReceiveObserver(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	type result struct {
		err     error
		elapsed time.Duration
	}
	returned := make(chan result, 1)
	var calls sync.Mutex
	received := 0
	m.OnReceive(func(text string) {
		calls.Lock()
		received++
		calls.Unlock()

		start := time.Now()
		err := m.Disconnect()
		returned <- result{err: err, elapsed: time.Since(start)}
	})
	disconnected := make(chan struct{}, 2)
	m.OnDisconnect(func() { disconnected <- struct{}{} })

	connect(t, m, esp32Port.Name)
	port := host.LastPort()
	port.Feed("Traceback")

	var res result
	select {
	case res = <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect inside the observer did not return")
	}
	if res.err != nil {
		t.Fatalf("Disconnect failed: %v", res.err)
	}
	if res.elapsed > time.Second {
		t.Errorf("Disconnect waited %v for the loop it runs on", res.elapsed)
	}
	waitFor(t, disconnected, "disconnect observer")

	if m.IsConnected() || !port.IsClosed() {
		t.Error("expected the link released")
	}

	port.Feed("more")
	time.Sleep(50 * time.Millisecond)
	calls.Lock()
	defer calls.Unlock()
	if received != 1 {
		t.Errorf("expected one receive call, got %d", received)
	}
	select {
	case <-disconnected:
		t.Error("disconnect observer fired twice")
	default:
	}
}

func TestDisconnectCloseFailure(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	host.NewPort = func(string) *serialtest.FakePort {
		p := serialtest.NewFakePort()
		p.CloseErr = errors.New("device vanished")
		return p
	}
	m := newManager(t, host)

	disconnected := make(chan struct{}, 1)
	m.OnDisconnect(func() { disconnected <- struct{}{} })
	connect(t, m, esp32Port.Name)

	err := m.Disconnect()
	var ioErr *serial.IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "close" {
		t.Fatalf("expected close IOError, got %v", err)
	}
	if m.IsConnected() {
		t.Error("link must be gone even when close fails")
	}
	waitFor(t, disconnected, "disconnect observer")
}

func TestReadFailureTearsDownLink(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	var mu sync.Mutex
	var order []string
	gone := make(chan struct{})
	m.OnError(func(err error) {
		mu.Lock()
		order = append(order, "error")
		mu.Unlock()
		var ioErr *serial.IOError
		if !errors.As(err, &ioErr) || ioErr.Op != "read" {
			t.Errorf("expected read IOError, got %v", err)
		}
	})
	m.OnDisconnect(func() {
		mu.Lock()
		order = append(order, "disconnect")
		mu.Unlock()
		close(gone)
	})

	connect(t, m, esp32Port.Name)
	port := host.LastPort()
	port.FailRead(errors.New("device reports an error"))

	waitFor(t, gone, "link loss")

	if m.IsConnected() {
		t.Error("expected disconnected")
	}
	if !port.IsClosed() {
		t.Error("expected port closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "error" || order[1] != "disconnect" {
		t.Errorf("unexpected observer order %v", order)
	}
}

func TestEndOfStreamStopsSilently(t *testing.T) {
	host := serialtest.NewFakeHost(esp32Port)
	m := newManager(t, host)

	errs := make(chan error, 1)
	m.OnError(func(err error) { errs <- err })

	connect(t, m, esp32Port.Name)
	host.LastPort().EndStream()

	select {
	case err := <-errs:
		t.Fatalf("end of stream must not report an error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
}

func TestUnknownBoardInfo(t *testing.T) {
	host := serialtest.NewFakeHost()
	m := serial.NewManager(host, usb.NewBoardDatabase(), serial.Options{}, zap.NewNop())
	defer m.Disconnect()

	connect(t, m, "/dev/pts/3")

	info := m.GetPortInfo()
	if info == nil || info.BoardType != model.UnknownBoardLabel {
		t.Fatalf("expected unknown board, got %+v", info)
	}
}

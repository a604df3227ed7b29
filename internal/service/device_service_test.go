package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"board-service/internal/config"
	"board-service/internal/discovery"
	"board-service/internal/discovery/usb"
	"board-service/internal/events"
	"board-service/internal/model"
	"board-service/internal/protocol/serial"
	"board-service/internal/protocol/serial/serialtest"
	"board-service/internal/upload"
)

var (
	espPort     = serial.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VendorID: 0x10C4, ProductID: 0xEA60}
	arduinoPort = serial.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VendorID: 0x2341, ProductID: 0x0043}
)

type fixture struct {
	svc  *DeviceService
	host *serialtest.FakeHost
	sub  *events.Subscription
}

func newFixture(t *testing.T, timing upload.Timing, ports ...serial.PortDetails) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	host := serialtest.NewFakeHost(ports...)
	boards := usb.NewBoardDatabase()
	manager := serial.NewManager(host, boards, serial.Options{}, logger)
	scanner := discovery.NewScanner(host, boards, logger)
	controller := upload.NewController(manager, timing, logger)

	bus := events.NewBus(1000, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	sub := bus.Subscribe()

	svc := NewDeviceService(manager, scanner, controller, bus, &config.Config{}, logger)
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		sub.Unsubscribe()
		cancel()
	})
	return &fixture{svc: svc, host: host, sub: sub}
}

// expectEvent drains events until one of type want arrives
func (f *fixture) expectEvent(t *testing.T, want model.EventType) model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sub.C():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return model.Event{}
		}
	}
}

func (f *fixture) connect(t *testing.T, port string) {
	t.Helper()
	if _, err := f.svc.Connect(context.Background(), &ConnectRequest{Port: port}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func waitUpload(t *testing.T, svc *DeviceService) *model.UploadSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.WaitUpload(ctx); err != nil {
		t.Fatalf("upload did not finish: %v", err)
	}
	session, ok := svc.GetUpload()
	if !ok {
		t.Fatal("expected a session")
	}
	return session
}

func TestConnectAndStatus(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort)

	if status := f.svc.Status(); status.State != model.LinkStateDisconnected || !status.Supported {
		t.Fatalf("unexpected initial status %+v", status)
	}

	info, err := f.svc.Connect(context.Background(), &ConnectRequest{Port: espPort.Name, BaudRate: 57600})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if info.BoardType != "ESP32 (CP2102)" {
		t.Errorf("unexpected board %q", info.BoardType)
	}

	ev := f.expectEvent(t, model.EventDeviceConnected)
	if ev.Data["port"] != espPort.Name {
		t.Errorf("unexpected event data %v", ev.Data)
	}

	status := f.svc.Status()
	if status.State != model.LinkStateConnected || status.Port == nil || status.Options == nil || status.Stats == nil {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Options.BaudRate != 57600 || status.Options.DataBits != 8 {
		t.Errorf("unexpected options %+v", status.Options)
	}

	if err := f.svc.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	f.expectEvent(t, model.EventDeviceDisconnected)
	if f.svc.Status().State != model.LinkStateDisconnected {
		t.Error("expected disconnected")
	}
}

func TestConnectAutoPick(t *testing.T) {
	f := newFixture(t, upload.Timing{}, serial.PortDetails{Name: "/dev/ttyS0"}, espPort)

	info, err := f.svc.Connect(context.Background(), &ConnectRequest{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if info.PortName != espPort.Name {
		t.Errorf("auto-picked %s", info.PortName)
	}
}

func TestConnectAutoPickAmbiguous(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort, arduinoPort)

	_, err := f.svc.Connect(context.Background(), &ConnectRequest{})
	if !errors.Is(err, serial.ErrNoPortSelected) {
		t.Fatalf("expected ErrNoPortSelected, got %v", err)
	}
}

func TestReceivedTextIsPublished(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort)
	f.connect(t, espPort.Name)

	f.host.LastPort().Feed("MicroPython v1.22\r\n>>> ")

	ev := f.expectEvent(t, model.EventSerialData)
	if ev.Data["text"] != "MicroPython v1.22\r\n>>> " {
		t.Errorf("unexpected text %q", ev.Data["text"])
	}
}

func TestLinkLossIsPublished(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort)
	f.connect(t, espPort.Name)

	f.host.LastPort().FailRead(errors.New("input/output error"))

	f.expectEvent(t, model.EventSerialError)
	f.expectEvent(t, model.EventDeviceDisconnected)
	if f.svc.Status().State != model.LinkStateDisconnected {
		t.Error("expected disconnected")
	}
}

func TestUploadSucceeds(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort)
	f.connect(t, espPort.Name)

	session, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "Pin(2, Pin.OUT).value(1)\nsleep_ms(500)"})
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if session.LineCount != 2 || session.Mode != model.UploadModeRawREPL {
		t.Errorf("unexpected session %+v", session)
	}

	final := waitUpload(t, f.svc)
	if final.Status != model.UploadStatusSuccess || final.Percent != 100 || final.CompletedAt == nil {
		t.Fatalf("unexpected final session %+v", final)
	}

	f.expectEvent(t, model.EventUploadStarted)
	f.expectEvent(t, model.EventUploadProgress)
	ev := f.expectEvent(t, model.EventUploadCompleted)
	if ev.Data["session_id"] != session.ID.String() {
		t.Errorf("completion for wrong session: %v", ev.Data)
	}

	written := string(f.host.LastPort().Written())
	want := "\x03\x03\x01Pin(2, Pin.OUT).value(1)\nsleep_ms(500)\n\x04\x02"
	if written != want {
		t.Errorf("wire bytes = %q, want %q", written, want)
	}
}

func TestUploadRejections(t *testing.T) {
	t.Run("empty program", func(t *testing.T) {
		f := newFixture(t, upload.Timing{}, espPort)
		f.connect(t, espPort.Name)
		if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: " \n"}); !errors.Is(err, ErrEmptyProgram) {
			t.Fatalf("expected ErrEmptyProgram, got %v", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		f := newFixture(t, upload.Timing{}, espPort)
		if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "print(1)"}); !errors.Is(err, serial.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if _, err := f.svc.StartFirmwareUpload(context.Background(), nil); !errors.Is(err, serial.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("arduino refused unless forced", func(t *testing.T) {
		f := newFixture(t, upload.Timing{}, arduinoPort)
		f.connect(t, arduinoPort.Name)

		if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "print(1)"}); !errors.Is(err, ErrUnsupportedBoard) {
			t.Fatalf("expected ErrUnsupportedBoard, got %v", err)
		}
		if len(f.host.LastPort().Writes()) != 0 {
			t.Error("nothing may be written to a refused board")
		}

		if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "print(1)", Force: true}); err != nil {
			t.Fatalf("forced upload failed to start: %v", err)
		}
		if final := waitUpload(t, f.svc); final.Status != model.UploadStatusSuccess {
			t.Errorf("unexpected status %s", final.Status)
		}
	})
}

func TestSendBlockedDuringUploadAndCancel(t *testing.T) {
	f := newFixture(t, upload.Timing{InterruptSettle: time.Hour}, espPort)
	f.connect(t, espPort.Name)

	if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "print(1)"}); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	if err := f.svc.Send(context.Background(), "help()", true); !errors.Is(err, upload.ErrUploadInProgress) {
		t.Fatalf("expected ErrUploadInProgress, got %v", err)
	}
	if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "print(2)"}); !errors.Is(err, upload.ErrUploadInProgress) {
		t.Fatalf("expected second upload rejected, got %v", err)
	}
	if err := f.svc.CancelUpload(); err != nil {
		t.Fatalf("CancelUpload failed: %v", err)
	}
	final := waitUpload(t, f.svc)
	if final.Status != model.UploadStatusCancelled {
		t.Fatalf("expected cancelled session, got %+v", final)
	}
	f.expectEvent(t, model.EventUploadFailed)

	if err := f.svc.CancelUpload(); !errors.Is(err, ErrNoActiveUpload) {
		t.Fatalf("expected ErrNoActiveUpload, got %v", err)
	}

	if err := f.svc.Send(context.Background(), "help()", true); err != nil {
		t.Fatalf("Send after cancel failed: %v", err)
	}
	writes := f.host.LastPort().Writes()
	if last := string(writes[len(writes)-1]); last != "help()\n" {
		t.Errorf("unexpected console write %q", last)
	}
}

func TestUploadFailureIsRecorded(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort)
	f.host.NewPort = func(string) *serialtest.FakePort {
		p := serialtest.NewFakePort()
		p.FailWriteAt = 4
		p.WriteErr = errors.New("write timeout")
		return p
	}
	f.connect(t, espPort.Name)

	if _, err := f.svc.StartUpload(context.Background(), &UploadRequest{Program: "a\nb"}); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	final := waitUpload(t, f.svc)
	if final.Status != model.UploadStatusFailed {
		t.Fatalf("expected failed session, got %+v", final)
	}
	if final.Error != "Upload failed: serial write failed: write timeout" {
		t.Errorf("unexpected error %q", final.Error)
	}
	ev := f.expectEvent(t, model.EventUploadFailed)
	if ev.Data["status"] != model.UploadStatusFailed {
		t.Errorf("unexpected failure event %v", ev.Data)
	}
}

func TestFirmwareUploadIsSimulated(t *testing.T) {
	f := newFixture(t, upload.Timing{}, arduinoPort)
	f.connect(t, arduinoPort.Name)

	session, err := f.svc.StartFirmwareUpload(context.Background(), []byte{0x0C, 0x94})
	if err != nil {
		t.Fatalf("StartFirmwareUpload failed: %v", err)
	}
	if !session.Simulated || session.Mode != model.UploadModeFirmware {
		t.Errorf("unexpected session %+v", session)
	}

	final := waitUpload(t, f.svc)
	if final.Status != model.UploadStatusSuccess || !final.Simulated {
		t.Fatalf("unexpected final session %+v", final)
	}
	if written := f.host.LastPort().Written(); string(written) != "\x03" {
		t.Errorf("only a soft reset may be written, got %q", written)
	}
}

func TestListPorts(t *testing.T) {
	f := newFixture(t, upload.Timing{}, espPort, arduinoPort)

	ports, err := f.svc.ListPorts(context.Background())
	if err != nil {
		t.Fatalf("ListPorts failed: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(ports))
	}

	f.host.Unsupported = true
	if _, err := f.svc.ListPorts(context.Background()); !errors.Is(err, serial.ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

package serial

import (
	"errors"
	"testing"

	"board-service/internal/config"
)

func TestOptionsMerge(t *testing.T) {
	got := DefaultOptions().Merge(Options{BaudRate: 57600, FlowControl: FlowControlHardware})
	want := Options{
		BaudRate:    57600,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowControlHardware,
	}
	if got != want {
		t.Fatalf("Merge = %+v, want %+v", got, want)
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	bad := []Options{
		DefaultOptions().Merge(Options{BaudRate: -1}),
		DefaultOptions().Merge(Options{DataBits: 4}),
		DefaultOptions().Merge(Options{StopBits: 3}),
		DefaultOptions().Merge(Options{Parity: "mark"}),
		DefaultOptions().Merge(Options{FlowControl: "xon"}),
	}
	for _, o := range bad {
		if err := o.Validate(); err == nil {
			t.Errorf("expected %+v to be rejected", o)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	got := OptionsFromConfig(config.SerialConfig{BaudRate: 9600, Parity: "odd"})
	if got.BaudRate != 9600 || got.Parity != ParityOdd || got.DataBits != 8 || got.StopBits != 1 {
		t.Fatalf("unexpected options %+v", got)
	}
}

func TestPickByName(t *testing.T) {
	ports := []PortDetails{{Name: "/dev/ttyUSB0", IsUSB: true, VendorID: 0x1A86}}

	p, err := PickByName("/dev/ttyUSB0")(t.Context(), ports)
	if err != nil || p.VendorID != 0x1A86 {
		t.Fatalf("expected enumerated details, got %+v, %v", p, err)
	}

	p, err = PickByName("/dev/pts/4")(t.Context(), ports)
	if err != nil || p.Name != "/dev/pts/4" || p.IsUSB {
		t.Fatalf("expected bare details for unlisted port, got %+v, %v", p, err)
	}

	if _, err := PickByName("")(t.Context(), ports); !errors.Is(err, ErrNoPortSelected) {
		t.Fatalf("expected ErrNoPortSelected, got %v", err)
	}
}

func TestClassifyOpenError(t *testing.T) {
	var ioErr *IOError
	if err := classifyOpenError(errors.New("boom")); !errors.As(err, &ioErr) {
		t.Errorf("expected IOError, got %v", err)
	}
}

func TestParseUSBID(t *testing.T) {
	tests := map[string]uint16{"10C4": 0x10C4, "ea60": 0xEA60, "": 0, "zz": 0}
	for in, want := range tests {
		if got := parseUSBID(in); got != want {
			t.Errorf("parseUSBID(%q) = %#x, want %#x", in, got, want)
		}
	}
}

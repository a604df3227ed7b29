// internal/upload/timing.go
package upload

import (
	"context"
	"time"

	"board-service/internal/config"
)

// Timing holds the fixed pauses of the open-loop upload sequence. The
// device is never asked for an acknowledgement, so each pause is the only
// guarantee that the previous byte was consumed.
type Timing struct {
	InterruptGap     time.Duration
	InterruptSettle  time.Duration
	RawModeSettle    time.Duration
	LineDelay        time.Duration
	ExecuteSettle    time.Duration
	RestoreSettle    time.Duration
	ResetSettle      time.Duration
	FirmwareTransfer time.Duration
	FirmwareVerify   time.Duration
}

// DefaultTiming returns the pauses MicroPython boards are known to tolerate
func DefaultTiming() Timing {
	return Timing{
		InterruptGap:     100 * time.Millisecond,
		InterruptSettle:  500 * time.Millisecond,
		RawModeSettle:    300 * time.Millisecond,
		LineDelay:        50 * time.Millisecond,
		ExecuteSettle:    500 * time.Millisecond,
		RestoreSettle:    300 * time.Millisecond,
		ResetSettle:      100 * time.Millisecond,
		FirmwareTransfer: 2 * time.Second,
		FirmwareVerify:   time.Second,
	}
}

// TimingFromConfig converts the upload configuration section
func TimingFromConfig(cfg config.UploadConfig) Timing {
	return Timing{
		InterruptGap:     cfg.InterruptGap,
		InterruptSettle:  cfg.InterruptSettle,
		RawModeSettle:    cfg.RawModeSettle,
		LineDelay:        cfg.LineDelay,
		ExecuteSettle:    cfg.ExecuteSettle,
		RestoreSettle:    cfg.RestoreSettle,
		ResetSettle:      cfg.ResetSettle,
		FirmwareTransfer: cfg.FirmwareTransfer,
		FirmwareVerify:   cfg.FirmwareVerify,
	}
}

// pause waits for d. Cancellation ends the wait early with ctx.Err(), in
// which case the caller must not send anything further.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

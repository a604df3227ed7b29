// internal/upload/controller.go
package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"board-service/internal/protocol/serial"
	"board-service/internal/utils"
)

// Raw REPL control bytes
const (
	ctrlRawMode   = "\x01"
	ctrlRestore   = "\x02"
	ctrlInterrupt = "\x03"
	ctrlExecute   = "\x04"
)

// Phase names a step of an upload sequence
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseInterrupt Phase = "interrupt_repl"
	PhaseRawMode   Phase = "enter_raw_mode"
	PhaseTransfer  Phase = "transfer"
	PhaseExecute   Phase = "execute"
	PhaseRestore   Phase = "restore"
	PhaseReset     Phase = "reset"
	PhaseVerify    Phase = "verify"
	PhaseDone      Phase = "done"
)

// Progress is one status report of a running upload
type Progress struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// Link is the byte channel an upload drives
type Link interface {
	IsConnected() bool
	Send(ctx context.Context, data string) error
}

// FirmwareReport describes a finished firmware-path run
type FirmwareReport struct {
	// Simulated is always true: no image data reaches the device.
	Simulated        bool   `json:"simulated"`
	ImageBytes       int    `json:"image_bytes"`
	BytesTransferred int    `json:"bytes_transferred"`
	ResetError       string `json:"reset_error,omitempty"`
}

type sessionKey struct{}

// WithSessionID tags ctx so upload logs carry the caller's session id
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// Controller runs the open-loop raw REPL upload against a Link. At most
// one upload runs at a time.
type Controller struct {
	link   Link
	timing Timing
	logger *zap.Logger

	busy atomic.Bool

	cbMu       sync.RWMutex
	onProgress func(Progress)
	onComplete func()
	onError    func(error)
}

// NewController creates a controller bound to link
func NewController(link Link, timing Timing, logger *zap.Logger) *Controller {
	return &Controller{
		link:   link,
		timing: timing,
		logger: logger,
	}
}

// SetProgressCallback replaces the progress observer
func (c *Controller) SetProgressCallback(fn func(Progress)) {
	c.cbMu.Lock()
	c.onProgress = fn
	c.cbMu.Unlock()
}

// SetCompleteCallback replaces the completion observer
func (c *Controller) SetCompleteCallback(fn func()) {
	c.cbMu.Lock()
	c.onComplete = fn
	c.cbMu.Unlock()
}

// SetErrorCallback replaces the error observer
func (c *Controller) SetErrorCallback(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

// IsBusy reports whether an upload is running
func (c *Controller) IsBusy() bool {
	return c.busy.Load()
}

// SplitLines splits program text into the lines sent during transfer.
// Empty text has no lines. Unlike a plain split on "\n", a single trailing
// newline ends the last line instead of producing a final empty line, so
// "a\n" sends one line, not "a" followed by an empty one.
func SplitLines(program string) []string {
	if program == "" {
		return nil
	}
	program = strings.TrimSuffix(program, "\n")
	return strings.Split(program, "\n")
}

// UploadProgram interrupts the running program, enters raw REPL mode,
// streams the program line by line, executes it and restores the
// interactive REPL. Any failure aborts the sequence; the error observer
// fires once and the returned error is an *AbortError.
func (c *Controller) UploadProgram(ctx context.Context, program string) error {
	if !c.link.IsConnected() {
		return serial.ErrNotConnected
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrUploadInProgress
	}
	defer c.busy.Store(false)

	lines := SplitLines(program)
	ul := utils.NewUploadLogger(c.logger, "raw_repl", sessionID(ctx))
	ul.Start(zap.Int("lines", len(lines)))

	seq := &sequence{ctx: ctx, c: c, log: ul}
	c.runRawREPL(seq, lines)

	if seq.err != nil {
		abort := &AbortError{Phase: seq.phase, Err: seq.err}
		ul.Error(abort, zap.String("phase", string(seq.phase)))
		c.fireError(abort)
		return abort
	}

	ul.Success(zap.Int("lines", len(lines)))
	c.fireComplete()
	return nil
}

func (c *Controller) runRawREPL(seq *sequence, lines []string) {
	t := c.timing

	seq.report(PhaseStart, "Starting upload...", 0)

	seq.report(PhaseInterrupt, "Preparing REPL...", 10)
	seq.send(ctrlInterrupt)
	seq.wait(t.InterruptGap)
	seq.send(ctrlInterrupt)
	seq.wait(t.InterruptSettle)

	seq.report(PhaseRawMode, "Entering raw REPL mode...", 20)
	seq.send(ctrlRawMode)
	seq.wait(t.RawModeSettle)

	total := len(lines)
	for i, line := range lines {
		seq.enter(PhaseTransfer)
		seq.send(line + "\n")
		seq.report(PhaseTransfer, fmt.Sprintf("Sending code... (%d/%d)", i+1, total), 30+i*50/total)
		seq.wait(t.LineDelay)
	}

	seq.report(PhaseExecute, "Executing code...", 85)
	seq.send(ctrlExecute)
	seq.wait(t.ExecuteSettle)

	seq.report(PhaseRestore, "Finishing up...", 95)
	seq.send(ctrlRestore)
	seq.wait(t.RestoreSettle)

	seq.report(PhaseDone, "Upload complete!", 100)
}

// SimulateFirmwareUpload is a placeholder for image flashing. It sends a
// soft reset and then only waits out transfer and verification; the image
// is never written to the device and the report says so.
func (c *Controller) SimulateFirmwareUpload(ctx context.Context, image []byte) (*FirmwareReport, error) {
	if !c.link.IsConnected() {
		return nil, serial.ErrNotConnected
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrUploadInProgress
	}
	defer c.busy.Store(false)

	ul := utils.NewUploadLogger(c.logger, "firmware_simulated", sessionID(ctx))
	ul.Start(zap.Int("image_bytes", len(image)))
	c.logger.Warn("Firmware upload is simulated, no image data is written to the device")

	report := &FirmwareReport{Simulated: true, ImageBytes: len(image)}
	t := c.timing
	seq := &sequence{ctx: ctx, c: c, log: ul}

	seq.report(PhaseStart, "Starting firmware upload (simulated)...", 0)

	seq.report(PhaseReset, "Entering bootloader (soft reset)...", 20)
	if seq.err == nil {
		// A failed reset is logged and the run continues.
		if err := c.link.Send(ctx, ctrlInterrupt); err != nil {
			report.ResetError = err.Error()
			ul.Progress("Soft reset failed", 20, zap.Error(err))
		}
	}
	seq.wait(t.ResetSettle)

	seq.report(PhaseTransfer, "Transferring image (simulated, no data sent)...", 40)
	seq.wait(t.FirmwareTransfer)

	seq.report(PhaseVerify, "Verifying (simulated)...", 80)
	seq.wait(t.FirmwareVerify)

	seq.report(PhaseDone, "Upload complete (simulated)!", 100)

	if seq.err != nil {
		abort := &AbortError{Phase: seq.phase, Err: seq.err}
		ul.Error(abort, zap.String("phase", string(seq.phase)))
		c.fireError(abort)
		return nil, abort
	}

	ul.Success(zap.Bool("simulated", true))
	c.fireComplete()
	return report, nil
}

// sequence runs steps until the first failure, after which every step is
// a no-op and err holds the cause.
type sequence struct {
	ctx   context.Context
	c     *Controller
	log   *utils.UploadLogger
	phase Phase
	err   error
}

func (s *sequence) report(phase Phase, message string, percent int) {
	if s.err != nil {
		return
	}
	s.enter(phase)
	s.log.Progress(message, percent, zap.String("phase", string(phase)))
	s.c.fireProgress(Progress{Phase: phase, Message: message, Percent: percent})
}

// enter moves to phase unless the sequence already failed, so an abort
// keeps the phase it happened in.
func (s *sequence) enter(phase Phase) {
	if s.err != nil {
		return
	}
	s.phase = phase
}

func (s *sequence) send(data string) {
	if s.err != nil {
		return
	}
	s.err = s.c.link.Send(s.ctx, data)
}

func (s *sequence) wait(d time.Duration) {
	if s.err != nil {
		return
	}
	s.err = pause(s.ctx, d)
}

func (c *Controller) fireProgress(p Progress) {
	c.cbMu.RLock()
	fn := c.onProgress
	c.cbMu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (c *Controller) fireComplete() {
	c.cbMu.RLock()
	fn := c.onComplete
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Controller) fireError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func sessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

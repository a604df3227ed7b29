// internal/service/upload_service.go
package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"board-service/internal/model"
	"board-service/internal/protocol/serial"
	"board-service/internal/upload"
)

// UploadRequest carries program text for the raw REPL path
type UploadRequest struct {
	Program string `json:"program"`
	// Force sends source even to a board whose family has no interpreter
	Force bool `json:"force"`
}

// StartUpload begins a raw REPL upload in the background and returns the
// new session.
func (ds *DeviceService) StartUpload(ctx context.Context, req *UploadRequest) (*model.UploadSession, error) {
	if strings.TrimSpace(req.Program) == "" {
		return nil, ErrEmptyProgram
	}
	if err := ds.checkTarget(req.Force); err != nil {
		return nil, err
	}

	lines := len(upload.SplitLines(req.Program))
	session, runCtx, err := ds.beginSession(model.UploadModeRawREPL, lines)
	if err != nil {
		return nil, err
	}

	go ds.runSession(session, func() error {
		return ds.controller.UploadProgram(runCtx, req.Program)
	})
	return session, nil
}

// StartFirmwareUpload begins the simulated firmware path. The image is
// never written to the board.
func (ds *DeviceService) StartFirmwareUpload(ctx context.Context, image []byte) (*model.UploadSession, error) {
	if !ds.manager.IsConnected() {
		return nil, serial.ErrNotConnected
	}

	session, runCtx, err := ds.beginSession(model.UploadModeFirmware, 0)
	if err != nil {
		return nil, err
	}

	go ds.runSession(session, func() error {
		_, err := ds.controller.SimulateFirmwareUpload(runCtx, image)
		return err
	})
	return session, nil
}

// GetUpload returns a copy of the current or last session
func (ds *DeviceService) GetUpload() (*model.UploadSession, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return nil, false
	}
	snapshot := *ds.session
	return &snapshot, true
}

// CancelUpload stops the running upload at its next pause or send
func (ds *DeviceService) CancelUpload() error {
	ds.mu.Lock()
	cancel := ds.cancel
	ds.mu.Unlock()

	if cancel == nil {
		return ErrNoActiveUpload
	}
	cancel()
	return nil
}

// WaitUpload blocks until the running upload, if any, has finished
func (ds *DeviceService) WaitUpload(ctx context.Context) error {
	ds.mu.Lock()
	done := ds.done
	ds.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ds *DeviceService) checkTarget(force bool) error {
	info := ds.manager.GetPortInfo()
	if info == nil {
		return serial.ErrNotConnected
	}
	if !force && !info.Family.AcceptsSource() {
		return ErrUnsupportedBoard
	}
	return nil
}

func (ds *DeviceService) beginSession(mode model.UploadMode, lines int) (*model.UploadSession, context.Context, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cancel != nil {
		return nil, nil, upload.ErrUploadInProgress
	}

	session := model.NewUploadSession(mode, lines)
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = upload.WithSessionID(runCtx, session.ID.String())

	ds.session = session
	ds.cancel = cancel
	ds.done = make(chan struct{})

	ds.bus.Publish(model.NewEvent(model.EventUploadStarted, map[string]interface{}{
		"session_id": session.ID.String(),
		"mode":       mode,
		"line_count": lines,
		"simulated":  session.Simulated,
	}))

	snapshot := *session
	return &snapshot, runCtx, nil
}

// runSession runs fn and finalizes the session when no observer did
func (ds *DeviceService) runSession(session *model.UploadSession, fn func() error) {
	err := fn()

	ds.mu.Lock()
	if !session.IsCompleted() {
		ds.finishLocked(err)
	}
	ds.cancel()
	ds.cancel = nil
	close(ds.done)
	ds.mu.Unlock()

	if err != nil {
		ds.logger.Warn("Upload session ended with error",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
	}
}

func (ds *DeviceService) finishLocked(err error) {
	s := ds.session
	if s == nil || s.IsCompleted() {
		return
	}

	switch {
	case err == nil:
		s.Finish(model.UploadStatusSuccess, nil)
		ds.bus.Publish(model.NewEvent(model.EventUploadCompleted, map[string]interface{}{
			"session_id": s.ID.String(),
			"simulated":  s.Simulated,
		}))
	case errors.Is(err, context.Canceled):
		s.Finish(model.UploadStatusCancelled, err)
		ds.publishFailed(s, err)
	default:
		s.Finish(model.UploadStatusFailed, err)
		ds.publishFailed(s, err)
	}
}

func (ds *DeviceService) publishFailed(s *model.UploadSession, err error) {
	ds.bus.Publish(model.NewEvent(model.EventUploadFailed, map[string]interface{}{
		"session_id": s.ID.String(),
		"status":     s.Status,
		"error":      err.Error(),
	}))
}

func (ds *DeviceService) uploadActive() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.cancel != nil
}

func (ds *DeviceService) handleUploadProgress(p upload.Progress) {
	ds.mu.Lock()
	var id string
	if ds.session != nil {
		ds.session.ApplyProgress(string(p.Phase), p.Message, p.Percent)
		id = ds.session.ID.String()
	}
	ds.mu.Unlock()

	ds.bus.Publish(model.NewEvent(model.EventUploadProgress, map[string]interface{}{
		"session_id": id,
		"phase":      p.Phase,
		"message":    p.Message,
		"percent":    p.Percent,
	}))
}

func (ds *DeviceService) handleUploadComplete() {
	ds.mu.Lock()
	ds.finishLocked(nil)
	ds.mu.Unlock()
}

func (ds *DeviceService) handleUploadError(err error) {
	ds.mu.Lock()
	ds.finishLocked(err)
	ds.mu.Unlock()
}

// internal/model/upload.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// UploadMode selects how a program reaches the board
type UploadMode string

const (
	UploadModeRawREPL  UploadMode = "RAW_REPL"
	UploadModeFirmware UploadMode = "FIRMWARE_SIMULATED"
)

// UploadStatus represents the outcome of an upload session
type UploadStatus string

const (
	UploadStatusRunning   UploadStatus = "RUNNING"
	UploadStatusSuccess   UploadStatus = "SUCCESS"
	UploadStatusFailed    UploadStatus = "FAILED"
	UploadStatusCancelled UploadStatus = "CANCELLED"
)

// UploadSession represents one in-flight (or the last finished) upload.
// Sessions live in memory only.
type UploadSession struct {
	ID          uuid.UUID    `json:"id"`
	Mode        UploadMode   `json:"mode"`
	Phase       string       `json:"phase"`
	Percent     int          `json:"percent"`
	Message     string       `json:"message"`
	Status      UploadStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	LineCount   int          `json:"line_count"`
	Simulated   bool         `json:"simulated"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// NewUploadSession creates a running session
func NewUploadSession(mode UploadMode, lineCount int) *UploadSession {
	return &UploadSession{
		ID:        uuid.New(),
		Mode:      mode,
		Status:    UploadStatusRunning,
		LineCount: lineCount,
		Simulated: mode == UploadModeFirmware,
		StartedAt: time.Now(),
	}
}

// IsCompleted checks if the session reached a terminal outcome
func (s *UploadSession) IsCompleted() bool {
	return s.Status != UploadStatusRunning
}

// ApplyProgress records a progress report. Percent never decreases.
func (s *UploadSession) ApplyProgress(phase, message string, percent int) {
	s.Phase = phase
	s.Message = message
	if percent > s.Percent {
		s.Percent = percent
	}
}

// Finish moves the session to a terminal status
func (s *UploadSession) Finish(status UploadStatus, err error) {
	now := time.Now()
	s.Status = status
	s.CompletedAt = &now
	if err != nil {
		s.Error = err.Error()
	}
}

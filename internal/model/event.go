// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSerialData         EventType = "SERIAL_DATA"
	EventSerialError        EventType = "SERIAL_ERROR"
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventUploadStarted      EventType = "UPLOAD_STARTED"
	EventUploadProgress     EventType = "UPLOAD_PROGRESS"
	EventUploadCompleted    EventType = "UPLOAD_COMPLETED"
	EventUploadFailed       EventType = "UPLOAD_FAILED"
)

// Event represents something that happened on the link or in an upload
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps a new event
func NewEvent(eventType EventType, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

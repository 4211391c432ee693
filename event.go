package xsbus

import (
	"time"
)

// EventType enumerates bus lifecycle events for the Observer pattern.
type EventType string

const (
	SendDone           EventType = "send_done"
	PublishDone        EventType = "publish_done"
	ConsumeStart       EventType = "consume_start"
	ConsumeDone        EventType = "consume_done"
	Ack                EventType = "ack"
	Nack               EventType = "nack"
	UserError          EventType = "user_error"
	SystemError        EventType = "system_error"
	MaxRetriesExceeded EventType = "max_retries_exceeded"
	WorkerStarted      EventType = "worker_started"
	WorkerStopped      EventType = "worker_stopped"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Endpoint    Endpoint
	MessageID   string
	MessageType string
	Worker      int
	// Attempts is the failure count for UserError and MaxRetriesExceeded.
	Attempts int
	Duration time.Duration
	Err      error

	// attached for async dispatch
	observers []Observer
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates process log event variants.
type EventType string

const (
	EventProcessStarted        EventType = "ProcessStarted"
	EventStepStarted           EventType = "StepStarted"
	EventStepCompleted         EventType = "StepCompleted"
	EventStepFailed            EventType = "StepFailed"
	EventStepTimedOut          EventType = "StepTimedOut"
	EventCompensationStarted   EventType = "CompensationStarted"
	EventCompensationCompleted EventType = "CompensationCompleted"
	EventCompensationFailed    EventType = "CompensationFailed"
	EventProcessCompleted      EventType = "ProcessCompleted"
	EventProcessFailed         EventType = "ProcessFailed"
	EventProcessPaused         EventType = "ProcessPaused"
	EventProcessResumed        EventType = "ProcessResumed"
)

// ProcessEvent is the tagged payload of a log entry. CommandID is a string
// so fan-out markers like "PARALLEL:3" fit alongside real command ids.
type ProcessEvent struct {
	Type      EventType      `json:"type"`
	Step      string         `json:"step,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Retries   int            `json:"retries,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ProcessLogEntry is one appended, never-mutated log record. Sequence is
// monotonically increasing per process.
type ProcessLogEntry struct {
	ProcessID uuid.UUID
	Sequence  int64
	Timestamp time.Time
	Event     ProcessEvent
}

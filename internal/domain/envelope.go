// Package domain defines the core entities, ports, and error taxonomy of the
// saga orchestration platform. It is free of transport and storage concerns;
// adapters depend on it, never the other way around.
package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context is an alias so that ports read naturally without re-importing
// the std context package everywhere.
type Context = context.Context

// Envelope categories.
const (
	CategoryCommand = "command"
	CategoryReply   = "reply"
	CategoryEvent   = "event"
)

// Reply envelope types.
const (
	ReplyCommandCompleted = "CommandCompleted"
	ReplyCommandFailed    = "CommandFailed"
	ReplyCommandTimedOut  = "CommandTimedOut"
)

// Well-known envelope header names.
const (
	HeaderCommandID      = "commandId"
	HeaderCommandName    = "commandName"
	HeaderBusinessKey    = "businessKey"
	HeaderCorrelationID  = "correlationId"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderReplyTo        = "replyTo"
	HeaderParallelBranch = "parallelBranch"
	HeaderParentStep     = "parentStep"
	HeaderCompensating   = "compensating"
)

// Envelope is the immutable wire-level message. Correlation is what ties a
// reply back to a process: CorrelationID carries the process id end to end.
type Envelope struct {
	MessageID     uuid.UUID         `json:"messageId"`
	Category      string            `json:"category"`
	Type          string            `json:"type"`
	CommandID     uuid.UUID         `json:"commandId,omitempty"`
	CorrelationID uuid.UUID         `json:"correlationId,omitempty"`
	CausationID   uuid.UUID         `json:"causationId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	BusinessKey   string            `json:"businessKey,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Header returns the named header or "" when absent. Nil header maps are
// tolerated so partially decoded envelopes stay safe to inspect.
func (e Envelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// ReplyPayload is the body of a reply envelope.
type ReplyPayload struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Reply is the decoded reply handed to the process manager after inbox dedup.
type Reply struct {
	Type  string
	Data  map[string]any
	Error string
}

// StepNameForCommand derives a step name from a command type name: a short
// name ending in "Command" is the step name plus that suffix, everything
// else is used verbatim.
func StepNameForCommand(name string) string {
	if name != "Command" && strings.HasSuffix(name, "Command") {
		return strings.TrimSuffix(name, "Command")
	}
	return name
}

// QueueNaming resolves bus topic and queue names. Prefix and suffix are
// configuration-surface-visible; the reply queue has a fixed default.
type QueueNaming struct {
	CommandPrefix string
	QueueSuffix   string
	ReplyQueue    string
}

// DefaultReplyQueue is used when no reply queue is configured and an
// envelope carries no replyTo header.
const DefaultReplyQueue = "APP.CMD.REPLY.Q"

// CommandTopic returns the topic a command is routed to:
// <prefix><UPPER(name)><suffix>.
func (n QueueNaming) CommandTopic(name string) string {
	return n.CommandPrefix + strings.ToUpper(name) + n.QueueSuffix
}

// ReplyTopic returns the configured reply queue, falling back to the
// platform default.
func (n QueueNaming) ReplyTopic() string {
	if n.ReplyQueue == "" {
		return DefaultReplyQueue
	}
	return n.ReplyQueue
}

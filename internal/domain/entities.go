package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessStatus enumerates process instance states.
type ProcessStatus string

const (
	ProcessNew          ProcessStatus = "NEW"
	ProcessRunning      ProcessStatus = "RUNNING"
	ProcessSucceeded    ProcessStatus = "SUCCEEDED"
	ProcessFailedStatus ProcessStatus = "FAILED"
	ProcessCompensating ProcessStatus = "COMPENSATING"
	ProcessCompensated  ProcessStatus = "COMPENSATED"
	ProcessPausedStatus ProcessStatus = "PAUSED"
)

// Terminal reports whether the status admits no further transitions.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case ProcessSucceeded, ProcessFailedStatus, ProcessCompensated:
		return true
	}
	return false
}

// ParallelKeyPrefix is the reserved instance-data prefix carrying parallel
// fan-out state. Only the process manager reads or writes these keys.
const ParallelKeyPrefix = "_parallel_"

// Parallel branch states stored under a ParallelKeyPrefix entry.
const (
	BranchPending   = "PENDING"
	BranchCompleted = "COMPLETED"
)

// ParallelKey builds the reserved data key for a fan-out step.
func ParallelKey(step string) string { return ParallelKeyPrefix + step }

// IsParallelKey reports whether a data key carries fan-out state.
func IsParallelKey(key string) bool { return strings.HasPrefix(key, ParallelKeyPrefix) }

// ProcessInstance is the durable snapshot of a running process. ProcessID
// and CreatedAt never change after insert.
type ProcessInstance struct {
	ProcessID   uuid.UUID
	ProcessType string
	BusinessKey string
	Status      ProcessStatus
	CurrentStep string
	Data        map[string]any
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommandStatus enumerates command registry states. SUCCEEDED, FAILED and
// TIMED_OUT are terminal.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// Command is a registry row tracking a dispatched command through its
// lifecycle. At most one PENDING command may exist per idempotency key;
// the database unique constraint is the single source of truth for that.
type Command struct {
	ID                   uuid.UUID
	Name                 string
	BusinessKey          string
	Payload              json.RawMessage
	IdempotencyKey       string
	Status               CommandStatus
	RequestedAt          time.Time
	UpdatedAt            time.Time
	Retries              int
	ProcessingLeaseUntil *time.Time
	LastError            string
	Reply                json.RawMessage
}

// ReplyHints is stored in Command.Reply and routes synthetic replies (lease
// expiry) back to the owning process.
type ReplyHints struct {
	CorrelationID uuid.UUID `json:"correlationId"`
	ReplyTo       string    `json:"replyTo,omitempty"`
}

// OutboxStatus enumerates outbox row states.
type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxClaimed   OutboxStatus = "CLAIMED"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRow is a transactionally enqueued outbound envelope. A row is
// visible for claim iff status is NEW or FAILED and next_at has passed.
type OutboxRow struct {
	ID          uuid.UUID
	Category    string
	Topic       string
	Key         string
	Type        string
	Payload     []byte
	Headers     map[string]string
	Status      OutboxStatus
	Attempts    int
	NextAt      *time.Time
	ClaimedBy   string
	CreatedAt   time.Time
	PublishedAt *time.Time
	LastError   string
}

// DlqEntry is a parked, permanently failed command kept for operator
// review and manual replay. Append-only.
type DlqEntry struct {
	ID           uuid.UUID
	CommandID    uuid.UUID
	CommandName  string
	BusinessKey  string
	Payload      json.RawMessage
	FailedStatus CommandStatus
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}

// Repositories (ports)

// ProcessRepository persists instances and their append-only event log.
// Log inserts must be atomic with the surrounding instance update; both run
// inside the ambient unit-of-work.
type ProcessRepository interface {
	Insert(ctx Context, p ProcessInstance) error
	Update(ctx Context, p ProcessInstance) error
	FindByID(ctx Context, id uuid.UUID) (ProcessInstance, error)
	FindByBusinessKey(ctx Context, key string) ([]ProcessInstance, error)
	FindByStatus(ctx Context, status ProcessStatus) ([]ProcessInstance, error)
	FindByTypeAndStatus(ctx Context, processType string, status ProcessStatus) ([]ProcessInstance, error)
	Log(ctx Context, processID uuid.UUID, event ProcessEvent) error
	Events(ctx Context, processID uuid.UUID) ([]ProcessLogEntry, error)
}

// OutboxRepository is the transactional queue of outbound envelopes.
type OutboxRepository interface {
	Append(ctx Context, row OutboxRow) error
	ClaimIfNew(ctx Context, id uuid.UUID, claimer string) (OutboxRow, bool, error)
	Sweep(ctx Context, max int, claimer string) ([]OutboxRow, error)
	MarkPublished(ctx Context, id uuid.UUID) error
	Reschedule(ctx Context, id uuid.UUID, backoff time.Duration, errMsg string) error
	MarkFailed(ctx Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error
	RecoverStuck(ctx Context, olderThan time.Duration) (int, error)
}

// InboxRepository deduplicates inbound messages per handler.
type InboxRepository interface {
	// MarkIfAbsent records (messageID, handler) and returns true iff the
	// pair was not seen before. A false return means drop the message.
	MarkIfAbsent(ctx Context, messageID uuid.UUID, handler string) (bool, error)
}

// CommandRepository is the command registry.
type CommandRepository interface {
	Insert(ctx Context, c Command) error
	MarkRunning(ctx Context, id uuid.UUID, leaseUntil time.Time) error
	MarkTerminal(ctx Context, id uuid.UUID, status CommandStatus, errMsg string) error
	FindByID(ctx Context, id uuid.UUID) (Command, error)
	FindByIdempotencyKey(ctx Context, key string) (Command, error)
	// ExpireLeases transitions RUNNING commands whose lease has lapsed to
	// TIMED_OUT and returns them for reply synthesis.
	ExpireLeases(ctx Context, now time.Time) ([]Command, error)
}

// DLQRepository parks permanently failed commands.
type DLQRepository interface {
	Park(ctx Context, e DlqEntry) error
	List(ctx Context, limit int) ([]DlqEntry, error)
}

// TxRunner is the transactional unit-of-work: fn runs inside a database
// transaction committed on success and rolled back on error or panic.
// Nested invocations join the ambient transaction.
type TxRunner interface {
	WithinTx(ctx Context, fn func(ctx Context) error) error
}

// CommandBus accepts a command for reliable dispatch: one atomic pair of a
// PENDING command row and a NEW outbox row, co-committed with the caller's
// unit-of-work.
type CommandBus interface {
	Accept(ctx Context, name, idempotencyKey, businessKey string, payload map[string]any, headers map[string]string) (uuid.UUID, error)
}

// TransportPublisher sends a claimed outbox row over the message bus.
type TransportPublisher interface {
	Publish(ctx Context, row OutboxRow) error
}

// ReplyHandler consumes correlated replies; implemented by the process
// manager, called by the reply intake and the recovery loop.
type ReplyHandler interface {
	HandleReply(ctx Context, correlationID, commandID uuid.UUID, reply Reply) error
}

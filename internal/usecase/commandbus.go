// Package usecase implements the orchestration core: the process manager
// driving process graphs, and the command bus providing reliable command
// dispatch through the registry and the transactional outbox.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// Bus accepts commands for reliable delivery. Accept writes one command
// registry row and one outbox row; both ride the caller's unit-of-work, so
// either the whole state change commits or none of it does.
type Bus struct {
	commands domain.CommandRepository
	outbox   domain.OutboxRepository
	naming   domain.QueueNaming
	log      *slog.Logger
}

// NewBus wires a command bus.
func NewBus(commands domain.CommandRepository, outbox domain.OutboxRepository, naming domain.QueueNaming, log *slog.Logger) *Bus {
	return &Bus{commands: commands, outbox: outbox, naming: naming, log: log}
}

// Accept registers a command and enqueues its envelope. An idempotency key
// that was already accepted is a permanent error; retried dispatches vary
// the key per attempt.
func (b *Bus) Accept(ctx domain.Context, name, idempotencyKey, businessKey string, payload map[string]any, headers map[string]string) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("op=bus.accept: %w", domain.Permanent(err))
	}

	correlationID := uuid.Nil
	if raw := headers[domain.HeaderCorrelationID]; raw != "" {
		correlationID, err = uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("op=bus.accept: correlationId %q: %w", raw, domain.Permanent(err))
		}
	}
	replyTo := headers[domain.HeaderReplyTo]
	if replyTo == "" {
		replyTo = b.naming.ReplyTopic()
	}

	hints, err := json.Marshal(domain.ReplyHints{CorrelationID: correlationID, ReplyTo: replyTo})
	if err != nil {
		return uuid.Nil, fmt.Errorf("op=bus.accept: %w", domain.Permanent(err))
	}

	now := time.Now().UTC()
	cmd := domain.Command{
		ID:             uuid.New(),
		Name:           name,
		BusinessKey:    businessKey,
		Payload:        body,
		IdempotencyKey: idempotencyKey,
		Status:         domain.CommandPending,
		RequestedAt:    now,
		UpdatedAt:      now,
		Reply:          hints,
	}
	if err := b.commands.Insert(ctx, cmd); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			b.log.WarnContext(ctx, "command rejected, idempotency key already accepted",
				slog.String("command_name", name),
				slog.String("idempotency_key", idempotencyKey))
			return uuid.Nil, fmt.Errorf("op=bus.accept: idempotency key %q: %w", idempotencyKey, err)
		}
		return uuid.Nil, err
	}

	env := domain.Envelope{
		MessageID:     uuid.New(),
		Category:      domain.CategoryCommand,
		Type:          name,
		CommandID:     cmd.ID,
		CorrelationID: correlationID,
		CreatedAt:     now,
		BusinessKey:   businessKey,
		Headers:       map[string]string{},
		Payload:       body,
	}
	for k, v := range headers {
		env.Headers[k] = v
	}
	env.Headers[domain.HeaderCommandID] = cmd.ID.String()
	env.Headers[domain.HeaderCommandName] = name
	env.Headers[domain.HeaderBusinessKey] = businessKey
	env.Headers[domain.HeaderIdempotencyKey] = idempotencyKey
	env.Headers[domain.HeaderReplyTo] = replyTo

	wire, err := json.Marshal(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("op=bus.accept: %w", domain.Permanent(err))
	}
	row := domain.OutboxRow{
		ID:        env.MessageID,
		Category:  domain.CategoryCommand,
		Topic:     b.naming.CommandTopic(name),
		Key:       businessKey,
		Type:      name,
		Payload:   wire,
		Headers:   env.Headers,
		CreatedAt: now,
	}
	if err := b.outbox.Append(ctx, row); err != nil {
		return uuid.Nil, err
	}

	b.log.InfoContext(ctx, "command accepted",
		slog.String("command_name", name),
		slog.String("command_id", cmd.ID.String()),
		slog.String("topic", row.Topic),
		slog.String("business_key", businessKey))
	return cmd.ID, nil
}

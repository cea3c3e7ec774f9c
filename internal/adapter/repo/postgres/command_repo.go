package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// CommandRepo is the command registry. The unique index on idempotency_key
// is the single source of truth for "this command already exists"; the
// repository never emulates it with read-then-write.
type CommandRepo struct{ Pool Querier }

// NewCommandRepo constructs a CommandRepo with the given pool.
func NewCommandRepo(p Querier) *CommandRepo { return &CommandRepo{Pool: p} }

const commandColumns = `id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries, processing_lease_until, COALESCE(last_error,''), reply`

// Insert stores a PENDING command. An idempotency-key collision surfaces
// as a permanent conflict.
func (r *CommandRepo) Insert(ctx domain.Context, c domain.Command) error {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.Insert")
	defer span.End()
	q := `INSERT INTO command (id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries, reply)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, c.ID, c.Name, c.BusinessKey, c.Payload, c.IdempotencyKey, c.Status, c.RequestedAt, c.UpdatedAt, c.Retries, c.Reply)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=command.insert: idempotency key %q: %w", c.IdempotencyKey, domain.Permanent(domain.ErrConflict))
		}
		return fmt.Errorf("op=command.insert: %w", AsFault(err))
	}
	return nil
}

// MarkRunning transitions a command to RUNNING under a processing lease.
func (r *CommandRepo) MarkRunning(ctx domain.Context, id uuid.UUID, leaseUntil time.Time) error {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.MarkRunning")
	defer span.End()
	q := `UPDATE command SET status=$2, processing_lease_until=$3, updated_at=$4 WHERE id=$1`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, id, domain.CommandRunning, leaseUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=command.mark_running: %w", AsFault(err))
	}
	return nil
}

// MarkTerminal records a terminal status and optional error.
func (r *CommandRepo) MarkTerminal(ctx domain.Context, id uuid.UUID, status domain.CommandStatus, errMsg string) error {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.MarkTerminal")
	defer span.End()
	q := `UPDATE command SET status=$2, last_error=$3, processing_lease_until=NULL, updated_at=$4 WHERE id=$1`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, id, status, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=command.mark_terminal: %w", AsFault(err))
	}
	return nil
}

func scanCommand(row pgx.Row) (domain.Command, error) {
	var c domain.Command
	if err := row.Scan(&c.ID, &c.Name, &c.BusinessKey, &c.Payload, &c.IdempotencyKey, &c.Status, &c.RequestedAt, &c.UpdatedAt, &c.Retries, &c.ProcessingLeaseUntil, &c.LastError, &c.Reply); err != nil {
		return domain.Command{}, err
	}
	return c, nil
}

// FindByID loads one command.
func (r *CommandRepo) FindByID(ctx domain.Context, id uuid.UUID) (domain.Command, error) {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.FindByID")
	defer span.End()
	q := `SELECT ` + commandColumns + ` FROM command WHERE id=$1`
	c, err := scanCommand(querierFrom(ctx, r.Pool).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.find: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.find: %w", AsFault(err))
	}
	return c, nil
}

// FindByIdempotencyKey loads a command by its idempotency key.
func (r *CommandRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Command, error) {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + commandColumns + ` FROM command WHERE idempotency_key=$1`
	c, err := scanCommand(querierFrom(ctx, r.Pool).QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", AsFault(err))
	}
	return c, nil
}

// ExpireLeases transitions RUNNING commands whose lease lapsed to
// TIMED_OUT and returns them so the recovery loop can synthesize replies.
func (r *CommandRepo) ExpireLeases(ctx domain.Context, now time.Time) ([]domain.Command, error) {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.ExpireLeases")
	defer span.End()
	q := `UPDATE command SET status=$1, last_error=$2, updated_at=$3
	      WHERE status=$4 AND processing_lease_until IS NOT NULL AND processing_lease_until < $3
	      RETURNING ` + commandColumns
	rows, err := querierFrom(ctx, r.Pool).Query(ctx, q, domain.CommandTimedOut, "Lease expired", now, domain.CommandRunning)
	if err != nil {
		return nil, fmt.Errorf("op=command.expire_leases: %w", AsFault(err))
	}
	defer rows.Close()
	var out []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("op=command.expire_leases: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=command.expire_leases: %w", AsFault(err))
	}
	return out, nil
}

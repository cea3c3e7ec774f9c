package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// DLQRepo parks permanently failed commands for operator review.
type DLQRepo struct{ Pool Querier }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p Querier) *DLQRepo { return &DLQRepo{Pool: p} }

// Park appends one entry.
func (r *DLQRepo) Park(ctx domain.Context, e domain.DlqEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Park")
	defer span.End()
	q := `INSERT INTO command_dlq (id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, e.ID, e.CommandID, e.CommandName, e.BusinessKey, e.Payload, e.FailedStatus, e.ErrorClass, e.ErrorMessage, e.Attempts, e.ParkedBy, e.ParkedAt)
	if err != nil {
		return fmt.Errorf("op=dlq.park: %w", AsFault(err))
	}
	return nil
}

// List returns the most recently parked entries.
func (r *DLQRepo) List(ctx domain.Context, limit int) ([]domain.DlqEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()
	q := `SELECT id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at
	      FROM command_dlq ORDER BY parked_at DESC LIMIT $1`
	rows, err := querierFrom(ctx, r.Pool).Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", AsFault(err))
	}
	defer rows.Close()
	var out []domain.DlqEntry
	for rows.Next() {
		var e domain.DlqEntry
		if err := rows.Scan(&e.ID, &e.CommandID, &e.CommandName, &e.BusinessKey, &e.Payload, &e.FailedStatus, &e.ErrorClass, &e.ErrorMessage, &e.Attempts, &e.ParkedBy, &e.ParkedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", AsFault(err))
	}
	return out, nil
}

package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// ProcessRepo persists process instances and their append-only event log.
type ProcessRepo struct{ Pool Querier }

// NewProcessRepo constructs a ProcessRepo with the given pool.
func NewProcessRepo(p Querier) *ProcessRepo { return &ProcessRepo{Pool: p} }

const processColumns = `process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at`

// Insert stores a new instance.
func (r *ProcessRepo) Insert(ctx domain.Context, p domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Insert")
	defer span.End()
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("op=process.insert: %w", domain.Permanent(err))
	}
	q := `INSERT INTO process (` + processColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = querierFrom(ctx, r.Pool).Exec(ctx, q, p.ProcessID, p.ProcessType, p.BusinessKey, p.Status, p.CurrentStep, data, p.Retries, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=process.insert: %w", AsFault(err))
	}
	return nil
}

// Update rewrites the mutable columns of an instance snapshot.
func (r *ProcessRepo) Update(ctx domain.Context, p domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Update")
	defer span.End()
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("op=process.update: %w", domain.Permanent(err))
	}
	q := `UPDATE process SET status=$2, current_step=$3, data=$4, retries=$5, updated_at=$6 WHERE process_id=$1`
	tag, err := querierFrom(ctx, r.Pool).Exec(ctx, q, p.ProcessID, p.Status, p.CurrentStep, data, p.Retries, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=process.update: %w", AsFault(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=process.update: %w", domain.ErrNotFound)
	}
	return nil
}

func scanProcess(row pgx.Row) (domain.ProcessInstance, error) {
	var p domain.ProcessInstance
	var data []byte
	if err := row.Scan(&p.ProcessID, &p.ProcessType, &p.BusinessKey, &p.Status, &p.CurrentStep, &data, &p.Retries, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.ProcessInstance{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p.Data); err != nil {
			return domain.ProcessInstance{}, err
		}
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	return p, nil
}

// FindByID loads one instance.
func (r *ProcessRepo) FindByID(ctx domain.Context, id uuid.UUID) (domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.FindByID")
	defer span.End()
	q := `SELECT ` + processColumns + ` FROM process WHERE process_id=$1`
	p, err := scanProcess(querierFrom(ctx, r.Pool).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessInstance{}, fmt.Errorf("op=process.find: %w", domain.ErrNotFound)
		}
		return domain.ProcessInstance{}, fmt.Errorf("op=process.find: %w", AsFault(err))
	}
	return p, nil
}

func (r *ProcessRepo) findAll(ctx domain.Context, op, where string, args ...any) ([]domain.ProcessInstance, error) {
	q := `SELECT ` + processColumns + ` FROM process WHERE ` + where + ` ORDER BY created_at`
	rows, err := querierFrom(ctx, r.Pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, AsFault(err))
	}
	defer rows.Close()
	var out []domain.ProcessInstance
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, AsFault(err))
	}
	return out, nil
}

// FindByBusinessKey lists instances sharing a business key.
func (r *ProcessRepo) FindByBusinessKey(ctx domain.Context, key string) ([]domain.ProcessInstance, error) {
	return r.findAll(ctx, "process.find_business_key", "business_key=$1", key)
}

// FindByStatus lists instances in a status.
func (r *ProcessRepo) FindByStatus(ctx domain.Context, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	return r.findAll(ctx, "process.find_status", "status=$1", status)
}

// FindByTypeAndStatus lists instances of one type in a status.
func (r *ProcessRepo) FindByTypeAndStatus(ctx domain.Context, processType string, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	return r.findAll(ctx, "process.find_type_status", "process_type=$1 AND status=$2", processType, status)
}

// Log appends one event. The per-process sequence is derived inside the
// statement; callers hold the instance row in the same transaction, which
// serializes appends per process.
func (r *ProcessRepo) Log(ctx domain.Context, processID uuid.UUID, event domain.ProcessEvent) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Log")
	defer span.End()
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=process.log: %w", domain.Permanent(err))
	}
	q := `INSERT INTO process_log (process_id, sequence, ts, event)
	      SELECT $1, COALESCE(MAX(sequence),0)+1, $2, $3 FROM process_log WHERE process_id=$1`
	_, err = querierFrom(ctx, r.Pool).Exec(ctx, q, processID, time.Now().UTC(), payload)
	if err != nil {
		return fmt.Errorf("op=process.log: %w", AsFault(err))
	}
	return nil
}

// Events loads the full log of a process ordered by sequence.
func (r *ProcessRepo) Events(ctx domain.Context, processID uuid.UUID) ([]domain.ProcessLogEntry, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Events")
	defer span.End()
	q := `SELECT process_id, sequence, ts, event FROM process_log WHERE process_id=$1 ORDER BY sequence`
	rows, err := querierFrom(ctx, r.Pool).Query(ctx, q, processID)
	if err != nil {
		return nil, fmt.Errorf("op=process.events: %w", AsFault(err))
	}
	defer rows.Close()
	var out []domain.ProcessLogEntry
	for rows.Next() {
		var e domain.ProcessLogEntry
		var payload []byte
		if err := rows.Scan(&e.ProcessID, &e.Sequence, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("op=process.events: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("op=process.events: %w", domain.Permanent(err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=process.events: %w", AsFault(err))
	}
	return out, nil
}

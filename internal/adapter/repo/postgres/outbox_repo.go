package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// OutboxRepo is the transactional queue of outbound envelopes. The index
// on (status, COALESCE(next_at,'epoch'), created_at) carries the sweep.
type OutboxRepo struct {
	Pool Querier
	// ClaimTimeout is how long a CLAIMED row may sit before a sweep may
	// steal it back. Defaults to 5 minutes.
	ClaimTimeout time.Duration
}

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p Querier) *OutboxRepo {
	return &OutboxRepo{Pool: p, ClaimTimeout: 5 * time.Minute}
}

const outboxColumns = `id, category, topic, key, type, payload, headers, status, attempts, next_at, COALESCE(claimed_by,''), created_at, published_at, COALESCE(last_error,'')`

// Append enqueues a row inside the ambient unit-of-work; it becomes
// visible to sweepers only after the caller commits.
func (r *OutboxRepo) Append(ctx domain.Context, row domain.OutboxRow) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Append")
	defer span.End()
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("op=outbox.append: %w", domain.Permanent(err))
	}
	q := `INSERT INTO outbox (id, category, topic, key, type, payload, headers, status, attempts, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = querierFrom(ctx, r.Pool).Exec(ctx, q, row.ID, row.Category, row.Topic, row.Key, row.Type, row.Payload, headers, domain.OutboxNew, 0, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=outbox.append: %w", AsFault(err))
	}
	return nil
}

func scanOutbox(row pgx.Row) (domain.OutboxRow, error) {
	var o domain.OutboxRow
	var headers []byte
	if err := row.Scan(&o.ID, &o.Category, &o.Topic, &o.Key, &o.Type, &o.Payload, &headers, &o.Status, &o.Attempts, &o.NextAt, &o.ClaimedBy, &o.CreatedAt, &o.PublishedAt, &o.LastError); err != nil {
		return domain.OutboxRow{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &o.Headers); err != nil {
			return domain.OutboxRow{}, err
		}
	}
	return o, nil
}

// ClaimIfNew atomically transitions one NEW row to CLAIMED. The second
// return is false when the row was not NEW.
func (r *OutboxRepo) ClaimIfNew(ctx domain.Context, id uuid.UUID, claimer string) (domain.OutboxRow, bool, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ClaimIfNew")
	defer span.End()
	q := `UPDATE outbox SET status=$3, claimed_by=$2 WHERE id=$1 AND status=$4 RETURNING ` + outboxColumns
	row, err := scanOutbox(querierFrom(ctx, r.Pool).QueryRow(ctx, q, id, claimer, domain.OutboxClaimed, domain.OutboxNew))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxRow{}, false, nil
		}
		return domain.OutboxRow{}, false, fmt.Errorf("op=outbox.claim: %w", AsFault(err))
	}
	return row, true, nil
}

// Sweep claims up to max visible rows in one statement. Skip-locked
// selection keeps concurrent sweepers on disjoint sets; CLAIMED rows older
// than the claim timeout are eligible again. Rows come back FIFO by
// created_at.
func (r *OutboxRepo) Sweep(ctx domain.Context, max int, claimer string) ([]domain.OutboxRow, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Sweep")
	defer span.End()
	timeout := r.ClaimTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	q := `WITH picked AS (
	        SELECT id FROM outbox
	        WHERE (status = ANY($3) AND (next_at IS NULL OR next_at <= now()))
	           OR (status = $4 AND created_at < now() - $5::interval)
	        ORDER BY created_at
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED
	      )
	      UPDATE outbox o SET status=$4, claimed_by=$2
	      FROM picked WHERE o.id = picked.id
	      RETURNING ` + outboxColumns
	claimable := []string{string(domain.OutboxNew), string(domain.OutboxFailed)}
	rows, err := querierFrom(ctx, r.Pool).Query(ctx, q, max, claimer, claimable, domain.OutboxClaimed, timeout.String())
	if err != nil {
		return nil, fmt.Errorf("op=outbox.sweep: %w", AsFault(err))
	}
	defer rows.Close()
	var out []domain.OutboxRow
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.sweep: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.sweep: %w", AsFault(err))
	}
	// UPDATE ... RETURNING does not preserve the CTE ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkPublished finishes a row's lifecycle.
func (r *OutboxRepo) MarkPublished(ctx domain.Context, id uuid.UUID) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkPublished")
	defer span.End()
	q := `UPDATE outbox SET status=$2, published_at=$3 WHERE id=$1`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxPublished, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", AsFault(err))
	}
	return nil
}

// Reschedule pushes a row's next attempt out by backoff and increments its
// attempt counter; the claim path never touches the counter.
func (r *OutboxRepo) Reschedule(ctx domain.Context, id uuid.UUID, backoff time.Duration, errMsg string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Reschedule")
	defer span.End()
	q := `UPDATE outbox SET status=$2, next_at=$3, attempts=attempts+1, claimed_by=NULL, last_error=$4 WHERE id=$1`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxNew, time.Now().UTC().Add(backoff), errMsg)
	if err != nil {
		return fmt.Errorf("op=outbox.reschedule: %w", AsFault(err))
	}
	return nil
}

// MarkFailed parks a row in FAILED with a retry horizon; the sweeper picks
// it up again once next_at passes.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()
	q := `UPDATE outbox SET status=$2, next_at=$3, attempts=attempts+1, claimed_by=NULL, last_error=$4 WHERE id=$1`
	_, err := querierFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxFailed, nextAttempt, errMsg)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", AsFault(err))
	}
	return nil
}

// RecoverStuck resets CLAIMED rows older than the horizon back to NEW and
// returns how many it reset.
func (r *OutboxRepo) RecoverStuck(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.RecoverStuck")
	defer span.End()
	q := `UPDATE outbox SET status=$1, claimed_by=NULL, next_at=NULL WHERE status=$2 AND created_at < now() - $3::interval`
	tag, err := querierFrom(ctx, r.Pool).Exec(ctx, q, domain.OutboxNew, domain.OutboxClaimed, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.recover_stuck: %w", AsFault(err))
	}
	return int(tag.RowsAffected()), nil
}

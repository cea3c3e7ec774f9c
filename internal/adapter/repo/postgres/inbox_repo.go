package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// InboxRepo deduplicates inbound messages per (message_id, handler).
type InboxRepo struct{ Pool Querier }

// NewInboxRepo constructs an InboxRepo with the given pool.
func NewInboxRepo(p Querier) *InboxRepo { return &InboxRepo{Pool: p} }

// MarkIfAbsent conditionally records the pair; a zero rows-affected count
// means some earlier delivery already claimed it.
func (r *InboxRepo) MarkIfAbsent(ctx domain.Context, messageID uuid.UUID, handler string) (bool, error) {
	tracer := otel.Tracer("repo.inbox")
	ctx, span := tracer.Start(ctx, "inbox.MarkIfAbsent")
	defer span.End()
	q := `INSERT INTO inbox (message_id, handler, processed_at) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`
	tag, err := querierFrom(ctx, r.Pool).Exec(ctx, q, messageID, handler, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=inbox.mark: %w", AsFault(err))
	}
	return tag.RowsAffected() == 1, nil
}

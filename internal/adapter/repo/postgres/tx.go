package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

type txKey struct{}

// TxManager implements domain.TxRunner over a pgx pool. The open
// transaction travels in the context; nested WithinTx calls join it, so a
// unit-of-work commits exactly once at the outermost boundary.
type TxManager struct {
	pool beginner
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewTxManager constructs a TxManager over the given pool.
func NewTxManager(pool beginner) *TxManager { return &TxManager{pool: pool} }

// WithinTx runs fn inside a transaction: commit on normal return, rollback
// on error or panic. A panic is re-raised after rollback.
func (m *TxManager) WithinTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=tx.begin: %w", err)
	}
	ctx = context.WithValue(ctx, txKey{}, tx)

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tx.commit: %w", err)
	}
	done = true
	return nil
}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// querierFrom returns the ambient transaction when one is open, otherwise
// the repository's own pool.
func querierFrom(ctx context.Context, fallback Querier) Querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return fallback
}

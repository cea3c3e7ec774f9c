package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

func newTestBus() (*Bus, *memCommandRepo, *memOutboxRepo) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	naming := domain.QueueNaming{CommandPrefix: "APP.CMD.", QueueSuffix: ".Q"}
	cmds := newMemCommandRepo()
	outbox := &memOutboxRepo{}
	return NewBus(cmds, outbox, naming, log), cmds, outbox
}

func TestBus_AcceptPairsCommandAndOutboxRow(t *testing.T) {
	bus, cmds, outbox := newTestBus()
	ctx := context.Background()
	correlationID := uuid.New()

	id, err := bus.Accept(ctx, "ReserveCredit", "proc:ReserveCredit", "order-1",
		map[string]any{"amount": 42},
		map[string]string{domain.HeaderCorrelationID: correlationID.String()})
	require.NoError(t, err)

	cmd, err := cmds.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandPending, cmd.Status)
	assert.Equal(t, "ReserveCredit", cmd.Name)
	assert.Equal(t, "proc:ReserveCredit", cmd.IdempotencyKey)

	var hints domain.ReplyHints
	require.NoError(t, json.Unmarshal(cmd.Reply, &hints))
	assert.Equal(t, correlationID, hints.CorrelationID)
	assert.Equal(t, domain.DefaultReplyQueue, hints.ReplyTo)

	require.Equal(t, 1, outbox.count())
	row := outbox.rows[0]
	assert.Equal(t, "APP.CMD.RESERVECREDIT.Q", row.Topic)
	assert.Equal(t, domain.CategoryCommand, row.Category)
	assert.Equal(t, "order-1", row.Key)
	assert.Equal(t, id.String(), row.Headers[domain.HeaderCommandID])
	assert.Equal(t, correlationID.String(), row.Headers[domain.HeaderCorrelationID])

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(row.Payload, &env))
	assert.Equal(t, domain.CategoryCommand, env.Category)
	assert.Equal(t, "ReserveCredit", env.Type)
	assert.Equal(t, id, env.CommandID)
	assert.Equal(t, correlationID, env.CorrelationID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, float64(42), payload["amount"])
}

func TestBus_AcceptRejectsDuplicateKey(t *testing.T) {
	bus, cmds, outbox := newTestBus()
	ctx := context.Background()

	_, err := bus.Accept(ctx, "ReserveCredit", "same-key", "bk", nil, nil)
	require.NoError(t, err)
	_, err = bus.Accept(ctx, "ReserveCredit", "same-key", "bk", nil, nil)
	require.Error(t, err)

	assert.True(t, domain.IsPermanent(err), "key collision is a permanent error")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, cmds.count(), "collision registers nothing")
	assert.Equal(t, 1, outbox.count(), "collision enqueues nothing")
}

func TestBus_AcceptRejectsBadCorrelation(t *testing.T) {
	bus, _, _ := newTestBus()
	_, err := bus.Accept(context.Background(), "X", "k", "bk", nil,
		map[string]string{domain.HeaderCorrelationID: "not-a-uuid"})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

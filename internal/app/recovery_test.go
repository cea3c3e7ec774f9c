package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// recordingTxRunner runs fn directly and tracks whether a unit-of-work
// ended in rollback.
type recordingTxRunner struct {
	calls      int
	rolledBack bool
}

func (r *recordingTxRunner) WithinTx(ctx domain.Context, fn func(domain.Context) error) error {
	r.calls++
	err := fn(ctx)
	if err != nil {
		r.rolledBack = true
	}
	return err
}

type capturedReply struct {
	correlationID uuid.UUID
	commandID     uuid.UUID
	reply         domain.Reply
}

type fakeHandler struct {
	err     error
	replies []capturedReply
}

func (h *fakeHandler) HandleReply(_ domain.Context, correlationID, commandID uuid.UUID, reply domain.Reply) error {
	if h.err != nil {
		return h.err
	}
	h.replies = append(h.replies, capturedReply{correlationID, commandID, reply})
	return nil
}

func expiredCommand(t *testing.T, correlationID uuid.UUID) domain.Command {
	t.Helper()
	hints, err := json.Marshal(domain.ReplyHints{CorrelationID: correlationID, ReplyTo: domain.DefaultReplyQueue})
	require.NoError(t, err)
	return domain.Command{
		ID:     uuid.New(),
		Name:   "ReserveCredit",
		Status: domain.CommandTimedOut,
		Reply:  hints,
	}
}

func newTestRecovery(outbox *fakeOutbox, cmds *fakeCommands, handler *fakeHandler, tx *recordingTxRunner) *Recovery {
	return NewRecovery(outbox, cmds, handler, tx, time.Minute, time.Minute, discardLogger())
}

func TestRecovery_ExpiredLeaseSynthesizesTimeoutReply(t *testing.T) {
	correlationID := uuid.New()
	cmd := expiredCommand(t, correlationID)
	cmds := newFakeCommands()
	cmds.expired = []domain.Command{cmd}
	handler := &fakeHandler{}
	tx := &recordingTxRunner{}
	r := newTestRecovery(newFakeOutbox(), cmds, handler, tx)

	r.sweepOnce(context.Background())

	require.Len(t, handler.replies, 1)
	got := handler.replies[0]
	assert.Equal(t, correlationID, got.correlationID)
	assert.Equal(t, cmd.ID, got.commandID)
	assert.Equal(t, domain.ReplyCommandTimedOut, got.reply.Type)
	assert.Equal(t, "Lease expired", got.reply.Error)
	assert.False(t, tx.rolledBack)
}

func TestRecovery_ExpiryAndReplyShareOneUnitOfWork(t *testing.T) {
	cmds := newFakeCommands()
	cmds.expired = []domain.Command{expiredCommand(t, uuid.New())}
	handler := &fakeHandler{err: errors.New("db busy")}
	tx := &recordingTxRunner{}
	r := newTestRecovery(newFakeOutbox(), cmds, handler, tx)

	r.sweepOnce(context.Background())

	// A failed reply rolls the whole expiry back; the next sweep sees the
	// lease again instead of a terminal command with no reply delivered.
	assert.Equal(t, 1, tx.calls)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, handler.replies)
}

func TestRecovery_CommandWithoutCorrelationIsSkipped(t *testing.T) {
	cmds := newFakeCommands()
	cmds.expired = []domain.Command{{ID: uuid.New(), Name: "Orphan"}}
	handler := &fakeHandler{}
	tx := &recordingTxRunner{}
	r := newTestRecovery(newFakeOutbox(), cmds, handler, tx)

	r.sweepOnce(context.Background())

	assert.Empty(t, handler.replies)
	assert.False(t, tx.rolledBack, "nothing to deliver still commits the expiry")
}

func TestRecovery_UnreadableHintsDoNotStopTheSweep(t *testing.T) {
	correlationID := uuid.New()
	broken := domain.Command{ID: uuid.New(), Name: "Broken", Reply: json.RawMessage(`{not json`)}
	good := expiredCommand(t, correlationID)
	cmds := newFakeCommands()
	cmds.expired = []domain.Command{broken, good}
	handler := &fakeHandler{}
	r := newTestRecovery(newFakeOutbox(), cmds, handler, &recordingTxRunner{})

	r.sweepOnce(context.Background())

	require.Len(t, handler.replies, 1)
	assert.Equal(t, good.ID, handler.replies[0].commandID)
}

func TestRecovery_StuckClaimsAreCounted(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.recovered = 3
	r := newTestRecovery(outbox, newFakeCommands(), &fakeHandler{}, &recordingTxRunner{})

	assert.NotPanics(t, func() { r.sweepOnce(context.Background()) })
}

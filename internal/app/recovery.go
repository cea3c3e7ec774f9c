package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// Recovery heals the two ways delivery can stall: outbox rows stuck in
// CLAIMED after a dispatcher crash, and RUNNING commands whose processing
// lease lapsed without a reply. Expired leases turn into synthetic
// timed-out replies so the owning process moves instead of hanging. Lease
// expiry and reply synthesis commit in one unit-of-work; a failed reply
// rolls the expiry back, so the next sweep sees the lease again.
type Recovery struct {
	outbox   domain.OutboxRepository
	commands domain.CommandRepository
	handler  domain.ReplyHandler
	tx       domain.TxRunner

	interval time.Duration
	claimAge time.Duration
	log      *slog.Logger
}

// NewRecovery wires a recovery sweeper.
func NewRecovery(
	outbox domain.OutboxRepository,
	commands domain.CommandRepository,
	handler domain.ReplyHandler,
	tx domain.TxRunner,
	interval, claimAge time.Duration,
	log *slog.Logger,
) *Recovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if claimAge <= 0 {
		claimAge = 5 * time.Minute
	}
	return &Recovery{
		outbox:   outbox,
		commands: commands,
		handler:  handler,
		tx:       tx,
		interval: interval,
		claimAge: claimAge,
		log:      log,
	}
}

// Run blocks until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "recovery sweeper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Recovery) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.recovery")
	ctx, span := tracer.Start(ctx, "Recovery.sweepOnce")
	defer span.End()

	recovered, err := r.outbox.RecoverStuck(ctx, r.claimAge)
	if err != nil {
		span.RecordError(err)
		r.log.ErrorContext(ctx, "stuck claim recovery failed", slog.Any("error", err))
	} else if recovered > 0 {
		observability.StuckClaimsRecovered(recovered)
		r.log.InfoContext(ctx, "stuck outbox claims recovered", slog.Int("count", recovered))
	}

	var expired int
	err = r.tx.WithinTx(ctx, func(ctx domain.Context) error {
		commands, err := r.commands.ExpireLeases(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		expired = len(commands)
		for _, cmd := range commands {
			if err := r.expireCommand(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		r.log.ErrorContext(ctx, "lease expiry failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int("outbox.recovered", recovered),
		attribute.Int("commands.expired", expired),
	)
	if expired > 0 {
		observability.LeasesExpired(expired)
	}
}

// expireCommand turns one expired command into a synthetic timed-out reply
// for its owning process. Commands without readable routing hints are
// expired without a reply; there is nowhere to deliver one.
func (r *Recovery) expireCommand(ctx domain.Context, cmd domain.Command) error {
	var hints domain.ReplyHints
	if len(cmd.Reply) > 0 {
		if err := json.Unmarshal(cmd.Reply, &hints); err != nil {
			r.log.ErrorContext(ctx, "command reply hints unreadable",
				slog.String("command_id", cmd.ID.String()),
				slog.Any("error", err))
			return nil
		}
	}
	if hints.CorrelationID == uuid.Nil {
		r.log.WarnContext(ctx, "expired command has no correlation",
			slog.String("command_id", cmd.ID.String()),
			slog.String("command_name", cmd.Name))
		return nil
	}
	r.log.WarnContext(ctx, "command lease expired, synthesizing timeout reply",
		slog.String("command_id", cmd.ID.String()),
		slog.String("command_name", cmd.Name),
		slog.String("process_id", hints.CorrelationID.String()))
	reply := domain.Reply{Type: domain.ReplyCommandTimedOut, Error: "Lease expired"}
	return r.handler.HandleReply(ctx, hints.CorrelationID, cmd.ID, reply)
}

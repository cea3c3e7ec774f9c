// Package app hosts the background loops of the orchestrator: the outbox
// dispatcher pumping envelopes onto the bus and the recovery sweeper
// healing stuck claims and expired command leases.
package app

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// Dispatcher drains the outbox. Each worker sweeps and publishes its own
// batches; skip-locked claiming keeps concurrent workers on disjoint rows,
// so adding workers never double-publishes.
type Dispatcher struct {
	outbox    domain.OutboxRepository
	commands  domain.CommandRepository
	publisher domain.TransportPublisher

	workers   int
	batchSize int
	interval  time.Duration
	leaseTTL  time.Duration
	claimer   string
	log       *slog.Logger
}

// NewDispatcher wires a dispatcher with a fresh claimer identity.
func NewDispatcher(
	outbox domain.OutboxRepository,
	commands domain.CommandRepository,
	publisher domain.TransportPublisher,
	workers, batchSize int,
	interval, leaseTTL time.Duration,
	log *slog.Logger,
) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Dispatcher{
		outbox:    outbox,
		commands:  commands,
		publisher: publisher,
		workers:   workers,
		batchSize: batchSize,
		interval:  interval,
		leaseTTL:  leaseTTL,
		claimer:   ulid.Make().String(),
		log:       log,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.InfoContext(ctx, "outbox dispatcher starting",
		slog.String("claimer", d.claimer),
		slog.Int("workers", d.workers),
		slog.Int("batch_size", d.batchSize))
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	d.log.InfoContext(ctx, "outbox dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	claimer := d.claimer + "-w" + strconv.Itoa(id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.sweepOnce(ctx, claimer)
		if err != nil {
			d.log.ErrorContext(ctx, "outbox sweep failed",
				slog.String("claimer", claimer),
				slog.Any("error", err))
		}
		// A full batch suggests backlog; sweep again immediately.
		if err == nil && n >= d.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.interval):
		}
	}
}

// sweepOnce claims one batch and publishes each row in claim order.
func (d *Dispatcher) sweepOnce(ctx context.Context, claimer string) (int, error) {
	tracer := otel.Tracer("app.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.sweepOnce")
	defer span.End()

	rows, err := d.outbox.Sweep(ctx, d.batchSize, claimer)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(rows)))
	observability.SweepBatch(len(rows))

	for _, row := range rows {
		d.publishRow(ctx, row)
	}
	return len(rows), nil
}

func (d *Dispatcher) publishRow(ctx context.Context, row domain.OutboxRow) {
	err := d.publisher.Publish(ctx, row)
	if err == nil {
		if markErr := d.outbox.MarkPublished(ctx, row.ID); markErr != nil {
			// The row stays CLAIMED and is retried after the claim timeout;
			// consumers dedup the repeat via the inbox.
			d.log.ErrorContext(ctx, "mark published failed",
				slog.String("outbox_id", row.ID.String()),
				slog.Any("error", markErr))
			return
		}
		d.startCommandLease(ctx, row)
		return
	}

	observability.PublishFailed(row.Topic)
	backoff := publishBackoff(row.Attempts)
	if domain.IsPermanent(err) {
		d.log.ErrorContext(ctx, "publish failed permanently",
			slog.String("outbox_id", row.ID.String()),
			slog.String("topic", row.Topic),
			slog.Any("error", err))
		if failErr := d.outbox.MarkFailed(ctx, row.ID, err.Error(), time.Now().UTC().Add(backoff)); failErr != nil {
			d.log.ErrorContext(ctx, "mark failed failed", slog.String("outbox_id", row.ID.String()), slog.Any("error", failErr))
		}
		return
	}
	d.log.WarnContext(ctx, "publish failed, rescheduling",
		slog.String("outbox_id", row.ID.String()),
		slog.String("topic", row.Topic),
		slog.Int("attempts", row.Attempts),
		slog.Duration("backoff", backoff),
		slog.Any("error", err))
	if resErr := d.outbox.Reschedule(ctx, row.ID, backoff, err.Error()); resErr != nil {
		d.log.ErrorContext(ctx, "reschedule failed", slog.String("outbox_id", row.ID.String()), slog.Any("error", resErr))
	}
}

// startCommandLease moves a just-published command to RUNNING under a
// processing lease; the recovery loop times it out if no reply lands.
func (d *Dispatcher) startCommandLease(ctx context.Context, row domain.OutboxRow) {
	if row.Category != domain.CategoryCommand {
		return
	}
	raw := row.Headers[domain.HeaderCommandID]
	commandID, err := uuid.Parse(raw)
	if err != nil {
		d.log.WarnContext(ctx, "published command without valid commandId header",
			slog.String("outbox_id", row.ID.String()),
			slog.String("command_id", raw))
		return
	}
	if err := d.commands.MarkRunning(ctx, commandID, time.Now().UTC().Add(d.leaseTTL)); err != nil {
		d.log.ErrorContext(ctx, "mark running failed",
			slog.String("command_id", commandID.String()),
			slog.Any("error", err))
	}
}

const (
	publishBackoffBase = time.Second
	publishBackoffCap  = 30 * time.Second
)

// publishBackoff returns min(2^attempts × 1s, 30s) plus up to 10% jitter.
func publishBackoff(attempts int) time.Duration {
	backoff := publishBackoffCap
	if attempts < 5 {
		backoff = publishBackoffBase << uint(attempts)
	}
	if backoff > publishBackoffCap {
		backoff = publishBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	return backoff + jitter
}

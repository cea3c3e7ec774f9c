package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// replyHandlerName keys inbox dedup entries for this consumer.
const replyHandlerName = "reply_handler"

// ReplyConsumer reads the reply queue and feeds correlated replies to the
// process manager. Records fan out to a fixed worker pool; dedup, command
// terminal transition and reply handling commit in one unit-of-work, so a
// crashed handler leaves no inbox mark and the redelivery runs clean.
// Offsets are mark-committed only after that unit-of-work commits, so a
// failed record stays uncommitted and is redelivered.
type ReplyConsumer struct {
	client   *kgo.Client
	handler  domain.ReplyHandler
	inbox    domain.InboxRepository
	commands domain.CommandRepository
	tx       domain.TxRunner
	log      *slog.Logger

	topic   string
	groupID string
	workers int

	records  chan *kgo.Record
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewReplyConsumer connects a group consumer on the reply topic.
func NewReplyConsumer(
	brokers []string,
	groupID, topic string,
	workers int,
	handler domain.ReplyHandler,
	inbox domain.InboxRepository,
	commands domain.CommandRepository,
	tx domain.TxRunner,
	log *slog.Logger,
) (*ReplyConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if workers <= 0 {
		workers = 4
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(ctx, tempClient, topic, 1, 1); err != nil {
		slog.Warn("failed to create reply topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda reply consumer: %w", err)
	}

	slog.Info("redpanda reply consumer created",
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Int("workers", workers))
	return &ReplyConsumer{
		client:   client,
		handler:  handler,
		inbox:    inbox,
		commands: commands,
		tx:       tx,
		log:      log,
		topic:    topic,
		groupID:  groupID,
		workers:  workers,
		records:  make(chan *kgo.Record, workers*2),
		shutdown: make(chan struct{}),
	}, nil
}

// Start runs the worker pool and the poll loop until ctx is cancelled.
func (c *ReplyConsumer) Start(ctx context.Context) error {
	c.log.InfoContext(ctx, "reply consumer starting",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID))

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			close(c.shutdown)
			c.wg.Wait()
			return ctx.Err()
		default:
		}
		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.log.ErrorContext(ctx, "reply poll error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.records <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *ReplyConsumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdown:
			return
		case record := <-c.records:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				// Not marked: the offset stays uncommitted and the record
				// is redelivered.
				c.log.ErrorContext(ctx, "reply processing failed",
					slog.Int("worker_id", id),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				continue
			}
			c.client.MarkCommitRecords(record)
		case <-ctx.Done():
			return
		}
	}
}

// processRecord applies one reply. Malformed records are logged and dropped
// so a poison message cannot wedge the partition.
func (c *ReplyConsumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.reply")
	ctx, span := tracer.Start(ctx, "ProcessReply")
	defer span.End()

	var env domain.Envelope
	if err := json.Unmarshal(record.Value, &env); err != nil {
		c.log.WarnContext(ctx, "malformed reply dropped",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return nil
	}
	if env.MessageID == uuid.Nil || env.CorrelationID == uuid.Nil || env.CommandID == uuid.Nil {
		c.log.WarnContext(ctx, "reply missing identifiers dropped",
			slog.String("message_id", env.MessageID.String()),
			slog.String("type", env.Type))
		return nil
	}

	var body domain.ReplyPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			c.log.WarnContext(ctx, "malformed reply payload dropped",
				slog.String("message_id", env.MessageID.String()),
				slog.Any("error", err))
			return nil
		}
	}
	reply := domain.Reply{Type: env.Type, Data: body.Data, Error: body.Error}

	err := c.tx.WithinTx(ctx, func(ctx domain.Context) error {
		fresh, err := c.inbox.MarkIfAbsent(ctx, env.MessageID, replyHandlerName)
		if err != nil {
			return err
		}
		if !fresh {
			c.log.InfoContext(ctx, "duplicate reply dropped",
				slog.String("message_id", env.MessageID.String()),
				slog.String("command_id", env.CommandID.String()))
			return nil
		}
		if err := c.commands.MarkTerminal(ctx, env.CommandID, commandStatusFor(reply.Type), reply.Error); err != nil {
			return err
		}
		return c.handler.HandleReply(ctx, env.CorrelationID, env.CommandID, reply)
	})
	if err != nil {
		return fmt.Errorf("op=reply.process message_id=%s: %w", env.MessageID, err)
	}
	observability.ReplyConsumed(reply.Type)
	return nil
}

func commandStatusFor(replyType string) domain.CommandStatus {
	switch replyType {
	case domain.ReplyCommandCompleted:
		return domain.CommandSucceeded
	case domain.ReplyCommandTimedOut:
		return domain.CommandTimedOut
	default:
		return domain.CommandFailed
	}
}

// Close closes the underlying client.
func (c *ReplyConsumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

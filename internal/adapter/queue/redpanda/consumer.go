// Package redpanda consumes experiment run requests from a Redpanda/Kafka
// topic and dead-letters messages that permanently fail.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	obsctx "github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

// Handler processes one run message payload. It is implemented by the
// usecase layer.
type Handler interface {
	HandleRunMessage(ctx domain.Context, messageID string, payload []byte) error
}

// recordMarker marks records for offset commit. Satisfied by *kgo.Client.
type recordMarker interface {
	MarkCommitRecords(rs ...*kgo.Record)
}

// deadLetterer publishes permanently failed records.
type deadLetterer interface {
	Publish(ctx domain.Context, record *kgo.Record, messageID string, cause error) error
}

// Consumer polls the run-request topic and fans records out per
// partition to a bounded worker pool. Offsets are committed through
// marks, and marking any record commits everything before it on the
// partition, so a record is held and retried in place until it is
// handled or dead-lettered. Records of one partition always land on the
// same worker; a crash redelivers in-flight messages and the idempotency
// gate absorbs the duplicates.
type Consumer struct {
	client  *kgo.Client
	marker  recordMarker
	dlq     deadLetterer
	handler Handler

	groupID   string
	topic     string
	workers   int
	retryBase time.Duration

	queues   []chan *kgo.Record
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewConsumer builds the consumer group client and ensures the topic and
// its DLQ companion exist.
func NewConsumer(brokers []string, groupID, topic string, workers int, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing consumer group id")
	}
	if workers <= 0 {
		workers = 1
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(30 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),

		// Marks, not raw offsets: a record only commits once handled.
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, t := range []string{topic, DLQTopic(topic)} {
		if err := ensureTopic(ctx, client, t, 1, 1); err != nil {
			slog.Warn("topic ensure failed, it may already exist",
				slog.String("topic", t), slog.Any("error", err))
		}
	}

	queues := make([]chan *kgo.Record, workers)
	for i := range queues {
		queues[i] = make(chan *kgo.Record, 2)
	}
	return &Consumer{
		client:    client,
		marker:    client,
		dlq:       newDLQProducer(client, topic),
		handler:   handler,
		groupID:   groupID,
		topic:     topic,
		workers:   workers,
		retryBase: time.Second,
		queues:    queues,
		shutdown:  make(chan struct{}),
	}, nil
}

// Run polls until the context is cancelled. It blocks.
func (c *Consumer) Run(ctx domain.Context) error {
	slog.Info("queue consumer starting",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID),
		slog.Int("workers", c.workers))

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					continue
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.queues[int(record.Partition)%c.workers] <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx domain.Context, id int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.queues[id]:
			if record == nil {
				return
			}
			c.handleRecord(ctx, id, record)
		}
	}
}

// handleRecord drives one message through the handler until it commits
// or dead-letters. Marking a later record would commit past this offset,
// so failures are retried in place instead of being left behind.
func (c *Consumer) handleRecord(ctx domain.Context, workerID int, record *kgo.Record) {
	messageID := messageIDOf(record)
	ctx = obsctx.ContextWithMessageID(ctx, messageID)
	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("message_id", messageID),
		slog.String("topic", record.Topic),
		slog.Int("partition", int(record.Partition)),
		slog.Int64("offset", record.Offset),
		slog.Int("worker_id", workerID),
	)
	ctx = obsctx.ContextWithLogger(ctx, log)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := c.handler.HandleRunMessage(ctx, messageID, record.Value)
		elapsed := time.Since(start)
		observability.MessageProcessDuration.Observe(elapsed.Seconds())

		switch {
		case err == nil:
			observability.MessagesConsumedTotal.WithLabelValues("ok").Inc()
			c.marker.MarkCommitRecords(record)
			return

		case errors.Is(err, domain.ErrDuplicateInFlight):
			// Another worker holds the processing key. Hold the offset
			// and try again once the gate settles; the processed marker
			// then short-circuits the replay.
			observability.MessagesConsumedTotal.WithLabelValues("requeued").Inc()
			log.Warn("message in flight elsewhere, holding offset", slog.Any("error", err))

		case isPermanent(err):
			observability.MessagesConsumedTotal.WithLabelValues("dead_lettered").Inc()
			log.Error("message permanently failed, dead-lettering", slog.Any("error", err))
			dlqErr := c.dlq.Publish(ctx, record, messageID, err)
			if dlqErr == nil {
				c.marker.MarkCommitRecords(record)
				return
			}
			log.Error("dead-letter publish failed", slog.Any("error", dlqErr))

		default:
			observability.MessagesConsumedTotal.WithLabelValues("retried").Inc()
			log.Error("message handling failed, retrying in place",
				slog.Duration("elapsed", elapsed), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// isPermanent reports whether retrying the same payload can ever succeed.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrUnsupportedMessageType) ||
		errors.Is(err, domain.ErrUnsupportedSchemaVersion) ||
		errors.Is(err, domain.ErrRetriesExceeded)
}

func messageIDOf(record *kgo.Record) string {
	for _, h := range record.Headers {
		if h.Key == "message_id" {
			return string(h.Value)
		}
	}
	return string(record.Key)
}

// Close drains the workers and releases the Kafka client.
func (c *Consumer) Close() {
	c.once.Do(func() {
		close(c.shutdown)
		c.client.Close()
	})
	c.wg.Wait()
}

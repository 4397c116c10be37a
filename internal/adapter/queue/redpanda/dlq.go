package redpanda

import (
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// DLQProducer publishes permanently failed run messages to the topic's
// dead-letter companion so operators can inspect and replay them.
type DLQProducer struct {
	client *kgo.Client
	topic  string
}

func newDLQProducer(client *kgo.Client, sourceTopic string) *DLQProducer {
	return &DLQProducer{client: client, topic: DLQTopic(sourceTopic)}
}

// Publish copies the original payload to the DLQ with failure metadata in
// headers. The payload is kept byte-for-byte so replays see exactly what
// the worker saw.
func (p *DLQProducer) Publish(ctx domain.Context, record *kgo.Record, messageID string, cause error) error {
	attempts := "1"
	for _, h := range record.Headers {
		if h.Key == "attempts" {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				attempts = strconv.Itoa(n + 1)
			}
		}
	}

	dlqRecord := &kgo.Record{
		Topic: p.topic,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(messageID)},
			{Key: "error", Value: []byte(cause.Error())},
			{Key: "attempts", Value: []byte(attempts)},
			{Key: "source_topic", Value: []byte(record.Topic)},
			{Key: "failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	if err := p.client.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.dlq_publish topic=%s: %w", p.topic, err)
	}
	observability.DLQMessagesTotal.Inc()
	return nil
}

package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const kafkaErrTopicAlreadyExists = 36

// DLQTopic names the dead-letter companion of a topic.
func DLQTopic(topic string) string { return topic + ".dlq" }

// ensureTopic creates a topic through the admin API, treating
// TOPIC_ALREADY_EXISTS as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("op=queue.ensure_topic: empty topic name")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=queue.ensure_topic topic=%s: %w", topic, err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=queue.ensure_topic topic=%s: unexpected response type %T", topic, resp)
	}

	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", topicResp.Topic),
				slog.Int("partitions", int(partitions)))
			continue
		}
		if topicResp.ErrorCode == kafkaErrTopicAlreadyExists {
			continue
		}
		errorMsg := ""
		if topicResp.ErrorMessage != nil {
			errorMsg = *topicResp.ErrorMessage
		}
		return fmt.Errorf("op=queue.ensure_topic topic=%s: %s (code %d)",
			topic, errorMsg, topicResp.ErrorCode)
	}
	return nil
}

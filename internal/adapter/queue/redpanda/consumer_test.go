package redpanda

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

type fakeMarker struct {
	mu     sync.Mutex
	marked []*kgo.Record
}

func (m *fakeMarker) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, rs...)
}

type fakeDLQ struct {
	failures  int
	published int
}

func (d *fakeDLQ) Publish(_ domain.Context, _ *kgo.Record, _ string, _ error) error {
	if d.failures > 0 {
		d.failures--
		return fmt.Errorf("op=queue.dlq_publish: broker unavailable")
	}
	d.published++
	return nil
}

// scriptedHandler returns its errors in order, then nil forever.
type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) HandleRunMessage(_ domain.Context, _ string, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func newTestConsumer(handler Handler, marker *fakeMarker, dlq *fakeDLQ) *Consumer {
	return &Consumer{
		marker:    marker,
		dlq:       dlq,
		handler:   handler,
		retryBase: time.Millisecond,
		shutdown:  make(chan struct{}),
	}
}

func TestHandleRecord_TransientFailureRetriesInPlace(t *testing.T) {
	marker := &fakeMarker{}
	dlq := &fakeDLQ{}
	handler := &scriptedHandler{errs: []error{
		fmt.Errorf("E_RUN_ATTEMPT_FAILED: %w", domain.ErrInternal),
		fmt.Errorf("E_RUN_ATTEMPT_FAILED: %w", domain.ErrInternal),
	}}
	c := newTestConsumer(handler, marker, dlq)

	rec := &kgo.Record{Topic: "t", Partition: 0, Offset: 5, Value: []byte("{}")}
	c.handleRecord(context.Background(), 0, rec)

	// The offset is held until the handler succeeds, never skipped.
	assert.Equal(t, 3, handler.calls)
	require.Len(t, marker.marked, 1)
	assert.Same(t, rec, marker.marked[0])
	assert.Zero(t, dlq.published)
}

func TestHandleRecord_DuplicateInFlightRetriesUntilGateSettles(t *testing.T) {
	marker := &fakeMarker{}
	handler := &scriptedHandler{errs: []error{
		fmt.Errorf("op=processor.gate_acquire: %w", domain.ErrDuplicateInFlight),
	}}
	c := newTestConsumer(handler, marker, &fakeDLQ{})

	rec := &kgo.Record{Topic: "t", Partition: 1, Offset: 9}
	c.handleRecord(context.Background(), 0, rec)

	assert.Equal(t, 2, handler.calls)
	require.Len(t, marker.marked, 1)
}

func TestHandleRecord_PermanentFailureDeadLettersThenCommits(t *testing.T) {
	marker := &fakeMarker{}
	dlq := &fakeDLQ{}
	handler := &scriptedHandler{errs: []error{
		fmt.Errorf("op=message.parse: %w", domain.ErrInvalidArgument),
	}}
	c := newTestConsumer(handler, marker, dlq)

	c.handleRecord(context.Background(), 0, &kgo.Record{Topic: "t"})

	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, 1, dlq.published)
	assert.Len(t, marker.marked, 1)
}

func TestHandleRecord_DLQPublishFailureHoldsOffset(t *testing.T) {
	marker := &fakeMarker{}
	dlq := &fakeDLQ{failures: 2}
	handler := &scriptedHandler{errs: []error{
		fmt.Errorf("%w: v9", domain.ErrUnsupportedSchemaVersion),
		fmt.Errorf("%w: v9", domain.ErrUnsupportedSchemaVersion),
		fmt.Errorf("%w: v9", domain.ErrUnsupportedSchemaVersion),
	}}
	c := newTestConsumer(handler, marker, dlq)

	c.handleRecord(context.Background(), 0, &kgo.Record{Topic: "t"})

	assert.Equal(t, 1, dlq.published)
	assert.Len(t, marker.marked, 1, "record commits only once dead-lettering lands")
}

func TestHandleRecord_ContextCancelStopsRetrying(t *testing.T) {
	marker := &fakeMarker{}
	handler := &scriptedHandler{errs: []error{domain.ErrInternal, domain.ErrInternal, domain.ErrInternal}}
	c := newTestConsumer(handler, marker, &fakeDLQ{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.handleRecord(ctx, 0, &kgo.Record{Topic: "t"})

	assert.Equal(t, 1, handler.calls)
	assert.Empty(t, marker.marked, "a cancelled worker leaves the offset for redelivery")
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(nil, "group", "topic", 2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed brokers")

	_, err = NewConsumer([]string{"localhost:9092"}, "", "topic", 2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer group")
}

func TestDLQTopic(t *testing.T) {
	assert.Equal(t, "experiment.run.requested.dlq", DLQTopic("experiment.run.requested"))
}

func TestMessageIDOf(t *testing.T) {
	rec := &kgo.Record{
		Key: []byte("key-1"),
		Headers: []kgo.RecordHeader{
			{Key: "trace_id", Value: []byte("abc")},
			{Key: "message_id", Value: []byte("msg-42")},
		},
	}
	assert.Equal(t, "msg-42", messageIDOf(rec))

	rec.Headers = nil
	assert.Equal(t, "key-1", messageIDOf(rec), "falls back to the record key")
}

func TestIsPermanent(t *testing.T) {
	permanent := []error{
		domain.ErrInvalidArgument,
		domain.ErrUnsupportedMessageType,
		domain.ErrUnsupportedSchemaVersion,
		domain.ErrRetriesExceeded,
		fmt.Errorf("op=message.parse: %w", domain.ErrInvalidArgument),
	}
	for _, err := range permanent {
		assert.True(t, isPermanent(err), err.Error())
	}

	transient := []error{
		domain.ErrInternal,
		domain.ErrDuplicateInFlight,
		fmt.Errorf("E_RUN_ATTEMPT_FAILED: %w", domain.ErrInternal),
	}
	for _, err := range transient {
		assert.False(t, isPermanent(err), err.Error())
	}
}

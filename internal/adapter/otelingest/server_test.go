package otelingest_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/otelingest"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

func traceJSON(t *testing.T, camel bool) []byte {
	t.Helper()
	span := map[string]any{
		"name": "tool-call",
		"attributes": []any{
			map[string]any{"key": "benchmark.run_case_id", "value": map[string]any{"stringValue": "101"}},
			map[string]any{"key": "tool.name", "value": map[string]any{"stringValue": "search"}},
		},
	}
	resource := map[string]any{"attributes": []any{
		map[string]any{"key": "service.name", "value": map[string]any{"stringValue": "my-agent"}},
	}}
	var payload map[string]any
	if camel {
		span["traceId"] = "0af7651916cd43dd8448eb211c80319c"
		span["spanId"] = "b7ad6b7169203331"
		span["startTimeUnixNano"] = "1735732800000000000"
		span["endTimeUnixNano"] = "1735732801000000000"
		payload = map[string]any{"resourceSpans": []any{map[string]any{
			"resource":   resource,
			"scopeSpans": []any{map[string]any{"scope": map[string]any{"name": "bench"}, "spans": []any{span}}},
		}}}
	} else {
		span["trace_id"] = "0af7651916cd43dd8448eb211c80319c"
		span["span_id"] = "b7ad6b7169203331"
		span["start_time_unix_nano"] = "1735732800000000000"
		span["end_time_unix_nano"] = "1735732801000000000"
		payload = map[string]any{"resource_spans": []any{map[string]any{
			"resource":    resource,
			"scope_spans": []any{map[string]any{"scope": map[string]any{"name": "bench"}, "spans": []any{span}}},
		}}}
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestSpansFromJSON_BothCasings(t *testing.T) {
	for _, camel := range []bool{true, false} {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(traceJSON(t, camel), &payload))

		spans := otelingest.SpansFromJSON(payload, nil)
		require.Len(t, spans, 1)
		sp := spans[0]
		assert.Equal(t, "tool-call", sp.Name)
		assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", sp.TraceID)
		assert.Equal(t, "my-agent", sp.ServiceName)
		assert.Equal(t, int64(101), sp.RunCaseID)
		assert.Equal(t, "search", sp.Attributes["tool.name"])
		assert.Equal(t, time.Unix(1735732800, 0).UTC(), sp.StartTime)
	}
}

func TestSpansFromJSON_DefaultServiceNameAndHeaderLift(t *testing.T) {
	payload := map[string]any{"resourceSpans": []any{map[string]any{
		"scopeSpans": []any{map[string]any{"spans": []any{map[string]any{"name": "root"}}}},
	}}}

	extra := otelingest.ExtraAttrs{"benchmark.run_case_id": "7", "benchmark.experiment_id": "3"}
	spans := otelingest.SpansFromJSON(payload, extra)
	require.Len(t, spans, 1)
	assert.Equal(t, otelingest.DefaultServiceName, spans[0].ServiceName)
	assert.Equal(t, int64(7), spans[0].RunCaseID)
	assert.Equal(t, int64(3), spans[0].ExperimentID)
}

func TestSpansFromProto(t *testing.T) {
	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "proto-agent"}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           bytes.Repeat([]byte{0xab}, 16),
					SpanId:            bytes.Repeat([]byte{0xcd}, 8),
					Name:              "llm-call",
					StartTimeUnixNano: 1735732800000000000,
					EndTimeUnixNano:   1735732800500000000,
					Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR},
					Attributes: []*commonpb.KeyValue{{
						Key:   "benchmark.run_case_id",
						Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 55}},
					}},
				}},
			}},
		}},
	}

	spans := otelingest.SpansFromProto(req, nil)
	require.Len(t, spans, 1)
	sp := spans[0]
	assert.Equal(t, "llm-call", sp.Name)
	assert.Equal(t, "proto-agent", sp.ServiceName)
	assert.Equal(t, "error", sp.Status)
	assert.Equal(t, int64(55), sp.RunCaseID)
	assert.Equal(t, "abababababababababababababababab", sp.TraceID)
}

func TestSpanStore_WindowFilterAndOrder(t *testing.T) {
	store := otelingest.NewSpanStore(nil)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	store.AddSpans(context.Background(), []domain.SpanRecord{
		{SpanID: "bb", RunCaseID: 1, StartTime: base.Add(2 * time.Second)},
		{SpanID: "aa", RunCaseID: 1, StartTime: base.Add(2 * time.Second)},
		{SpanID: "cc", RunCaseID: 1, StartTime: base.Add(10 * time.Minute)},
		{SpanID: "dd", RunCaseID: 2, StartTime: base},
	})

	got := store.SpansForRunCase(1, base, base.Add(time.Minute), 10)
	require.Len(t, got, 2)
	assert.Equal(t, "aa", got[0].SpanID)
	assert.Equal(t, "bb", got[1].SpanID)

	store.DropRunCase(1)
	assert.Empty(t, store.SpansForRunCase(1, base, base.Add(time.Hour), 10))
	assert.Equal(t, 1, store.Len())
}

func newTestCollector() (*otelingest.Collector, *otelingest.SpanStore) {
	store := otelingest.NewSpanStore(nil)
	return otelingest.NewCollector("127.0.0.1", 0, "/v1/traces", store), store
}

func postTo(t *testing.T, c *otelingest.Collector, path, contentType string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCollector_TracesJSON(t *testing.T) {
	c, store := newTestCollector()

	rec := postTo(t, c, "/v1/traces", "application/json", traceJSON(t, true), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(1), resp["inserted"])
	assert.Equal(t, 1, store.Len())
}

func TestCollector_TracesGzipJSON(t *testing.T) {
	c, store := newTestCollector()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(traceJSON(t, true))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := postTo(t, c, "/v1/traces", "application/json", buf.Bytes(),
		map[string]string{"Content-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.Len())
}

func TestCollector_TracesProtobuf(t *testing.T) {
	c, store := newTestCollector()

	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{Name: "s"}}}},
		}},
	}
	raw, err := proto.Marshal(req)
	require.NoError(t, err)

	rec := postTo(t, c, "/v1/traces", "application/x-protobuf", raw,
		map[string]string{"x-benchmark-run-case-id": "9"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, store.Len())
	got := store.SpansForRunCase(9, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	require.Len(t, got, 1)
}

func TestCollector_InvalidJSON(t *testing.T) {
	c, _ := newTestCollector()

	rec := postTo(t, c, "/v1/traces", "application/json", []byte("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_json")
}

func TestCollector_MetricsDiscarded(t *testing.T) {
	c, _ := newTestCollector()

	rec := postTo(t, c, "/v1/metrics", "application/json", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"inserted":0`)
}

func TestCollector_UnknownPath(t *testing.T) {
	c, _ := newTestCollector()

	rec := postTo(t, c, "/v1/profiles", "application/json", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

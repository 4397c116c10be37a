// Package otelingest normalizes OTLP traffic into span and log records.
//
// Payloads arrive from agents in containers, SDK exporters and the mock
// gateway's built-in OTLP routes. Both protobuf and JSON encodings are
// accepted, and JSON keys may be camelCase or snake_case depending on the
// exporter.
package otelingest

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// DefaultServiceName is assumed when the resource carries no service.name.
const DefaultServiceName = "benchmark-agent"

const (
	attrRunCaseID    = "benchmark.run_case_id"
	attrExperimentID = "benchmark.experiment_id"
)

// ExtraAttrs are attribute overrides carried out-of-band, typically from
// x-benchmark-* headers on the export request.
type ExtraAttrs map[string]string

// SpansFromProto flattens an OTLP protobuf trace export into span records.
func SpansFromProto(req *collectortracepb.ExportTraceServiceRequest, extra ExtraAttrs) []domain.SpanRecord {
	var out []domain.SpanRecord
	for _, rs := range req.GetResourceSpans() {
		resAttrs := attrsFromProto(rs.GetResource().GetAttributes())
		serviceName := serviceNameFrom(resAttrs)
		for _, ss := range rs.GetScopeSpans() {
			scope := ss.GetScope()
			scopeAttrs := attrsFromProto(scope.GetAttributes())
			for _, sp := range ss.GetSpans() {
				attrs := attrsFromProto(sp.GetAttributes())
				mergeExtra(attrs, extra)
				rec := domain.SpanRecord{
					ID:                 ulid.Make().String(),
					TraceID:            hex.EncodeToString(sp.GetTraceId()),
					SpanID:             hex.EncodeToString(sp.GetSpanId()),
					ParentSpanID:       hex.EncodeToString(sp.GetParentSpanId()),
					Name:               sp.GetName(),
					ServiceName:        serviceName,
					Status:             statusFromCode(int32(sp.GetStatus().GetCode())),
					Attributes:         attrs,
					ResourceAttributes: resAttrs,
					ScopeAttributes:    scopeAttrs,
					ScopeName:          scope.GetName(),
					ScopeVersion:       scope.GetVersion(),
					StartTime:          fromUnixNano(sp.GetStartTimeUnixNano()),
					EndTime:            fromUnixNano(sp.GetEndTimeUnixNano()),
					CreatedAt:          time.Now().UTC(),
				}
				for _, ev := range sp.GetEvents() {
					rec.Events = append(rec.Events, map[string]any{
						"name":           ev.GetName(),
						"time_unix_nano": strconv.FormatUint(ev.GetTimeUnixNano(), 10),
						"attributes":     attrsFromProto(ev.GetAttributes()),
					})
				}
				liftBenchmarkIDs(&rec.RunCaseID, &rec.ExperimentID, attrs, resAttrs)
				out = append(out, rec)
			}
		}
	}
	return out
}

// LogsFromProto flattens an OTLP protobuf logs export into log records.
func LogsFromProto(req *collectorlogspb.ExportLogsServiceRequest, extra ExtraAttrs) []domain.LogRecord {
	var out []domain.LogRecord
	for _, rl := range req.GetResourceLogs() {
		resAttrs := attrsFromProto(rl.GetResource().GetAttributes())
		serviceName := serviceNameFrom(resAttrs)
		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				attrs := attrsFromProto(lr.GetAttributes())
				mergeExtra(attrs, extra)
				rec := domain.LogRecord{
					ID:                     ulid.Make().String(),
					TraceID:                hex.EncodeToString(lr.GetTraceId()),
					SpanID:                 hex.EncodeToString(lr.GetSpanId()),
					SeverityText:           lr.GetSeverityText(),
					SeverityNumber:         int(lr.GetSeverityNumber()),
					Attributes:             attrs,
					ResourceAttributes:     resAttrs,
					ServiceName:            serviceName,
					Flags:                  lr.GetFlags(),
					DroppedAttributesCount: lr.GetDroppedAttributesCount(),
					EventTime:              fromUnixNano(lr.GetTimeUnixNano()),
					ObservedTime:           fromUnixNano(lr.GetObservedTimeUnixNano()),
					CreatedAt:              time.Now().UTC(),
				}
				switch body := anyValueToGo(lr.GetBody()).(type) {
				case string:
					rec.BodyText = body
				case map[string]any:
					rec.BodyJSON = body
				case nil:
				default:
					rec.BodyText = fmt.Sprintf("%v", body)
				}
				liftBenchmarkIDs(&rec.RunCaseID, &rec.ExperimentID, attrs, resAttrs)
				out = append(out, rec)
			}
		}
	}
	return out
}

// SpansFromJSON flattens a decoded OTLP JSON trace export. Key casing is
// tolerated in both camelCase and snake_case.
func SpansFromJSON(payload map[string]any, extra ExtraAttrs) []domain.SpanRecord {
	var out []domain.SpanRecord
	for _, rsAny := range listKey(payload, "resourceSpans", "resource_spans") {
		rs, ok := rsAny.(map[string]any)
		if !ok {
			continue
		}
		resAttrs := attrsFromJSON(mapKey(rs, "resource")["attributes"])
		serviceName := serviceNameFrom(resAttrs)
		scopeSpans := listKey(rs, "scopeSpans", "scope_spans", "instrumentationLibrarySpans")
		for _, ssAny := range scopeSpans {
			ss, ok := ssAny.(map[string]any)
			if !ok {
				continue
			}
			scope := mapKey(ss, "scope", "instrumentationLibrary")
			scopeAttrs := attrsFromJSON(scope["attributes"])
			for _, spAny := range listKey(ss, "spans") {
				sp, ok := spAny.(map[string]any)
				if !ok {
					continue
				}
				attrs := attrsFromJSON(sp["attributes"])
				mergeExtra(attrs, extra)
				rec := domain.SpanRecord{
					ID:                 ulid.Make().String(),
					TraceID:            idString(strKey(sp, "traceId", "trace_id")),
					SpanID:             idString(strKey(sp, "spanId", "span_id")),
					ParentSpanID:       idString(strKey(sp, "parentSpanId", "parent_span_id")),
					Name:               strKey(sp, "name"),
					ServiceName:        serviceName,
					Status:             statusFromJSON(mapKey(sp, "status")),
					Attributes:         attrs,
					ResourceAttributes: resAttrs,
					ScopeAttributes:    scopeAttrs,
					ScopeName:          strKey(scope, "name"),
					ScopeVersion:       strKey(scope, "version"),
					StartTime:          fromUnixNano(uintKey(sp, "startTimeUnixNano", "start_time_unix_nano")),
					EndTime:            fromUnixNano(uintKey(sp, "endTimeUnixNano", "end_time_unix_nano")),
					CreatedAt:          time.Now().UTC(),
				}
				for _, evAny := range listKey(sp, "events") {
					ev, ok := evAny.(map[string]any)
					if !ok {
						continue
					}
					rec.Events = append(rec.Events, map[string]any{
						"name":           strKey(ev, "name"),
						"time_unix_nano": strKey(ev, "timeUnixNano", "time_unix_nano"),
						"attributes":     attrsFromJSON(ev["attributes"]),
					})
				}
				liftBenchmarkIDs(&rec.RunCaseID, &rec.ExperimentID, attrs, resAttrs)
				out = append(out, rec)
			}
		}
	}
	return out
}

// LogsFromJSON flattens a decoded OTLP JSON logs export.
func LogsFromJSON(payload map[string]any, extra ExtraAttrs) []domain.LogRecord {
	var out []domain.LogRecord
	for _, rlAny := range listKey(payload, "resourceLogs", "resource_logs") {
		rl, ok := rlAny.(map[string]any)
		if !ok {
			continue
		}
		resAttrs := attrsFromJSON(mapKey(rl, "resource")["attributes"])
		serviceName := serviceNameFrom(resAttrs)
		for _, slAny := range listKey(rl, "scopeLogs", "scope_logs") {
			sl, ok := slAny.(map[string]any)
			if !ok {
				continue
			}
			for _, lrAny := range listKey(sl, "logRecords", "log_records") {
				lr, ok := lrAny.(map[string]any)
				if !ok {
					continue
				}
				attrs := attrsFromJSON(lr["attributes"])
				mergeExtra(attrs, extra)
				rec := domain.LogRecord{
					ID:                 ulid.Make().String(),
					TraceID:            idString(strKey(lr, "traceId", "trace_id")),
					SpanID:             idString(strKey(lr, "spanId", "span_id")),
					SeverityText:       strKey(lr, "severityText", "severity_text"),
					SeverityNumber:     int(uintKey(lr, "severityNumber", "severity_number")),
					Attributes:         attrs,
					ResourceAttributes: resAttrs,
					ServiceName:        serviceName,
					Flags:              uint32(uintKey(lr, "flags")),
					EventTime:          fromUnixNano(uintKey(lr, "timeUnixNano", "time_unix_nano")),
					ObservedTime:       fromUnixNano(uintKey(lr, "observedTimeUnixNano", "observed_time_unix_nano")),
					CreatedAt:          time.Now().UTC(),
				}
				switch body := jsonAnyValue(lr["body"]).(type) {
				case string:
					rec.BodyText = body
				case map[string]any:
					rec.BodyJSON = body
				case nil:
				default:
					rec.BodyText = fmt.Sprintf("%v", body)
				}
				liftBenchmarkIDs(&rec.RunCaseID, &rec.ExperimentID, attrs, resAttrs)
				out = append(out, rec)
			}
		}
	}
	return out
}

// --- attribute decoding ---

func attrsFromProto(kvs []*commonpb.KeyValue) map[string]any {
	out := map[string]any{}
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValueToGo(kv.GetValue())
	}
	return out
}

func anyValueToGo(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		items := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			items = append(items, anyValueToGo(item))
		}
		return items
	case *commonpb.AnyValue_KvlistValue:
		return attrsFromProto(val.KvlistValue.GetValues())
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(val.BytesValue)
	default:
		return nil
	}
}

func attrsFromJSON(v any) map[string]any {
	out := map[string]any{}
	kvs, ok := v.([]any)
	if !ok {
		return out
	}
	for _, kvAny := range kvs {
		kv, ok := kvAny.(map[string]any)
		if !ok {
			continue
		}
		key, _ := kv["key"].(string)
		if key == "" {
			continue
		}
		out[key] = jsonAnyValue(kv["value"])
	}
	return out
}

// jsonAnyValue decodes an OTLP JSON AnyValue in either casing.
func jsonAnyValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if s, ok := firstKey(m, "stringValue", "string_value"); ok {
		return s
	}
	if b, ok := firstKey(m, "boolValue", "bool_value"); ok {
		return b
	}
	if n, ok := firstKey(m, "intValue", "int_value"); ok {
		// intValue is serialized as a JSON string per the OTLP spec.
		if s, ok := n.(string); ok {
			if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
				return parsed
			}
		}
		return n
	}
	if d, ok := firstKey(m, "doubleValue", "double_value"); ok {
		return d
	}
	if arr, ok := firstKey(m, "arrayValue", "array_value"); ok {
		if arrMap, ok := arr.(map[string]any); ok {
			values, _ := arrMap["values"].([]any)
			items := make([]any, 0, len(values))
			for _, item := range values {
				items = append(items, jsonAnyValue(item))
			}
			return items
		}
		return nil
	}
	if kvl, ok := firstKey(m, "kvlistValue", "kvlist_value"); ok {
		if kvlMap, ok := kvl.(map[string]any); ok {
			return attrsFromJSON(kvlMap["values"])
		}
		return nil
	}
	if b, ok := firstKey(m, "bytesValue", "bytes_value"); ok {
		return b
	}
	return m
}

// --- helpers ---

func serviceNameFrom(resAttrs map[string]any) string {
	if name, ok := resAttrs["service.name"].(string); ok && name != "" {
		return name
	}
	resAttrs["service.name"] = DefaultServiceName
	return DefaultServiceName
}

func mergeExtra(attrs map[string]any, extra ExtraAttrs) {
	for k, v := range extra {
		if _, exists := attrs[k]; !exists && v != "" {
			attrs[k] = v
		}
	}
}

func liftBenchmarkIDs(runCaseID, experimentID *int64, attrs, resAttrs map[string]any) {
	*runCaseID = int64FromAttr(attrs[attrRunCaseID])
	if *runCaseID == 0 {
		*runCaseID = int64FromAttr(resAttrs[attrRunCaseID])
	}
	*experimentID = int64FromAttr(attrs[attrExperimentID])
	if *experimentID == 0 {
		*experimentID = int64FromAttr(resAttrs[attrExperimentID])
	}
}

func int64FromAttr(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func statusFromCode(code int32) string {
	switch code {
	case 1:
		return "ok"
	case 2:
		return "error"
	default:
		return ""
	}
}

func statusFromJSON(status map[string]any) string {
	switch code := status["code"].(type) {
	case float64:
		return statusFromCode(int32(code))
	case string:
		switch code {
		case "STATUS_CODE_OK", "1":
			return "ok"
		case "STATUS_CODE_ERROR", "2":
			return "error"
		}
	}
	return ""
}

func fromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

// idString passes hex ids through and re-encodes base64-encoded ids, which
// some JSON exporters emit for trace and span ids.
func idString(s string) string {
	if s == "" {
		return ""
	}
	if _, err := hex.DecodeString(s); err == nil {
		return s
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return hex.EncodeToString(raw)
	}
	return s
}

func listKey(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			return v
		}
	}
	return nil
}

func mapKey(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			return v
		}
	}
	return map[string]any{}
}

func strKey(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v
		}
	}
	return ""
}

func uintKey(m map[string]any, keys ...string) uint64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				return n
			}
		case float64:
			return uint64(v)
		}
	}
	return 0
}

func firstKey(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

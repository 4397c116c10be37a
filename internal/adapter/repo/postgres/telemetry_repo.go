package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// TelemetryRepo stores and queries OTLP spans and logs captured by the
// embedded collector. It is the durable fallback behind the in-memory
// span store.
type TelemetryRepo struct{ Pool PgxPool }

// NewTelemetryRepo constructs a TelemetryRepo with the given pool.
func NewTelemetryRepo(p PgxPool) *TelemetryRepo { return &TelemetryRepo{Pool: p} }

// InsertSpans writes a batch of normalized spans and returns the number
// inserted.
func (r *TelemetryRepo) InsertSpans(ctx domain.Context, spans []domain.SpanRecord) (int, error) {
	tracer := otel.Tracer("repo.telemetry")
	ctx, span := tracer.Start(ctx, "telemetry.InsertSpans")
	defer span.End()
	span.SetAttributes(attribute.Int("benchmark.span_count", len(spans)))

	inserted := 0
	for _, sp := range spans {
		id := sp.ID
		if id == "" {
			id = ulid.Make().String()
		}
		attrs, resAttrs, scopeAttrs, raw, err := marshalSpanJSON(sp)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_spans: %w", err)
		}
		q := `INSERT INTO otel_traces
		        (id, trace_id, span_id, parent_span_id, name, service_name, status,
		         attributes, resource_attributes, scope_attributes, scope_name, scope_version,
		         start_time, end_time, run_case_id, experiment_id, raw, created_at)
		      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
		_, err = r.Pool.Exec(ctx, q,
			id, sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.Name, sp.ServiceName, sp.Status,
			attrs, resAttrs, scopeAttrs, sp.ScopeName, sp.ScopeVersion,
			nullableTime(sp.StartTime), nullableTime(sp.EndTime),
			nullableID(sp.RunCaseID), nullableID(sp.ExperimentID), raw, time.Now().UTC(),
		)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_spans: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// InsertLogs writes a batch of normalized log records and returns the
// number inserted.
func (r *TelemetryRepo) InsertLogs(ctx domain.Context, logs []domain.LogRecord) (int, error) {
	tracer := otel.Tracer("repo.telemetry")
	ctx, span := tracer.Start(ctx, "telemetry.InsertLogs")
	defer span.End()
	span.SetAttributes(attribute.Int("benchmark.log_count", len(logs)))

	inserted := 0
	for _, lr := range logs {
		id := lr.ID
		if id == "" {
			id = ulid.Make().String()
		}
		attrs, err := json.Marshal(lr.Attributes)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_logs: %w", err)
		}
		resAttrs, err := json.Marshal(lr.ResourceAttributes)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_logs: %w", err)
		}
		bodyJSON, err := json.Marshal(lr.BodyJSON)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_logs: %w", err)
		}
		raw, err := json.Marshal(lr.Raw)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_logs: %w", err)
		}
		q := `INSERT INTO otel_logs
		        (id, trace_id, span_id, severity_text, severity_number, body_text, body_json,
		         attributes, resource_attributes, service_name, flags, dropped_attributes_count,
		         event_time, observed_time, run_case_id, experiment_id, raw, created_at)
		      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
		_, err = r.Pool.Exec(ctx, q,
			id, lr.TraceID, lr.SpanID, lr.SeverityText, lr.SeverityNumber, lr.BodyText, bodyJSON,
			attrs, resAttrs, lr.ServiceName, lr.Flags, lr.DroppedAttributesCount,
			nullableTime(lr.EventTime), nullableTime(lr.ObservedTime),
			nullableID(lr.RunCaseID), nullableID(lr.ExperimentID), raw, time.Now().UTC(),
		)
		if err != nil {
			return inserted, fmt.Errorf("op=telemetry.insert_logs: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// SpansByRunCase loads spans attributed to a run case inside the window,
// ordered by start time then id.
func (r *TelemetryRepo) SpansByRunCase(ctx domain.Context, runCaseID int64, from, to time.Time, limit int) ([]domain.SpanRecord, error) {
	tracer := otel.Tracer("repo.telemetry")
	ctx, span := tracer.Start(ctx, "telemetry.SpansByRunCase")
	defer span.End()
	span.SetAttributes(attribute.Int64("benchmark.run_case_id", runCaseID))

	q := `SELECT id, trace_id, span_id, COALESCE(parent_span_id,''), name, service_name, COALESCE(status,''),
	             attributes, resource_attributes, start_time, end_time, raw, created_at
	      FROM otel_traces
	      WHERE run_case_id=$1 AND is_deleted = FALSE
	        AND COALESCE(start_time, created_at) BETWEEN $2 AND $3
	      ORDER BY COALESCE(start_time, created_at), id
	      LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, runCaseID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("op=telemetry.spans_by_case: %w", err)
	}
	defer rows.Close()

	var out []domain.SpanRecord
	for rows.Next() {
		var sp domain.SpanRecord
		var attrs, resAttrs, raw []byte
		var start, end *time.Time
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &sp.Name, &sp.ServiceName, &sp.Status,
			&attrs, &resAttrs, &start, &end, &raw, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=telemetry.spans_by_case: scan: %w", err)
		}
		sp.RunCaseID = runCaseID
		if start != nil {
			sp.StartTime = *start
		}
		if end != nil {
			sp.EndTime = *end
		}
		_ = json.Unmarshal(attrs, &sp.Attributes)
		_ = json.Unmarshal(resAttrs, &sp.ResourceAttributes)
		var rawObj map[string]any
		if err := json.Unmarshal(raw, &rawObj); err == nil {
			sp.Raw = rawObj
			if evs, ok := rawObj["events"].([]any); ok {
				sp.Events = eventMaps(evs)
			}
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=telemetry.spans_by_case: %w", err)
	}
	return out, nil
}

// LogsByRunCase loads log records attributed to a run case inside the
// window, ordered by event time then id.
func (r *TelemetryRepo) LogsByRunCase(ctx domain.Context, runCaseID int64, from, to time.Time, limit int) ([]domain.LogRecord, error) {
	tracer := otel.Tracer("repo.telemetry")
	ctx, span := tracer.Start(ctx, "telemetry.LogsByRunCase")
	defer span.End()
	span.SetAttributes(attribute.Int64("benchmark.run_case_id", runCaseID))

	q := `SELECT id, trace_id, span_id, COALESCE(severity_text,''), COALESCE(severity_number,0),
	             COALESCE(body_text,''), body_json, attributes, resource_attributes,
	             service_name, event_time, observed_time, created_at
	      FROM otel_logs
	      WHERE run_case_id=$1 AND is_deleted = FALSE
	        AND COALESCE(event_time, created_at) BETWEEN $2 AND $3
	      ORDER BY COALESCE(event_time, created_at), id
	      LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, runCaseID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("op=telemetry.logs_by_case: %w", err)
	}
	defer rows.Close()

	var out []domain.LogRecord
	for rows.Next() {
		var lr domain.LogRecord
		var bodyJSON, attrs, resAttrs []byte
		var eventTime, observedTime *time.Time
		if err := rows.Scan(&lr.ID, &lr.TraceID, &lr.SpanID, &lr.SeverityText, &lr.SeverityNumber,
			&lr.BodyText, &bodyJSON, &attrs, &resAttrs, &lr.ServiceName,
			&eventTime, &observedTime, &lr.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=telemetry.logs_by_case: scan: %w", err)
		}
		lr.RunCaseID = runCaseID
		if eventTime != nil {
			lr.EventTime = *eventTime
		}
		if observedTime != nil {
			lr.ObservedTime = *observedTime
		}
		_ = json.Unmarshal(bodyJSON, &lr.BodyJSON)
		_ = json.Unmarshal(attrs, &lr.Attributes)
		_ = json.Unmarshal(resAttrs, &lr.ResourceAttributes)
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=telemetry.logs_by_case: %w", err)
	}
	return out, nil
}

func marshalSpanJSON(sp domain.SpanRecord) (attrs, resAttrs, scopeAttrs, raw []byte, err error) {
	if attrs, err = json.Marshal(sp.Attributes); err != nil {
		return nil, nil, nil, nil, err
	}
	if resAttrs, err = json.Marshal(sp.ResourceAttributes); err != nil {
		return nil, nil, nil, nil, err
	}
	if scopeAttrs, err = json.Marshal(sp.ScopeAttributes); err != nil {
		return nil, nil, nil, nil, err
	}
	rawObj := sp.Raw
	if rawObj == nil {
		rawObj = map[string]any{}
	}
	if len(sp.Events) > 0 {
		if _, ok := rawObj["events"]; !ok {
			rawObj["events"] = sp.Events
		}
	}
	if raw, err = json.Marshal(rawObj); err != nil {
		return nil, nil, nil, nil, err
	}
	return attrs, resAttrs, scopeAttrs, raw, nil
}

func eventMaps(evs []any) []map[string]any {
	out := make([]map[string]any, 0, len(evs))
	for _, e := range evs {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

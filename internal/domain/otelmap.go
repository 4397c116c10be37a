package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// trajectoryAttrKeys is the allowlist of span attributes carried into
// trajectory steps.
var trajectoryAttrKeys = []string{
	"tool.name",
	"tool",
	"model",
	"model.name",
	"http.method",
	"http.url",
	"http.status_code",
	"db.system",
	"db.operation",
	"benchmark.run_case_id",
	"benchmark.data_item_id",
}

// TrajectoryFromSpans maps stored spans into an ordered trajectory.
// Spans are sorted by (start, end, span_id) and numbered from 1.
func TrajectoryFromSpans(spans []SpanRecord) []TrajectoryStep {
	ordered := make([]SpanRecord, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := spanStartMS(ordered[i]), spanStartMS(ordered[j])
		if si != sj {
			return si < sj
		}
		ei, ej := EpochMS(ordered[i].EndTime), EpochMS(ordered[j].EndTime)
		if ei != ej {
			return ei < ej
		}
		return ordered[i].SpanID < ordered[j].SpanID
	})

	steps := make([]TrajectoryStep, 0, len(ordered))
	for idx, sp := range ordered {
		startMS := spanStartMS(sp)
		endMS := EpochMS(sp.EndTime)
		if endMS == 0 {
			endMS = startMS
		}
		latency := endMS - startMS
		if latency < 0 {
			latency = 0
		}
		name := sp.Name
		if name == "" {
			name = "unnamed-span"
		}
		steps = append(steps, TrajectoryStep{
			Step:         idx + 1,
			SpanID:       sp.SpanID,
			ParentSpanID: sp.ParentSpanID,
			Name:         name,
			StartTimeMS:  startMS,
			EndTimeMS:    endMS,
			LatencyMS:    latency,
			Status:       sp.Status,
			Attributes:   pickKeyAttributes(sp.Attributes),
			Events:       sp.Events,
		})
	}
	return steps
}

// TrajectoryFromLogs maps stored log records into an ordered trajectory,
// one step per record. Used when the agent emits logs but no spans.
func TrajectoryFromLogs(logs []LogRecord) []TrajectoryStep {
	ordered := make([]LogRecord, len(logs))
	copy(ordered, logs)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := logTimeMS(ordered[i]), logTimeMS(ordered[j])
		if ti != tj {
			return ti < tj
		}
		return ordered[i].ID < ordered[j].ID
	})

	steps := make([]TrajectoryStep, 0, len(ordered))
	for idx, lr := range ordered {
		ts := logTimeMS(lr)
		name := strings.TrimSpace(lr.BodyText)
		if i := strings.IndexByte(name, '\n'); i >= 0 {
			name = name[:i]
		}
		if name == "" {
			name = "log"
		}
		attrs := pickKeyAttributes(lr.Attributes)
		if lr.SeverityText != "" {
			if attrs == nil {
				attrs = map[string]any{}
			}
			attrs["log.severity"] = lr.SeverityText
		}
		steps = append(steps, TrajectoryStep{
			Step:        idx + 1,
			SpanID:      lr.SpanID,
			Name:        name,
			StartTimeMS: ts,
			EndTimeMS:   ts,
			LatencyMS:   0,
			Status:      lr.SeverityText,
			Attributes:  attrs,
		})
	}
	return steps
}

func spanStartMS(sp SpanRecord) int64 {
	if ms := EpochMS(sp.StartTime); ms != 0 {
		return ms
	}
	return EpochMS(sp.CreatedAt)
}

func logTimeMS(lr LogRecord) int64 {
	if ms := EpochMS(lr.EventTime); ms != 0 {
		return ms
	}
	if ms := EpochMS(lr.ObservedTime); ms != 0 {
		return ms
	}
	return EpochMS(lr.CreatedAt)
}

// EpochMS converts a time to unix milliseconds, zero time to 0.
func EpochMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// CoerceEpochMS interprets a loosely typed timestamp as unix milliseconds.
// Numbers above 1e12 are treated as nanoseconds, above 1e9 as seconds,
// smaller values as fractional seconds. Strings are parsed as RFC 3339.
func CoerceEpochMS(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return coerceNumericMS(float64(x))
	case int:
		return coerceNumericMS(float64(x))
	case float64:
		return coerceNumericMS(x)
	case time.Time:
		return EpochMS(x)
	case string:
		text := strings.TrimSpace(x)
		if text == "" {
			return 0
		}
		if n, err := strconv.ParseFloat(text, 64); err == nil {
			return coerceNumericMS(n)
		}
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UnixMilli()
		}
		return 0
	default:
		return 0
	}
}

func coerceNumericMS(v float64) int64 {
	switch {
	case v > 1e12:
		return int64(v / 1e6)
	case v > 1e9:
		return int64(v)
	default:
		return int64(v * 1000)
	}
}

func pickKeyAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	picked := map[string]any{}
	for _, k := range trajectoryAttrKeys {
		if v, ok := attrs[k]; ok {
			picked[k] = v
		}
	}
	if len(picked) == 0 {
		return nil
	}
	return picked
}

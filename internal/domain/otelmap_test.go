package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

func TestTrajectoryFromSpans_OrderingAndNumbering(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	spans := []domain.SpanRecord{
		{SpanID: "b", Name: "second", StartTime: base.Add(time.Second), EndTime: base.Add(2 * time.Second)},
		{SpanID: "a", Name: "first", StartTime: base, EndTime: base.Add(500 * time.Millisecond)},
		{SpanID: "c", Name: "tiebreak", StartTime: base.Add(time.Second), EndTime: base.Add(2 * time.Second)},
	}
	steps := domain.TrajectoryFromSpans(spans)
	require.Len(t, steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{steps[0].Step, steps[1].Step, steps[2].Step})
	assert.Equal(t, "first", steps[0].Name)
	assert.Equal(t, "b", steps[1].SpanID)
	assert.Equal(t, "c", steps[2].SpanID)
	assert.Equal(t, int64(500), steps[0].LatencyMS)
}

func TestTrajectoryFromSpans_Defaults(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	steps := domain.TrajectoryFromSpans([]domain.SpanRecord{
		{SpanID: "x", CreatedAt: created},
	})
	require.Len(t, steps, 1)
	assert.Equal(t, "unnamed-span", steps[0].Name)
	// End falls back to start, latency never negative.
	assert.Equal(t, steps[0].StartTimeMS, steps[0].EndTimeMS)
	assert.Equal(t, int64(0), steps[0].LatencyMS)
}

func TestTrajectoryFromSpans_AttributeAllowlist(t *testing.T) {
	steps := domain.TrajectoryFromSpans([]domain.SpanRecord{
		{
			SpanID:    "s",
			StartTime: time.Now(),
			Attributes: map[string]any{
				"tool.name":       "search",
				"http.method":     "GET",
				"internal.secret": "drop-me",
			},
		},
	})
	require.Len(t, steps, 1)
	assert.Equal(t, map[string]any{"tool.name": "search", "http.method": "GET"}, steps[0].Attributes)
}

func TestTrajectoryFromLogs(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	logs := []domain.LogRecord{
		{ID: "2", BodyText: "tool call finished\nextra", EventTime: base.Add(time.Second), SeverityText: "INFO"},
		{ID: "1", BodyText: "", EventTime: base},
	}
	steps := domain.TrajectoryFromLogs(logs)
	require.Len(t, steps, 2)
	assert.Equal(t, "log", steps[0].Name)
	assert.Equal(t, "tool call finished", steps[1].Name)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, "INFO", steps[1].Attributes["log.severity"])
}

func TestCoerceEpochMS(t *testing.T) {
	assert.Equal(t, int64(0), domain.CoerceEpochMS(nil))
	// Nanoseconds collapse to milliseconds.
	assert.Equal(t, int64(1735732800000), domain.CoerceEpochMS(float64(1735732800000000000)))
	// Small numerics are fractional seconds.
	assert.Equal(t, int64(1500), domain.CoerceEpochMS(1.5))
	// RFC 3339 strings, including Z suffix.
	assert.Equal(t, int64(1735732800000), domain.CoerceEpochMS("2025-01-01T12:00:00Z"))
	assert.Equal(t, int64(0), domain.CoerceEpochMS("not-a-time"))
	assert.Equal(t, int64(0), domain.CoerceEpochMS(""))
}

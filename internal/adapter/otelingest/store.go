package otelingest

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// SpanStore buffers spans in memory so trajectory resolution can read them
// without waiting on the database, and forwards every batch to the durable
// sink. Logs are not buffered; they go straight to the sink.
type SpanStore struct {
	mu    sync.Mutex
	spans []domain.SpanRecord
	sink  domain.TelemetryRepository
}

// NewSpanStore creates a store backed by the given durable sink. A nil sink
// keeps everything in memory, which the tests use.
func NewSpanStore(sink domain.TelemetryRepository) *SpanStore {
	return &SpanStore{sink: sink}
}

// AddSpans appends a batch and forwards it to the sink. A sink failure is
// logged but does not fail ingestion; the in-memory copy still serves
// trajectory resolution for the current run.
func (s *SpanStore) AddSpans(ctx domain.Context, spans []domain.SpanRecord) int {
	if len(spans) == 0 {
		return 0
	}
	s.mu.Lock()
	s.spans = append(s.spans, spans...)
	s.mu.Unlock()
	observability.OTLPRecordsIngested.WithLabelValues("spans").Add(float64(len(spans)))

	if s.sink != nil {
		if _, err := s.sink.InsertSpans(ctx, spans); err != nil {
			slog.Warn("span sink write failed", slog.Any("error", err), slog.Int("count", len(spans)))
		}
	}
	return len(spans)
}

// AddLogs forwards a log batch to the sink.
func (s *SpanStore) AddLogs(ctx domain.Context, logs []domain.LogRecord) int {
	if len(logs) == 0 {
		return 0
	}
	observability.OTLPRecordsIngested.WithLabelValues("logs").Add(float64(len(logs)))
	if s.sink != nil {
		if _, err := s.sink.InsertLogs(ctx, logs); err != nil {
			slog.Warn("log sink write failed", slog.Any("error", err), slog.Int("count", len(logs)))
		}
	}
	return len(logs)
}

// SpansForRunCase returns buffered spans for a run case whose start time
// falls inside [from, to], ordered by (start time, span id).
func (s *SpanStore) SpansForRunCase(runCaseID int64, from, to time.Time, limit int) []domain.SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SpanRecord
	for _, sp := range s.spans {
		if sp.RunCaseID != runCaseID {
			continue
		}
		start := sp.StartTime
		if start.IsZero() {
			start = sp.CreatedAt
		}
		if start.Before(from) || start.After(to) {
			continue
		}
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i], out[j]
		ti, tj := si.StartTime, sj.StartTime
		if ti.IsZero() {
			ti = si.CreatedAt
		}
		if tj.IsZero() {
			tj = sj.CreatedAt
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return si.SpanID < sj.SpanID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DropRunCase releases buffered spans for a settled run case.
func (s *SpanStore) DropRunCase(runCaseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.spans[:0]
	for _, sp := range s.spans {
		if sp.RunCaseID != runCaseID {
			kept = append(kept, sp)
		}
	}
	s.spans = kept
}

// Len reports the number of buffered spans.
func (s *SpanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans)
}

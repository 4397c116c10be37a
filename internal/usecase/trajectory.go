// Package usecase orchestrates benchmark execution: message intake,
// scheduling, case execution, trajectory resolution and scoring.
package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/otelingest"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

const (
	trajectoryLogLimit  = 4000
	trajectorySpanLimit = 2000
	trajectoryLookback  = 15 * time.Minute
	trajectorySlack     = 60 * time.Second
)

// TrajectoryResolver reconstructs an agent trajectory from captured
// telemetry when the agent did not emit one itself. Sources in order:
// spans buffered by the embedded collector, logs from the database, spans
// from the database.
type TrajectoryResolver struct {
	store *otelingest.SpanStore
	repo  domain.TelemetryRepository
}

// NewTrajectoryResolver builds a resolver. store may be nil when the
// embedded collector is disabled; repo may be nil in tests.
func NewTrajectoryResolver(store *otelingest.SpanStore, repo domain.TelemetryRepository) *TrajectoryResolver {
	return &TrajectoryResolver{store: store, repo: repo}
}

// Resolve returns the best available trajectory for a run case executed
// around startedAt. An empty slice means no telemetry was captured.
func (t *TrajectoryResolver) Resolve(ctx domain.Context, runCaseID int64, startedAt time.Time) []domain.TrajectoryStep {
	log := observability.LoggerFromContext(ctx)
	now := time.Now()

	if t.store != nil {
		spans := t.store.SpansForRunCase(runCaseID,
			startedAt.Add(-trajectorySlack), now.Add(trajectorySlack), trajectorySpanLimit)
		// Resolution is the last reader of the buffered copy; the sink has
		// the durable one.
		t.store.DropRunCase(runCaseID)
		if len(spans) > 0 {
			return domain.TrajectoryFromSpans(spans)
		}
	}

	if t.repo == nil {
		return nil
	}
	from := now.Add(-trajectoryLookback)
	to := now.Add(trajectorySlack)

	logs, err := t.repo.LogsByRunCase(ctx, runCaseID, from, to, trajectoryLogLimit)
	if err != nil {
		log.Warn("trajectory log lookup failed",
			slog.Int64("run_case_id", runCaseID), slog.Any("error", err))
	} else if len(logs) > 0 {
		return domain.TrajectoryFromLogs(logs)
	}

	spans, err := t.repo.SpansByRunCase(ctx, runCaseID, from, to, trajectorySpanLimit)
	if err != nil {
		log.Warn("trajectory span lookup failed",
			slog.Int64("run_case_id", runCaseID), slog.Any("error", err))
		return nil
	}
	return domain.TrajectoryFromSpans(spans)
}

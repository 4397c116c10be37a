package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// CaseRepo persists run case state, scores and the experiment
// reconciliation that follows every write.
type CaseRepo struct{ Pool PgxPool }

// NewCaseRepo constructs a CaseRepo with the given pool.
func NewCaseRepo(p PgxPool) *CaseRepo { return &CaseRepo{Pool: p} }

// MarkCasesQueued flips a batch of cases to queued before execution starts.
func (r *CaseRepo) MarkCasesQueued(ctx domain.Context, experimentID int64, runCaseIDs []int64) error {
	tracer := otel.Tracer("repo.cases")
	ctx, span := tracer.Start(ctx, "cases.MarkCasesQueued")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("benchmark.experiment_id", experimentID),
		attribute.Int("benchmark.case_count", len(runCaseIDs)),
	)

	if len(runCaseIDs) == 0 {
		return nil
	}
	q := `UPDATE run_cases SET status='queued', updated_at=$3
	      WHERE experiment_id=$1 AND id = ANY($2) AND status='pending'`
	_, err := r.Pool.Exec(ctx, q, experimentID, runCaseIDs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=case.mark_queued: %w", err)
	}
	return nil
}

// caseStatusAllowedFrom lists the predecessor statuses a transient status
// may be entered from. Terminal statuses accept any non-terminal
// predecessor. An update from a disallowed predecessor matches zero rows.
var caseStatusAllowedFrom = map[domain.CaseStatus][]string{
	domain.CaseQueued:     {"pending"},
	domain.CaseRunning:    {"pending", "queued", "trajectory"},
	domain.CaseTrajectory: {"running", "scoring"},
	domain.CaseScoring:    {"running", "trajectory"},
}

// MarkCaseStatus writes one case's transient status outside a result
// write. The first transition into running stamps started_at.
func (r *CaseRepo) MarkCaseStatus(ctx domain.Context, experimentID, runCaseID int64, status domain.CaseStatus) error {
	tracer := otel.Tracer("repo.cases")
	ctx, span := tracer.Start(ctx, "cases.MarkCaseStatus")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("benchmark.run_case_id", runCaseID),
		attribute.String("benchmark.case_status", string(status)),
	)

	allowed, ok := caseStatusAllowedFrom[status]
	if !ok {
		allowed = []string{"pending", "queued", "running", "trajectory", "scoring"}
	}
	q := `UPDATE run_cases SET status=$3,
	        started_at=CASE WHEN $3='running' THEN COALESCE(started_at,$4) ELSE started_at END,
	        updated_at=$4
	      WHERE experiment_id=$1 AND id=$2 AND status = ANY($5)`
	_, err := r.Pool.Exec(ctx, q, experimentID, runCaseID, status, time.Now().UTC(), allowed)
	if err != nil {
		return fmt.Errorf("op=case.mark_status: %w", err)
	}
	return nil
}

// PersistCaseResult stores the full case outcome, replaces its scores,
// recomputes the final score and reconciles the parent experiment, all in
// one transaction.
func (r *CaseRepo) PersistCaseResult(ctx domain.Context, experimentID int64, res domain.CaseResult) error {
	tracer := otel.Tracer("repo.cases")
	ctx, span := tracer.Start(ctx, "cases.PersistCaseResult")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("benchmark.experiment_id", experimentID),
		attribute.Int64("benchmark.run_case_id", res.RunCaseID),
		attribute.String("benchmark.case_status", string(res.Status)),
	)

	trajectoryJSON, err := json.Marshal(res.Trajectory)
	if err != nil {
		return fmt.Errorf("op=case.persist: marshal trajectory: %w", err)
	}
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("op=case.persist: marshal output: %w", err)
	}
	snapshotJSON, err := json.Marshal(res.RuntimeSnapshot)
	if err != nil {
		return fmt.Errorf("op=case.persist: marshal snapshot: %w", err)
	}
	usageJSON, err := json.Marshal(res.Usage)
	if err != nil {
		return fmt.Errorf("op=case.persist: marshal usage: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=case.persist: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `UPDATE run_cases SET
	        status=$3, agent_trajectory=$4, agent_output=$5, latency_ms=$6,
	        logs=$7, error_message=$8, runtime_snapshot_json=$9,
	        inspect_eval_id=$10, inspect_sample_id=$11, usage_json=$12,
	        finished_at=$13, updated_at=$13
	      WHERE experiment_id=$1 AND id=$2`
	if _, err := tx.Exec(ctx, q,
		experimentID, res.RunCaseID, res.Status, trajectoryJSON, outputJSON,
		res.LatencyMS, res.Logs, res.ErrorMessage, snapshotJSON,
		res.InspectEvalID, res.InspectSampleID, usageJSON, now,
	); err != nil {
		return fmt.Errorf("op=case.persist: update case: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_case_scores WHERE run_case_id=$1`, res.RunCaseID); err != nil {
		return fmt.Errorf("op=case.persist: clear scores: %w", err)
	}
	for _, sc := range res.Scores {
		rawJSON, err := json.Marshal(sc.Raw)
		if err != nil {
			return fmt.Errorf("op=case.persist: marshal score raw: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_case_scores (run_case_id, scorer_key, score, reason, raw_result_json, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			res.RunCaseID, sc.ScorerKey, sc.Score, sc.Reason, rawJSON, now,
		); err != nil {
			return fmt.Errorf("op=case.persist: insert score: %w", err)
		}
	}
	if len(res.Scores) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE run_cases SET final_score=(SELECT AVG(score) FROM run_case_scores WHERE run_case_id=$1) WHERE id=$1`,
			res.RunCaseID,
		); err != nil {
			return fmt.Errorf("op=case.persist: final score: %w", err)
		}
	} else {
		// No scorer rows means no final score; a stale value from a
		// previous persist must not survive the rewrite.
		if _, err := tx.Exec(ctx,
			`UPDATE run_cases SET final_score=NULL WHERE id=$1`, res.RunCaseID,
		); err != nil {
			return fmt.Errorf("op=case.persist: final score: %w", err)
		}
	}

	if err := reconcileExperimentTx(ctx, tx, experimentID); err != nil {
		return fmt.Errorf("op=case.persist: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=case.persist: commit: %w", err)
	}
	return nil
}

// reconcileExperimentTx recomputes the experiment queue status from its
// latest run cases. Sticky terminal statuses are never overwritten.
func reconcileExperimentTx(ctx domain.Context, tx pgx.Tx, experimentID int64) error {
	var current domain.ExperimentStatus
	row := tx.QueryRow(ctx, `SELECT queue_status FROM experiments WHERE id=$1 FOR UPDATE`, experimentID)
	if err := row.Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("reconcile: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("reconcile: load: %w", err)
	}
	if current.Terminal() {
		return nil
	}

	var running, pending, success, failed, total int64
	row = tx.QueryRow(ctx, `
		SELECT
		  COUNT(*) FILTER (WHERE status IN ('running','trajectory','scoring')),
		  COUNT(*) FILTER (WHERE status IN ('pending','queued')),
		  COUNT(*) FILTER (WHERE status = 'success'),
		  COUNT(*) FILTER (WHERE status IN ('failed','timeout')),
		  COUNT(*)
		FROM run_cases WHERE experiment_id=$1 AND is_latest = TRUE`, experimentID)
	if err := row.Scan(&running, &pending, &success, &failed, &total); err != nil {
		return fmt.Errorf("reconcile: counts: %w", err)
	}

	var next domain.ExperimentStatus
	switch {
	case total == 0:
		next = domain.ExperimentIdle
	case running+pending > 0:
		next = domain.ExperimentConsuming
	case failed == 0:
		next = domain.ExperimentDone
	case success == 0:
		next = domain.ExperimentFailed
	default:
		next = domain.ExperimentDone
	}

	now := time.Now().UTC()
	switch next {
	case domain.ExperimentConsuming:
		_, err := tx.Exec(ctx,
			`UPDATE experiments SET queue_status=$2, started_at=COALESCE(started_at,$3), updated_at=$3 WHERE id=$1`,
			experimentID, next, now)
		if err != nil {
			return fmt.Errorf("reconcile: update: %w", err)
		}
	case domain.ExperimentDone, domain.ExperimentFailed:
		_, err := tx.Exec(ctx,
			`UPDATE experiments SET queue_status=$2, finished_at=$3, updated_at=$3 WHERE id=$1`,
			experimentID, next, now)
		if err != nil {
			return fmt.Errorf("reconcile: update: %w", err)
		}
	default:
		_, err := tx.Exec(ctx,
			`UPDATE experiments SET queue_status=$2, updated_at=$3 WHERE id=$1`,
			experimentID, next, now)
		if err != nil {
			return fmt.Errorf("reconcile: update: %w", err)
		}
	}
	return nil
}

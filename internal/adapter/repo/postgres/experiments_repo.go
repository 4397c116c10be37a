package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// ExperimentRepo reads and writes experiment queue state.
type ExperimentRepo struct{ Pool PgxPool }

// NewExperimentRepo constructs an ExperimentRepo with the given pool.
func NewExperimentRepo(p PgxPool) *ExperimentRepo { return &ExperimentRepo{Pool: p} }

// QueueState loads the pre-flight snapshot used to detect manual
// termination and stale messages.
func (r *ExperimentRepo) QueueState(ctx domain.Context, experimentID int64) (domain.ExperimentQueueState, error) {
	tracer := otel.Tracer("repo.experiments")
	ctx, span := tracer.Start(ctx, "experiments.QueueState")
	defer span.End()
	span.SetAttributes(attribute.Int64("benchmark.experiment_id", experimentID))

	q := `SELECT id, queue_status, COALESCE(queue_message_id,'') FROM experiments WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, experimentID)
	var st domain.ExperimentQueueState
	if err := row.Scan(&st.ID, &st.QueueStatus, &st.QueueMessageID); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ExperimentQueueState{}, fmt.Errorf("op=experiment.queue_state: %w", domain.ErrNotFound)
		}
		return domain.ExperimentQueueState{}, fmt.Errorf("op=experiment.queue_state: %w", err)
	}
	return st, nil
}

// SetQueueStatus writes the experiment queue status unless a sticky
// terminal status is already set.
func (r *ExperimentRepo) SetQueueStatus(ctx domain.Context, experimentID int64, status domain.ExperimentStatus) error {
	tracer := otel.Tracer("repo.experiments")
	ctx, span := tracer.Start(ctx, "experiments.SetQueueStatus")
	defer span.End()

	q := `UPDATE experiments SET queue_status=$2, updated_at=$3
	      WHERE id=$1 AND queue_status NOT IN ('manual_terminated','test_case')`
	_, err := r.Pool.Exec(ctx, q, experimentID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=experiment.set_queue_status: %w", err)
	}
	return nil
}

// MarkFailed stamps the experiment failed with a reason and finish time.
func (r *ExperimentRepo) MarkFailed(ctx domain.Context, experimentID int64, reason string) error {
	tracer := otel.Tracer("repo.experiments")
	ctx, span := tracer.Start(ctx, "experiments.MarkFailed")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE experiments SET queue_status='failed', error_message=$2, finished_at=$3, updated_at=$3
	      WHERE id=$1 AND queue_status NOT IN ('manual_terminated','test_case')`
	_, err := r.Pool.Exec(ctx, q, experimentID, reason, now)
	if err != nil {
		return fmt.Errorf("op=experiment.mark_failed: %w", err)
	}
	return nil
}

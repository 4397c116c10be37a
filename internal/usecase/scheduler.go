package usecase

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

// CaseScheduler fans the run cases of one message out over a bounded
// worker pool and mirrors each case's progress into its status row.
type CaseScheduler struct {
	cases       domain.CaseRepository
	runner      *CaseRunner
	concurrency int
}

// NewCaseScheduler builds a scheduler running up to concurrency cases at
// once.
func NewCaseScheduler(cases domain.CaseRepository, runner *CaseRunner, concurrency int) *CaseScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CaseScheduler{
		cases:       cases,
		runner:      runner,
		concurrency: concurrency,
	}
}

// RunAll executes every case in the message. All cases are marked queued
// before any container starts so the UI sees the full backlog at once.
// An empty case list is a no-op. It returns an error when at least one
// case did not finish successfully.
func (s *CaseScheduler) RunAll(ctx domain.Context, msg domain.RunMessage) error {
	log := observability.LoggerFromContext(ctx)

	ids := make([]int64, 0, len(msg.RunCases))
	for _, rc := range msg.RunCases {
		ids = append(ids, rc.RunCaseID)
	}
	if err := s.cases.MarkCasesQueued(ctx, msg.Experiment.ID, ids); err != nil {
		return fmt.Errorf("op=scheduler.queue: %w", err)
	}
	if len(msg.RunCases) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		sem    = make(chan struct{}, s.concurrency)
		mu     sync.Mutex
		failed int
	)
	for _, rc := range msg.RunCases {
		wg.Add(1)
		go func(rc domain.RunCase) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			cache := &caseStatusCache{
				cases:        s.cases,
				experimentID: msg.Experiment.ID,
				runCaseID:    rc.RunCaseID,
			}
			res := s.runner.RunCase(ctx, msg, rc, func(p domain.ContainerPhase) {
				cache.observe(ctx, p)
			})
			if res.Trajectory == nil {
				res.Trajectory = []domain.TrajectoryStep{}
			}

			ok := res.Status == domain.CaseSuccess
			if err := s.cases.PersistCaseResult(ctx, msg.Experiment.ID, res); err != nil {
				log.Error("case result persist failed",
					slog.Int64("run_case_id", rc.RunCaseID), slog.Any("error", err))
				ok = false
			}
			if !ok {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(rc)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("op=scheduler.run: %d/%d run cases failed: %w",
			failed, len(msg.RunCases), domain.ErrInternal)
	}
	return nil
}

// caseStatusCache pushes one case's status transitions derived from its
// phase events, suppressing repeat writes. Scoring is refcounted across
// the case's concurrent scorers so the status only falls back to
// trajectory once the last scorer finishes.
type caseStatusCache struct {
	cases        domain.CaseRepository
	experimentID int64
	runCaseID    int64

	mu      sync.Mutex
	last    domain.CaseStatus
	scoring int
}

func (c *caseStatusCache) observe(ctx domain.Context, phase domain.ContainerPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch phase {
	case domain.PhaseSandboxConnect, domain.PhaseCaseExec:
		c.set(ctx, domain.CaseRunning)
	case domain.PhaseOTelQuery:
		c.set(ctx, domain.CaseTrajectory)
	case domain.PhaseScoreExec:
		c.scoring++
		if c.scoring == 1 {
			c.set(ctx, domain.CaseScoring)
		}
	case domain.PhaseScoreDone:
		if c.scoring > 0 {
			c.scoring--
		}
		if c.scoring == 0 {
			c.set(ctx, domain.CaseTrajectory)
		}
	}
}

// set writes the status only when it changed. Callers hold c.mu.
func (c *caseStatusCache) set(ctx domain.Context, status domain.CaseStatus) {
	if c.last == status {
		return
	}
	if err := c.cases.MarkCaseStatus(ctx, c.experimentID, c.runCaseID, status); err != nil {
		observability.LoggerFromContext(ctx).Warn("case status update failed",
			slog.Int64("run_case_id", c.runCaseID),
			slog.String("status", string(status)), slog.Any("error", err))
		return
	}
	c.last = status
}

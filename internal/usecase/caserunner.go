package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	obsctx "github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

const persistedLogsTail = 8000

// RunnerConfig carries the worker-level execution settings for cases.
type RunnerConfig struct {
	CaseTimeout       time.Duration
	StartupTimeout    time.Duration
	PullPolicy        string
	CollectorPort     int
	CollectorPath     string
	CollectorEnabled  bool
	ScorerConcurrency int
	ScorerHardTimeout time.Duration
}

// CaseRunner executes one run case end to end: sidecar lease, container
// execution, output normalization, trajectory resolution and scoring. It
// never returns an error; failures become the persisted case result.
type CaseRunner struct {
	containers   domain.ContainerRunner
	sidecars     domain.SidecarPool
	evaluator    domain.Evaluator
	trajectories *TrajectoryResolver
	cfg          RunnerConfig
}

// NewCaseRunner wires a case runner. sidecars and evaluator may be nil
// when mocking or scoring is not configured.
func NewCaseRunner(containers domain.ContainerRunner, sidecars domain.SidecarPool, evaluator domain.Evaluator, trajectories *TrajectoryResolver, cfg RunnerConfig) *CaseRunner {
	if cfg.ScorerConcurrency <= 0 {
		cfg.ScorerConcurrency = 1
	}
	if cfg.ScorerHardTimeout <= 0 {
		cfg.ScorerHardTimeout = 120 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	return &CaseRunner{
		containers:   containers,
		sidecars:     sidecars,
		evaluator:    evaluator,
		trajectories: trajectories,
		cfg:          cfg,
	}
}

// RunCase executes a single case and returns the result to persist.
func (r *CaseRunner) RunCase(ctx domain.Context, msg domain.RunMessage, rc domain.RunCase, onPhase func(domain.ContainerPhase)) domain.CaseResult {
	log := obsctx.LoggerFromContext(ctx).With(
		slog.Int64("experiment_id", msg.Experiment.ID),
		slog.Int64("run_case_id", rc.RunCaseID),
	)
	ctx = obsctx.ContextWithLogger(ctx, log)
	started := time.Now()
	observability.StartCase()

	res := domain.CaseResult{
		RunCaseID:       rc.RunCaseID,
		Status:          domain.CaseFailed,
		ExecutionPolicy: domain.ExecutionPolicyEphemeral,
		InspectEvalID:   uuid.NewString(),
		InspectSampleID: strconv.FormatInt(rc.DataItemID, 10),
		Usage:           map[string]any{},
	}
	defer func() {
		res.LatencyMS = time.Since(started).Milliseconds()
		observability.FinishCase(string(res.Status), time.Since(started))
	}()

	spec, err := domain.ParseRuntimeSpec(msg.Agent)
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("E_RUNTIME_SPEC_INVALID: %v", err)
		log.Error("runtime spec rejected", slog.Any("error", err))
		return res
	}
	res.RuntimeSnapshot = domain.RuntimeSnapshot(spec, msg.Scorers, rc.RunCaseID, started)

	var sidecar domain.MockSidecar
	if r.sidecars != nil && rc.MockConfig != nil {
		sidecar, err = r.sidecars.Acquire(ctx, rc.MockConfig, msg.Experiment.ID, rc.RunCaseID)
		if err != nil {
			res.ErrorMessage = err.Error()
			log.Error("mock sidecar unavailable", slog.Any("error", err))
			return res
		}
		defer sidecar.Release()
	}

	req := r.containerRequest(msg, rc, spec, sidecar, onPhase)
	cres, execErr := r.containers.Execute(ctx, req)
	res.Usage["sandbox_connect_ms"] = cres.SandboxConnectMS
	res.Usage["case_exec_ms"] = cres.CaseExecMS
	observability.CaseDuration.WithLabelValues("sandbox_connect").
		Observe(float64(cres.SandboxConnectMS) / 1000)
	observability.CaseDuration.WithLabelValues("case_exec").
		Observe(float64(cres.CaseExecMS) / 1000)
	res.Logs = tailString(cres.Logs, persistedLogsTail)

	switch {
	case execErr != nil:
		res.ErrorMessage = execErr.Error()
		if isTimeout(execErr) {
			res.Status = domain.CaseTimeout
		}
		log.Error("case execution failed", slog.Any("error", execErr))
	case cres.ExitCode != 0:
		if spec.ExecMode() {
			res.ErrorMessage = fmt.Sprintf("E_AGENT_EXIT_NON_ZERO: exit code %d", cres.ExitCode)
		} else {
			res.ErrorMessage = fmt.Sprintf("E_CASE_EXEC_NON_ZERO: exit code %d", cres.ExitCode)
		}
		log.Error("case exited non-zero", slog.Int("exit_code", cres.ExitCode))
	default:
		res.Status = domain.CaseSuccess
	}

	if execErr == nil {
		parsed := domain.ParseAgentStdout(cres.Logs)
		output, inlineTrajectory := domain.NormalizeAgentOutput(parsed)
		res.Output = output
		res.Trajectory = inlineTrajectory
	}

	if len(res.Trajectory) == 0 && r.trajectories != nil {
		phase(onPhase, domain.PhaseOTelQuery)
		res.Trajectory = r.trajectories.Resolve(ctx, rc.RunCaseID, started)
	}

	res.Scores = r.scoreCase(ctx, msg, rc, &res, onPhase)
	return res
}

// scoreCase runs every configured scorer against the case on a bounded
// pool. A failed case gets sentinel scores without calling the evaluator.
func (r *CaseRunner) scoreCase(ctx domain.Context, msg domain.RunMessage, rc domain.RunCase, res *domain.CaseResult, onPhase func(domain.ContainerPhase)) []domain.ScoreResult {
	if len(msg.Scorers) == 0 {
		return nil
	}
	log := obsctx.LoggerFromContext(ctx)

	if res.Status != domain.CaseSuccess {
		out := make([]domain.ScoreResult, 0, len(msg.Scorers))
		for _, s := range msg.Scorers {
			out = append(out, domain.ScoreResult{
				ScorerKey: s.ScorerKey,
				Score:     domain.ScoreSentinel,
				Reason:    "E_SCORE_DEFAULT_RUN_CASE_FAILED",
			})
		}
		return out
	}

	scores := make([]domain.ScoreResult, len(msg.Scorers))
	scorerUsage := map[string]any{}
	var usageMu sync.Mutex
	sem := make(chan struct{}, r.cfg.ScorerConcurrency)
	var wg sync.WaitGroup

	for i, spec := range msg.Scorers {
		wg.Add(1)
		go func(i int, spec domain.ScorerSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			phase(onPhase, domain.PhaseScoreExec)
			defer phase(onPhase, domain.PhaseScoreDone)

			scoreCtx, cancel := context.WithTimeout(ctx, r.cfg.ScorerHardTimeout)
			defer cancel()

			outcome, err := r.evaluateOne(scoreCtx, spec, rc, res)
			if err != nil {
				scores[i] = domain.ScoreResult{
					ScorerKey: spec.ScorerKey,
					Score:     domain.ScoreSentinel,
					Reason:    scoreFailureReason(err),
				}
				log.Warn("scorer failed",
					slog.String("scorer", spec.ScorerKey), slog.Any("error", err))
				return
			}

			scores[i] = domain.ScoreResult{
				ScorerKey: spec.ScorerKey,
				Score:     outcome.Score,
				Reason:    outcome.Reason,
				Raw:       outcome.Raw,
			}
			observability.ObserveScore(outcome.Score)
			if outcome.Usage != nil {
				usageMu.Lock()
				scorerUsage[spec.ScorerKey] = outcome.Usage
				usageMu.Unlock()
			}
		}(i, spec)
	}
	wg.Wait()

	if len(scorerUsage) > 0 {
		res.Usage["scorers"] = scorerUsage
	}
	return scores
}

func (r *CaseRunner) evaluateOne(ctx domain.Context, spec domain.ScorerSpec, rc domain.RunCase, res *domain.CaseResult) (domain.ScoreOutcome, error) {
	if r.evaluator == nil {
		return domain.ScoreOutcome{}, fmt.Errorf("E_EVALUATOR_NOT_CONFIGURED: %w", domain.ErrInvalidArgument)
	}
	return r.evaluator.Score(ctx, domain.ScoreRequest{
		Scorer:          spec,
		UserInput:       rc.UserInput,
		Trajectory:      res.Trajectory,
		AgentOutput:     res.Output,
		ReferenceOutput: rc.ReferenceOutput,
	})
}

// containerRequest assembles the container spec with the full benchmark
// environment contract.
func (r *CaseRunner) containerRequest(msg domain.RunMessage, rc domain.RunCase, spec domain.RuntimeSpec, sidecar domain.MockSidecar, onPhase func(domain.ContainerPhase)) domain.ContainerRequest {
	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}

	env["BENCHMARK_EXPERIMENT_ID"] = strconv.FormatInt(msg.Experiment.ID, 10)
	env["BENCHMARK_DATASET_ID"] = strconv.FormatInt(msg.Dataset.ID, 10)
	env["BENCHMARK_RUN_CASE_ID"] = strconv.FormatInt(rc.RunCaseID, 10)
	env["BENCHMARK_DATA_ITEM_ID"] = strconv.FormatInt(rc.DataItemID, 10)
	env["BENCHMARK_ATTEMPT_NO"] = strconv.Itoa(rc.AttemptNo)
	env["BENCHMARK_USER_INPUT"] = rc.UserInput
	env["BENCHMARK_SESSION_JSONL"] = rc.SessionJSONL
	env["BENCHMARK_AGENT_RUNTIME_SPEC"] = msg.Agent.RuntimeSpecJSON
	mockJSON, err := json.Marshal(rc.MockConfig)
	if err != nil {
		mockJSON = []byte("null")
	}
	env["BENCHMARK_MOCK_CONFIG"] = string(mockJSON)
	if rc.TraceID != "" {
		env["BENCHMARK_TRACE_ID"] = rc.TraceID
	}

	if r.cfg.CollectorEnabled {
		endpoint := fmt.Sprintf("http://host.docker.internal:%d", r.cfg.CollectorPort)
		env["OTEL_EXPORTER_OTLP_ENDPOINT"] = endpoint
		env["OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"] = endpoint + r.cfg.CollectorPath
		env["OTEL_EXPORTER_OTLP_PROTOCOL"] = "http/protobuf"
	}
	resourceAttrs := fmt.Sprintf("benchmark.experiment_id=%d,benchmark.run_case_id=%d,benchmark.data_item_id=%d",
		msg.Experiment.ID, rc.RunCaseID, rc.DataItemID)
	env["OTEL_RESOURCE_ATTRIBUTES"] = appendCSV(env["OTEL_RESOURCE_ATTRIBUTES"], resourceAttrs)
	otlpHeaders := fmt.Sprintf("x-benchmark-experiment-id=%d,x-benchmark-run-case-id=%d,x-benchmark-data-item-id=%d",
		msg.Experiment.ID, rc.RunCaseID, rc.DataItemID)
	env["OTEL_EXPORTER_OTLP_HEADERS"] = appendCSV(env["OTEL_EXPORTER_OTLP_HEADERS"], otlpHeaders)
	env["OTEL_EXPORTER_OTLP_TRACES_HEADERS"] = appendCSV(env["OTEL_EXPORTER_OTLP_TRACES_HEADERS"], otlpHeaders)

	if sidecar != nil {
		proxy := sidecar.Endpoint()
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"} {
			env[key] = proxy
			env[strings.ToLower(key)] = proxy
		}
		noProxy := "localhost,127.0.0.1,host.docker.internal"
		env["NO_PROXY"] = appendCSV(env["NO_PROXY"], noProxy)
		env["no_proxy"] = env["NO_PROXY"]
		env["BENCHMARK_MOCK_BASE_URL"] = proxy
	}

	pullPolicy := spec.PullPolicy
	if pullPolicy == "" {
		pullPolicy = r.cfg.PullPolicy
	}

	return domain.ContainerRequest{
		Name:                fmt.Sprintf("bench-case-%d", rc.RunCaseID),
		Image:               spec.AgentImage,
		PullPolicy:          pullPolicy,
		Env:                 env,
		Network:             spec.Network,
		Command:             spec.AgentCommand,
		ExecCommand:         spec.ExecCommand,
		AfterExecCommand:    spec.AfterExecCommand,
		StartupTimeout:      secondsOr(spec.StartupTimeoutSeconds, r.cfg.StartupTimeout),
		StartupPollInterval: secondsOr(spec.StartupPollIntervalSeconds, 500*time.Millisecond),
		CaseTimeout:         r.cfg.CaseTimeout,
		OnPhase:             onPhase,
	}
}

func scoreFailureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "E_SCORE_DEFAULT_SCORER_TIMEOUT"
	case strings.Contains(err.Error(), "E_EVALUATOR_NOT_CONFIGURED"):
		return "E_SCORE_DEFAULT_EVALUATOR_CONFIG_MISSING"
	default:
		return "E_SCORE_DEFAULT_EVALUATOR_CALL_FAILED: " + truncateTail(err.Error(), 300)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "E_CASE_EXEC_TIMEOUT")
}

func phase(onPhase func(domain.ContainerPhase), p domain.ContainerPhase) {
	if onPhase != nil {
		onPhase(p)
	}
}

func appendCSV(existing, added string) string {
	if existing == "" {
		return added
	}
	return existing + "," + added
}

func secondsOr(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

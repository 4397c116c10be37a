// Package domain holds the core entities and ports of the benchmark
// execution worker. Adapters depend on this package, never the other way
// around.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrNotFound                 = errors.New("not found")
	ErrConflict                 = errors.New("conflict")
	ErrUnsupportedMessageType   = errors.New("unsupported message type")
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema version")
	ErrDuplicateInFlight        = errors.New("duplicate message in flight")
	ErrRetriesExceeded          = errors.New("run retries exceeded")
	ErrInternal                 = errors.New("internal error")
)

// MessageTypeRunRequested is the only message type this worker consumes.
const MessageTypeRunRequested = "experiment.run.requested"

// SchemaVersionV2 is the supported envelope schema version.
const SchemaVersionV2 = "v2"

// ExecutionPolicyEphemeral names the one execution policy implemented here.
const ExecutionPolicyEphemeral = "ephemeral_container_per_case"

// ScoreSentinel is recorded when no real score could be produced.
const ScoreSentinel = -1.0

// CaseStatus enumerates run case lifecycle states.
type CaseStatus string

const (
	CasePending    CaseStatus = "pending"
	CaseQueued     CaseStatus = "queued"
	CaseRunning    CaseStatus = "running"
	CaseTrajectory CaseStatus = "trajectory"
	CaseScoring    CaseStatus = "scoring"
	CaseSuccess    CaseStatus = "success"
	CaseFailed     CaseStatus = "failed"
	CaseTimeout    CaseStatus = "timeout"
)

// ExperimentStatus enumerates experiment queue states.
type ExperimentStatus string

const (
	ExperimentIdle             ExperimentStatus = "idle"
	ExperimentQueued           ExperimentStatus = "queued"
	ExperimentConsuming        ExperimentStatus = "consuming"
	ExperimentDone             ExperimentStatus = "done"
	ExperimentFailed           ExperimentStatus = "failed"
	ExperimentManualTerminated ExperimentStatus = "manual_terminated"
	ExperimentTestCase         ExperimentStatus = "test_case"
)

// Terminal reports whether the status can no longer change through
// reconciliation. Manual termination and test-case pinning are sticky.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentManualTerminated || s == ExperimentTestCase
}

// RunMessage is the experiment.run.requested envelope.
type RunMessage struct {
	MessageType   string          `json:"message_type" validate:"required"`
	SchemaVersion string          `json:"schema_version"`
	MessageID     string          `json:"message_id"`
	ProducedAt    string          `json:"produced_at"`
	Source        string          `json:"source"`
	Experiment    ExperimentRef   `json:"experiment" validate:"required"`
	Dataset       DatasetRef      `json:"dataset"`
	Agent         AgentRef        `json:"agent" validate:"required"`
	Scorers       []ScorerSpec    `json:"scorers"`
	RunCases      []RunCase       `json:"run_cases" validate:"dive"`
	ConsumerHints map[string]any  `json:"consumer_hints,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// ExperimentRef identifies the experiment a message belongs to.
type ExperimentRef struct {
	ID          int64  `json:"id" validate:"required,gt=0"`
	TriggeredBy string `json:"triggered_by"`
}

// DatasetRef identifies the dataset the run cases were drawn from.
type DatasetRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AgentRef describes the agent under benchmark.
type AgentRef struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	AgentKey        string `json:"agent_key"`
	Version         string `json:"version"`
	RuntimeSpecJSON string `json:"runtime_spec_json"`
}

// ScorerSpec configures one evaluator attached to the experiment.
type ScorerSpec struct {
	ScorerKey string       `json:"scorer_key" validate:"required"`
	Type      string       `json:"type"`
	Config    ScorerConfig `json:"config"`
}

// ScorerConfig carries the LLM evaluator connection settings.
type ScorerConfig struct {
	BaseURL               string  `json:"base_url"`
	APIKey                string  `json:"api_key"`
	ModelName             string  `json:"model_name"`
	PromptTemplate        string  `json:"prompt_template"`
	APIStyle              string  `json:"api_style"`
	TimeoutSeconds        float64 `json:"timeout_seconds"`
	ConnectTimeoutSeconds float64 `json:"connect_timeout_seconds"`
	MaxRetries            int     `json:"max_retries"`
	RetryBackoffSeconds   float64 `json:"retry_backoff_seconds"`
}

// RunCase is a single benchmark sample to execute.
type RunCase struct {
	RunCaseID           int64           `json:"run_case_id" validate:"required,gt=0"`
	DataItemID          int64           `json:"data_item_id"`
	AttemptNo           int             `json:"attempt_no"`
	SessionJSONL        string          `json:"session_jsonl"`
	UserInput           string          `json:"user_input"`
	TraceID             string          `json:"trace_id,omitempty"`
	ReferenceTrajectory json.RawMessage `json:"reference_trajectory,omitempty"`
	ReferenceOutput     json.RawMessage `json:"reference_output,omitempty"`
	MockConfig          *MockConfig     `json:"mock_config,omitempty"`
}

// MockConfig configures the per-case mock sidecar gateway.
type MockConfig struct {
	Passthrough *bool      `json:"passthrough,omitempty"`
	Rules       []MockRule `json:"rules,omitempty"`
}

// PassthroughEnabled reports whether unmatched requests should be proxied
// upstream. Defaults to true when unset.
func (m *MockConfig) PassthroughEnabled() bool {
	if m == nil || m.Passthrough == nil {
		return true
	}
	return *m.Passthrough
}

// MockRule matches requests and shapes the canned response.
type MockRule struct {
	Name     string       `json:"name"`
	Match    MockMatch    `json:"match"`
	Response MockResponse `json:"response"`
}

// MockMatch selects requests by method, URL, host and path.
type MockMatch struct {
	Methods   []string `json:"methods,omitempty"`
	URL       string   `json:"url,omitempty"`
	URLRegex  string   `json:"url_regex,omitempty"`
	Host      string   `json:"host,omitempty"`
	Path      string   `json:"path,omitempty"`
	PathRegex string   `json:"path_regex,omitempty"`
}

// MockResponse is the canned reply for a matched rule.
type MockResponse struct {
	Type       string            `json:"type"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	JSONBody   json.RawMessage   `json:"json_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	PythonCode string            `json:"python_code,omitempty"`
}

// RuntimeSpec is the parsed agent.runtime_spec_json.
type RuntimeSpec struct {
	RuntimeType                string            `json:"runtime_type"`
	AgentImage                 string            `json:"agent_image"`
	AgentCommand               string            `json:"agent_command,omitempty"`
	ExecCommand                string            `json:"exec_command,omitempty"`
	AfterExecCommand           string            `json:"after_exec_command,omitempty"`
	Env                        map[string]string `json:"env,omitempty"`
	Network                    string            `json:"network,omitempty"`
	Services                   json.RawMessage   `json:"services,omitempty"`
	Sandbox                    json.RawMessage   `json:"sandbox,omitempty"`
	PullPolicy                 string            `json:"pull_policy,omitempty"`
	StartupTimeoutSeconds      float64           `json:"startup_timeout_seconds,omitempty"`
	StartupPollIntervalSeconds float64           `json:"startup_poll_interval_seconds,omitempty"`
}

// ExecMode reports whether the case runs through docker exec against a
// long-lived container rather than a one-shot run.
func (r RuntimeSpec) ExecMode() bool { return r.ExecCommand != "" }

// TrajectoryStep is one normalized step of the agent trajectory.
type TrajectoryStep struct {
	Step         int              `json:"step"`
	SpanID       string           `json:"span_id,omitempty"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	Name         string           `json:"name"`
	StartTimeMS  int64            `json:"start_time_ms,omitempty"`
	EndTimeMS    int64            `json:"end_time_ms,omitempty"`
	LatencyMS    int64            `json:"latency_ms"`
	Status       string           `json:"status,omitempty"`
	Attributes   map[string]any   `json:"attributes,omitempty"`
	Events       []map[string]any `json:"events,omitempty"`
}

// ScoreResult is one scorer's verdict on a case.
type ScoreResult struct {
	ScorerKey string         `json:"scorer_key"`
	Score     float64        `json:"score"`
	Reason    string         `json:"reason"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// CaseResult is everything persisted for one executed run case.
type CaseResult struct {
	RunCaseID       int64            `json:"run_case_id"`
	Status          CaseStatus       `json:"status"`
	Trajectory      []TrajectoryStep `json:"trajectory"`
	Output          map[string]any   `json:"output"`
	LatencyMS       int64            `json:"latency_ms"`
	Logs            string           `json:"logs"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	RuntimeSnapshot map[string]any   `json:"runtime_snapshot"`
	InspectEvalID   string           `json:"inspect_eval_id,omitempty"`
	InspectSampleID string           `json:"inspect_sample_id,omitempty"`
	Usage           map[string]any   `json:"usage,omitempty"`
	Scores          []ScoreResult    `json:"scores,omitempty"`
	ExecutionPolicy string           `json:"execution_policy"`
}

// SpanRecord is a normalized OTLP span as stored in otel_traces.
type SpanRecord struct {
	ID                 string
	TraceID            string
	SpanID             string
	ParentSpanID       string
	Name               string
	ServiceName        string
	Status             string
	Attributes         map[string]any
	ResourceAttributes map[string]any
	ScopeAttributes    map[string]any
	ScopeName          string
	ScopeVersion       string
	StartTime          time.Time
	EndTime            time.Time
	RunCaseID          int64
	ExperimentID       int64
	Events             []map[string]any
	Raw                map[string]any
	CreatedAt          time.Time
}

// LogRecord is a normalized OTLP log as stored in otel_logs.
type LogRecord struct {
	ID                     string
	TraceID                string
	SpanID                 string
	SeverityText           string
	SeverityNumber         int
	BodyText               string
	BodyJSON               map[string]any
	Attributes             map[string]any
	ResourceAttributes     map[string]any
	ServiceName            string
	Flags                  uint32
	DroppedAttributesCount uint32
	EventTime              time.Time
	ObservedTime           time.Time
	RunCaseID              int64
	ExperimentID           int64
	Raw                    map[string]any
	CreatedAt              time.Time
}

// ExperimentQueueState is the pre-flight snapshot of an experiment.
type ExperimentQueueState struct {
	ID             int64
	QueueStatus    ExperimentStatus
	QueueMessageID string
}

// CaseRepository persists run case state and results.
type CaseRepository interface {
	MarkCasesQueued(ctx Context, experimentID int64, runCaseIDs []int64) error
	MarkCaseStatus(ctx Context, experimentID, runCaseID int64, status CaseStatus) error
	PersistCaseResult(ctx Context, experimentID int64, res CaseResult) error
}

// ExperimentRepository reads and writes experiment queue state.
type ExperimentRepository interface {
	QueueState(ctx Context, experimentID int64) (ExperimentQueueState, error)
	SetQueueStatus(ctx Context, experimentID int64, status ExperimentStatus) error
	MarkFailed(ctx Context, experimentID int64, reason string) error
}

// TelemetryRepository stores and queries captured OTLP telemetry.
type TelemetryRepository interface {
	InsertSpans(ctx Context, spans []SpanRecord) (int, error)
	InsertLogs(ctx Context, logs []LogRecord) (int, error)
	SpansByRunCase(ctx Context, runCaseID int64, from, to time.Time, limit int) ([]SpanRecord, error)
	LogsByRunCase(ctx Context, runCaseID int64, from, to time.Time, limit int) ([]LogRecord, error)
}

// IdempotencyGate deduplicates message processing across worker restarts
// and replicas.
type IdempotencyGate interface {
	AlreadyProcessed(ctx Context, suffix string) (bool, error)
	AcquireProcessing(ctx Context, suffix string) (bool, error)
	MarkProcessed(ctx Context, suffix string) error
	ReleaseProcessing(ctx Context, suffix string) error
}

// ContainerPhase identifies a lifecycle phase reported while a case runs.
type ContainerPhase string

const (
	PhaseSandboxConnect ContainerPhase = "sandbox_connect"
	PhaseCaseExec       ContainerPhase = "case_exec"
	PhaseOTelQuery      ContainerPhase = "otel_query"
	PhaseScoreExec      ContainerPhase = "score_exec"
	PhaseScoreDone      ContainerPhase = "score_done"
)

// ContainerRequest describes one ephemeral container execution.
type ContainerRequest struct {
	Name                string
	Image               string
	PullPolicy          string
	Env                 map[string]string
	Network             string
	Command             string
	ExecCommand         string
	AfterExecCommand    string
	StartupTimeout      time.Duration
	StartupPollInterval time.Duration
	CaseTimeout         time.Duration
	OnPhase             func(ContainerPhase)
}

// ContainerResult is the outcome of a container execution.
type ContainerResult struct {
	ExitCode         int
	Logs             string
	SandboxConnectMS int64
	CaseExecMS       int64
}

// ContainerRunner runs a case inside an ephemeral container.
type ContainerRunner interface {
	Execute(ctx Context, req ContainerRequest) (ContainerResult, error)
}

// ScoreRequest is the evaluator input for one (case, scorer) pair.
type ScoreRequest struct {
	Scorer          ScorerSpec
	UserInput       string
	Trajectory      []TrajectoryStep
	AgentOutput     map[string]any
	ReferenceOutput json.RawMessage
	Tools           any
}

// ScoreOutcome is the evaluator verdict plus bookkeeping.
type ScoreOutcome struct {
	Score  float64
	Reason string
	Raw    map[string]any
	Usage  map[string]any
}

// Evaluator scores an executed case with an LLM judge.
type Evaluator interface {
	Score(ctx Context, req ScoreRequest) (ScoreOutcome, error)
}

// MockSidecar is a leased handle on a shared mock gateway instance.
type MockSidecar interface {
	Endpoint() string
	LocalEndpoint() string
	Release()
}

// SidecarPool hands out refcounted mock gateway leases.
type SidecarPool interface {
	Acquire(ctx Context, cfg *MockConfig, experimentID, runCaseID int64) (MockSidecar, error)
}

// Context aliases context.Context so ports and adapters read cleanly.
type Context = context.Context

// Package scorer calls an LLM judge to grade executed run cases.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

// API styles the evaluator endpoint can speak.
const (
	StyleOpenAI    = "openai"
	StyleAnthropic = "anthropic"
)

const (
	anthropicVersion = "2023-06-01"
	jsonOnlySystem   = "You are a strict grader. Respond with a single JSON object and nothing else."
	defaultReason    = "no reason provided"
)

// Retryable HTTP statuses. Everything else fails the attempt permanently.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const defaultPromptTemplate = `Grade the AI agent's answer against the reference.

User input:
{{user_input}}

Agent trajectory:
{{trajectory}}

Agent output:
{{agent_output}}

Reference output:
{{reference_output}}

Available tools:
{{tools}}

Respond with a JSON object: {"score": <0.0-1.0>, "reason": "<one sentence>"}`

// Defaults are the worker-level evaluator settings. Per-scorer config from
// the run message overrides any field it sets.
type Defaults struct {
	BaseURL        string
	APIKey         string
	Model          string
	APIStyle       string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Client implements domain.Evaluator over HTTP.
type Client struct {
	defaults Defaults
	httpc    *http.Client
}

var _ domain.Evaluator = (*Client)(nil)

// NewClient builds an evaluator client. The HTTP client's timeout is the
// per-attempt ceiling; retries stack on top of it.
func NewClient(defaults Defaults) *Client {
	if defaults.APIStyle == "" {
		defaults.APIStyle = StyleOpenAI
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 90 * time.Second
	}
	if defaults.ConnectTimeout <= 0 {
		defaults.ConnectTimeout = 15 * time.Second
	}
	if defaults.RetryBackoff <= 0 {
		defaults.RetryBackoff = time.Second
	}
	return &Client{
		defaults: defaults,
		httpc: &http.Client{
			Timeout: defaults.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: defaults.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   defaults.ConnectTimeout,
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: defaults.Timeout,
			},
		},
	}
}

type resolved struct {
	baseURL  string
	apiKey   string
	model    string
	apiStyle string
	template string
	timeout  time.Duration
	retries  int
	wait     time.Duration
}

func (c *Client) resolve(spec domain.ScorerSpec) resolved {
	r := resolved{
		baseURL:  c.defaults.BaseURL,
		apiKey:   c.defaults.APIKey,
		model:    c.defaults.Model,
		apiStyle: c.defaults.APIStyle,
		template: defaultPromptTemplate,
		timeout:  c.defaults.Timeout,
		retries:  c.defaults.MaxRetries,
		wait:     c.defaults.RetryBackoff,
	}
	cfg := spec.Config
	if cfg.BaseURL != "" {
		r.baseURL = cfg.BaseURL
	}
	if cfg.APIKey != "" {
		r.apiKey = cfg.APIKey
	}
	if cfg.ModelName != "" {
		r.model = cfg.ModelName
	}
	if cfg.APIStyle != "" {
		r.apiStyle = cfg.APIStyle
	}
	if cfg.PromptTemplate != "" {
		r.template = cfg.PromptTemplate
	}
	if cfg.TimeoutSeconds > 0 {
		r.timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	}
	if cfg.MaxRetries > 0 {
		r.retries = cfg.MaxRetries
	}
	if cfg.RetryBackoffSeconds > 0 {
		r.wait = time.Duration(cfg.RetryBackoffSeconds * float64(time.Second))
	}
	return r
}

// Score grades one case with one scorer. Transport failures and retryable
// HTTP statuses are retried with exponential backoff; a judge reply with
// no extractable score is a permanent failure.
func (c *Client) Score(ctx domain.Context, req domain.ScoreRequest) (domain.ScoreOutcome, error) {
	log := observability.LoggerFromContext(ctx)
	cfg := c.resolve(req.Scorer)
	if cfg.baseURL == "" {
		return domain.ScoreOutcome{}, fmt.Errorf("E_EVALUATOR_NOT_CONFIGURED: scorer=%s: %w",
			req.Scorer.ScorerKey, domain.ErrInvalidArgument)
	}

	prompt := RenderPrompt(cfg.template, req)

	var body []byte
	var usedStyle string
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()

		var err error
		body, usedStyle, err = c.post(attemptCtx, log, cfg, prompt)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(cfg.wait)),
		uint64(cfg.retries),
	), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("evaluator attempt failed",
			slog.String("scorer", req.Scorer.ScorerKey),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return domain.ScoreOutcome{}, err
	}

	text, usage, err := extractJudgeText(usedStyle, body)
	if err != nil {
		return domain.ScoreOutcome{}, err
	}
	if usage == nil {
		usage = estimateUsage(prompt, text)
	}

	rawScore, reason, raw, err := ParseVerdict(text)
	if err != nil {
		return domain.ScoreOutcome{}, err
	}

	return domain.ScoreOutcome{
		Score:  NormalizeScore(rawScore),
		Reason: reason,
		Raw:    raw,
		Usage:  usage,
	}, nil
}

// post sends one evaluator attempt. An anthropic-style endpoint that
// rejects /messages gets a second chance in the openai shape, which is
// what mixed-provider proxies usually accept.
func (c *Client) post(ctx domain.Context, log *slog.Logger, cfg resolved, prompt string) ([]byte, string, error) {
	body, err := c.postStyle(ctx, cfg, cfg.apiStyle, prompt)
	if err == nil {
		return body, cfg.apiStyle, nil
	}
	if cfg.apiStyle == StyleAnthropic && isHTTPFailure(err) {
		log.Warn("anthropic endpoint refused, falling back to openai shape", slog.Any("error", err))
		if body, fbErr := c.postStyle(ctx, cfg, StyleOpenAI, prompt); fbErr == nil {
			return body, StyleOpenAI, nil
		}
	}
	return nil, "", err
}

func (c *Client) postStyle(ctx domain.Context, cfg resolved, style, prompt string) ([]byte, error) {
	url, payload, headers := buildRequest(cfg, style, prompt)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=scorer.marshal: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=scorer.request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("E_EVALUATOR_TRANSPORT: op=scorer.post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("E_EVALUATOR_TRANSPORT: op=scorer.read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		httpErr := &httpError{status: resp.StatusCode, body: truncate(string(body), 300)}
		if retryableStatus[resp.StatusCode] {
			return nil, httpErr
		}
		return nil, backoff.Permanent(httpErr)
	}
	return body, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("E_EVALUATOR_HTTP_%d: op=scorer.post: %s", e.status, e.body)
}

func isHTTPFailure(err error) bool {
	var he *httpError
	return errors.As(err, &he)
}

func buildRequest(cfg resolved, style, prompt string) (string, map[string]any, map[string]string) {
	base := strings.TrimRight(cfg.baseURL, "/")
	if style == StyleAnthropic {
		payload := map[string]any{
			"model":      cfg.model,
			"max_tokens": 512,
			"system":     jsonOnlySystem,
			"messages":   []map[string]any{{"role": "user", "content": prompt}},
		}
		headers := map[string]string{
			"x-api-key":         cfg.apiKey,
			"anthropic-version": anthropicVersion,
		}
		return base + "/messages", payload, headers
	}

	payload := map[string]any{
		"model":       cfg.model,
		"temperature": 0,
		"messages": []map[string]any{
			{"role": "system", "content": jsonOnlySystem},
			{"role": "user", "content": prompt},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	headers := map[string]string{}
	if cfg.apiKey != "" {
		headers["Authorization"] = "Bearer " + cfg.apiKey
	}
	return base + "/chat/completions", payload, headers
}

// RenderPrompt fills the scorer's prompt template. Everything except the
// user input is JSON-encoded so the judge sees structure, not Go values.
func RenderPrompt(template string, req domain.ScoreRequest) string {
	trajectory, _ := json.MarshalIndent(req.Trajectory, "", "  ")
	output, _ := json.MarshalIndent(req.AgentOutput, "", "  ")
	tools, _ := json.Marshal(req.Tools)
	reference := string(req.ReferenceOutput)
	if reference == "" {
		reference = "null"
	}

	r := strings.NewReplacer(
		"{{user_input}}", req.UserInput,
		"{{trajectory}}", string(trajectory),
		"{{agent_output}}", string(output),
		"{{reference_output}}", reference,
		"{{tools}}", string(tools),
	)
	return r.Replace(template)
}

// extractJudgeText pulls the assistant text and token usage out of the
// provider response.
func extractJudgeText(style string, body []byte) (string, map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, fmt.Errorf("E_EVALUATOR_INVALID_JSON: op=scorer.decode: %w", err)
	}
	usage, _ := parsed["usage"].(map[string]any)

	if style == StyleAnthropic {
		if content, ok := parsed["content"].([]any); ok {
			var parts []string
			for _, item := range content {
				if m, ok := item.(map[string]any); ok {
					if text, ok := m["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), usage, nil
			}
		}
		return "", nil, fmt.Errorf("E_EVALUATOR_EMPTY_CONTENT: %w", domain.ErrInternal)
	}

	if choices, ok := parsed["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if text, ok := msg["content"].(string); ok && strings.TrimSpace(text) != "" {
					return text, usage, nil
				}
			}
		}
	}
	return "", nil, fmt.Errorf("E_EVALUATOR_EMPTY_CONTENT: %w", domain.ErrInternal)
}

// ParseVerdict extracts the judge's JSON verdict from its reply text. The
// reply is scanned from the last line backwards for a JSON object; code
// fences and surrounding prose are tolerated.
func ParseVerdict(text string) (score float64, reason string, raw map[string]any, err error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, "", nil, fmt.Errorf("E_EVALUATOR_EMPTY_CONTENT: %w", domain.ErrInternal)
	}

	obj := findJSONObject(trimmed)
	if obj == nil {
		return 0, "", nil, fmt.Errorf("E_EVALUATOR_INVALID_JSON: %s: %w",
			truncate(trimmed, 200), domain.ErrInternal)
	}

	score, ok := numberField(obj, "score")
	if !ok {
		return 0, "", nil, fmt.Errorf("E_EVALUATOR_SCORE_INVALID: %s: %w",
			truncate(trimmed, 200), domain.ErrInternal)
	}
	reason, _ = obj["reason"].(string)
	if reason == "" {
		reason = defaultReason
	}
	return score, reason, obj, nil
}

// NormalizeScore maps a raw judge score onto the grading scale. Exact
// grades pass through; anything else is staircased.
func NormalizeScore(raw float64) float64 {
	switch raw {
	case 0, 0.5, 1:
		return raw
	}
	switch {
	case raw >= 0.9:
		return 1.0
	case raw >= 0.6:
		return 0.5
	default:
		return 0.0
	}
}

func findJSONObject(text string) map[string]any {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if obj := decodeObject(lines[i]); obj != nil {
			return obj
		}
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if obj := decodeObject(text[start : end+1]); obj != nil {
				return obj
			}
		}
	}
	return nil
}

func decodeObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

func numberField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// estimateUsage approximates token counts when the provider omits usage.
func estimateUsage(prompt, completion string) map[string]any {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	in := len(enc.Encode(prompt, nil, nil))
	out := len(enc.Encode(completion, nil, nil))
	return map[string]any{
		"prompt_tokens":     in,
		"completion_tokens": out,
		"total_tokens":      in + out,
		"estimated":         true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

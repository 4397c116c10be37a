package scorer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/scorer"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

func openAIReply(t *testing.T, content string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	})
	require.NoError(t, err)
	return raw
}

func scoreReq(key string) domain.ScoreRequest {
	return domain.ScoreRequest{
		Scorer:      domain.ScorerSpec{ScorerKey: key},
		UserInput:   "what is 2+2?",
		AgentOutput: map[string]any{"answer": "4"},
	}
}

func TestClient_ScoreOpenAI(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write(openAIReply(t, `{"score": 0.95, "reason": "correct"}`))
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL, APIKey: "sk-test", Model: "judge-1"})
	out, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, "correct", out.Reason)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, float64(10), out.Usage["prompt_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, gotBody["response_format"])
}

func TestClient_ScoreAnthropicStyle(t *testing.T) {
	var gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		require.Equal(t, "/messages", r.URL.Path)
		raw, _ := json.Marshal(map[string]any{
			"content": []any{map[string]any{"type": "text", "text": `{"score": 0.7, "reason": "mostly right"}`}},
		})
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL, APIStyle: scorer.StyleAnthropic, APIKey: "ak"})
	out, err := c.Score(context.Background(), scoreReq("style"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.Score)
	assert.NotEmpty(t, gotVersion)
	// Provider sent no usage block, so tokens are estimated.
	assert.Equal(t, true, out.Usage["estimated"])
}

func TestClient_AnthropicFallsBackToOpenAIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages":
			w.WriteHeader(http.StatusNotFound)
		case "/chat/completions":
			_, _ = w.Write(openAIReply(t, `{"score": 1, "reason": "exact"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL, APIStyle: scorer.StyleAnthropic})
	out, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, "exact", out.Reason)
}

func TestClient_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(openAIReply(t, `{"score": 0.2, "reason": "wrong"}`))
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL, MaxRetries: 2, RetryBackoff: time.Millisecond})
	out, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Score)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_PermanentOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL, MaxRetries: 3, RetryBackoff: time.Millisecond})
	_, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_EVALUATOR_HTTP_401")
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestClient_NoJSONInReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(openAIReply(t, "I cannot grade this."))
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: srv.URL})
	_, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_EVALUATOR_INVALID_JSON")
}

func TestClient_ScorerConfigOverridesDefaults(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		_, _ = w.Write(openAIReply(t, `{"score": 1, "reason": "ok"}`))
	}))
	defer srv.Close()

	c := scorer.NewClient(scorer.Defaults{BaseURL: "http://unused.invalid", Model: "default-judge"})
	req := scoreReq("accuracy")
	req.Scorer.Config = domain.ScorerConfig{BaseURL: srv.URL, ModelName: "per-scorer-judge"}
	out, err := c.Score(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, "per-scorer-judge", gotModel)
}

func TestClient_NotConfigured(t *testing.T) {
	c := scorer.NewClient(scorer.Defaults{})
	_, err := c.Score(context.Background(), scoreReq("accuracy"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestParseVerdict_Shapes(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		score   float64
		reason  string
		errCode string
	}{
		{"plain object", `{"score": 0.8, "reason": "close"}`, 0.8, "close", ""},
		{"prose then object", "Here is my grade:\n{\"score\": 0.4}", 0.4, "no reason provided", ""},
		{"string score", `{"score": "0.9"}`, 0.9, "no reason provided", ""},
		{"fenced json", "```json\n{\"score\": 1.0, \"reason\": \"exact\"}\n```", 1.0, "exact", ""},
		{"no json", "no verdict here", 0, "", "E_EVALUATOR_INVALID_JSON"},
		{"non numeric score", `{"score": "great"}`, 0, "", "E_EVALUATOR_SCORE_INVALID"},
		{"empty", "   ", 0, "", "E_EVALUATOR_EMPTY_CONTENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, reason, _, err := scorer.ParseVerdict(tc.text)
			if tc.errCode != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestNormalizeScore(t *testing.T) {
	// Exact grades pass through untouched.
	assert.Equal(t, 0.0, scorer.NormalizeScore(0))
	assert.Equal(t, 0.5, scorer.NormalizeScore(0.5))
	assert.Equal(t, 1.0, scorer.NormalizeScore(1))
	// Everything else staircases.
	assert.Equal(t, 1.0, scorer.NormalizeScore(0.95))
	assert.Equal(t, 1.0, scorer.NormalizeScore(0.9))
	assert.Equal(t, 0.5, scorer.NormalizeScore(0.89))
	assert.Equal(t, 0.5, scorer.NormalizeScore(0.6))
	assert.Equal(t, 0.0, scorer.NormalizeScore(0.59))
}

func TestRenderPrompt(t *testing.T) {
	req := domain.ScoreRequest{
		UserInput:       "hi",
		AgentOutput:     map[string]any{"answer": "hello"},
		ReferenceOutput: json.RawMessage(`{"answer":"hello"}`),
		Trajectory:      []domain.TrajectoryStep{{Step: 1, Name: "respond"}},
	}
	out := scorer.RenderPrompt("in={{user_input}} out={{agent_output}} ref={{reference_output}}", req)
	assert.Contains(t, out, "in=hi")
	assert.Contains(t, out, `"answer": "hello"`)
	assert.NotContains(t, out, "{{")
}

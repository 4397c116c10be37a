package mockgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

const pythonRuleTimeout = 10 * time.Second

// pythonHarness wraps rule code in a tiny runner. The rule must define
// handle(request) and return a dict with optional status, headers and
// body keys.
const pythonHarness = `
import json, sys

request = json.load(sys.stdin)
namespace = {}
exec(sys.argv[1], namespace)
handler = namespace.get("handle")
if handler is None:
    raise RuntimeError("rule code must define handle(request)")
response = handler(request)
if not isinstance(response, dict):
    raise RuntimeError("handle(request) must return a dict")
print(json.dumps(response))
`

// pythonRuleResponse is what the harness prints on success.
type pythonRuleResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// runPythonRule executes a python-typed rule in a subprocess. The request
// is handed to the rule as JSON on stdin so rule code can branch on
// method, path, headers and body.
func runPythonRule(ctx domain.Context, code string, request map[string]any) (pythonRuleResponse, error) {
	var resp pythonRuleResponse

	stdin, err := json.Marshal(request)
	if err != nil {
		return resp, fmt.Errorf("E_MOCK_PYTHON_EXEC: op=mock.python_encode: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, pythonRuleTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "python3", "-c", pythonHarness, code)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return resp, fmt.Errorf("E_MOCK_PYTHON_EXEC: op=mock.python_run: %s: %w", truncateStr(detail, 500), err)
	}

	out := stdout.Bytes()
	// The rule may print diagnostics; the harness emits the response as
	// the final line.
	if i := bytes.LastIndexByte(bytes.TrimSpace(out), '\n'); i >= 0 {
		out = bytes.TrimSpace(out)[i+1:]
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return resp, fmt.Errorf("E_MOCK_PYTHON_BAD_OUTPUT: op=mock.python_decode: %w", err)
	}
	if resp.Status == 0 {
		resp.Status = 200
	}
	return resp, nil
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

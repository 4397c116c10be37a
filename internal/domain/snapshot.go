package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RuntimeSnapshot captures the effective runtime configuration of one case
// execution for later auditing. The hash is computed over the canonical
// JSON encoding of the runtime spec.
func RuntimeSnapshot(spec RuntimeSpec, scorers []ScorerSpec, runCaseID int64, now time.Time) map[string]any {
	scorerKeys := make([]string, 0, len(scorers))
	for _, s := range scorers {
		scorerKeys = append(scorerKeys, s.ScorerKey)
	}
	snap := map[string]any{
		"runtime_spec_hash": canonicalHash(spec),
		"runtime_type":      spec.RuntimeType,
		"agent_image":       spec.AgentImage,
		"agent_command":     spec.AgentCommand,
		"scorers":           scorerKeys,
		"run_case_id":       runCaseID,
		"generated_at":      now.UTC().Format(time.RFC3339),
	}
	if len(spec.Services) > 0 {
		snap["services"] = json.RawMessage(spec.Services)
	}
	if len(spec.Sandbox) > 0 {
		snap["sandbox"] = json.RawMessage(spec.Sandbox)
	}
	return snap
}

func canonicalHash(v any) string {
	// encoding/json sorts map keys, which is canonical enough for struct
	// input here.
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

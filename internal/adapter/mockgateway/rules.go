// Package mockgateway serves canned upstream responses to agents under
// test. Each run case can ship mock rules; unmatched traffic is proxied
// upstream when passthrough is enabled.
package mockgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// compiledRule is a MockRule with its regexes pre-compiled.
type compiledRule struct {
	rule      domain.MockRule
	urlRegex  *regexp.Regexp
	pathRegex *regexp.Regexp
}

func compileRules(rules []domain.MockRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		cr := compiledRule{rule: rule}
		var err error
		if rule.Match.URLRegex != "" {
			if cr.urlRegex, err = regexp.Compile(rule.Match.URLRegex); err != nil {
				return nil, fmt.Errorf("E_MOCK_RULE_INVALID: rule=%d name=%s url_regex: %w", i, rule.Name, err)
			}
		}
		if rule.Match.PathRegex != "" {
			if cr.pathRegex, err = regexp.Compile(rule.Match.PathRegex); err != nil {
				return nil, fmt.Errorf("E_MOCK_RULE_INVALID: rule=%d name=%s path_regex: %w", i, rule.Name, err)
			}
		}
		out = append(out, cr)
	}
	return out, nil
}

// matches checks one request against one rule. Empty matchers are
// wildcards; set matchers must all hold.
func (cr compiledRule) matches(r *http.Request) bool {
	m := cr.rule.Match
	if len(m.Methods) > 0 {
		found := false
		for _, method := range m.Methods {
			if strings.EqualFold(method, r.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	fullURL := requestURL(r)
	if m.URL != "" && m.URL != fullURL {
		return false
	}
	if cr.urlRegex != nil && !cr.urlRegex.MatchString(fullURL) {
		return false
	}
	if m.Host != "" && !strings.EqualFold(m.Host, hostOnly(requestHost(r))) {
		return false
	}
	if m.Path != "" && m.Path != r.URL.Path {
		return false
	}
	if cr.pathRegex != nil && !cr.pathRegex.MatchString(r.URL.Path) {
		return false
	}
	return true
}

// requestURL reconstructs the full URL. Proxy-style requests already carry
// an absolute URI; origin-style ones are rebuilt from the Host header.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + requestHost(r) + r.URL.RequestURI()
}

func requestHost(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i > 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

type rulesFile struct {
	Rules []map[string]any `yaml:"rules"`
}

// LoadRulesFile reads worker-level base rules from a YAML file. These are
// prepended to the per-case rules from the run message.
func LoadRulesFile(path string) ([]domain.MockRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=mock.rules_file path=%s: %w", path, err)
	}
	var parsed rulesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("op=mock.rules_file path=%s: %w", path, err)
	}

	// The rule types carry json tags only, so round-trip through JSON.
	encoded, err := json.Marshal(parsed.Rules)
	if err != nil {
		return nil, fmt.Errorf("op=mock.rules_file path=%s: %w", path, err)
	}
	var rules []domain.MockRule
	if err := json.Unmarshal(encoded, &rules); err != nil {
		return nil, fmt.Errorf("op=mock.rules_file path=%s: %w", path, err)
	}
	return rules, nil
}

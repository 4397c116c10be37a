package mockgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// Pool shares one gateway instance across concurrently running cases. The
// port is fixed, so all in-flight cases must agree on the mock config;
// leases are refcounted and the gateway shuts down when the last case
// releases it.
type Pool struct {
	mu        sync.Mutex
	port      int
	baseRules []domain.MockRule
	otlp      http.Handler

	gw        *Gateway
	signature string
	refs      int
}

var _ domain.SidecarPool = (*Pool)(nil)

// NewPool creates a sidecar pool bound to the given port. baseRules come
// from the worker-level rules file and apply before per-case rules; otlp
// is the embedded collector handler for the gateway's OTLP routes.
func NewPool(port int, baseRules []domain.MockRule, otlp http.Handler) *Pool {
	return &Pool{port: port, baseRules: baseRules, otlp: otlp}
}

type lease struct {
	pool     *Pool
	released sync.Once
}

func (l *lease) Endpoint() string {
	return fmt.Sprintf("http://host.docker.internal:%d", l.pool.port)
}

func (l *lease) LocalEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", l.pool.port)
}

func (l *lease) Release() { l.released.Do(l.pool.release) }

// Acquire leases the shared gateway for one run case. A case whose mock
// config differs from the one currently serving other cases fails with
// E_MOCK_GATEWAY_CONFIG_CONFLICT rather than silently answering from the
// wrong rules.
func (p *Pool) Acquire(_ domain.Context, cfg *domain.MockConfig, experimentID, runCaseID int64) (domain.MockSidecar, error) {
	sig := configSignature(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs > 0 {
		if p.signature != sig {
			return nil, fmt.Errorf("E_MOCK_GATEWAY_CONFIG_CONFLICT: experiment=%d run_case=%d: %w",
				experimentID, runCaseID, domain.ErrConflict)
		}
		p.refs++
		observability.SidecarsActive.Set(float64(p.refs))
		return &lease{pool: p}, nil
	}

	rules := make([]domain.MockRule, 0, len(p.baseRules))
	rules = append(rules, p.baseRules...)
	if cfg != nil {
		rules = append(rules, cfg.Rules...)
	}
	gw, err := NewGateway(rules, cfg.PassthroughEnabled(), p.otlp)
	if err != nil {
		return nil, err
	}
	if err := gw.Start(p.port); err != nil {
		return nil, err
	}

	p.gw = gw
	p.signature = sig
	p.refs = 1
	observability.SidecarsActive.Set(1)
	slog.Info("mock sidecar started",
		slog.Int64("experiment_id", experimentID),
		slog.Int64("run_case_id", runCaseID),
		slog.Int("port", p.port))
	return &lease{pool: p}, nil
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refs--
	observability.SidecarsActive.Set(float64(p.refs))
	if p.refs > 0 {
		return
	}

	gw := p.gw
	p.gw = nil
	p.signature = ""
	p.refs = 0
	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			slog.Warn("mock sidecar shutdown failed", slog.Any("error", err))
		} else {
			slog.Info("mock sidecar stopped")
		}
	}
}

// configSignature canonicalizes a mock config so identical configs share a
// gateway regardless of struct pointer identity.
func configSignature(cfg *domain.MockConfig) string {
	payload := map[string]any{
		"passthrough": cfg.PassthroughEnabled(),
		"rules":       []domain.MockRule{},
	}
	if cfg != nil && len(cfg.Rules) > 0 {
		payload["rules"] = cfg.Rules
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

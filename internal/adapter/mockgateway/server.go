package mockgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

const (
	otlpTracesPath = "/api/otel/v1/traces"
	otlpLogsPath   = "/api/otel/v1/logs"

	// Marks OTLP traffic that arrived through the gateway rather than the
	// collector's own listener.
	viaGatewayHeader = "x-mock-gateway"

	passthroughTimeout = 30 * time.Second
	tunnelDialTimeout  = 10 * time.Second
)

// Hop-by-hop headers must not be forwarded by a proxy.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Gateway is one mock sidecar instance. Agents point their HTTP clients
// (or HTTP_PROXY) at it; matched requests get canned replies and the rest
// is either proxied upstream or refused.
type Gateway struct {
	rules       []compiledRule
	passthrough bool
	otlp        http.Handler
	upstream    *http.Client
	srv         *http.Server
	addr        string
}

// NewGateway assembles a gateway. otlp receives rewritten OTLP exports and
// may be nil when no embedded collector is running.
func NewGateway(rules []domain.MockRule, passthrough bool, otlp http.Handler) (*Gateway, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		rules:       compiled,
		passthrough: passthrough,
		otlp:        otlp,
		upstream: &http.Client{
			Timeout: passthroughTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Start binds the gateway on the port and serves until Shutdown.
func (g *Gateway) Start(port int) error {
	g.addr = fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("op=mock.listen addr=%s: %w", g.addr, err)
	}
	g.srv = &http.Server{Handler: g, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock gateway serve failed", slog.Any("error", err))
		}
	}()
	slog.Info("mock gateway listening", slog.String("addr", g.addr), slog.Int("rules", len(g.rules)),
		slog.Bool("passthrough", g.passthrough))
	return nil
}

// Shutdown stops the gateway.
func (g *Gateway) Shutdown(ctx domain.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		g.handleConnect(w, r)
		return
	}

	switch r.URL.Path {
	case otlpTracesPath, otlpLogsPath:
		g.handleOTLP(w, r)
		return
	}

	for _, cr := range g.rules {
		if cr.matches(r) {
			g.serveRule(w, r, cr.rule)
			return
		}
	}

	if g.passthrough {
		g.proxy(w, r)
		return
	}
	writeGatewayJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "no_mock_rule"})
}

// handleOTLP rewrites the gateway's OTLP routes onto the embedded
// collector paths and hands the request over.
func (g *Gateway) handleOTLP(w http.ResponseWriter, r *http.Request) {
	if g.otlp == nil {
		writeGatewayJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "collector_disabled"})
		return
	}
	rewritten := r.Clone(r.Context())
	rewritten.URL.Path = strings.TrimPrefix(r.URL.Path, "/api/otel")
	rewritten.Header.Set(viaGatewayHeader, "1")
	g.otlp.ServeHTTP(w, rewritten)
}

func (g *Gateway) serveRule(w http.ResponseWriter, r *http.Request, rule domain.MockRule) {
	resp := rule.Response
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	switch resp.Type {
	case "", "json":
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		body := resp.JSONBody
		if body == nil {
			body = json.RawMessage(`{}`)
		}
		_, _ = w.Write(body)

	case "text":
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp.TextBody)

	case "python":
		g.servePythonRule(w, r, rule)

	default:
		writeGatewayJSON(w, http.StatusInternalServerError,
			map[string]any{"ok": false, "error": "unknown_rule_type", "type": resp.Type})
	}
}

func (g *Gateway) servePythonRule(w http.ResponseWriter, r *http.Request, rule domain.MockRule) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	headers := map[string]any{}
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	request := map[string]any{
		"method":  r.Method,
		"url":     requestURL(r),
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"headers": headers,
		"body":    string(body),
	}

	resp, err := runPythonRule(r.Context(), rule.Response.PythonCode, request)
	if err != nil {
		slog.Warn("python mock rule failed", slog.String("rule", rule.Name), slog.Any("error", err))
		writeGatewayJSON(w, http.StatusInternalServerError,
			map[string]any{"ok": false, "error": "python_rule_failed", "detail": err.Error()})
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	switch body := resp.Body.(type) {
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, body)
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.Status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// proxy forwards an unmatched request upstream.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	outURL := requestURL(r)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, r.Body)
	if err != nil {
		writeGatewayJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "bad_upstream_request"})
		return
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)

	resp, err := g.upstream.Do(outReq)
	if err != nil {
		slog.Warn("passthrough failed", slog.String("url", outURL), slog.Any("error", err))
		writeGatewayJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "upstream_unreachable"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	stripHopByHop(header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect tunnels HTTPS traffic when passthrough is on. Mock rules
// cannot see inside the tunnel, so with passthrough off CONNECT is refused
// outright.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !g.passthrough {
		writeGatewayJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "passthrough_disabled"})
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeGatewayJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "hijack_unsupported"})
		return
	}

	upstream, err := net.DialTimeout("tcp", r.Host, tunnelDialTimeout)
	if err != nil {
		writeGatewayJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "upstream_unreachable"})
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}
	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	pipe := func(dst, src net.Conn) {
		defer func() { _ = dst.Close() }()
		defer func() { _ = src.Close() }()
		_, _ = io.Copy(dst, src)
	}
	go pipe(upstream, clientConn)
	go pipe(clientConn, upstream)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func writeGatewayJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

package otelingest

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

// ErrPortInUse signals that another process holds the collector port. The
// worker keeps running without an embedded collector in that case; agents
// can still export to whatever is already bound there.
var ErrPortInUse = errors.New("collector port already in use")

// Collector is the embedded OTLP/HTTP endpoint agents export to while
// their case runs.
type Collector struct {
	addr       string
	tracesPath string
	store      *SpanStore
	router     chi.Router
	srv        *http.Server
}

// NewCollector wires the collector on host:port with the configured traces
// path. Logs are always served on /v1/logs and metrics are accepted and
// discarded on /v1/metrics.
func NewCollector(host string, port int, tracesPath string, store *SpanStore) *Collector {
	if tracesPath == "" {
		tracesPath = "/v1/traces"
	}
	c := &Collector{
		addr:       fmt.Sprintf("%s:%d", host, port),
		tracesPath: tracesPath,
		store:      store,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Post(c.tracesPath, c.handleTraces)
	if c.tracesPath != "/v1/traces" {
		r.Post("/v1/traces", c.handleTraces)
	}
	r.Post("/v1/logs", c.handleLogs)
	r.Post("/v1/metrics", c.handleMetrics)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not_found"})
	})

	c.router = r
	c.srv = &http.Server{
		Addr:              c.addr,
		Handler:           otelhttp.NewHandler(r, "otel-collector"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return c
}

// Handler exposes the router, mainly for tests and for mounting the OTLP
// routes under the mock gateway.
func (c *Collector) Handler() http.Handler { return c.router }

// Addr returns the bound address.
func (c *Collector) Addr() string { return c.addr }

// TracesPath returns the configured trace ingest path.
func (c *Collector) TracesPath() string { return c.tracesPath }

// Start binds the listener and serves until Shutdown. It returns
// ErrPortInUse when the address is taken so the caller can degrade instead
// of crashing.
func (c *Collector) Start() error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			slog.Warn("E_OTEL_COLLECTOR_PORT_IN_USE: embedded collector disabled",
				slog.String("addr", c.addr))
			return ErrPortInUse
		}
		return fmt.Errorf("op=collector.listen: %w", err)
	}

	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("collector serve failed", slog.Any("error", err))
		}
	}()
	slog.Info("embedded otlp collector listening",
		slog.String("addr", c.addr), slog.String("traces_path", c.tracesPath))
	return nil
}

// Shutdown stops the collector.
func (c *Collector) Shutdown(ctx domain.Context) error {
	return c.srv.Shutdown(ctx)
}

func (c *Collector) handleTraces(w http.ResponseWriter, r *http.Request) {
	body, proto3, err := readExportBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
		return
	}
	extra := extraFromHeaders(r.Header)

	var spans []domain.SpanRecord
	if proto3 {
		var req collectortracepb.ExportTraceServiceRequest
		if err := proto.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
			return
		}
		spans = SpansFromProto(&req, extra)
	} else {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
			return
		}
		spans = SpansFromJSON(payload, extra)
	}

	inserted := c.store.AddSpans(r.Context(), spans)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": inserted})
}

func (c *Collector) handleLogs(w http.ResponseWriter, r *http.Request) {
	body, proto3, err := readExportBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
		return
	}
	extra := extraFromHeaders(r.Header)

	var logs []domain.LogRecord
	if proto3 {
		var req collectorlogspb.ExportLogsServiceRequest
		if err := proto.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
			return
		}
		logs = LogsFromProto(&req, extra)
	} else {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
			return
		}
		logs = LogsFromJSON(payload, extra)
	}

	inserted := c.store.AddLogs(r.Context(), logs)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": inserted})
}

// handleMetrics accepts and discards OTLP metrics so SDK exporters do not
// log export errors while a case runs.
func (c *Collector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": 0})
}

// readExportBody decompresses the request body and reports whether it is
// protobuf-encoded. Exporters do not always set Content-Type, so the body
// is sniffed when the header is missing or generic.
func readExportBody(r *http.Request) (body []byte, isProto bool, err error) {
	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, false, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}
	body, err = io.ReadAll(io.LimitReader(reader, 32<<20))
	if err != nil {
		return nil, false, err
	}

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "protobuf"):
		return body, true, nil
	case strings.Contains(ct, "json"):
		return body, false, nil
	}
	detected := mimetype.Detect(body)
	return body, !detected.Is("application/json") && !detected.Is("text/plain"), nil
}

func extraFromHeaders(h http.Header) ExtraAttrs {
	extra := ExtraAttrs{}
	if v := h.Get("x-benchmark-run-case-id"); v != "" {
		extra[attrRunCaseID] = v
	}
	if v := h.Get("x-benchmark-experiment-id"); v != "" {
		extra[attrExperimentID] = v
	}
	return extra
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package api serves the finflow HTTP API: pipeline and instance endpoints,
// tool invocation, server-sent instance events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/internal/tools"
)

// ToolRunner lists and invokes agent tools. Satisfied by *tools.Registry.
type ToolRunner interface {
	List() []tools.ToolInfo
	Invoke(ctx context.Context, name string, params json.RawMessage) (*tools.Result, error)
}

// Deps holds the dependencies for the API server. Executor is required.
type Deps struct {
	Executor engine.Executor
	Tools    ToolRunner
	Hub      streaming.EventHub
	Metrics  *engine.Metrics
	Logger   *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewServer creates a Server. When Metrics is set, HTTP request metrics are
// registered on its registry and /metrics serves it.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{deps: deps, logger: logger}

	if deps.Metrics != nil {
		reg := deps.Metrics.Registry()
		s.requests = registerOrExisting(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}))
		s.latency = registerOrExisting(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}))
	}
	return s
}

// registerOrExisting registers c, reusing an identical collector registered
// by an earlier Server on the same registry.
func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines/{name}/instances", s.handleStartInstance)
	mux.HandleFunc("GET /api/pipelines/{name}/diagram", s.handlePipelineDiagram)

	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/events", s.handleInstanceEvents)
	mux.HandleFunc("GET /api/instances/{id}/timeline", s.handleInstanceTimeline)
	mux.HandleFunc("POST /api/instances/{id}/resume", s.handleResumeInstance)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools/{name}", s.handleInvokeTool)

	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return s.instrument(mux)
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		if s.requests != nil {
			s.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			s.latency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
		)
	})
}

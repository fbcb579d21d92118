// Package server implements the HTTP transport layer for the caching proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/engine"
	"github.com/recall-proxy/recall/internal/storage"
	"github.com/recall-proxy/recall/internal/telemetry"
)

// Generator produces completions from the upstream engine.
type Generator interface {
	Generate(ctx context.Context, req recall.Request) ([]recall.Completion, error)
}

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(recall.UsageRecord)
}

// UsageQuerier reads back persisted usage records.
type UsageQuerier interface {
	QueryUsage(ctx context.Context, f storage.UsageFilter) ([]recall.UsageRecord, error)
	CountUsage(ctx context.Context, f storage.UsageFilter) (int, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Engine   *engine.Engine
	Upstream Generator
	CacheDir string             // reported by /cache/info
	Usage    UsageRecorder      // nil = no usage recording
	UsageDB  UsageQuerier       // nil = /cache/usage returns 404
	Metrics  *telemetry.Metrics // nil = no metrics collection
	MetricsG prometheus.Gatherer
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/health", s.handleHealth)

	// Generation surfaces
	r.Post("/generate", s.handleGenerate)
	r.Post("/v1/completions", s.handleCompletions)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	// Cache administration
	r.Get("/cache/stats", s.handleCacheStats)
	r.Get("/cache/info", s.handleCacheInfo)
	r.Get("/cache/usage", s.handleCacheUsage)
	r.Post("/cache/clear", s.handleCacheClear)

	if deps.MetricsG != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.MetricsG, promhttp.HandlerOpts{}))
	}

	return r
}

type server struct {
	deps Deps
}

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/dialect"
	"github.com/recall-proxy/recall/internal/engine"
	"github.com/recall-proxy/recall/internal/fingerprint"
)

// maxBodyBytes bounds inbound request bodies. Prompts with long documents
// or token-id lists fit well under this.
const maxBodyBytes = 32 << 20

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.serveGeneration(w, r, dialect.Native)
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveGeneration(w, r, dialect.Completions)
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveGeneration(w, r, dialect.ChatCompletion)
}

// serveGeneration is the shared request pipeline: translate to the
// native dialect, fingerprint, serve what the cache holds, generate the
// remainder upstream, persist it, and answer in the caller's dialect.
func (s *server) serveGeneration(w http.ResponseWriter, r *http.Request, d dialect.Dialect) {
	start := time.Now()

	var req recall.Request
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.fail(w, r, d, fmt.Errorf("%w: invalid JSON body: %v", recall.ErrBadRequest, err))
		return
	}

	native, err := dialect.ToNative(d, req)
	if err != nil {
		s.fail(w, r, d, err)
		return
	}

	fp, n, err := fingerprint.Compute(native)
	if err != nil {
		s.fail(w, r, d, err)
		return
	}

	lk := s.deps.Engine.Lookup(r.Context(), fp, n)
	if m := s.deps.Metrics; m != nil {
		if lk.Hit {
			m.CacheHits.Inc()
		} else {
			m.CacheMisses.Inc()
		}
	}

	completions := lk.Cached
	if lk.Needed > 0 {
		generated, err := s.generate(r, native, lk.Needed)
		if err != nil {
			s.failUsage(w, r, d, native, fp, lk, start, err)
			return
		}
		s.deps.Engine.Store(r.Context(), fp, generated)
		completions = append(completions, generated...)
	}

	writeJSON(w, http.StatusOK, dialect.FromNative(d, req, completions))
	s.recordUsage(r, d, native, fp, lk, len(completions)-len(lk.Cached), http.StatusOK, start)
}

// generate calls upstream for exactly needed completions. An upstream
// that returns extra completions is trimmed with a warning; one that
// returns too few is a protocol error.
func (s *server) generate(r *http.Request, native recall.Request, needed int) ([]recall.Completion, error) {
	out := withSampleCount(native, needed)

	upstreamStart := time.Now()
	generated, err := s.deps.Upstream.Generate(r.Context(), out)
	if m := s.deps.Metrics; m != nil {
		m.UpstreamDuration.Observe(time.Since(upstreamStart).Seconds())
		if err != nil {
			m.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}

	if len(generated) < needed {
		return nil, fmt.Errorf("%w: requested %d completions, got %d",
			recall.ErrUpstreamProtocol, needed, len(generated))
	}
	if len(generated) > needed {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream returned extra completions",
			slog.Int("requested", needed),
			slog.Int("got", len(generated)),
			slog.String("request_id", recall.RequestIDFromContext(r.Context())),
		)
		generated = generated[:needed]
	}
	return generated, nil
}

// withSampleCount returns a copy of native with sampling_params.n set to
// count. The original maps are left untouched.
func withSampleCount(native recall.Request, count int) recall.Request {
	out := make(recall.Request, len(native))
	for k, v := range native {
		out[k] = v
	}
	params := map[string]any{}
	if sp, ok := native["sampling_params"].(map[string]any); ok {
		for k, v := range sp {
			params[k] = v
		}
	}
	params["n"] = count
	out["sampling_params"] = params
	return out
}

// fail writes an error response without usage accounting, for requests
// rejected before a fingerprint exists.
func (s *server) fail(w http.ResponseWriter, r *http.Request, d dialect.Dialect, err error) {
	status := errorStatus(err)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected",
		slog.String("dialect", string(d)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("request_id", recall.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, status, errorResponse(err.Error()))
}

// failUsage writes an error response for a fingerprinted request and
// records the failed attempt in the usage log.
func (s *server) failUsage(w http.ResponseWriter, r *http.Request, d dialect.Dialect,
	native recall.Request, fp recall.Fingerprint, lk engine.Lookup, start time.Time, err error) {

	status := errorStatus(err)
	slog.LogAttrs(r.Context(), slog.LevelError, "generation failed",
		slog.String("dialect", string(d)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("request_id", recall.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, status, errorResponse(err.Error()))
	s.recordUsage(r, d, native, fp, lk, 0, status, start)
}

func (s *server) recordUsage(r *http.Request, d dialect.Dialect, native recall.Request,
	fp recall.Fingerprint, lk engine.Lookup, generated, status int, start time.Time) {

	if s.deps.Usage == nil {
		return
	}
	model, _ := native["model"].(string)
	s.deps.Usage.Record(recall.UsageRecord{
		RequestID:   recall.RequestIDFromContext(r.Context()),
		Dialect:     string(d),
		Model:       model,
		Fingerprint: fp.Hex(),
		RequestedN:  lk.N,
		CachedN:     len(lk.Cached),
		GeneratedN:  generated,
		LatencyMs:   time.Since(start).Milliseconds(),
		StatusCode:  status,
		CreatedAt:   time.Now().UTC(),
	})
}

package server

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/journal"
	"github.com/recall-proxy/recall/internal/storage"
)

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Engine.Stats()
	if m := s.deps.Metrics; m != nil {
		m.JournalPending.Set(float64(stats.PendingWrites))
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCacheInfo reports the stats plus where the cache lives on disk.
func (s *server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":            stats.Hits,
		"misses":          stats.Misses,
		"num_keys":        stats.NumKeys,
		"total_responses": stats.TotalResponses,
		"pending_writes":  stats.PendingWrites,
		"hit_rate":        stats.HitRate,
		"cache_dir":       s.deps.CacheDir,
		"cache_file":      filepath.Join(s.deps.CacheDir, journal.FileName),
	})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Clear()
	slog.LogAttrs(r.Context(), slog.LevelInfo, "cache cleared",
		slog.String("request_id", recall.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// handleCacheUsage pages through the persisted usage log.
func (s *server) handleCacheUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.UsageDB == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("usage log not enabled"))
		return
	}

	q := r.URL.Query()
	f := storage.UsageFilter{
		Dialect: q.Get("dialect"),
		Model:   q.Get("model"),
		Since:   q.Get("since"),
		Until:   q.Get("until"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}

	records, err := s.deps.UsageDB.QueryUsage(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("usage query failed"))
		return
	}
	total, err := s.deps.UsageDB.CountUsage(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("usage count failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
	})
}

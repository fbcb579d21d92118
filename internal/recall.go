// Package recall defines domain types shared across the caching proxy.
// This package has no project imports -- it is the dependency root.
package recall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Completion is one generated answer as returned by the upstream backend.
// The proxy never interprets its internal fields; once accepted it is an
// immutable opaque record.
type Completion = json.RawMessage

// Fingerprint identifies a request modulo its sample count. It is the
// SHA-256 digest of the canonical JSON form of the normalized request.
type Fingerprint [32]byte

// Hex returns the lowercase hex rendering used on disk and in logs.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes a 64-char lowercase hex string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != 64 {
		return f, errors.New("fingerprint must be 64 hex chars")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	}
	copy(f[:], b)
	return f, nil
}

// Request is a decoded native-dialect generation request body.
// The prompt lives in one of "text", "prompt", "messages" or "input_ids";
// sampling parameters (including "n") live under "sampling_params".
type Request = map[string]any

// CacheStats is the statistics snapshot exposed on /cache/stats.
// A hit is any request for which at least one completion came from the
// cache; partial fills count as hits.
type CacheStats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	NumKeys        int     `json:"num_keys"`
	TotalResponses int     `json:"total_responses"`
	PendingWrites  int64   `json:"pending_writes"`
	HitRate        float64 `json:"hit_rate"`
}

// UsageRecord is a single generation request event, recorded asynchronously.
type UsageRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Dialect     string    `json:"dialect"` // "native", "completions", "chat"
	Model       string    `json:"model,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	RequestedN  int       `json:"requested_n"`
	CachedN     int       `json:"cached_n"`
	GeneratedN  int       `json:"generated_n"`
	LatencyMs   int64     `json:"latency_ms"`
	StatusCode  int       `json:"status_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// Package storage defines the persistence interfaces for the usage log.
package storage

import (
	"context"

	recall "github.com/recall-proxy/recall/internal"
)

// UsageFilter narrows usage queries. Zero values mean "no constraint",
// except Limit: zero or less selects the default page size of 50.
type UsageFilter struct {
	Dialect string
	Model   string
	Since   string // RFC3339 lower bound, inclusive
	Until   string // RFC3339 upper bound, exclusive
	Limit   int
	Offset  int
}

// UsageStore persists and queries per-request usage records.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []recall.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]recall.UsageRecord, error)
	CountUsage(ctx context.Context, f UsageFilter) (int, error)
}

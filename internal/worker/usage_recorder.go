package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	recall "github.com/recall-proxy/recall/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []recall.UsageRecord) error
}

// Gauge is the subset of a metrics gauge the recorder reports its queue
// depth to. A nil gauge disables reporting.
type Gauge interface {
	Set(float64)
}

// UsageRecorder buffers per-request usage records and batch-flushes them
// to the store. Records are dropped if the channel is full.
type UsageRecorder struct {
	ch    chan recall.UsageRecord
	store UsageStore
	queue Gauge
}

// NewUsageRecorder creates a UsageRecorder backed by store. queue, when
// non-nil, tracks the buffered record count.
func NewUsageRecorder(store UsageStore, queue Gauge) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan recall.UsageRecord, usageChanSize),
		store: store,
		queue: queue,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// QueueLength returns the number of buffered records.
func (u *UsageRecorder) QueueLength() int { return len(u.ch) }

// Record enqueues a usage record. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r recall.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]recall.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if u.queue != nil {
				u.queue.Set(float64(u.QueueLength()))
			}
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []recall.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []recall.UsageRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]recall.UsageRecord, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

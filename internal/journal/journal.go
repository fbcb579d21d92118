// Package journal persists cache appends to an append-only JSONL file.
// Each line is an independent {"key": <hex fingerprint>, "value": <completion>}
// record; replaying the file in order reconstructs the in-memory store.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	recall "github.com/recall-proxy/recall/internal"
)

// FileName is the journal file name inside the cache directory.
const FileName = "cache.jsonl"

// maxLine bounds a single journal line on load. Completions carrying long
// generations fit comfortably; a longer line is not skipped: it stops the
// load, and Load returns the scanner's error.
const maxLine = 16 << 20

type record struct {
	Key   string            `json:"key"`
	Value recall.Completion `json:"value"`
}

// op is a queued writer operation: either one record append or a clear.
type op struct {
	clear bool
	rec   record
}

// Journal owns the on-disk file and an unbounded FIFO drained by a single
// background writer. Enqueuing never blocks the request path; a clear
// queued behind pending appends executes after them, so the on-disk state
// after a clear is empty.
type Journal struct {
	path string
	file *os.File

	mu      sync.Mutex
	queue   []op
	notify  chan struct{}
	pending atomic.Int64
}

// Open creates or opens the journal file inside dir for appending.
func Open(dir string) (*Journal, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		path:   path,
		file:   f,
		notify: make(chan struct{}, 1),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Name returns the worker identifier.
func (j *Journal) Name() string { return "journal" }

// Pending returns the number of enqueued but not yet written records.
func (j *Journal) Pending() int64 { return j.pending.Load() }

// Append enqueues one record for the background writer. It never blocks.
func (j *Journal) Append(f recall.Fingerprint, c recall.Completion) {
	j.pending.Add(1)
	j.enqueue(op{rec: record{Key: f.Hex(), Value: c}})
}

// Clear enqueues a truncation. It logically follows every append enqueued
// before it.
func (j *Journal) Clear() {
	j.enqueue(op{clear: true})
}

func (j *Journal) enqueue(o op) {
	j.mu.Lock()
	j.queue = append(j.queue, o)
	j.mu.Unlock()
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever
// remains and closes the file. It always returns nil: journal failures
// are logged, never fatal -- in-memory state stays authoritative.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.drain()
			if err := j.file.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
			return nil
		case <-j.notify:
			j.drain()
		}
	}
}

// drain pops and processes every queued op in FIFO order.
func (j *Journal) drain() {
	for {
		j.mu.Lock()
		if len(j.queue) == 0 {
			j.mu.Unlock()
			return
		}
		batch := j.queue
		j.queue = nil
		j.mu.Unlock()

		for _, o := range batch {
			if o.clear {
				j.truncate()
				continue
			}
			if j.write(o.rec) {
				j.pending.Add(-1)
			}
		}
	}
}

// write appends one record as a single LF-terminated line. The file is
// opened O_APPEND, so whole-line writes land atomically at OS level.
// It reports whether the record reached the file.
func (j *Journal) write(rec record) bool {
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("journal marshal failed", "key", rec.Key, "error", err)
		return false
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		slog.Warn("journal write failed", "key", rec.Key, "error", err)
		return false
	}
	return true
}

// truncate replaces the journal with an empty file via temp-file + rename,
// then reopens the append handle.
func (j *Journal) truncate() {
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		slog.Warn("journal truncate failed", "error", err)
		return
	}
	if err := os.Rename(tmp, j.path); err != nil {
		slog.Warn("journal truncate rename failed", "error", err)
		return
	}
	if err := j.file.Close(); err != nil {
		slog.Warn("journal close failed", "error", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("journal reopen failed", "error", err)
		return
	}
	j.file = f
}

// Load replays the journal in file order, calling apply for each record.
// Blank lines are skipped; unparseable lines are skipped with a warning.
// A missing file is not an error.
func Load(dir string, apply func(recall.Fingerprint, recall.Completion)) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("skipping malformed journal line", "line", lineNo, "error", err)
			continue
		}
		fp, err := recall.ParseFingerprint(rec.Key)
		if err != nil {
			slog.Warn("skipping journal line with bad key", "line", lineNo, "error", err)
			continue
		}
		if len(rec.Value) == 0 {
			slog.Warn("skipping journal line with empty value", "line", lineNo)
			continue
		}
		apply(fp, rec.Value)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

// Remove deletes an existing journal file inside dir, if any.
func Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

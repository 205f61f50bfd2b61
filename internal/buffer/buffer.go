// Package buffer queues accepted change records per session and persists
// them to the durable store in batches.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
)

// DefaultMaxSize is the flush threshold when none is configured.
const DefaultMaxSize = 50

// Options configures a Buffer.
type Options struct {
	MaxSize int
	Metrics *metrics.Registry
	Logger  *logging.Logger
	// OnCommit is called with every batch after it has been persisted.
	OnCommit func(ctx context.Context, records []model.ChangeRecord)
}

// Buffer is the ordered queue of one session's unpersisted records.
type Buffer struct {
	sessionID string
	store     store.Store
	opts      Options
	log       *logging.Logger

	mu    sync.Mutex
	queue []model.ChangeRecord

	flushMu sync.Mutex
}

// New creates an empty buffer for sessionID.
func New(sessionID string, s store.Store, opts Options) *Buffer {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Buffer{
		sessionID: sessionID,
		store:     s,
		opts:      opts,
		log:       log.WithFields(map[string]any{"session_id": sessionID}),
	}
}

// SessionID returns the owning session.
func (b *Buffer) SessionID() string { return b.sessionID }

// Append enqueues r and reports whether the buffer has reached its flush
// threshold.
func (b *Buffer) Append(r model.ChangeRecord) bool {
	b.mu.Lock()
	b.queue = append(b.queue, r)
	n := len(b.queue)
	b.mu.Unlock()

	b.opts.Metrics.AddBuffered(1)
	return n >= b.opts.MaxSize
}

// Len returns the number of unpersisted records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending returns a copy of the unpersisted records in order.
func (b *Buffer) Pending() []model.ChangeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ChangeRecord, len(b.queue))
	copy(out, b.queue)
	return out
}

// Flush persists every record queued at the time of the call in one batch.
// Records appended while the write is in flight stay queued. On failure
// the queue is left intact and the error is ErrPersistenceFailure.
// Only one flush of a buffer runs at a time.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := make([]model.ChangeRecord, len(b.queue))
	copy(batch, b.queue)
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	err := b.store.Save(ctx, batch)
	b.opts.Metrics.RecordFlush(err == nil, len(batch), time.Since(start))
	if err != nil {
		b.log.WarnErr("flush failed, records retained", err, map[string]any{
			"records": len(batch),
		})
		return 0, fmt.Errorf("%w: %w", errclass.ErrPersistenceFailure.WithMessagef(
			"persist %d records of session %s", len(batch), b.sessionID), err)
	}

	b.mu.Lock()
	b.queue = b.queue[len(batch):]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.mu.Unlock()
	b.opts.Metrics.AddBuffered(-len(batch))

	b.log.Debug("flushed", map[string]any{
		"records":       len(batch),
		"first_version": batch[0].Version,
		"last_version":  batch[len(batch)-1].Version,
	})

	if b.opts.OnCommit != nil {
		b.opts.OnCommit(ctx, batch)
	}
	return len(batch), nil
}

// Discard drops every queued record and returns how many were dropped.
// It waits for an in-flight flush to finish.
func (b *Buffer) Discard() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	b.opts.Metrics.AddBuffered(-n)
	return n
}

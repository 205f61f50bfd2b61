package session

import (
	"context"
	"errors"
	"time"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Run drives the time-based work: periodic flushes, parked buffer
// retries, idle session reaping, lock reaping and the presence sweep. It
// returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(m.opts.FlushInterval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(m.opts.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushTicker.C:
			m.FlushAll(ctx)
		case <-sweepTicker.C:
			m.Sweep(ctx)
		}
	}
}

// FlushAll flushes every active session's buffer and retries parked
// buffers. It returns the number of records persisted.
func (m *Manager) FlushAll(ctx context.Context) int {
	total := 0
	for _, e := range m.reg.active() {
		n, err := m.flush(ctx, e.session.ID, e.buf)
		if err != nil {
			m.log.WarnErr("periodic flush failed", err, map[string]any{
				"session_id":  e.session.ID,
				"document_id": e.session.DocumentID,
			})
			continue
		}
		total += n
	}
	return total + m.retryParked(ctx)
}

func (m *Manager) retryParked(ctx context.Context) int {
	total := 0
	for _, p := range m.reg.parkedBuffers() {
		n, err := p.buf.Flush(ctx)
		switch {
		case err == nil:
			total += n
		case errors.Is(err, store.ErrDuplicateVersion):
			// another writer already committed these versions; the
			// records can never be stored
			m.log.ErrorErr("discarding parked changes that conflict with committed versions", err, map[string]any{
				"session_id":  p.sessionID,
				"document_id": p.documentID,
				"records":     p.buf.Len(),
			})
			m.metrics.AddBuffered(-p.buf.Len())
		default:
			m.log.WarnErr("parked flush failed", err, map[string]any{
				"session_id":  p.sessionID,
				"document_id": p.documentID,
				"records":     p.buf.Len(),
			})
			continue
		}
		m.reg.unpark(p.sessionID)
		m.docs.Release(p.documentID)
		m.log.Info("parked buffer drained", map[string]any{
			"session_id":  p.sessionID,
			"document_id": p.documentID,
		})
	}
	return total
}

// Sweep ends idle sessions, reaps expired locks and drops presence
// entries without a live session. Every dropped lease is announced as
// lockReleased.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	if m.opts.IdleTimeout > 0 {
		for _, id := range m.reg.idle(now.Add(-m.opts.IdleTimeout)) {
			m.endSession(ctx, id, "idle")
		}
	}

	m.locks.Reap()

	changed := m.presence.Sweep(func(documentID, userID string) bool {
		return m.reg.userLive(documentID, userID, "")
	})
	for _, doc := range changed {
		m.notifyPresence(doc)
	}
}

// Close ends every session, makes a last attempt at parked buffers and
// stops remote ingestion. Records that still could not be persisted are
// reported as ErrPersistenceFailure.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	for _, e := range m.reg.active() {
		m.endSession(ctx, e.session.ID, "shutdown")
	}
	m.retryParked(ctx)
	m.ingester.Close()

	if n := m.Parked(); n > 0 {
		return errclass.ErrPersistenceFailure.WithMessagef("%d buffered changes could not be persisted", n)
	}
	return nil
}

// Sessions returns snapshots of all active sessions.
func (m *Manager) Sessions() []model.Session {
	active := m.reg.active()
	out := make([]model.Session, 0, len(active))
	for _, e := range active {
		s := e.session
		if v, ok := m.docs.Version(s.DocumentID); ok {
			s.Version = v
		}
		out = append(out, s)
	}
	return out
}

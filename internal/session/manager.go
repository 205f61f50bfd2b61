// Package session owns the lifecycle of collaboration sessions and wires
// locks, presence, buffering, versioning and broadcast together.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/internal/applier"
	"github.com/inkwell-cms/collab/internal/broadcast"
	"github.com/inkwell-cms/collab/internal/buffer"
	"github.com/inkwell-cms/collab/internal/events"
	"github.com/inkwell-cms/collab/internal/lock"
	"github.com/inkwell-cms/collab/internal/presence"
	"github.com/inkwell-cms/collab/internal/pubsub"
	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/idutil"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
	"github.com/inkwell-cms/collab/pkg/uuidutil"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Store  store.Store
	PubSub pubsub.PubSub
	// Sink receives events addressed to the sessions that should see them.
	Sink events.Sink
	// Observer receives one copy of every event, for consumers outside any
	// session such as webhooks.
	Observer events.Sink

	BufferSize    int
	FlushInterval time.Duration
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	LockPolicy    model.LockPolicy
	// ExclusiveTypes lists document types whose editors must respect the
	// document lock.
	ExclusiveTypes []model.DocumentType
	TopicPrefix    string
	RecentlyEnded  int

	Now     func() time.Time
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Manager is the session façade.
type Manager struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.Registry
	now     func() time.Time

	reg      *registry
	docs     *applier.Documents
	applier  *applier.Applier
	locks    *lock.Manager
	presence *presence.Tracker
	bcast    *broadcast.Broadcaster
	ingester *broadcast.Ingester

	closeMu sync.RWMutex
	closed  bool
}

// NewManager creates a manager. Store and PubSub default to in-memory
// implementations.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.PubSub == nil {
		opts.PubSub = pubsub.NewMemory()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = buffer.DefaultMaxSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.LockPolicy.DefaultLeaseTTL <= 0 {
		opts.LockPolicy.DefaultLeaseTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	m := &Manager{
		opts:     opts,
		log:      log.WithFields(map[string]any{"component": "session"}),
		metrics:  opts.Metrics,
		now:      opts.Now,
		reg:      newRegistry(),
		docs:     applier.NewDocuments(),
		presence: presence.NewTracker(opts.Now),
		bcast:    broadcast.NewBroadcaster(opts.Sink, opts.Observer),
	}
	m.locks = lock.NewManager(opts.LockPolicy,
		lock.WithClock(opts.Now),
		lock.WithLogger(log),
		lock.WithExpiryHook(func(l model.DocumentLock) {
			m.notifyLockReleased(l.DocumentID, l.OwnerUserID)
		}),
	)

	ing, err := broadcast.NewIngester(broadcast.IngesterOptions{
		PubSub:        opts.PubSub,
		TopicPrefix:   opts.TopicPrefix,
		IsLocal:       m.reg.known,
		Apply:         m.applyRemote,
		RecentlyEnded: opts.RecentlyEnded,
		Logger:        log,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.ingester = ing

	m.applier = applier.New(applier.Options{
		Resolver:    m.reg,
		Documents:   m.docs,
		Broadcaster: m.bcast,
		Guard:       m.checkExclusive,
		OnFull:      m.onFull,
		Now:         opts.Now,
		Logger:      log,
		Metrics:     opts.Metrics,
	})
	return m, nil
}

func (m *Manager) isExclusive(t model.DocumentType) bool {
	for _, e := range m.opts.ExclusiveTypes {
		if e == t {
			return true
		}
	}
	return false
}

func (m *Manager) checkExclusive(s model.Session) error {
	if !m.isExclusive(s.DocumentType) {
		return nil
	}
	if l := m.locks.Check(s.DocumentID); l != nil && l.OwnerUserID != s.UserID {
		return errclass.ErrLockConflict.WithMessagef("document %s is locked by %s", s.DocumentID, l.OwnerUserID)
	}
	return nil
}

func (m *Manager) checkOpen() error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return errclass.ErrClosed.WithMessage("session manager closed")
	}
	return nil
}

// StartSession opens a session on documentID for userID. The session's
// version is the document's live version, or the next version after the
// last persisted change.
func (m *Manager) StartSession(ctx context.Context, documentID, userID, clientID string, docType model.DocumentType) (*model.Session, error) {
	// held until the session is registered so Close sees it
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return nil, errclass.ErrClosed.WithMessage("session manager closed")
	}
	var err error
	if documentID, err = idutil.Validate("document id", documentID); err != nil {
		return nil, err
	}
	if userID, err = idutil.Validate("user id", userID); err != nil {
		return nil, err
	}
	if clientID, err = idutil.Validate("client id", clientID); err != nil {
		return nil, err
	}
	if !docType.Valid() {
		return nil, errclass.ErrInvalidChange.WithMessagef("unknown document type %q", docType)
	}

	sess := model.Session{
		ID:           uuidutil.NewV4(),
		DocumentID:   documentID,
		UserID:       userID,
		ClientID:     clientID,
		DocumentType: docType,
		StartedAt:    m.now().UTC(),
		State:        model.SessionActive,
	}
	if err := m.checkExclusive(sess); err != nil {
		return nil, err
	}

	version, err := m.docs.Acquire(documentID, func() (int64, error) {
		max, found, err := m.opts.Store.FindMaxVersion(ctx, documentID)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errclass.ErrPersistenceFailure.WithMessagef(
				"load version of %s", documentID), err)
		}
		if !found {
			return 0, nil
		}
		return max + 1, nil
	})
	if err != nil {
		return nil, err
	}
	sess.Version = version

	if err := m.ingester.Watch(ctx, documentID); err != nil {
		m.docs.Release(documentID)
		return nil, fmt.Errorf("subscribe to remote changes: %w", err)
	}

	buf := buffer.New(sess.ID, m.opts.Store, buffer.Options{
		MaxSize:  m.opts.BufferSize,
		Metrics:  m.metrics,
		Logger:   m.log,
		OnCommit: m.publish,
	})
	m.reg.add(&entry{session: sess, buf: buf, lastSeen: m.now()})
	m.metrics.SessionStarted()

	if m.presence.Update(documentID, userID, model.PresenceActive) {
		m.notifyPresence(documentID)
	}

	m.log.Info("session started", map[string]any{
		"session_id":  sess.ID,
		"document_id": documentID,
		"user_id":     userID,
		"version":     version,
	})
	out := sess
	return &out, nil
}

// EndSession flushes and forgets a session. Ending an unknown or already
// ended session is a no-op. A flush failure does not fail the call: the
// remaining records are parked and retried by Run, unless they collide with
// committed versions, in which case they are dropped.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	return m.endSession(ctx, sessionID, "ended")
}

func (m *Manager) endSession(ctx context.Context, sessionID, reason string) error {
	sess, buf, ok := m.reg.beginEnd(sessionID)
	if !ok {
		return nil
	}

	// wait out any change holding the document lock; later ones see the
	// session as ending
	m.docs.Do(sess.DocumentID, func(*int64) {})
	m.bcast.Unsubscribe(sessionID)

	if _, err := buf.Flush(ctx); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateVersion):
			m.log.ErrorErr("discarding final changes that conflict with committed versions", err, map[string]any{
				"session_id":  sessionID,
				"document_id": sess.DocumentID,
				"records":     buf.Discard(),
			})
		default:
			if m.docs.Retain(sess.DocumentID) {
				m.reg.park(sessionID, sess.DocumentID, buf)
			}
			m.log.WarnErr("final flush failed, buffer parked for retry", err, map[string]any{
				"session_id":  sessionID,
				"document_id": sess.DocumentID,
				"records":     buf.Len(),
			})
		}
	}

	m.ingester.MarkEnded(sessionID)
	m.ingester.Unwatch(sess.DocumentID)

	if !m.reg.userLive(sess.DocumentID, sess.UserID, sessionID) {
		if m.presence.Update(sess.DocumentID, sess.UserID, model.PresenceInactive) {
			m.notifyPresence(sess.DocumentID)
		}
		if m.locks.Release(sess.DocumentID, sess.UserID) {
			m.notifyLockReleased(sess.DocumentID, sess.UserID)
		}
	}

	m.reg.remove(sessionID)
	m.docs.Release(sess.DocumentID)
	m.metrics.SessionEnded()

	m.bcast.Send(sessionID, model.Event{
		Type:       model.EventSessionEnded,
		DocumentID: sess.DocumentID,
		UserID:     sess.UserID,
		Reason:     reason,
	})
	m.log.Info("session ended", map[string]any{
		"session_id":  sessionID,
		"document_id": sess.DocumentID,
		"user_id":     sess.UserID,
		"reason":      reason,
	})
	return nil
}

// ApplyChange applies one change on top of baseVersion and returns the new
// document version. A buffer that reaches its size threshold is flushed
// before returning; a failed flush keeps the records buffered and does not
// fail the change, unless the session diverged.
func (m *Manager) ApplyChange(ctx context.Context, sessionID string, change json.RawMessage, baseVersion int64) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	version, err := m.applier.Apply(ctx, sessionID, change, baseVersion)
	if err != nil {
		return 0, err
	}
	m.reg.touch(sessionID, m.now())
	return version, nil
}

func (m *Manager) onFull(ctx context.Context, sessionID string, buf *buffer.Buffer) error {
	_, err := m.flush(ctx, sessionID, buf)
	if err != nil && !errors.Is(err, errclass.ErrVersionConflict) {
		m.log.WarnErr("size-triggered flush failed", err, map[string]any{"session_id": sessionID})
		return nil
	}
	return err
}

// flush persists an active session's buffer. A batch that collides with
// versions another writer already committed can never be stored: the
// session is ended as diverged and ErrVersionConflict is returned.
func (m *Manager) flush(ctx context.Context, sessionID string, buf *buffer.Buffer) (int, error) {
	n, err := buf.Flush(ctx)
	if err == nil || !errors.Is(err, store.ErrDuplicateVersion) {
		return n, err
	}

	sess, _, ok := m.reg.Resolve(sessionID)
	m.log.ErrorErr("session diverged from persisted history, discarding buffered changes", err, map[string]any{
		"session_id":  sessionID,
		"document_id": sess.DocumentID,
		"records":     buf.Discard(),
	})
	if ok {
		m.resync(ctx, sess.DocumentID)
	}
	m.endSession(ctx, sessionID, "diverged")
	return 0, errclass.ErrVersionConflict.WithMessagef(
		"session %s diverged from the persisted history of its document", sessionID)
}

// resync raises the live version of documentID past the last persisted
// version.
func (m *Manager) resync(ctx context.Context, documentID string) {
	max, found, err := m.opts.Store.FindMaxVersion(ctx, documentID)
	if err != nil {
		m.log.WarnErr("resync document version", err, map[string]any{"document_id": documentID})
		return
	}
	if !found {
		return
	}
	m.docs.Do(documentID, func(version *int64) {
		if max+1 > *version {
			*version = max + 1
		}
	})
}

// CurrentVersion returns the version a session must base its next change
// on.
func (m *Manager) CurrentVersion(sessionID string) (int64, error) {
	sess, _, ok := m.reg.Resolve(sessionID)
	if !ok {
		return 0, errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	v, ok := m.docs.Version(sess.DocumentID)
	if !ok {
		return 0, errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	return v, nil
}

// Session returns a snapshot of an active session.
func (m *Manager) Session(sessionID string) (*model.Session, error) {
	sess, _, ok := m.reg.Resolve(sessionID)
	if !ok {
		return nil, errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	if v, ok := m.docs.Version(sess.DocumentID); ok {
		sess.Version = v
	}
	return &sess, nil
}

// Touch records client activity on a session.
func (m *Manager) Touch(sessionID string) error {
	sess, ok := m.reg.touch(sessionID, m.now())
	if !ok {
		return errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	m.presence.Touch(sess.DocumentID, sess.UserID)
	return nil
}

// Flush persists a session's buffered changes now.
func (m *Manager) Flush(ctx context.Context, sessionID string) (int, error) {
	_, buf, ok := m.reg.Resolve(sessionID)
	if !ok {
		return 0, errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	return m.flush(ctx, sessionID, buf)
}

// SubscribeToChanges registers sessionID for delivery of changes made on
// documentID by other sessions.
func (m *Manager) SubscribeToChanges(sessionID, documentID string) error {
	sess, _, ok := m.reg.Resolve(sessionID)
	if !ok {
		return errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}
	if sess.DocumentID != documentID {
		return errclass.ErrInvalidSession.WithMessagef("session %s edits %s, not %s", sessionID, sess.DocumentID, documentID)
	}
	m.bcast.Subscribe(sessionID, documentID)
	return nil
}

// LockDocument acquires or renews userID's lease on documentID. A zero
// duration uses the default lease.
func (m *Manager) LockDocument(documentID, userID string, duration time.Duration) (*model.DocumentLock, error) {
	var err error
	if documentID, err = idutil.Validate("document id", documentID); err != nil {
		return nil, err
	}
	if userID, err = idutil.Validate("user id", userID); err != nil {
		return nil, err
	}
	l, err := m.locks.Lock(documentID, userID, duration)
	if err != nil {
		if errors.Is(err, errclass.ErrLockConflict) {
			m.metrics.RecordLockConflict()
		}
		return nil, err
	}
	return l, nil
}

// ReleaseLock releases userID's lease on documentID, if it holds one.
func (m *Manager) ReleaseLock(documentID, userID string) {
	documentID, userID = idutil.Normalize(documentID), idutil.Normalize(userID)
	if m.locks.Release(documentID, userID) {
		m.notifyLockReleased(documentID, userID)
	}
}

// CheckLock returns the current valid lease on documentID, or nil.
func (m *Manager) CheckLock(documentID string) *model.DocumentLock {
	return m.locks.Check(idutil.Normalize(documentID))
}

// GetDocumentPresence returns the users currently editing documentID.
func (m *Manager) GetDocumentPresence(documentID string) []model.PresenceEntry {
	return m.presence.Get(idutil.Normalize(documentID))
}

// History returns the persisted change log of documentID.
func (m *Manager) History(ctx context.Context, documentID string) ([]model.ChangeRecord, error) {
	recs, err := m.opts.Store.List(ctx, idutil.Normalize(documentID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errclass.ErrPersistenceFailure.WithMessage("list changes"), err)
	}
	return recs, nil
}

// Parked returns how many records are waiting in parked buffers.
func (m *Manager) Parked() int {
	n := 0
	for _, p := range m.reg.parkedBuffers() {
		n += p.buf.Len()
	}
	return n
}

func (m *Manager) publish(ctx context.Context, records []model.ChangeRecord) {
	if err := m.ingester.Publish(context.WithoutCancel(ctx), records); err != nil {
		m.log.WarnErr("publish committed changes", err, map[string]any{"records": len(records)})
	}
}

func (m *Manager) applyRemote(rec model.ChangeRecord) {
	next := rec.Version + 1
	m.docs.Do(rec.DocumentID, func(version *int64) {
		if next > *version {
			*version = next
		}
		m.bcast.Broadcast(rec.DocumentID, rec.SessionID, model.Event{
			Type:      model.EventRemoteChange,
			UserID:    rec.UserID,
			Version:   next,
			Change:    rec.Op,
			Timestamp: rec.Timestamp,
		})
	})
}

func (m *Manager) notifyPresence(documentID string) {
	m.bcast.Notify(documentID, model.Event{
		Type:     model.EventPresenceChanged,
		Presence: m.presence.Get(documentID),
	})
}

func (m *Manager) notifyLockReleased(documentID, userID string) {
	m.bcast.Notify(documentID, model.Event{
		Type:   model.EventLockReleased,
		UserID: userID,
	})
}

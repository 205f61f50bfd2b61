// Package lock manages exclusive, lease-based document locks.
//
// Leases expire lazily: an expired lock is treated as absent by every
// operation and is physically dropped on the next access or by Reap.
package lock

import (
	"sync"
	"time"

	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Manager handles document lease operations.
type Manager struct {
	policy   model.LockPolicy
	now      func() time.Time
	log      *logging.Logger
	onExpire func(model.DocumentLock)

	mu     sync.RWMutex
	locks  map[string]*model.DocumentLock
	tokens map[string]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for lock transitions.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithExpiryHook registers fn, called outside the manager's lock with every
// expired lease as it is dropped.
func WithExpiryHook(fn func(model.DocumentLock)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

// NewManager creates a new lock manager.
func NewManager(policy model.LockPolicy, opts ...Option) *Manager {
	m := &Manager{
		policy: policy,
		now:    time.Now,
		log:    logging.Nop(),
		locks:  make(map[string]*model.DocumentLock),
		tokens: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock acquires or renews the lease on documentID for userID.
// A zero duration uses the default lease; durations above the maximum are
// clamped. Another user's valid lease yields ErrLockConflict.
func (m *Manager) Lock(documentID, userID string, duration time.Duration) (*model.DocumentLock, error) {
	if duration <= 0 {
		duration = m.policy.DefaultLeaseTTL
	}
	if m.policy.MaxLeaseTTL > 0 && duration > m.policy.MaxLeaseTTL {
		duration = m.policy.MaxLeaseTTL
	}

	rec, expired, err := m.lock(documentID, userID, duration)
	m.expired(expired)
	return rec, err
}

func (m *Manager) lock(documentID, userID string, duration time.Duration) (*model.DocumentLock, []model.DocumentLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var expired []model.DocumentLock
	if cur, ok := m.locks[documentID]; ok {
		if !cur.IsExpired(now) {
			if cur.OwnerUserID != userID {
				return nil, nil, errclass.ErrLockConflict.WithMessagef(
					"document %s is locked by %s until %s", documentID, cur.OwnerUserID, cur.ExpiresAt.Format(time.RFC3339))
			}
			cur.ExpiresAt = now.Add(duration)
			out := *cur
			return &out, nil, nil
		}
		expired = append(expired, *cur)
	}

	m.tokens[documentID]++
	rec := &model.DocumentLock{
		DocumentID:   documentID,
		OwnerUserID:  userID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(duration),
		FencingToken: m.tokens[documentID],
	}
	m.locks[documentID] = rec

	m.log.Debug("lock acquired", map[string]any{
		"document_id": documentID,
		"user_id":     userID,
		"token":       rec.FencingToken,
	})

	out := *rec
	return &out, expired, nil
}

// Release frees the lock if userID holds it. Releasing a lock held by
// someone else, or no lock at all, is a no-op. The returned bool reports
// whether a valid lease was actually released.
func (m *Manager) Release(documentID, userID string) bool {
	released, expired := m.release(documentID, userID)
	m.expired(expired)
	return released
}

func (m *Manager) release(documentID, userID string) (bool, []model.DocumentLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[documentID]
	if !ok {
		return false, nil
	}
	if cur.IsExpired(m.now()) {
		delete(m.locks, documentID)
		return false, []model.DocumentLock{*cur}
	}
	if cur.OwnerUserID != userID {
		return false, nil
	}
	delete(m.locks, documentID)
	m.log.Debug("lock released", map[string]any{
		"document_id": documentID,
		"user_id":     userID,
	})
	return true, nil
}

// Check returns the current valid holder of documentID, or nil.
func (m *Manager) Check(documentID string) *model.DocumentLock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.locks[documentID]
	if !ok || cur.IsExpired(m.now()) {
		return nil
	}
	out := *cur
	return &out
}

// Reap drops every lease that has expired and returns them.
func (m *Manager) Reap() []model.DocumentLock {
	reaped := m.reap()
	m.expired(reaped)
	return reaped
}

func (m *Manager) reap() []model.DocumentLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var reaped []model.DocumentLock
	for id, rec := range m.locks {
		if rec.IsExpired(now) {
			reaped = append(reaped, *rec)
			delete(m.locks, id)
		}
	}
	return reaped
}

func (m *Manager) expired(locks []model.DocumentLock) {
	for _, l := range locks {
		m.log.Debug("lock lease expired", map[string]any{
			"document_id": l.DocumentID,
			"user_id":     l.OwnerUserID,
		})
		if m.onExpire != nil {
			m.onExpire(l)
		}
	}
}

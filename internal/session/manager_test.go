package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-cms/collab/internal/events"
	"github.com/inkwell-cms/collab/internal/pubsub"
	"github.com/inkwell-cms/collab/internal/session"
	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore fails Save while fail is set.
type failingStore struct {
	*store.Memory
	mu    sync.Mutex
	fail  bool
	saves int
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) Save(ctx context.Context, recs []model.ChangeRecord) error {
	s.mu.Lock()
	s.saves++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.Memory.Save(ctx, recs)
}

type harness struct {
	mgr   *session.Manager
	sink  *events.Channel
	store *failingStore
	clock *clock
}

func newHarness(t *testing.T, mutate func(*session.Options)) *harness {
	h := &harness{
		sink:  events.NewChannel(1024),
		store: &failingStore{Memory: store.NewMemory()},
		clock: &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	opts := session.Options{
		Store:      h.store,
		PubSub:     pubsub.NewMemory(),
		Sink:       h.sink,
		BufferSize: 3,
		LockPolicy: model.LockPolicy{DefaultLeaseTTL: 5 * time.Minute, MaxLeaseTTL: time.Hour},
		Now:        h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := session.NewManager(opts)
	require.NoError(t, err)
	h.mgr = mgr
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return h
}

func op(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"position":%d,"insert":"x"}`, i))
}

func (h *harness) drain() []model.Event {
	var out []model.Event
	for {
		select {
		case e := <-h.sink.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func ofType(evs []model.Event, typ model.EventType) []model.Event {
	var out []model.Event
	for _, e := range evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.mgr.StartSession(ctx, "doc-1", "alice", "tab-1", model.DocumentText)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "doc-1", s.DocumentID)
	assert.Equal(t, int64(0), s.Version)
	assert.Equal(t, model.SessionActive, s.State)
	assert.Equal(t, h.clock.Now(), s.StartedAt)

	got, err := h.mgr.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Len(t, h.mgr.Sessions(), 1)
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.mgr.StartSession(ctx, "", "alice", "c", model.DocumentText)
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	_, err = h.mgr.StartSession(ctx, "d", "al ice", "c", model.DocumentText)
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	_, err = h.mgr.StartSession(ctx, "d", "alice", "c", model.DocumentType("binary"))
	assert.ErrorIs(t, err, errclass.ErrInvalidChange)
}

func TestStartSession_ResumesFromPersistedVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Memory.Save(ctx, []model.ChangeRecord{
		{DocumentID: "d1", SessionID: "old", UserID: "u", Op: op(0), Version: 0},
		{DocumentID: "d1", SessionID: "old", UserID: "u", Op: op(1), Version: 1},
	}))

	s, err := h.mgr.StartSession(ctx, "d1", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
}

// Scenario A.
func TestApplyChange_Scenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)

	v, err := h.mgr.ApplyChange(ctx, s.ID, op(1), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = h.mgr.ApplyChange(ctx, s.ID, op(2), 0)
	require.ErrorIs(t, err, errclass.ErrVersionConflict)

	v, err = h.mgr.ApplyChange(ctx, s.ID, op(2), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	cur, err := h.mgr.CurrentVersion(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestApplyChange_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.mgr.ApplyChange(ctx, "missing", op(0), 0)
	require.ErrorIs(t, err, errclass.ErrInvalidSession)

	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentRichText)
	require.NoError(t, err)
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(0), 0)
	require.ErrorIs(t, err, errclass.ErrInvalidChange)

	v, err := h.mgr.CurrentVersion(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = h.mgr.CurrentVersion("missing")
	assert.ErrorIs(t, err, errclass.ErrInvalidSession)
}

// Scenario C: three accepted changes cause exactly one flush of three
// records; a fourth starts a fresh buffer.
func TestApplyChange_SizeTriggeredFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)

	for v := int64(0); v < 3; v++ {
		_, err := h.mgr.ApplyChange(ctx, s.ID, op(int(v)), v)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.store.saves)
	persisted, err := h.mgr.History(ctx, "D")
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	_, err = h.mgr.ApplyChange(ctx, s.ID, op(3), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.saves)

	n, err := h.mgr.Flush(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEndSession_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(0), 0)
	require.NoError(t, err)

	require.NoError(t, h.mgr.EndSession(ctx, s.ID))
	saves := h.store.saves
	h.drain()

	require.NoError(t, h.mgr.EndSession(ctx, s.ID))
	require.NoError(t, h.mgr.EndSession(ctx, "never-existed"))
	assert.Equal(t, saves, h.store.saves)
	assert.Empty(t, h.drain())

	_, err = h.mgr.ApplyChange(ctx, s.ID, op(1), 1)
	assert.ErrorIs(t, err, errclass.ErrInvalidSession)

	persisted, err := h.mgr.History(ctx, "D")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestPresence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.mgr.StartSession(ctx, "D", "u1", "c", model.DocumentText)
	require.NoError(t, err)

	p := h.mgr.GetDocumentPresence("D")
	require.Len(t, p, 1)
	assert.Equal(t, "u1", p[0].UserID)
	assert.Equal(t, model.PresenceActive, p[0].Status)

	evs := ofType(h.drain(), model.EventPresenceChanged)
	require.Len(t, evs, 1)
	assert.Len(t, evs[0].Presence, 1)

	require.NoError(t, h.mgr.EndSession(ctx, s.ID))
	assert.Empty(t, h.mgr.GetDocumentPresence("D"))
	evs = ofType(h.drain(), model.EventPresenceChanged)
	require.Len(t, evs, 1)
	assert.Empty(t, evs[0].Presence)
}

func TestPresence_SameUserTwoSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.mgr.StartSession(ctx, "D", "u1", "tab-1", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.StartSession(ctx, "D", "u1", "tab-2", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.LockDocument("D", "u1", 0)
	require.NoError(t, err)

	assert.Len(t, h.mgr.GetDocumentPresence("D"), 1)

	require.NoError(t, h.mgr.EndSession(ctx, a.ID))
	assert.Len(t, h.mgr.GetDocumentPresence("D"), 1)
	assert.NotNil(t, h.mgr.CheckLock("D"))
}

// Scenario B.
func TestLockDocument(t *testing.T) {
	h := newHarness(t, nil)

	l, err := h.mgr.LockDocument("D", "A", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A", l.OwnerUserID)

	_, err = h.mgr.LockDocument("D", "B", 300*time.Second)
	require.ErrorIs(t, err, errclass.ErrLockConflict)

	h.clock.Advance(301 * time.Second)
	l, err = h.mgr.LockDocument("D", "B", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "B", l.OwnerUserID)

	h.mgr.ReleaseLock("D", "A")
	assert.Equal(t, "B", h.mgr.CheckLock("D").OwnerUserID)

	h.drain()
	h.mgr.ReleaseLock("D", "B")
	assert.Nil(t, h.mgr.CheckLock("D"))
	assert.Len(t, ofType(h.drain(), model.EventLockReleased), 1)

	l, err = h.mgr.LockDocument("D", "A", 0)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), l.ExpiresAt)
}

func TestEndSession_ReleasesUsersLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.LockDocument("D", "alice", time.Minute)
	require.NoError(t, err)
	h.drain()

	require.NoError(t, h.mgr.EndSession(ctx, s.ID))
	assert.Nil(t, h.mgr.CheckLock("D"))

	evs := h.drain()
	released := ofType(evs, model.EventLockReleased)
	require.Len(t, released, 1)
	assert.Equal(t, "alice", released[0].UserID)
	ended := ofType(evs, model.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, s.ID, ended[0].SessionID)
}

func TestExclusiveMode(t *testing.T) {
	h := newHarness(t, func(o *session.Options) {
		o.ExclusiveTypes = []model.DocumentType{model.DocumentStructured}
	})
	ctx := context.Background()

	bob, err := h.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentStructured)
	require.NoError(t, err)

	_, err = h.mgr.LockDocument("D", "alice", time.Minute)
	require.NoError(t, err)

	_, err = h.mgr.StartSession(ctx, "D", "bob", "c2", model.DocumentStructured)
	require.ErrorIs(t, err, errclass.ErrLockConflict)

	_, err = h.mgr.ApplyChange(ctx, bob.ID, json.RawMessage(`{"path":"title","value":"x"}`), 0)
	require.ErrorIs(t, err, errclass.ErrLockConflict)

	alice, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentStructured)
	require.NoError(t, err)
	v, err := h.mgr.ApplyChange(ctx, alice.ID, json.RawMessage(`{"path":"title","value":"x"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// text documents are not exclusive
	_, err = h.mgr.StartSession(ctx, "D2", "bob", "c", model.DocumentText)
	require.NoError(t, err)
}

func TestSubscribeToChanges(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s1, err := h.mgr.StartSession(ctx, "D", "alice", "c1", model.DocumentText)
	require.NoError(t, err)
	s2, err := h.mgr.StartSession(ctx, "D", "bob", "c2", model.DocumentText)
	require.NoError(t, err)
	require.NoError(t, h.mgr.SubscribeToChanges(s1.ID, "D"))
	require.NoError(t, h.mgr.SubscribeToChanges(s2.ID, "D"))
	assert.ErrorIs(t, h.mgr.SubscribeToChanges(s2.ID, "other"), errclass.ErrInvalidSession)
	assert.ErrorIs(t, h.mgr.SubscribeToChanges("missing", "D"), errclass.ErrInvalidSession)
	h.drain()

	_, err = h.mgr.ApplyChange(ctx, s1.ID, op(0), 0)
	require.NoError(t, err)

	changes := ofType(h.drain(), model.EventChange)
	require.Len(t, changes, 1)
	assert.Equal(t, s2.ID, changes[0].SessionID)
	assert.Equal(t, s1.ID, changes[0].Origin)
	assert.Equal(t, "alice", changes[0].UserID)
	assert.Equal(t, int64(1), changes[0].Version)
	assert.JSONEq(t, string(op(0)), string(changes[0].Change))
}

// Records flushed by every session of a document make up exactly the
// persisted log, in order.
func TestDurabilityRoundTrip(t *testing.T) {
	h := newHarness(t, func(o *session.Options) { o.BufferSize = 4 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := h.mgr.StartSession(ctx, "D", fmt.Sprintf("u%d", i), "c", model.DocumentText)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for done := 0; done < 10; {
				base, err := h.mgr.CurrentVersion(id)
				if !assert.NoError(t, err) {
					return
				}
				if _, err := h.mgr.ApplyChange(ctx, id, op(done), base); err == nil {
					done++
				} else if !errors.Is(err, errclass.ErrVersionConflict) {
					t.Error(err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		require.NoError(t, h.mgr.EndSession(ctx, id))
	}

	recs, err := h.mgr.History(ctx, "D")
	require.NoError(t, err)
	require.Len(t, recs, 30)
	perUser := map[string]int{}
	for i, r := range recs {
		assert.Equal(t, int64(i), r.Version)
		perUser[r.UserID]++
	}
	assert.Equal(t, map[string]int{"u0": 10, "u1": 10, "u2": 10}, perUser)
}

func TestPersistenceFailure_ParkedAndRetried(t *testing.T) {
	h := newHarness(t, func(o *session.Options) { o.BufferSize = 10 })
	ctx := context.Background()

	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(0), 0)
	require.NoError(t, err)

	h.store.setFail(true)
	_, err = h.mgr.Flush(ctx, s.ID)
	require.ErrorIs(t, err, errclass.ErrPersistenceFailure)

	// editing continues while the store is down
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(1), 1)
	require.NoError(t, err)

	require.NoError(t, h.mgr.EndSession(ctx, s.ID))
	assert.Equal(t, 2, h.mgr.Parked())

	// a new session on the document continues from the buffered version
	s2, err := h.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s2.Version)

	assert.Zero(t, h.mgr.FlushAll(ctx))
	assert.Equal(t, 2, h.mgr.Parked())

	h.store.setFail(false)
	assert.Equal(t, 2, h.mgr.FlushAll(ctx))
	assert.Zero(t, h.mgr.Parked())

	recs, err := h.mgr.History(ctx, "D")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestClose_ReportsUnpersisted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(0), 0)
	require.NoError(t, err)

	h.store.setFail(true)
	err = h.mgr.Close(ctx)
	require.ErrorIs(t, err, errclass.ErrPersistenceFailure)

	_, err = h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	assert.ErrorIs(t, err, errclass.ErrClosed)
	require.NoError(t, h.mgr.Close(ctx))
}

func TestSweep(t *testing.T) {
	h := newHarness(t, func(o *session.Options) { o.IdleTimeout = time.Minute })
	ctx := context.Background()

	idle, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	busy, err := h.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.LockDocument("D2", "carol", 30*time.Second)
	require.NoError(t, err)

	h.clock.Advance(45 * time.Second)
	require.NoError(t, h.mgr.Touch(busy.ID))
	h.clock.Advance(30 * time.Second)
	h.drain()

	h.mgr.Sweep(ctx)

	_, err = h.mgr.Session(idle.ID)
	assert.ErrorIs(t, err, errclass.ErrInvalidSession)
	_, err = h.mgr.Session(busy.ID)
	assert.NoError(t, err)

	p := h.mgr.GetDocumentPresence("D")
	require.Len(t, p, 1)
	assert.Equal(t, "bob", p[0].UserID)

	evs := h.drain()
	released := ofType(evs, model.EventLockReleased)
	require.Len(t, released, 1)
	assert.Equal(t, "D2", released[0].DocumentID)
	assert.Len(t, ofType(evs, model.EventSessionEnded), 1)

	assert.ErrorIs(t, h.mgr.Touch(idle.ID), errclass.ErrInvalidSession)
}

func TestRun_PeriodicFlush(t *testing.T) {
	h := newHarness(t, func(o *session.Options) {
		o.BufferSize = 100
		o.FlushInterval = 10 * time.Millisecond
		o.SweepInterval = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := h.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = h.mgr.ApplyChange(ctx, s.ID, op(0), 0)
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- h.mgr.Run(ctx) }()

	require.Eventually(t, func() bool {
		recs, _ := h.mgr.History(context.Background(), "D")
		return len(recs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// Two managers sharing a store and a pub/sub stand in for two instances.
func TestRemoteIngestion(t *testing.T) {
	ps := pubsub.NewMemory()
	st := store.NewMemory()
	mk := func() (*session.Manager, *events.Channel) {
		sink := events.NewChannel(64)
		m, err := session.NewManager(session.Options{Store: st, PubSub: ps, Sink: sink, BufferSize: 1})
		require.NoError(t, err)
		t.Cleanup(func() { m.Close(context.Background()) })
		return m, sink
	}
	nodeA, _ := mk()
	nodeB, sinkB := mk()
	ctx := context.Background()

	sa, err := nodeA.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	sb, err := nodeB.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	require.NoError(t, nodeB.SubscribeToChanges(sb.ID, "D"))

	// buffer size 1: the change is committed and published immediately
	v, err := nodeA.ApplyChange(ctx, sa.ID, op(0), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	var remote model.Event
	require.Eventually(t, func() bool {
		select {
		case e := <-sinkB.Events():
			if e.Type == model.EventRemoteChange {
				remote = e
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, sb.ID, remote.SessionID)
	assert.Equal(t, sa.ID, remote.Origin)
	assert.Equal(t, int64(1), remote.Version)

	cur, err := nodeB.CurrentVersion(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur)

	v, err = nodeB.ApplyChange(ctx, sb.ID, op(1), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

// Two instances on one store both accept base 0. The one that flushes
// second can never persist its batch.
func TestDivergedSession_ExplicitFlush(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, func(o *session.Options) {
		o.Store = a.store
		o.BufferSize = 10
	})
	ctx := context.Background()

	sa, err := a.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	sb, err := b.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)

	_, err = a.mgr.ApplyChange(ctx, sa.ID, op(0), 0)
	require.NoError(t, err)
	_, err = a.mgr.Flush(ctx, sa.ID)
	require.NoError(t, err)

	for v := int64(0); v < 5; v++ {
		_, err := b.mgr.ApplyChange(ctx, sb.ID, op(int(v)), v)
		require.NoError(t, err)
	}
	b.drain()

	_, err = b.mgr.Flush(ctx, sb.ID)
	require.ErrorIs(t, err, errclass.ErrVersionConflict)

	_, err = b.mgr.CurrentVersion(sb.ID)
	assert.ErrorIs(t, err, errclass.ErrInvalidSession)
	ended := ofType(b.drain(), model.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, sb.ID, ended[0].SessionID)
	assert.Equal(t, "diverged", ended[0].Reason)
	assert.Zero(t, b.mgr.Parked())

	// a new session picks up the persisted history
	sb2, err := b.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sb2.Version)
	_, err = b.mgr.ApplyChange(ctx, sb2.ID, op(1), 1)
	require.NoError(t, err)
	_, err = b.mgr.Flush(ctx, sb2.ID)
	require.NoError(t, err)

	persisted, err := a.mgr.History(ctx, "D")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, sa.ID, persisted[0].SessionID)
	assert.Equal(t, sb2.ID, persisted[1].SessionID)
}

func TestDivergedSession_SizeTriggeredAndPeriodicFlush(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, func(o *session.Options) { o.Store = a.store })
	ctx := context.Background()

	sa, err := a.mgr.StartSession(ctx, "D", "alice", "c", model.DocumentText)
	require.NoError(t, err)
	sb, err := b.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	sc, err := b.mgr.StartSession(ctx, "E", "bob", "c", model.DocumentText)
	require.NoError(t, err)

	_, err = a.mgr.ApplyChange(ctx, sa.ID, op(0), 0)
	require.NoError(t, err)
	_, err = a.mgr.Flush(ctx, sa.ID)
	require.NoError(t, err)

	// the third change fills the buffer and its flush collides
	for v := int64(0); v < 2; v++ {
		_, err := b.mgr.ApplyChange(ctx, sb.ID, op(int(v)), v)
		require.NoError(t, err)
	}
	_, err = b.mgr.ApplyChange(ctx, sb.ID, op(2), 2)
	require.ErrorIs(t, err, errclass.ErrVersionConflict)
	_, err = b.mgr.ApplyChange(ctx, sb.ID, op(3), 3)
	require.ErrorIs(t, err, errclass.ErrInvalidSession)

	// the periodic flush ends a diverged session and keeps the others going
	sb2, err := b.mgr.StartSession(ctx, "D", "bob", "c", model.DocumentText)
	require.NoError(t, err)
	_, err = b.mgr.ApplyChange(ctx, sb2.ID, op(0), sb2.Version)
	require.NoError(t, err)
	_, err = a.mgr.ApplyChange(ctx, sa.ID, op(1), 1)
	require.NoError(t, err)
	_, err = a.mgr.Flush(ctx, sa.ID)
	require.NoError(t, err)

	_, err = b.mgr.ApplyChange(ctx, sc.ID, op(0), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.mgr.FlushAll(ctx))

	_, err = b.mgr.Session(sb2.ID)
	assert.ErrorIs(t, err, errclass.ErrInvalidSession)
	_, err = b.mgr.Session(sc.ID)
	assert.NoError(t, err)

	persisted, err := a.mgr.History(ctx, "D")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	for _, r := range persisted {
		assert.Equal(t, sa.ID, r.SessionID)
	}
}

func TestStartSession_RacingClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.mgr.StartSession(ctx, fmt.Sprintf("D%d", i%4), fmt.Sprintf("u%d", i), "c", model.DocumentText)
			if err != nil {
				assert.ErrorIs(t, err, errclass.ErrClosed)
			}
		}(i)
	}
	require.NoError(t, h.mgr.Close(ctx))
	wg.Wait()

	assert.Empty(t, h.mgr.Sessions())
}

func TestLockDocument_TakeoverAnnouncesExpiredLease(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.LockDocument("D", "A", 30*time.Second)
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)
	h.drain()

	l, err := h.mgr.LockDocument("D", "B", 0)
	require.NoError(t, err)
	assert.Equal(t, "B", l.OwnerUserID)

	released := ofType(h.drain(), model.EventLockReleased)
	require.Len(t, released, 1)
	assert.Equal(t, "D", released[0].DocumentID)
	assert.Equal(t, "A", released[0].UserID)

	// nothing left for the sweep to announce
	h.mgr.Sweep(context.Background())
	assert.Empty(t, ofType(h.drain(), model.EventLockReleased))
}

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/internal/buffer"
	"github.com/inkwell-cms/collab/pkg/model"
)

type entry struct {
	session  model.Session
	buf      *buffer.Buffer
	lastSeen time.Time
}

// registry owns the session table and the buffers parked after a failed
// end-of-session flush.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	parked   map[string]*buffer.Buffer // session -> buffer
	parkedOn map[string]string         // session -> document
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*entry),
		parked:   make(map[string]*buffer.Buffer),
		parkedOn: make(map[string]string),
	}
}

func (r *registry) add(e *entry) {
	r.mu.Lock()
	r.sessions[e.session.ID] = e
	r.mu.Unlock()
}

// Resolve returns an active session and its buffer.
func (r *registry) Resolve(sessionID string) (model.Session, *buffer.Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok || e.session.State != model.SessionActive {
		return model.Session{}, nil, false
	}
	return e.session, e.buf, true
}

// known reports whether sessionID is registered in any state.
func (r *registry) known(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// beginEnd moves an active session to ending and returns it. Only one
// caller wins.
func (r *registry) beginEnd(sessionID string) (model.Session, *buffer.Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok || e.session.State != model.SessionActive {
		return model.Session{}, nil, false
	}
	e.session.State = model.SessionEnding
	return e.session, e.buf, true
}

func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *registry) touch(sessionID string, now time.Time) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok || e.session.State != model.SessionActive {
		return model.Session{}, false
	}
	e.lastSeen = now
	return e.session, true
}

// userLive reports whether userID has an active session on documentID
// other than exceptID.
func (r *registry) userLive(documentID, userID, exceptID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.sessions {
		if id == exceptID || e.session.State != model.SessionActive {
			continue
		}
		if e.session.DocumentID == documentID && e.session.UserID == userID {
			return true
		}
	}
	return false
}

// active returns copies of the active entries ordered by session ID.
func (r *registry) active() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.session.State == model.SessionActive {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session.ID < out[j].session.ID })
	return out
}

func (r *registry) idle(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.sessions {
		if e.session.State == model.SessionActive && e.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *registry) park(sessionID, documentID string, buf *buffer.Buffer) {
	r.mu.Lock()
	r.parked[sessionID] = buf
	r.parkedOn[sessionID] = documentID
	r.mu.Unlock()
}

func (r *registry) unpark(sessionID string) {
	r.mu.Lock()
	delete(r.parked, sessionID)
	delete(r.parkedOn, sessionID)
	r.mu.Unlock()
}

type parkedBuffer struct {
	sessionID  string
	documentID string
	buf        *buffer.Buffer
}

func (r *registry) parkedBuffers() []parkedBuffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]parkedBuffer, 0, len(r.parked))
	for id, buf := range r.parked {
		out = append(out, parkedBuffer{sessionID: id, documentID: r.parkedOn[id], buf: buf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sessionID < out[j].sessionID })
	return out
}

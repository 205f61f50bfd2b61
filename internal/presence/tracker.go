// Package presence tracks which users are actively editing each document.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/pkg/model"
)

// Tracker holds at most one entry per (document, user).
type Tracker struct {
	now func() time.Time

	mu   sync.RWMutex
	docs map[string]map[string]*model.PresenceEntry
}

// NewTracker creates an empty tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:  now,
		docs: make(map[string]map[string]*model.PresenceEntry),
	}
}

// Update records the user's status on the document. Active upserts the
// entry and refreshes LastActive; inactive removes it. The returned bool
// reports whether the set of present users changed.
func (t *Tracker) Update(documentID, userID string, status model.PresenceStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.docs[documentID]
	if status != model.PresenceActive {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.docs, documentID)
		}
		return true
	}

	now := t.now().UTC()
	if users == nil {
		users = make(map[string]*model.PresenceEntry)
		t.docs[documentID] = users
	}
	if e, ok := users[userID]; ok {
		e.LastActive = now
		return false
	}
	users[userID] = &model.PresenceEntry{
		DocumentID: documentID,
		UserID:     userID,
		Status:     model.PresenceActive,
		LastActive: now,
	}
	return true
}

// Touch refreshes LastActive for an existing entry.
func (t *Tracker) Touch(documentID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.docs[documentID][userID]; ok {
		e.LastActive = t.now().UTC()
	}
}

// Get returns a snapshot of the document's present users ordered by user ID.
func (t *Tracker) Get(documentID string) []model.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := t.docs[documentID]
	out := make([]model.PresenceEntry, 0, len(users))
	for _, e := range users {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep removes every entry for which isLive reports no live session and
// returns the documents whose presence changed.
func (t *Tracker) Sweep(isLive func(documentID, userID string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for doc, users := range t.docs {
		removed := false
		for user := range users {
			if !isLive(doc, user) {
				delete(users, user)
				removed = true
			}
		}
		if len(users) == 0 {
			delete(t.docs, doc)
		}
		if removed {
			changed = append(changed, doc)
		}
	}
	sort.Strings(changed)
	return changed
}

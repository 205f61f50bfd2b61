// Package broadcast fans change events out to the sessions of a document,
// within this process and across instances.
package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/internal/events"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Broadcaster tracks which sessions listen to which documents.
type Broadcaster struct {
	sink     events.Sink
	observer events.Sink

	mu   sync.RWMutex
	subs map[string]map[string]struct{} // document -> sessions
	docs map[string]string              // session -> document
}

// NewBroadcaster creates a broadcaster delivering per-session events to
// sink. observer receives exactly one copy of every event: broadcasts
// arrive unaddressed with Origin set.
func NewBroadcaster(sink, observer events.Sink) *Broadcaster {
	if sink == nil {
		sink = events.Nop
	}
	if observer == nil {
		observer = events.Nop
	}
	return &Broadcaster{
		sink:     sink,
		observer: observer,
		subs: make(map[string]map[string]struct{}),
		docs: make(map[string]string),
	}
}

// Subscribe registers sessionID as a listener of documentID. A session
// listens to one document; subscribing again moves it.
func (b *Broadcaster) Subscribe(sessionID, documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.docs[sessionID]; ok {
		if prev == documentID {
			return
		}
		b.removeLocked(sessionID, prev)
	}
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[string]struct{})
	}
	b.subs[documentID][sessionID] = struct{}{}
	b.docs[sessionID] = documentID
}

// Unsubscribe removes sessionID from whatever document it listens to.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.docs[sessionID]; ok {
		b.removeLocked(sessionID, doc)
	}
}

func (b *Broadcaster) removeLocked(sessionID, documentID string) {
	delete(b.docs, sessionID)
	if subs := b.subs[documentID]; subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.subs, documentID)
		}
	}
}

// Subscribers returns the sessions listening to documentID, sorted.
func (b *Broadcaster) Subscribers(documentID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[documentID]))
	for s := range b.subs[documentID] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Broadcast delivers event to every session subscribed to documentID
// except originSessionID. Each copy is addressed to its session.
func (b *Broadcaster) Broadcast(documentID, originSessionID string, event model.Event) {
	event.DocumentID = documentID
	event.Origin = originSessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, sid := range b.Subscribers(documentID) {
		if sid == originSessionID {
			continue
		}
		e := event
		e.SessionID = sid
		b.sink.Emit(e)
	}
	b.observer.Emit(event)
}

// Notify delivers a document-wide event once, unaddressed.
func (b *Broadcaster) Notify(documentID string, event model.Event) {
	event.DocumentID = documentID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.sink.Emit(event)
	b.observer.Emit(event)
}

// Send delivers event to a single session.
func (b *Broadcaster) Send(sessionID string, event model.Event) {
	event.SessionID = sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.sink.Emit(event)
	b.observer.Emit(event)
}

package applier

import (
	"sync"
)

// Document is the live version state of one document. Its mutex
// serializes version checks, increments and the broadcasts that follow.
type Document struct {
	mu      sync.Mutex
	version int64
	loaded  bool
	err     error
	refs    int
}

// Documents is the table of live documents. An entry lives while it is
// referenced by a session or by unpersisted changes.
type Documents struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewDocuments creates an empty table.
func NewDocuments() *Documents {
	return &Documents{docs: make(map[string]*Document)}
}

// Acquire references documentID and returns its current version. The
// first reference initializes the version with load; concurrent callers
// wait for it.
func (d *Documents) Acquire(documentID string, load func() (int64, error)) (int64, error) {
	d.mu.Lock()
	doc, ok := d.docs[documentID]
	if !ok {
		doc = &Document{}
		doc.mu.Lock()
		doc.refs = 1
		d.docs[documentID] = doc
		d.mu.Unlock()

		v, err := load()
		if err != nil {
			doc.err = err
			doc.mu.Unlock()
			d.Release(documentID)
			return 0, err
		}
		doc.version = v
		doc.loaded = true
		doc.mu.Unlock()
		return v, nil
	}
	doc.refs++
	d.mu.Unlock()

	doc.mu.Lock()
	v, loaded, err := doc.version, doc.loaded, doc.err
	doc.mu.Unlock()
	if !loaded {
		d.Release(documentID)
		return 0, err
	}
	return v, nil
}

// Retain adds a reference to a document that is already live.
func (d *Documents) Retain(documentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[documentID]
	if !ok {
		return false
	}
	doc.refs++
	return true
}

// Release drops a reference; the last one forgets the document.
func (d *Documents) Release(documentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[documentID]
	if !ok {
		return
	}
	doc.refs--
	if doc.refs <= 0 {
		delete(d.docs, documentID)
	}
}

// Version returns the live version of documentID.
func (d *Documents) Version(documentID string) (int64, bool) {
	doc := d.get(documentID)
	if doc == nil {
		return 0, false
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.version, doc.loaded
}

// Live reports whether documentID is in the table.
func (d *Documents) Live(documentID string) bool {
	return d.get(documentID) != nil
}

// Do runs fn with documentID's mutex held. fn may change the version
// through the pointer. It reports false if the document is not live.
func (d *Documents) Do(documentID string, fn func(version *int64)) bool {
	doc := d.get(documentID)
	if doc == nil {
		return false
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if !doc.loaded {
		return false
	}
	fn(&doc.version)
	return true
}

func (d *Documents) get(documentID string) *Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.docs[documentID]
}

// Package applier accepts or rejects changes against a document's current
// version.
package applier

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/inkwell-cms/collab/internal/buffer"
	"github.com/inkwell-cms/collab/internal/change"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Resolver finds the active session and its buffer.
type Resolver interface {
	Resolve(sessionID string) (model.Session, *buffer.Buffer, bool)
}

// Broadcaster delivers an accepted change to the document's other sessions.
type Broadcaster interface {
	Broadcast(documentID, originSessionID string, event model.Event)
}

// Guard may veto a change before its version is checked, for example when
// another user holds the document lock.
type Guard func(session model.Session) error

// Options configures an Applier.
type Options struct {
	Resolver    Resolver
	Documents   *Documents
	Broadcaster Broadcaster
	Guard       Guard
	// OnFull is called, outside the document lock, when an append fills
	// the session's buffer. An error fails the Apply call after the change
	// was accepted.
	OnFull  func(ctx context.Context, sessionID string, buf *buffer.Buffer) error
	Now     func() time.Time
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Applier is the versioned change applier.
type Applier struct {
	opts Options
	log  *logging.Logger
}

// New creates an applier.
func New(opts Options) *Applier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Documents == nil {
		opts.Documents = NewDocuments()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Applier{opts: opts, log: log}
}

// Documents returns the live document table.
func (a *Applier) Documents() *Documents { return a.opts.Documents }

// Apply validates raw against the session's document type, checks
// baseVersion against the document's current version and, on success,
// buffers the change, broadcasts it and returns the new version.
// A rejected change leaves no trace.
func (a *Applier) Apply(ctx context.Context, sessionID string, raw json.RawMessage, baseVersion int64) (int64, error) {
	version, buf, err := a.apply(ctx, sessionID, raw, baseVersion)
	if err != nil {
		a.opts.Metrics.RecordChangeRejected(errclass.Code(err))
		return 0, err
	}
	a.opts.Metrics.RecordChangeAccepted()

	if buf != nil && a.opts.OnFull != nil {
		if err := a.opts.OnFull(ctx, sessionID, buf); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// apply returns the new version and, when the append filled it, the
// session's buffer.
func (a *Applier) apply(ctx context.Context, sessionID string, raw json.RawMessage, baseVersion int64) (int64, *buffer.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	sess, _, ok := a.opts.Resolver.Resolve(sessionID)
	if !ok {
		return 0, nil, errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
	}

	if _, err := change.Decode(sess.DocumentType, raw); err != nil {
		return 0, nil, err
	}
	var op bytes.Buffer
	if err := json.Compact(&op, raw); err != nil {
		return 0, nil, errclass.ErrInvalidChange.WithMessagef("compact change: %v", err)
	}

	if a.opts.Guard != nil {
		if err := a.opts.Guard(sess); err != nil {
			return 0, nil, err
		}
	}

	var (
		newVersion int64
		applyErr   error
		full       bool
		buf        *buffer.Buffer
	)
	live := a.opts.Documents.Do(sess.DocumentID, func(version *int64) {
		// the session may have ended while we waited for the document
		var ok bool
		sess, buf, ok = a.opts.Resolver.Resolve(sessionID)
		if !ok {
			applyErr = errclass.ErrInvalidSession.WithMessagef("session %s is not active", sessionID)
			return
		}
		if baseVersion != *version {
			applyErr = errclass.ErrVersionConflict.WithMessagef(
				"base version %d, document is at %d", baseVersion, *version)
			return
		}

		rec := model.ChangeRecord{
			SessionID:  sess.ID,
			DocumentID: sess.DocumentID,
			UserID:     sess.UserID,
			Op:         json.RawMessage(op.Bytes()),
			Version:    baseVersion,
			Timestamp:  a.opts.Now().UTC(),
		}
		full = buf.Append(rec)
		*version = baseVersion + 1
		newVersion = *version

		if a.opts.Broadcaster != nil {
			a.opts.Broadcaster.Broadcast(sess.DocumentID, sess.ID, model.Event{
				Type:      model.EventChange,
				UserID:    sess.UserID,
				Version:   newVersion,
				Change:    rec.Op,
				Timestamp: rec.Timestamp,
			})
		}
	})
	if !live {
		return 0, nil, errclass.ErrInvalidSession.WithMessagef("document %s has no live sessions", sess.DocumentID)
	}
	if applyErr != nil {
		return 0, nil, applyErr
	}

	a.log.Debug("change accepted", map[string]any{
		"session_id":  sess.ID,
		"document_id": sess.DocumentID,
		"version":     newVersion,
	})

	if !full {
		buf = nil
	}
	return newVersion, buf, nil
}

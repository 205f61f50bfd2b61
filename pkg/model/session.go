package model

import "time"

// SessionState is the lifecycle position of a collaboration session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnding SessionState = "ending"
	SessionEnded  SessionState = "ended"
)

// Session is one client's editing context on a document.
// Version is the document version the session currently edits against.
type Session struct {
	ID           string       `json:"id"`
	DocumentID   string       `json:"documentId"`
	UserID       string       `json:"userId"`
	ClientID     string       `json:"clientId"`
	DocumentType DocumentType `json:"documentType"`
	StartedAt    time.Time    `json:"startedAt"`
	Version      int64        `json:"version"`
	State        SessionState `json:"state"`
}

package model

import (
	"encoding/json"
	"time"
)

// EventType identifies an event pushed to the calling layer.
type EventType string

const (
	EventChange          EventType = "change"
	EventRemoteChange    EventType = "remoteChange"
	EventSessionEnded    EventType = "sessionEnded"
	EventLockReleased    EventType = "lockReleased"
	EventPresenceChanged EventType = "presenceChanged"
)

// Event is delivered to sinks. SessionID, when set, names the session the
// event is addressed to; document-wide events leave it empty.
type Event struct {
	Type       EventType       `json:"type"`
	DocumentID string          `json:"documentId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Change     json.RawMessage `json:"change,omitempty"`
	Presence   []PresenceEntry `json:"presence,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

package model

import "time"

// PresenceStatus is the reported activity of a user on a document.
type PresenceStatus string

const (
	PresenceActive   PresenceStatus = "active"
	PresenceInactive PresenceStatus = "inactive"
)

// PresenceEntry records that a user is currently editing a document.
type PresenceEntry struct {
	DocumentID string         `json:"documentId"`
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastActive time.Time      `json:"lastActive"`
}

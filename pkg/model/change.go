package model

import (
	"encoding/json"
	"time"
)

// ChangeRecord is one accepted change. Version is the document version the
// change was applied on top of, so the document moves to Version+1.
// Records are immutable once created.
type ChangeRecord struct {
	SessionID  string          `json:"sessionId" bson:"session_id"`
	DocumentID string          `json:"documentId" bson:"document_id"`
	UserID     string          `json:"userId" bson:"user_id"`
	Op         json.RawMessage `json:"op" bson:"op"`
	Version    int64           `json:"version" bson:"version"`
	Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
}

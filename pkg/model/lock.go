package model

import "time"

// DocumentLock is an exclusive, time-bounded claim on a document.
type DocumentLock struct {
	DocumentID   string    `json:"documentId"`
	OwnerUserID  string    `json:"ownerUserId"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	FencingToken int64     `json:"fencingToken"`
}

// IsExpired returns true if the lease has run out at now.
func (l *DocumentLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockPolicy configures lease timing.
type LockPolicy struct {
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl" yaml:"default_lease"`
	MaxLeaseTTL     time.Duration `json:"max_lease_ttl" yaml:"max_lease"`
}

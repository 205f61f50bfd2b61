package model

// LogEntry is a single line of the JSONL change log: a ChangeRecord chained
// to its predecessor by hash.
type LogEntry struct {
	ChangeRecord
	PrevHash   HashValue `json:"prev_hash"`
	RecordHash HashValue `json:"record_hash"`
}

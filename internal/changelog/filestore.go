// Package changelog stores change records as per-document JSONL files in
// which every entry carries the hash of its predecessor.
package changelog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/model"
)

// FileStore is a store.Store writing one hash-chained log per document.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ store.Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create changelog dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the log file of documentID.
func (s *FileStore) Path(documentID string) string {
	return filepath.Join(s.dir, url.PathEscape(documentID)+".jsonl")
}

// Save appends records to their documents' logs. Records of one document
// are written with a single write after every version has been checked
// against the log tail.
func (s *FileStore) Save(ctx context.Context, records []model.ChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byDoc := make(map[string][]model.ChangeRecord)
	var docs []string
	for _, r := range records {
		if _, ok := byDoc[r.DocumentID]; !ok {
			docs = append(docs, r.DocumentID)
		}
		byDoc[r.DocumentID] = append(byDoc[r.DocumentID], r)
	}
	for _, doc := range docs {
		if err := s.appendLocked(doc, byDoc[doc]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) appendLocked(documentID string, records []model.ChangeRecord) error {
	file, err := os.OpenFile(s.Path(documentID), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("lock changelog: %w", err)
	}
	defer unlockFile(file)

	entries, _, err := readEntries(file)
	if err != nil {
		return err
	}

	var prevHash model.HashValue
	seen := make(map[int64]bool, len(entries)+len(records))
	for _, e := range entries {
		seen[e.Version] = true
		prevHash = e.RecordHash
	}

	var buf []byte
	for _, r := range records {
		if seen[r.Version] {
			return fmt.Errorf("%w: %s@%d", store.ErrDuplicateVersion, documentID, r.Version)
		}
		seen[r.Version] = true

		entry := model.LogEntry{ChangeRecord: r, PrevHash: prevHash}
		hash, err := ComputeHash(&entry)
		if err != nil {
			return err
		}
		entry.RecordHash = hash
		prevHash = hash

		line, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if _, err := file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("write changelog: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync changelog: %w", err)
	}
	return nil
}

// FindMaxVersion implements store.Store.
func (s *FileStore) FindMaxVersion(ctx context.Context, documentID string) (int64, bool, error) {
	recs, err := s.List(ctx, documentID)
	if err != nil {
		return 0, false, err
	}
	if len(recs) == 0 {
		return 0, false, nil
	}
	return recs[len(recs)-1].Version, true, nil
}

// List implements store.Store.
func (s *FileStore) List(ctx context.Context, documentID string) ([]model.ChangeRecord, error) {
	entries, _, err := s.Entries(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChangeRecord, len(entries))
	for i, e := range entries {
		out[i] = e.ChangeRecord
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Entries returns the raw log entries of documentID in file order and the
// number of lines that could not be parsed.
func (s *FileStore) Entries(ctx context.Context, documentID string) ([]model.LogEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.Path(documentID))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open changelog: %w", err)
	}
	defer file.Close()
	return readEntries(file)
}

// Documents returns the IDs of every document with a log, sorted.
func (s *FileStore) Documents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read changelog dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements store.Store.
func (s *FileStore) Close() error { return nil }

func readEntries(file *os.File) ([]model.LogEntry, int, error) {
	if _, err := file.Seek(0, 0); err != nil {
		return nil, 0, fmt.Errorf("seek to start: %w", err)
	}

	var (
		entries   []model.LogEntry
		malformed int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e model.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			malformed++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan changelog: %w", err)
	}
	return entries, malformed, nil
}

type hashInput struct {
	SessionID  string          `json:"sessionId"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Op         json.RawMessage `json:"op"`
	Version    int64           `json:"version"`
	Timestamp  string          `json:"timestamp"`
	PrevHash   model.HashValue `json:"prev_hash"`
}

// ComputeHash returns the SHA-256 of the entry's canonical form,
// excluding RecordHash.
func ComputeHash(e *model.LogEntry) (model.HashValue, error) {
	op := e.Op
	if len(op) > 0 {
		c, err := canonicalJSON(op)
		if err != nil {
			return "", err
		}
		op = c
	}
	data, err := json.Marshal(hashInput{
		SessionID:  e.SessionID,
		DocumentID: e.DocumentID,
		UserID:     e.UserID,
		Op:         op,
		Version:    e.Version,
		Timestamp:  e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}

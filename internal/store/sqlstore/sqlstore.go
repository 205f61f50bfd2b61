// Package sqlstore persists change records in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_records (
	document_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	op BLOB NOT NULL,
	ts INTEGER NOT NULL,
	PRIMARY KEY (document_id, version)
);
`

// Store is a store.Store backed by a SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Save implements store.Store in a single transaction.
func (s *Store) Save(ctx context.Context, records []model.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO change_records
		(document_id, version, session_id, user_id, op, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.DocumentID, r.Version, r.SessionID, r.UserID, []byte(r.Op), r.Timestamp.UnixNano())
		if err != nil {
			if isPrimaryKeyViolation(err) {
				return fmt.Errorf("%w: %s@%d", store.ErrDuplicateVersion, r.DocumentID, r.Version)
			}
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindMaxVersion implements store.Store.
func (s *Store) FindMaxVersion(ctx context.Context, documentID string) (int64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM change_records WHERE document_id = ?`, documentID).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("query max version: %w", err)
	}
	return max.Int64, max.Valid, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, documentID string) ([]model.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, version, session_id, user_id, op, ts
		FROM change_records WHERE document_id = ? ORDER BY version`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.ChangeRecord
	for rows.Next() {
		var (
			r  model.ChangeRecord
			op []byte
			ts int64
		)
		if err := rows.Scan(&r.DocumentID, &r.Version, &r.SessionID, &r.UserID, &op, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Op = op
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func isPrimaryKeyViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

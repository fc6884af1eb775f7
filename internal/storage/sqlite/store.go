// Package sqlite keeps source tables, snapshots, hashes and sessions in a
// single local SQLite file.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// Store provides SQLite-backed persistence for every storage collaborator.
type Store struct {
	db *sql.DB
}

var (
	_ storage.SourceReader = (*Store)(nil)
	_ storage.BlobStore    = (*Store)(nil)
	_ storage.HashStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backend exposes the store through every collaborator slot.
func (s *Store) Backend() *storage.Backend {
	return &storage.Backend{Sources: s, Blobs: s, Hashes: s, Sessions: s, Close: s.Close}
}

// ImportRows replaces the rows of a source table for batchID.
func (s *Store) ImportRows(ctx context.Context, table, batchID string, rows []domain.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ImportRows: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_rows WHERE table_name = ? AND batch_id = ?`, table, batchID); err != nil {
		return fmt.Errorf("ImportRows: clear %s: %w", table, err)
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(row_index) + 1, 0) FROM source_rows WHERE table_name = ?`, table).Scan(&next); err != nil {
		return fmt.Errorf("ImportRows: next index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO source_rows (table_name, row_index, batch_id, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ImportRows: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("ImportRows: encode row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, table, next+int64(i), batchID, string(data)); err != nil {
			return fmt.Errorf("ImportRows: insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ImportRows: commit: %w", err)
	}
	return nil
}

// ReadTable implements storage.SourceReader.
func (s *Store) ReadTable(ctx context.Context, table, batchID string) ([]domain.Row, error) {
	query := `SELECT data FROM source_rows WHERE table_name = ? ORDER BY row_index`
	args := []any{table}
	if batchID != "" {
		query = `SELECT data FROM source_rows WHERE table_name = ? AND batch_id = ? ORDER BY row_index`
		args = append(args, batchID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ReadTable: %s: %w", table, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ReadTable: %s: scan: %w", table, err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(data)))
		dec.UseNumber()
		var r domain.Row
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("ReadTable: %s: decode: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ReadTable: %s: %w", table, err)
	}
	if out == nil {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM source_rows WHERE table_name = ? LIMIT 1`, table).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ReadTable: table %s: %w", table, storage.ErrNotFound)
		}
	}
	return out, nil
}

// Get implements storage.BlobStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

// Put implements storage.BlobStore.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`, key, data, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

// List implements storage.BlobStore.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list blobs: scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LoadHashes implements storage.HashStore.
func (s *Store) LoadHashes(ctx context.Context, table string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, content_hash FROM record_tracking WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("load hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("load hashes: scan: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// UpsertHashes implements storage.HashStore.
func (s *Store) UpsertHashes(ctx context.Context, records []domain.TrackingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert hashes: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO record_tracking (table_name, record_id, content_hash, batch_id, last_modified)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(table_name, record_id) DO UPDATE SET
	content_hash = excluded.content_hash,
	batch_id = excluded.batch_id,
	last_modified = excluded.last_modified
`)
	if err != nil {
		return fmt.Errorf("upsert hashes: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.TableName, r.RecordID, r.ContentHash, r.BatchID, r.LastModified.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("upsert hashes: %s/%s: %w", r.TableName, r.RecordID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert hashes: commit: %w", err)
	}
	return nil
}

// DeleteHashes implements storage.HashStore.
func (s *Store) DeleteHashes(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete hashes: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM record_tracking WHERE table_name = ? AND record_id = ?`)
	if err != nil {
		return fmt.Errorf("delete hashes: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, table, id); err != nil {
			return fmt.Errorf("delete hashes: %s/%s: %w", table, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete hashes: commit: %w", err)
	}
	return nil
}

// CreateSession implements storage.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	counts, err := json.Marshal(sess.Counts)
	if err != nil {
		return fmt.Errorf("create session: encode counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO processing_sessions (
	session_id,
	batch_id,
	mode,
	status,
	started_at,
	finished_at,
	error_message,
	counts
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		sess.SessionID,
		sess.BatchID,
		string(sess.Mode),
		string(sess.Status),
		sess.StartedAt.UTC().UnixMilli(),
		nullMillis(sess.FinishedAt),
		sess.ErrorMessage,
		string(counts),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession implements storage.SessionStore.
func (s *Store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	counts, err := json.Marshal(sess.Counts)
	if err != nil {
		return fmt.Errorf("update session: encode counts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE processing_sessions
SET mode = ?, status = ?, finished_at = ?, error_message = ?, counts = ?
WHERE session_id = ?
`,
		string(sess.Mode),
		string(sess.Status),
		nullMillis(sess.FinishedAt),
		sess.ErrorMessage,
		string(counts),
		sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", sess.SessionID, storage.ErrNotFound)
	}
	return nil
}

// ListSessions implements storage.SessionStore.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT
	session_id,
	batch_id,
	mode,
	status,
	started_at,
	finished_at,
	error_message,
	counts
FROM processing_sessions
ORDER BY started_at DESC, session_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0, limit)
	for rows.Next() {
		var (
			sess     domain.Session
			mode     string
			status   string
			started  int64
			finished sql.NullInt64
			counts   string
		)
		if err := rows.Scan(&sess.SessionID, &sess.BatchID, &mode, &status, &started, &finished, &sess.ErrorMessage, &counts); err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		sess.Mode = domain.Mode(mode)
		sess.Status = domain.SessionStatus(status)
		sess.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			sess.FinishedAt = &t
		}
		_ = json.Unmarshal([]byte(counts), &sess.Counts)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

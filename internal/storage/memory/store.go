package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// Store is an in-memory implementation of every storage collaborator.
// It is safe for concurrent use. Data is lost when the process exits.
type Store struct {
	mu       sync.RWMutex
	tables   map[string][]domain.Row
	blobs    map[string][]byte
	hashes   map[string]map[string]domain.TrackingRecord
	sessions map[string]*domain.Session

	// HashErr, when set, is returned by LoadHashes.
	HashErr error
	// PutErr, when set, is returned by Put.
	PutErr error
}

var (
	_ storage.SourceReader = (*Store)(nil)
	_ storage.BlobStore    = (*Store)(nil)
	_ storage.HashStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables:   make(map[string][]domain.Row),
		blobs:    make(map[string][]byte),
		hashes:   make(map[string]map[string]domain.TrackingRecord),
		sessions: make(map[string]*domain.Session),
	}
}

// Backend exposes the store through every collaborator slot.
func (s *Store) Backend() *storage.Backend {
	return &storage.Backend{Sources: s, Blobs: s, Hashes: s, Sessions: s}
}

// SetTable replaces the rows of a source table. Rows carrying a
// "batch_id" column can be filtered by ReadTable.
func (s *Store) SetTable(table string, rows []domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append([]domain.Row(nil), rows...)
}

// ReadTable implements storage.SourceReader.
func (s *Store) ReadTable(ctx context.Context, table, batchID string) ([]domain.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", table, storage.ErrNotFound)
	}
	var out []domain.Row
	for _, r := range rows {
		if batchID != "" && r.Str("batch_id") != batchID {
			continue
		}
		cp := make(domain.Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

// Get implements storage.BlobStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Put implements storage.BlobStore.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// List implements storage.BlobStore.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// LoadHashes implements storage.HashStore.
func (s *Store) LoadHashes(ctx context.Context, table string) (map[string]string, error) {
	if s.HashErr != nil {
		return nil, s.HashErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[table]))
	for id, rec := range s.hashes[table] {
		out[id] = rec.ContentHash
	}
	return out, nil
}

// UpsertHashes implements storage.HashStore.
func (s *Store) UpsertHashes(ctx context.Context, records []domain.TrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		t, ok := s.hashes[rec.TableName]
		if !ok {
			t = make(map[string]domain.TrackingRecord)
			s.hashes[rec.TableName] = t
		}
		t[rec.RecordID] = rec
	}
	return nil
}

// DeleteHashes implements storage.HashStore.
func (s *Store) DeleteHashes(ctx context.Context, table string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.hashes[table], id)
	}
	return nil
}

// TrackingRecords returns the stored records of table, sorted by id.
func (s *Store) TrackingRecords(table string) []domain.TrackingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TrackingRecord, 0, len(s.hashes[table]))
	for _, rec := range s.hashes[table] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// CreateSession implements storage.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.SessionID]; exists {
		return fmt.Errorf("session %s already exists", sess.SessionID)
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// UpdateSession implements storage.SessionStore.
func (s *Store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.SessionID]; !exists {
		return fmt.Errorf("session %s: %w", sess.SessionID, storage.ErrNotFound)
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// ListSessions implements storage.SessionStore.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID > out[j].SessionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

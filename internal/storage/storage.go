// Package storage defines the collaborators a reconciliation run reads
// from and writes to. Implementations live in the memory, sqlite, gcs and
// infra/bigquery packages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// ErrNotFound is returned when a blob, session or table does not exist.
var ErrNotFound = errors.New("not found")

// Blob keys of the persisted snapshot.
const (
	KeyResult          = "reconciliation_result"
	KeyBudget          = "budget_allocation"
	KeyDepartmentsView = "frontend_departments"
	KeyRegionsView     = "frontend_regions"
	KeyAwaitingView    = "frontend_awaiting_assignment"

	// BudgetBackupPrefix starts every budget backup key.
	BudgetBackupPrefix = "budget_allocation_backup_"
)

// backupLayout sorts lexicographically in time order.
const backupLayout = "20060102T150405.000000000Z"

// BudgetBackupKey returns the backup key for a snapshot taken at t.
func BudgetBackupKey(t time.Time) string {
	return BudgetBackupPrefix + t.UTC().Format(backupLayout)
}

// IsBudgetBackupKey reports whether key names a budget backup.
func IsBudgetBackupKey(key string) bool {
	return strings.HasPrefix(key, BudgetBackupPrefix) && len(key) > len(BudgetBackupPrefix)
}

// SourceReader returns every row of a source table. An empty batchID
// reads all batches.
type SourceReader interface {
	ReadTable(ctx context.Context, table, batchID string) ([]domain.Row, error)
}

// BlobStore keeps the latest JSON document per key.
type BlobStore interface {
	// Get returns ErrNotFound when the key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the document stored under key.
	Put(ctx context.Context, key string, data []byte) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

var writeLocks sync.Map

// WriteLock returns the mutex that serializes read-modify-write cycles on
// store within this process. Budget edits, manual assignments and the
// persist step of a run hold it while they reload and write.
func WriteLock(store BlobStore) *sync.Mutex {
	mu, _ := writeLocks.LoadOrStore(store, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// HashStore persists the content hash of every tracked source row.
type HashStore interface {
	// LoadHashes returns record_id -> content_hash for table.
	LoadHashes(ctx context.Context, table string) (map[string]string, error)
	// UpsertHashes writes records keyed by (table_name, record_id).
	UpsertHashes(ctx context.Context, records []domain.TrackingRecord) error
	// DeleteHashes drops the records of ids in table. Unknown ids are ignored.
	DeleteHashes(ctx context.Context, table string, ids []string) error
}

// SessionStore persists the audit row of every run.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	UpdateSession(ctx context.Context, s *domain.Session) error
	// ListSessions returns at most limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)
}

// Backend bundles the stores of one deployment.
type Backend struct {
	Sources  SourceReader
	Blobs    BlobStore
	Hashes   HashStore
	Sessions SessionStore
	// Close releases backend resources. It may be nil.
	Close func() error
}

// GetJSON decodes the document stored under key into v.
func GetJSON(ctx context.Context, store BlobStore, key string, v any) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, store BlobStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// LoadResult returns the persisted result, or nil when none exists yet.
func LoadResult(ctx context.Context, store BlobStore) (*domain.Result, error) {
	var res domain.Result
	err := GetJSON(ctx, store, KeyResult, &res)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadResult: %w", err)
	}
	return &res, nil
}

// LoadBudget returns the persisted allocation, or an empty one.
func LoadBudget(ctx context.Context, store BlobStore) (domain.BudgetAllocation, error) {
	budget := domain.NewBudgetAllocation()
	err := GetJSON(ctx, store, KeyBudget, &budget)
	if errors.Is(err, ErrNotFound) {
		return domain.NewBudgetAllocation(), nil
	}
	if err != nil {
		return domain.BudgetAllocation{}, fmt.Errorf("LoadBudget: %w", err)
	}
	if budget.Departments == nil {
		budget.Departments = map[string]domain.Allocation{}
	}
	if budget.Regions == nil {
		budget.Regions = map[string]domain.Allocation{}
	}
	return budget, nil
}

package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// Scope selects the department or region table of an allocation.
type Scope string

const (
	ScopeDepartment Scope = "department"
	ScopeRegion     Scope = "region"
)

// ErrUnknownKey is returned when editing a key that does not exist.
var ErrUnknownKey = errors.New("unknown budget key")

// Manager reads and writes the persisted allocation. Every overwrite is
// preceded by a timestamped backup of the current value.
type Manager struct {
	blobs storage.BlobStore
	now   func() time.Time
}

// NewManager returns a manager over blobs.
func NewManager(blobs storage.BlobStore) *Manager {
	return &Manager{blobs: blobs, now: time.Now}
}

// Load returns the current allocation, empty when none was saved.
func (m *Manager) Load(ctx context.Context) (domain.BudgetAllocation, error) {
	return storage.LoadBudget(ctx, m.blobs)
}

// Save validates next, backs up the current allocation and stores next.
// It returns the backup key, or "" when there was nothing to back up.
func (m *Manager) Save(ctx context.Context, next domain.BudgetAllocation) (string, error) {
	mu := storage.WriteLock(m.blobs)
	mu.Lock()
	defer mu.Unlock()
	return m.save(ctx, next)
}

func (m *Manager) save(ctx context.Context, next domain.BudgetAllocation) (string, error) {
	if err := Validate(next); err != nil {
		return "", fmt.Errorf("Save: %w", err)
	}

	backupKey := ""
	current, err := m.blobs.Get(ctx, storage.KeyBudget)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("Save: read current: %w", err)
	default:
		backupKey = storage.BudgetBackupKey(m.now())
		if err := m.blobs.Put(ctx, backupKey, current); err != nil {
			return "", fmt.Errorf("Save: backup: %w", err)
		}
	}

	if err := storage.PutJSON(ctx, m.blobs, storage.KeyBudget, next); err != nil {
		return "", fmt.Errorf("Save: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("backup", backupKey).
		Int("departments", len(next.Departments)).
		Int("regions", len(next.Regions)).
		Msg("Saved budget allocation")
	return backupKey, nil
}

// MergeObserved adds a zero allocation for every observed key the stored
// allocation lacks. It reloads the allocation under the write lock, so
// values set while a run was computing are kept. It returns how many keys
// were added and the backup key of the replaced value.
func (m *Manager) MergeObserved(ctx context.Context, depts []domain.ObservedDepartment, regions []domain.ObservedRegion) (int, string, error) {
	mu := storage.WriteLock(m.blobs)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.Load(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("MergeObserved: %w", err)
	}
	merged := Merge(current, depts, regions)
	if err := Validate(merged); err != nil {
		return 0, "", fmt.Errorf("MergeObserved: %w", err)
	}
	added := Added(current, merged)
	if added == 0 {
		return 0, "", nil
	}
	backup, err := m.save(ctx, merged)
	if err != nil {
		return 0, "", fmt.Errorf("MergeObserved: %w", err)
	}
	return added, backup, nil
}

// Set changes the allocated budget of an existing key.
func (m *Manager) Set(ctx context.Context, scope Scope, key string, amount decimal.Decimal) (domain.Allocation, error) {
	if amount.IsNegative() {
		return domain.Allocation{}, fmt.Errorf("Set: %s: %w", key, ErrNegativeBudget)
	}
	mu := storage.WriteLock(m.blobs)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.Load(ctx)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("Set: %w", err)
	}

	var table map[string]domain.Allocation
	switch scope {
	case ScopeDepartment:
		table = current.Departments
	case ScopeRegion:
		table = current.Regions
	default:
		return domain.Allocation{}, fmt.Errorf("Set: unknown scope %q", scope)
	}

	alloc, ok := table[key]
	if !ok {
		return domain.Allocation{}, fmt.Errorf("Set: %s %q: %w", scope, key, ErrUnknownKey)
	}
	now := m.now().UTC()
	alloc.AllocatedBudget = amount
	alloc.LastUpdated = &now
	table[key] = alloc

	if _, err := m.save(ctx, current); err != nil {
		return domain.Allocation{}, fmt.Errorf("Set: %w", err)
	}
	return alloc, nil
}

// Backups lists backup keys, oldest first.
func (m *Manager) Backups(ctx context.Context) ([]string, error) {
	keys, err := m.blobs.List(ctx, storage.BudgetBackupPrefix)
	if err != nil {
		return nil, fmt.Errorf("Backups: %w", err)
	}
	return keys, nil
}

// Restore replaces the allocation with a backup. The value being replaced
// is itself backed up first.
func (m *Manager) Restore(ctx context.Context, backupKey string) (string, error) {
	if !storage.IsBudgetBackupKey(backupKey) {
		return "", fmt.Errorf("Restore: %q is not a budget backup", backupKey)
	}
	mu := storage.WriteLock(m.blobs)
	mu.Lock()
	defer mu.Unlock()

	restored := domain.NewBudgetAllocation()
	if err := storage.GetJSON(ctx, m.blobs, backupKey, &restored); err != nil {
		return "", fmt.Errorf("Restore: %w", err)
	}
	if restored.Departments == nil {
		restored.Departments = map[string]domain.Allocation{}
	}
	if restored.Regions == nil {
		restored.Regions = map[string]domain.Allocation{}
	}
	newBackup, err := m.save(ctx, restored)
	if err != nil {
		return "", fmt.Errorf("Restore: %w", err)
	}
	return newBackup, nil
}

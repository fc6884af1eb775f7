// Package tracking classifies source rows as new, changed or unchanged
// against the content hashes recorded by earlier runs.
package tracking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// Diff is the classification of one table's current rows.
type Diff struct {
	Table     string
	New       []domain.Row
	Changed   []domain.Row
	Unchanged []domain.Row
	// Removed are ids tracked before but absent now.
	Removed []string
	// Untracked are rows without an id. They cannot be compared across
	// runs and do not count as a change of the table.
	Untracked []domain.Row
	// Duplicates are ids carried by more than one row. The last row of
	// each id is the one compared and recorded.
	Duplicates []string
	// Fallback is set when the stored hashes could not be read and every
	// row was treated as new.
	Fallback bool
}

// HasChanges reports whether anything was added, changed or removed.
func (d Diff) HasChanges() bool {
	return len(d.New) > 0 || len(d.Changed) > 0 || len(d.Removed) > 0
}

// ChangedIDs returns the ids of new and changed rows. Untracked rows are
// included under the empty id so they are always reprocessed.
func (d Diff) ChangedIDs(idColumn string) map[string]struct{} {
	out := make(map[string]struct{}, len(d.New)+len(d.Changed)+1)
	for _, r := range d.New {
		out[r.Str(idColumn)] = struct{}{}
	}
	for _, r := range d.Changed {
		out[r.Str(idColumn)] = struct{}{}
	}
	if len(d.Untracked) > 0 {
		out[""] = struct{}{}
	}
	return out
}

// Tracker diffs and records content hashes.
type Tracker struct {
	store storage.HashStore
	now   func() time.Time
}

// NewTracker returns a tracker persisting to store.
func NewTracker(store storage.HashStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// uniqueRows keeps one row per id, the last one, at the position of the
// first occurrence. Rows without an id are returned separately.
func uniqueRows(rows []domain.Row, idColumn string) (unique, untracked []domain.Row, duplicates []string) {
	pos := make(map[string]int, len(rows))
	dup := map[string]struct{}{}
	for _, r := range rows {
		id := r.Str(idColumn)
		if id == "" {
			untracked = append(untracked, r)
			continue
		}
		if i, ok := pos[id]; ok {
			unique[i] = r
			dup[id] = struct{}{}
			continue
		}
		pos[id] = len(unique)
		unique = append(unique, r)
	}
	for id := range dup {
		duplicates = append(duplicates, id)
	}
	sort.Strings(duplicates)
	return unique, untracked, duplicates
}

// Diff classifies rows by their idColumn value. A failure reading stored
// hashes is logged and treated as a first run.
func (t *Tracker) Diff(ctx context.Context, table string, rows []domain.Row, idColumn string) Diff {
	log := logger.FromContext(ctx)
	d := Diff{Table: table}

	unique, untracked, duplicates := uniqueRows(rows, idColumn)
	d.Untracked = untracked
	d.Duplicates = duplicates
	if len(duplicates) > 0 {
		log.Warn().
			Str("table", table).
			Strs("ids", duplicates).
			Msg("Duplicate record ids, the last row of each wins")
	}

	stored, err := t.store.LoadHashes(ctx, table)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("Could not read tracked hashes, reprocessing everything")
		d.Fallback = true
		d.New = unique
		return d
	}

	seen := make(map[string]struct{}, len(unique))
	for _, r := range unique {
		id := r.Str(idColumn)
		prev, ok := stored[id]
		switch {
		case !ok:
			d.New = append(d.New, r)
		case prev != ContentHash(r):
			d.Changed = append(d.Changed, r)
		default:
			d.Unchanged = append(d.Unchanged, r)
		}
		seen[id] = struct{}{}
	}
	for id := range stored {
		if _, ok := seen[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Removed)

	log.Debug().
		Str("table", table).
		Int("new", len(d.New)).
		Int("changed", len(d.Changed)).
		Int("unchanged", len(d.Unchanged)).
		Int("removed", len(d.Removed)).
		Int("untracked", len(d.Untracked)).
		Msg("Diffed table")
	return d
}

// RecordResult upserts the current hash of every row. Rows without an
// id are skipped and a repeated id records its last row. Recording the
// same rows twice is harmless.
func (t *Tracker) RecordResult(ctx context.Context, table string, rows []domain.Row, idColumn, batchID string) error {
	now := t.now().UTC()
	unique, _, _ := uniqueRows(rows, idColumn)
	records := make([]domain.TrackingRecord, 0, len(unique))
	for _, r := range unique {
		records = append(records, domain.TrackingRecord{
			TableName:    table,
			RecordID:     r.Str(idColumn),
			ContentHash:  ContentHash(r),
			BatchID:      batchID,
			LastModified: now,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := t.store.UpsertHashes(ctx, records); err != nil {
		return fmt.Errorf("RecordResult: %s: %w", table, err)
	}
	return nil
}

// Forget drops the hashes of rows that no longer exist, so the next diff
// does not report them as removed again.
func (t *Tracker) Forget(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.store.DeleteHashes(ctx, table, ids); err != nil {
		return fmt.Errorf("Forget: %s: %w", table, err)
	}
	return nil
}

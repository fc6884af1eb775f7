package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

const (
	trackingTable = "record_tracking"
	// mergeBatchSize bounds the array parameter of one MERGE statement.
	mergeBatchSize = 5000
)

// TrackingRow mirrors one row of record_tracking.
type TrackingRow struct {
	TableName    string    `bigquery:"table_name"`    // REQUIRED
	RecordID     string    `bigquery:"record_id"`     // REQUIRED
	ContentHash  string    `bigquery:"content_hash"`  // REQUIRED
	BatchID      string    `bigquery:"batch_id"`      // NULLABLE
	LastModified time.Time `bigquery:"last_modified"` // REQUIRED
}

// HashStore keeps content hashes in the record_tracking table.
type HashStore struct {
	c *Client
}

var _ storage.HashStore = (*HashStore)(nil)

// NewHashStore returns a hash store over c's dataset.
func NewHashStore(c *Client) *HashStore {
	return &HashStore{c: c}
}

// LoadHashes implements storage.HashStore.
func (s *HashStore) LoadHashes(ctx context.Context, table string) (map[string]string, error) {
	ref, err := s.c.table(trackingTable)
	if err != nil {
		return nil, fmt.Errorf("LoadHashes: %w", err)
	}
	q := s.c.bq.Query(fmt.Sprintf(`
		SELECT record_id, content_hash
		FROM %s
		WHERE table_name = @table_name
	`, ref))
	q.Parameters = []bigquery.QueryParameter{{Name: "table_name", Value: table}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadHashes: reading query: %w", err)
	}

	hashes := map[string]string{}
	for {
		var row struct {
			RecordID    string `bigquery:"record_id"`
			ContentHash string `bigquery:"content_hash"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadHashes: iterating: %w", err)
		}
		hashes[row.RecordID] = row.ContentHash
	}
	return hashes, nil
}

// MergeTrackingSQL is the upsert statement for one batch of records.
func MergeTrackingSQL(ref string) string {
	return fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@records) S
		ON T.table_name = S.table_name AND T.record_id = S.record_id
		WHEN MATCHED THEN
			UPDATE SET content_hash = S.content_hash,
			           batch_id = S.batch_id,
			           last_modified = S.last_modified
		WHEN NOT MATCHED THEN
			INSERT (table_name, record_id, content_hash, batch_id, last_modified)
			VALUES (S.table_name, S.record_id, S.content_hash, S.batch_id, S.last_modified)
	`, ref)
}

// UpsertHashes implements storage.HashStore.
func (s *HashStore) UpsertHashes(ctx context.Context, records []domain.TrackingRecord) error {
	ref, err := s.c.table(trackingTable)
	if err != nil {
		return fmt.Errorf("UpsertHashes: %w", err)
	}
	for _, batch := range Batches(TrackingRows(records), mergeBatchSize) {
		params := []bigquery.QueryParameter{{Name: "records", Value: batch}}
		if err := s.c.exec(ctx, MergeTrackingSQL(ref), params); err != nil {
			return fmt.Errorf("UpsertHashes: %w", err)
		}
	}
	return nil
}

// DeleteTrackingSQL removes one batch of record ids of a table.
func DeleteTrackingSQL(ref string) string {
	return fmt.Sprintf(`
		DELETE FROM %s
		WHERE table_name = @table_name AND record_id IN UNNEST(@record_ids)
	`, ref)
}

// DeleteHashes implements storage.HashStore.
func (s *HashStore) DeleteHashes(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ref, err := s.c.table(trackingTable)
	if err != nil {
		return fmt.Errorf("DeleteHashes: %w", err)
	}
	for _, batch := range Batches(ids, mergeBatchSize) {
		params := []bigquery.QueryParameter{
			{Name: "table_name", Value: table},
			{Name: "record_ids", Value: batch},
		}
		if err := s.c.exec(ctx, DeleteTrackingSQL(ref), params); err != nil {
			return fmt.Errorf("DeleteHashes: %w", err)
		}
	}
	return nil
}

// TrackingRows converts domain records to table rows.
func TrackingRows(records []domain.TrackingRecord) []TrackingRow {
	rows := make([]TrackingRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, TrackingRow{
			TableName:    r.TableName,
			RecordID:     r.RecordID,
			ContentHash:  r.ContentHash,
			BatchID:      r.BatchID,
			LastModified: r.LastModified,
		})
	}
	return rows
}

// Batches splits items into slices of at most size elements.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

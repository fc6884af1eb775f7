package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// SourceReader reads the imported SAP, MSP and mapping tables.
type SourceReader struct {
	c *Client
}

var _ storage.SourceReader = (*SourceReader)(nil)

// NewSourceReader returns a reader over c's dataset.
func NewSourceReader(c *Client) *SourceReader {
	return &SourceReader{c: c}
}

// SourceQuery builds the SELECT for a source table. Tables are filtered
// on their batch_id column when batchID is set.
func SourceQuery(ref, batchID string) string {
	if batchID == "" {
		return fmt.Sprintf("SELECT * FROM %s", ref)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE batch_id = @batch_id", ref)
}

// ReadTable implements storage.SourceReader.
func (r *SourceReader) ReadTable(ctx context.Context, table, batchID string) ([]domain.Row, error) {
	ref, err := r.c.table(table)
	if err != nil {
		return nil, fmt.Errorf("ReadTable: %w", err)
	}

	q := r.c.bq.Query(SourceQuery(ref, batchID))
	if batchID != "" {
		q.Parameters = []bigquery.QueryParameter{{Name: "batch_id", Value: batchID}}
	}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ReadTable: %s: reading query: %w", table, err)
	}

	var rows []domain.Row
	for {
		values := map[string]bigquery.Value{}
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ReadTable: %s: iterating: %w", table, err)
		}
		rows = append(rows, RowFromValues(values))
	}
	return rows, nil
}

// RowFromValues converts a BigQuery row into a domain row.
func RowFromValues(values map[string]bigquery.Value) domain.Row {
	row := make(domain.Row, len(values))
	for k, v := range values {
		row[k] = v
	}
	return row
}

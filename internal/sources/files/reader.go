// Package files reads source tables from spreadsheet exports on disk.
package files

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

// Reader serves <dir>/<table>.xlsx or <dir>/<table>.csv as source tables.
// The first row holds the column names; empty cells are left out of a row.
type Reader struct {
	dir string
}

var _ storage.SourceReader = (*Reader)(nil)

// NewReader creates a reader rooted at dir.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// ReadTable implements storage.SourceReader. When the rows carry a
// batch_id column they are filtered by batchID.
func (r *Reader) ReadTable(ctx context.Context, table, batchID string) ([]domain.Row, error) {
	path, err := r.locate(table)
	if err != nil {
		return nil, fmt.Errorf("ReadTable: %w", err)
	}

	var records [][]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		records, err = readWorkbook(path)
	default:
		records, err = readCSV(path)
	}
	if err != nil {
		return nil, fmt.Errorf("ReadTable: %s: %w", filepath.Base(path), err)
	}

	rows := ToRows(records)
	if batchID != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if b, ok := row["batch_id"]; !ok || b == batchID {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Str("table", table).
		Str("file", path).
		Int("rows", len(rows)).
		Msg("Read source export")
	return rows, nil
}

func (r *Reader) locate(table string) (string, error) {
	for _, ext := range []string{".xlsx", ".csv"} {
		path := filepath.Join(r.dir, table+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no export for table %s in %s: %w", table, r.dir, storage.ErrNotFound)
}

// ToRows turns a header row plus data rows into column-keyed rows.
// Rows without any value are skipped.
func ToRows(records [][]string) []domain.Row {
	if len(records) == 0 {
		return nil
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	rows := make([]domain.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := domain.Row{}
		for i, v := range rec {
			if i >= len(header) || header[i] == "" || strings.TrimSpace(v) == "" {
				continue
			}
			row[header[i]] = v
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return records, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(f)
}

// parseCSV accepts both comma and semicolon separated exports.
func parseCSV(in io.Reader) ([][]string, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(string(data)))
	firstLine, _, _ := strings.Cut(string(data), "\n")
	if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return records, nil
}

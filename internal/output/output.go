// Package output renders command results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
)

// Format types for output.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Table is data laid out in rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Tabular is implemented by results that have a table rendering. Values
// that are not Tabular are written as JSON in table mode.
type Tabular interface {
	Table() Table
}

// ParseFormat converts s to a Format. An empty string picks a format from
// the terminal.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return DetectFormat(), nil
	default:
		return "", fmt.Errorf("invalid format %q: must be one of: table, json, yaml", s)
	}
}

// DetectFormat returns table for terminals and JSON for pipes.
func DetectFormat() Format {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return FormatTable
	}
	return FormatJSON
}

// Write renders data to w.
func Write(w io.Writer, format Format, data any) error {
	switch format {
	case FormatYAML:
		// Round-trip through JSON so field names and decimal encoding
		// match the API.
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		out, err := yaml.JSONToYAML(raw)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		_, err = w.Write(out)
		return err

	case FormatTable:
		if t, ok := data.(Tabular); ok {
			return writeTable(w, t.Table())
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func writeTable(w io.Writer, data Table) error {
	table := tablewriter.NewTable(w)

	if len(data.Headers) > 0 {
		headers := make([]any, len(data.Headers))
		for i, h := range data.Headers {
			headers[i] = h
		}
		table.Header(headers...)
	}
	for _, row := range data.Rows {
		cells := make([]any, len(row))
		for i, c := range row {
			cells[i] = c
		}
		if err := table.Append(cells...); err != nil {
			return err
		}
	}
	return table.Render()
}

// Package dataset provides the in-memory tabular representation that flows
// through the pipeline: a named table of string cells with normalized column
// headers. Values stay as strings; typing is the quality detectors' job.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Dataset is a table of rows loaded from an ingested source
type Dataset struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// RowCount returns the number of data rows
func (d *Dataset) RowCount() int {
	return len(d.Rows)
}

// ColumnCount returns the number of columns
func (d *Dataset) ColumnCount() int {
	return len(d.Columns)
}

// ColumnIndex returns the index of the named column, or -1
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns all values of the named column in row order. Rows shorter
// than the header contribute an empty value.
func (d *Dataset) Column(name string) ([]string, error) {
	idx := d.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("dataset %s: no column %q", d.Name, name)
	}
	values := make([]string, len(d.Rows))
	for i, row := range d.Rows {
		if idx < len(row) {
			values[i] = row[idx]
		}
	}
	return values, nil
}

// Sample returns up to n column values using a deterministic stride so the
// sample covers the whole column rather than its head.
func (d *Dataset) Sample(name string, n int) ([]string, error) {
	values, err := d.Column(name)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(values) {
		return values, nil
	}
	stride := len(values) / n
	sample := make([]string, 0, n)
	for i := 0; i < len(values) && len(sample) < n; i += stride {
		sample = append(sample, values[i])
	}
	return sample, nil
}

// WriteCSV writes the dataset as CSV with the header row first
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range d.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var headerCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeHeader converts a raw header cell to snake_case
func NormalizeHeader(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = headerCleaner.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}

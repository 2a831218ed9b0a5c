package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Load reads a source file into a Dataset, picking the loader by extension.
// Supported: .csv, .xlsx, .xlsm.
func Load(path string) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path)
	case ".xlsx", ".xlsm":
		return LoadExcel(path)
	default:
		return nil, fmt.Errorf("unsupported source format: %s", filepath.Ext(path))
	}
}

// LoadCSV reads a CSV file with a header row into a Dataset
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ParseCSV(f, sourceName(path))
}

// ParseCSV reads CSV data with a header row from r into a named Dataset
func ParseCSV(r io.Reader, name string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	ds := &Dataset{
		Name:    name,
		Columns: normalizeHeaders(header),
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(ds.Rows)+2, err)
		}
		ds.Rows = append(ds.Rows, row)
	}

	return ds, nil
}

// LoadExcel reads an Excel workbook into a Dataset. The sheet holding the
// data is found by scanning for the first sheet whose first non-empty row
// looks like a header (at least two non-blank cells) followed by data rows.
func LoadExcel(path string) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var rows [][]string
	var sheetName string
	for _, name := range f.GetSheetList() {
		candidate, err := f.GetRows(name)
		if err != nil {
			continue
		}
		if headerRow(candidate) >= 0 && len(candidate) > headerRow(candidate)+1 {
			rows = candidate
			sheetName = name
			break
		}
	}

	if sheetName == "" {
		return nil, fmt.Errorf("no sheet with tabular data found in %s", filepath.Base(path))
	}

	slog.Debug("excel_sheet_selected",
		slog.String("file", filepath.Base(path)),
		slog.String("sheet", sheetName))

	start := headerRow(rows)
	ds := &Dataset{
		Name:    sourceName(path),
		Columns: normalizeHeaders(rows[start]),
	}
	width := len(ds.Columns)
	for _, row := range rows[start+1:] {
		if isBlankRow(row) {
			continue
		}
		// Pad short rows so column access stays aligned
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			row = padded
		}
		ds.Rows = append(ds.Rows, row)
	}

	return ds, nil
}

// headerRow returns the index of the first row usable as a header, or -1
func headerRow(rows [][]string) int {
	for i, row := range rows {
		filled := 0
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				filled++
			}
		}
		if filled >= 2 {
			return i
		}
	}
	return -1
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func normalizeHeaders(raw []string) []string {
	cols := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		name := NormalizeHeader(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		cols[i] = name
	}
	return cols
}

func sourceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

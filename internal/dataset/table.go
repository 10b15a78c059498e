// Package dataset parses incident CSV files into an in-memory table.
//
// A Table is rows × named columns of raw strings. Parsing never interprets
// values; typing happens in the feature encoder and in the Incident view.
// Configured null tokens are normalized to the empty string so downstream
// code has a single representation of a missing value.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedCSV is returned when the input cannot be parsed as CSV.
	ErrMalformedCSV = errors.New("malformed CSV")
	// ErrColumnNotFound is returned when a required column is absent.
	ErrColumnNotFound = errors.New("column not found")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options controls CSV parsing.
type Options struct {
	// Delimiter for CSV. If 0, ',' is used.
	Delimiter rune
	// NullValues are cell values treated as missing.
	NullValues []string
	// Required columns must appear in the header when one is present.
	Required []string
}

// DefaultOptions returns the options used for the TfL bus safety export.
func DefaultOptions() Options {
	return Options{
		Delimiter:  ',',
		NullValues: []string{"", "NA", "N/A", "NULL", "null"},
	}
}

// Table is an immutable set of rows with named columns. Only derived columns
// may be added after parsing.
type Table struct {
	columns []string
	rows    [][]string
	index   map[string]int
	derived map[string]bool
}

// NewTable builds a table from a header and rows. Every row must have one
// cell per column.
func NewTable(columns []string, rows [][]string) (*Table, error) {
	t := &Table{
		columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range t.columns {
		if _, dup := t.index[c]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformedCSV, c)
		}
		t.index[c] = i
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("%w: row %d has %d fields, expected %d", ErrMalformedCSV, i+1, len(row), len(columns))
		}
	}
	t.rows = rows
	return t, nil
}

// Parse reads CSV data with a header row. Empty input yields an empty table.
func Parse(r io.Reader, opts Options) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return &Table{index: map[string]int{}}, nil
	}

	reader := csv.NewReader(bytes.NewReader(data))
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCSV, err)
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}

	nulls := make(map[string]struct{}, len(opts.NullValues))
	for _, v := range opts.NullValues {
		nulls[v] = struct{}{}
	}

	rows := records[1:]
	for _, row := range rows {
		for j, cell := range row {
			cell = strings.TrimSpace(cell)
			if _, isNull := nulls[cell]; isNull {
				cell = ""
			}
			row[j] = cell
		}
	}

	t, err := NewTable(header, rows)
	if err != nil {
		return nil, err
	}
	for _, name := range opts.Required {
		if !t.HasColumn(name) {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}
	}
	return t, nil
}

// ParseBytes is Parse over an in-memory buffer.
func ParseBytes(data []byte, opts Options) (*Table, error) {
	return Parse(bytes.NewReader(data), opts)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Columns returns a copy of the header.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// HasColumn reports whether the header contains name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns a copy of all values of one column.
func (t *Table) Column(name string) ([]string, error) {
	j, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[j]
	}
	return out, nil
}

// Value returns one cell, or "" when the column does not exist.
func (t *Table) Value(row int, name string) string {
	j, ok := t.index[name]
	if !ok {
		return ""
	}
	return t.rows[row][j]
}

// IsDerived reports whether name was added after parsing.
func (t *Table) IsDerived(name string) bool { return t.derived[name] }

// Row returns a copy of one row.
func (t *Table) Row(i int) []string { return append([]string(nil), t.rows[i]...) }

// MarkDerived lets a source column be replaced by SetColumn. It is used for a
// derived column read back from an earlier export.
func (t *Table) MarkDerived(name string) error {
	if _, ok := t.index[name]; !ok {
		return fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	if t.derived == nil {
		t.derived = map[string]bool{}
	}
	t.derived[name] = true
	return nil
}

// SetColumn appends a derived column, or replaces a previously derived column
// of the same name. Source columns cannot be overwritten. values must have one
// entry per row.
func (t *Table) SetColumn(name string, values []string) error {
	if len(values) != len(t.rows) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.rows))
	}
	if t.index == nil {
		t.index = map[string]int{}
	}
	if t.derived == nil {
		t.derived = map[string]bool{}
	}
	if j, ok := t.index[name]; ok {
		if !t.derived[name] {
			return fmt.Errorf("column %q is a source column and cannot be replaced", name)
		}
		for i := range t.rows {
			t.rows[i][j] = values[i]
		}
		return nil
	}
	t.index[name] = len(t.columns)
	t.derived[name] = true
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], values[i])
	}
	return nil
}

// WriteCSV writes the header and rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return err
	}
	return cw.Error()
}

// Package parcellation turns the text tables written by FreeSurfer's
// region statistics tools into clean per-region TSV tables.
package parcellation

import (
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"

	"smripostlinc/pkg/errors"
)

// NA fills cells with no value.
const NA = "n/a"

// Table is a column-named string table with one row per region.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	return slices.Index(t.Columns, name)
}

// Has reports whether the table has column name.
func (t *Table) Has(name string) bool { return t.Index(name) >= 0 }

// Column returns a copy of the values of column name.
func (t *Table) Column(name string) ([]string, error) {
	i := t.Index(name)
	if i < 0 {
		return nil, errors.Newf("no column %q", name)
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// InsertColumn adds a constant column at position pos.
func (t *Table) InsertColumn(pos int, name, value string) {
	t.Columns = slices.Insert(t.Columns, pos, name)
	for r := range t.Rows {
		t.Rows[r] = slices.Insert(t.Rows[r], pos, value)
	}
}

// DropColumn removes column name if present.
func (t *Table) DropColumn(name string) {
	i := t.Index(name)
	if i < 0 {
		return
	}
	t.Columns = slices.Delete(t.Columns, i, i+1)
	for r := range t.Rows {
		t.Rows[r] = slices.Delete(t.Rows[r], i, i+1)
	}
}

// Floats parses column name. Rows holding NA are reported as missing.
func (t *Table) Floats(name string) ([]float64, []bool, error) {
	values, err := t.Column(name)
	if err != nil {
		return nil, nil, err
	}
	out := make([]float64, len(values))
	present := make([]bool, len(values))
	for i, v := range values {
		if v == NA || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "column %s row %d", name, i)
		}
		out[i], present[i] = f, true
	}
	return out, present, nil
}

// Join appends columns of other to t, matching rows on key. Rows of t
// without a partner get NA.
func (t *Table) Join(other *Table, key string, columns ...string) error {
	tk, ok := t.Index(key), other.Index(key)
	if tk < 0 || ok < 0 {
		return errors.Newf("both tables need the join column %q", key)
	}
	idx := make([]int, len(columns))
	for i, c := range columns {
		if idx[i] = other.Index(c); idx[i] < 0 {
			return errors.Newf("no column %q to join", c)
		}
	}
	byKey := make(map[string][]string, len(other.Rows))
	for _, row := range other.Rows {
		byKey[row[ok]] = row
	}
	t.Columns = append(t.Columns, columns...)
	for r, row := range t.Rows {
		match, found := byKey[row[tk]]
		for _, i := range idx {
			v := NA
			if found {
				v = match[i]
			}
			row = append(row, v)
		}
		t.Rows[r] = row
	}
	return nil
}

// WriteTSV writes the table with a header row.
func (t *Table) WriteTSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteTSVFile writes the table to path.
func (t *Table) WriteTSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := t.WriteTSV(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// ReadTSV reads a table written by WriteTSV.
func ReadTSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading table")
	}
	if len(records) == 0 {
		return nil, errors.New("table has no header")
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

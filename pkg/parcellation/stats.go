package parcellation

import (
	"bufio"
	"io"
	"os"
	"strings"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
)

const colHeaders = "# ColHeaders"

// Columns inserted in front of every table.
const (
	ColumnAtlas      = "atlas"
	ColumnHemisphere = "hemisphere"
)

// ParseStats reads a FreeSurfer stats file: comment lines, a
// "# ColHeaders" line naming the columns, then whitespace-delimited rows.
func ParseStats(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var t *Table
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		switch {
		case text == "":
			continue
		case strings.HasPrefix(text, colHeaders):
			t = &Table{Columns: strings.Fields(strings.TrimPrefix(text, colHeaders))}
			continue
		case strings.HasPrefix(text, "#"):
			continue
		}
		if t == nil {
			return nil, errors.Newf("line %d: data before the %q header", line, colHeaders)
		}
		fields := strings.Fields(text)
		if len(fields) != len(t.Columns) {
			return nil, errors.Newf("line %d: %d fields for %d columns", line, len(fields), len(t.Columns))
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Newf("no %q line", colHeaders)
	}
	return t, nil
}

// ParseStatsFile parses the stats file at path and labels its rows with
// the atlas and hemisphere.
func ParseStatsFile(path, atlas string, h models.Hemisphere) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	t, err := ParseStats(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	t.InsertColumn(0, ColumnHemisphere, h.String())
	t.InsertColumn(0, ColumnAtlas, atlas)
	return t, nil
}

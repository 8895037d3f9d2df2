package atlas

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
)

// Labels table columns
const (
	ColumnIndex = "index"
	ColumnLabel = "label"
	ColumnColor = "color"
)

// UnknownRegion is the name given to region 0 when a table does not define it.
const UnknownRegion = "Unknown"

// ReadLabels reads a BIDS atlas labels table. It requires "index" and
// "label" columns; an optional "color" column holds "#rrggbb" values. Rows
// are returned sorted by index.
func ReadLabels(atlasName, path string) (models.RegionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening labels file %s", path)
	}
	defer f.Close()

	malformed := func(format string, args ...any) error {
		return &errors.MalformedLabelsFile{Atlas: atlasName, Path: path, Reason: fmt.Sprintf(format, args...)}
	}

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, malformed("empty file")
	}
	if err != nil {
		return nil, malformed("%v", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	idxCol := slices.Index(header, ColumnIndex)
	if idxCol < 0 {
		return nil, malformed("%q column not found", ColumnIndex)
	}
	labelCol := slices.Index(header, ColumnLabel)
	if labelCol < 0 {
		return nil, malformed("%q column not found", ColumnLabel)
	}
	colorCol := slices.Index(header, ColumnColor)

	var table models.RegionTable
	seen := map[int]int{}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed("%v", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < len(header) {
			return nil, malformed("line %d has %d fields, want %d", line, len(rec), len(header))
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[idxCol]))
		if err != nil {
			return nil, malformed("line %d: index %q is not an integer", line, rec[idxCol])
		}
		if prev, dup := seen[idx]; dup {
			return nil, malformed("index %d appears on lines %d and %d", idx, prev, line)
		}
		seen[idx] = line

		region := models.Region{Index: idx, Name: strings.TrimSpace(rec[labelCol])}
		if colorCol >= 0 {
			if c, ok := parseColor(rec[colorCol]); ok {
				region.R, region.G, region.B = c[0], c[1], c[2]
			}
		}
		table = append(table, region)
	}
	if len(table) == 0 {
		return nil, malformed("no regions")
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Index < table[j].Index })
	return table, nil
}

func parseColor(s string) ([3]uint8, bool) {
	var c [3]uint8
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return c, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, false
	}
	copy(c[:], b)
	return c, true
}

// WithUnknown returns the table with region 0 first, synthesizing an
// "Unknown" entry when the table does not define it.
func WithUnknown(table models.RegionTable) models.RegionTable {
	if len(table) > 0 && table[0].Index == 0 {
		return slices.Clone(table)
	}
	out := make(models.RegionTable, 0, len(table)+1)
	out = append(out, models.Region{Index: 0, Name: UnknownRegion})
	return append(out, table...)
}

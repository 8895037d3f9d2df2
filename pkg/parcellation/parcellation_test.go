package parcellation

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/freesurfer"
)

const segstatsOutput = `# Title Segmentation Statistics
#
# cmdline mri_segstats --annot sub-01 lh Gordon --i lh.thickness --sum out.stats
# Only reporting non-empty segments
# NRows 3
# NTableCols 10
# ColHeaders  Index SegId NVertices Area_mm2 StructName Mean StdDev Min Max Range
  1   1   1200   845.1234  Visual_1   2.4311  0.51  0.9  4.1  3.2
  2   2    900   610.0000  Motor_1    2.8805  0.44  1.1  4.4  3.3
  3   3    450   301.5050  Default_1  2.6102  0.47  1.0  4.0  3.0
`

const anatomicalOutput = `# Table of FreeSurfer cortical parcellation anatomical statistics
#
# ColHeaders StructName NumVert SurfArea GrayVol ThickAvg ThickStd MeanCurv GausCurv FoldInd CurvInd
Visual_1   1200   845.12   2100   2.431  0.510  0.120  0.030  12  1.1
Motor_1     900   610.00   1800   2.880  0.440  0.110  0.020  10  0.9
Default_1   450   301.51    900   2.610  0.470  0.100  0.020   5  0.4
`

func TestParseStats(t *testing.T) {
	tbl, err := ParseStats(strings.NewReader(segstatsOutput))
	require.NoError(t, err)
	assert.Equal(t, []string{"Index", "SegId", "NVertices", "Area_mm2", "StructName", "Mean", "StdDev", "Min", "Max", "Range"}, tbl.Columns)
	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, "Motor_1", tbl.Rows[1][4])

	_, err = ParseStats(strings.NewReader("1 2 3\n"))
	assert.Error(t, err)
	_, err = ParseStats(strings.NewReader("# ColHeaders a b\n1 2 3\n"))
	assert.ErrorContains(t, err, "3 fields for 2 columns")
	_, err = ParseStats(strings.NewReader("# nothing\n"))
	assert.Error(t, err)
}

func TestTableOperations(t *testing.T) {
	tbl := &Table{Columns: []string{"StructName", "Mean"}, Rows: [][]string{{"a", "1"}, {"b", "2"}}}
	tbl.InsertColumn(0, ColumnHemisphere, "L")
	tbl.InsertColumn(0, ColumnAtlas, "Gordon")
	other := &Table{Columns: []string{"StructName", "NumVert"}, Rows: [][]string{{"b", "20"}}}
	require.NoError(t, tbl.Join(other, "StructName", "NumVert"))

	want := &Table{
		Columns: []string{"atlas", "hemisphere", "StructName", "Mean", "NumVert"},
		Rows:    [][]string{{"Gordon", "L", "a", "1", NA}, {"Gordon", "L", "b", "2", "20"}},
	}
	if diff := cmp.Diff(want, tbl); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteTSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "atlas\themisphere\tStructName\tMean\tNumVert\n"))
	back, err := ReadTSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, tbl, back)

	tbl.DropColumn("Mean")
	tbl.DropColumn("missing")
	assert.Equal(t, []string{"atlas", "hemisphere", "StructName", "NumVert"}, tbl.Columns)
	assert.Equal(t, []string{"Gordon", "L", "b", "20"}, tbl.Rows[1])

	assert.Error(t, tbl.Join(other, "Index"))
}

func TestReconcile(t *testing.T) {
	base := func() *Table {
		return &Table{
			Columns: []string{"StructName", "NVertices", "NumVert", "Area_mm2", "SurfArea"},
			Rows: [][]string{
				{"a", "10", "10", "100.004", "100.00"},
				{"b", "20", "20", "55.5", "55.5"},
				{"c", "5", NA, "7", NA},
			},
		}
	}

	tbl := base()
	require.NoError(t, Reconcile("t", tbl, DefaultRules))
	assert.Equal(t, []string{"StructName", "NVertices", "Area_mm2"}, tbl.Columns)
	assert.Len(t, tbl.Rows, 3)

	tbl = base()
	tbl.Rows[1][2] = "21"
	err := Reconcile("t", tbl, DefaultRules)
	var re *errors.ReconciliationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "b", re.Row)
	assert.Equal(t, "NumVert", re.Duplicate)
	assert.True(t, errors.IsReconciliation(err))

	tbl = base()
	tbl.Rows[0][4] = "100.2"
	err = Reconcile("t", tbl, DefaultRules)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "SurfArea", re.Duplicate)
	assert.InDelta(t, 100.004, re.Want, 1e-9)

	// a looser tolerance accepts it
	tbl = base()
	tbl.Rows[0][4] = "100.2"
	require.NoError(t, Reconcile("t", tbl, []Rule{{Reference: "Area_mm2", Duplicate: "SurfArea", Tolerance: 0.5}}))
	assert.True(t, tbl.Has("NumVert"))
}

// fakeStats writes canned tool output.
type fakeStats struct{ segstats, anatomical string }

func (f *fakeStats) SegStats(_ context.Context, _, _ string, _ models.Hemisphere, _ string, _ freesurfer.MeasureFile, summary string) error {
	return os.WriteFile(summary, []byte(f.segstats), 0644)
}

func (f *fakeStats) AnatomicalStats(_ context.Context, _, _ string, _ models.Hemisphere, _, table string) error {
	return os.WriteFile(table, []byte(f.anatomical), 0644)
}

func TestAdapter(t *testing.T) {
	measures := []freesurfer.MeasureFile{{Measure: freesurfer.DefaultMeasures[0], Hemisphere: models.Left, Path: "lh.thickness"}}
	jobs := Jobs("Gordon", models.Left, measures)
	require.Len(t, jobs, 2)
	assert.Equal(t, BaselineStatistic, jobs[0].Statistic())
	assert.Equal(t, "thickness", jobs[1].Statistic())

	a := NewAdapter(&fakeStats{segstats: segstatsOutput, anatomical: anatomicalOutput}, "sub-01", nil, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	work := t.TempDir()

	baseline, err := a.Baseline(ctx, work, jobs[0], "lh.Gordon.annot")
	require.NoError(t, err)
	assert.Equal(t, []string{"atlas", "hemisphere", "StructName"}, baseline.Columns[:3])
	assert.Len(t, baseline.Rows, 3)

	tbl, err := a.Measure(ctx, work, jobs[1], baseline)
	require.NoError(t, err)
	assert.Equal(t, []string{"atlas", "hemisphere", "Index", "SegId", "NVertices", "Area_mm2", "StructName", "Mean", "StdDev", "Min", "Max", "Range"}, tbl.Columns)
	assert.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"Gordon", "L"}, tbl.Rows[0][:2])

	// a baseline that disagrees on vertex counts fails the table
	broken := strings.Replace(anatomicalOutput, "Motor_1     900", "Motor_1     901", 1)
	a = NewAdapter(&fakeStats{segstats: segstatsOutput, anatomical: broken}, "sub-01", nil, nil)
	baseline, err = a.Baseline(ctx, work, jobs[0], "lh.Gordon.annot")
	require.NoError(t, err)
	_, err = a.Measure(ctx, work, jobs[1], baseline)
	assert.True(t, errors.IsReconciliation(err))
}

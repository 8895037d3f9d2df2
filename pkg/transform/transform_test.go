package transform

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/annot"
	"smripostlinc/pkg/atlas"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/gifti"
)

var testRegions = models.RegionTable{
	{Index: 1, Name: "Visual"},
	{Index: 2, Name: "Motor"},
	{Index: 3, Name: "Default"},
}

// fakeTemplates serves surfaces written by the test.
type fakeTemplates struct {
	fsaverage, fsLR, midthickness string
}

func (f *fakeTemplates) FsaverageSphere(context.Context, models.Hemisphere, string) (string, error) {
	return f.fsaverage, nil
}

func (f *fakeTemplates) FsLRSphere(context.Context, models.Hemisphere, string) (string, error) {
	return f.fsLR, nil
}

func (f *fakeTemplates) MNIMidthickness(context.Context, models.Hemisphere, string) (string, error) {
	return f.midthickness, nil
}

// fakeToolkit stands in for wb_command and mri_surf2surf. The native
// subject mesh keeps every other fsaverage vertex.
type fakeToolkit struct {
	cifti  map[models.Hemisphere][]int32
	native func(*annot.Annotation) *annot.Annotation
	calls  []string
}

func (f *fakeToolkit) SeparateCifti(_ context.Context, _, _ string, h models.Hemisphere, out string) error {
	f.calls = append(f.calls, "separate-"+h.String())
	return gifti.Write(out, gifti.NewLabelImage(f.cifti[h], nil), gifti.Base64Binary)
}

func (f *fakeToolkit) ProjectNative(_ context.Context, _ string, target NativeTarget, h models.Hemisphere, in, out string) error {
	f.calls = append(f.calls, "native-"+target.Subject+"-"+h.String())
	a, err := annot.Read(in)
	if err != nil {
		return err
	}
	if f.native != nil {
		return annot.Write(out, f.native(a))
	}
	mapped := &annot.Annotation{Regions: a.Regions}
	for i := 0; i < len(a.Vertices); i += 2 {
		mapped.Vertices = append(mapped.Vertices, a.Vertices[i])
	}
	return annot.Write(out, mapped)
}

func newEngine(t *testing.T, tk Toolkit, tpl TemplateSource) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Toolkit: tk, Templates: tpl, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	return e
}

func writeLabels(t *testing.T, path string, values []int32) {
	t.Helper()
	require.NoError(t, gifti.Write(path, gifti.NewLabelImage(values, nil), gifti.ASCII))
}

func writeSurface(t *testing.T, path string, points [][3]float64) {
	t.Helper()
	require.NoError(t, gifti.Write(path, gifti.NewSurfaceImage(points, [][3]int32{{0, 1, 2}}), gifti.Base64Binary))
}

// writeVolume writes a float32 NIfTI-1 volume with cubic voxels of size
// voxel whose first voxel centre is at origin.
func writeVolume(t *testing.T, path string, dims [3]int, values []float32, voxel, origin float32) {
	t.Helper()
	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 348)
	for i, d := range []int16{3, int16(dims[0]), int16(dims[1]), int16(dims[2]), 1, 1, 1, 1} {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], 16) // float32
	le.PutUint16(hdr[72:], 32)
	le.PutUint32(hdr[108:], math.Float32bits(352))
	le.PutUint16(hdr[254:], 4) // sform_code
	for row, off := range []int{280, 296, 312} {
		le.PutUint32(hdr[off+4*row:], math.Float32bits(voxel))
		le.PutUint32(hdr[off+12:], math.Float32bits(origin))
	}
	copy(hdr[344:], "n+1\x00")
	data := make([]byte, 4*len(values))
	for i, v := range values {
		le.PutUint32(data[4*i:], math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(path, append(hdr, data...), 0644))
}

func giftiAtlas(t *testing.T, space models.Space, values map[models.Hemisphere][]int32) *models.Atlas {
	t.Helper()
	dir := t.TempDir()
	a := &models.Atlas{
		Name:       "Glasser",
		Format:     models.FormatSurfaceGifti,
		Space:      space,
		HemiImages: map[models.Hemisphere]string{},
		Regions:    testRegions,
	}
	for h, v := range values {
		path := filepath.Join(dir, "atlas-Glasser_hemi-"+h.String()+"_dseg.label.gii")
		writeLabels(t, path, v)
		a.HemiImages[h] = path
	}
	a.Image = a.HemiImages[models.Left]
	return a
}

func TestPlanTransitions(t *testing.T) {
	both := map[models.Hemisphere]string{models.Left: "l", models.Right: "r"}
	cases := []struct {
		name   string
		format models.Format
		space  models.Space
		want   []StepKind
	}{
		{"cifti fsLR", models.FormatDenseCifti, models.SpaceFsLR,
			[]StepKind{SeparateCifti, ResampleMesh, Discretize, ProjectNative}},
		{"cifti fsaverage", models.FormatDenseCifti, models.SpaceFsAverage,
			[]StepKind{SeparateCifti, Discretize, ProjectNative}},
		{"gifti fsLR", models.FormatSurfaceGifti, models.SpaceFsLR,
			[]StepKind{ResampleMesh, Discretize, ProjectNative}},
		{"gifti fsaverage", models.FormatSurfaceGifti, models.SpaceFsAverage,
			[]StepKind{Discretize, ProjectNative}},
		{"volume MNI", models.FormatVolumetric, models.SpaceMNI152NLin6Asym,
			[]StepKind{ProjectVolume, Discretize, ProjectNative}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := &models.Atlas{Name: "A", Format: c.format, Space: c.space, HemiImages: both}
			p, err := NewPlan(a, models.Left)
			require.NoError(t, err)
			assert.Equal(t, c.want, p.Kinds())
			require.NotEmpty(t, p.Native())
			assert.Equal(t, ProjectNative, p.Native()[0].Kind)
			assert.Equal(t, models.StateFsAverageAnnot, p.Standard()[len(p.Standard())-1].To.State)
		})
	}
}

func TestPlanRejectsUnsupported(t *testing.T) {
	both := map[models.Hemisphere]string{models.Left: "l", models.Right: "r"}
	for _, a := range []*models.Atlas{
		{Name: "vol-fsLR", Format: models.FormatVolumetric, Space: models.SpaceFsLR},
		{Name: "vol-fsaverage", Format: models.FormatVolumetric, Space: models.SpaceFsAverage},
		{Name: "cifti-MNI", Format: models.FormatDenseCifti, Space: models.SpaceMNI152NLin6Asym},
		{Name: "gifti-MNI", Format: models.FormatSurfaceGifti, Space: models.SpaceMNI152NLin6Asym, HemiImages: both},
		{Name: "gifti-fsnative", Format: models.FormatSurfaceGifti, Space: models.SpaceFsNative, HemiImages: both},
	} {
		_, err := NewPlan(a, models.Right)
		assert.True(t, errors.HasType(err, (*errors.UnsupportedAtlasSpace)(nil)), a.Name)
		assert.True(t, errors.IsSpaceTransform(err), a.Name)
	}

	_, err := NewPlan(&models.Atlas{Name: "mgz", Format: models.FormatUnknown, Image: "x.mgz"}, models.Left)
	assert.True(t, errors.HasType(err, (*errors.UnknownAtlasFormat)(nil)))
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewPlan(&models.Atlas{Name: "half", Format: models.FormatSurfaceGifti, Space: models.SpaceFsLR,
		HemiImages: map[models.Hemisphere]string{models.Left: "l"}}, models.Left)
	var mh *errors.MissingHemisphere
	require.True(t, errors.As(err, &mh))
	assert.Equal(t, "R", mh.Hemisphere)
}

// Scenario A: a GIFTI atlas already on fsaverage reaches fsnative with the
// region table of its labels file.
func TestScenarioGiftiFsaverage(t *testing.T) {
	a := giftiAtlas(t, models.SpaceFsAverage, map[models.Hemisphere][]int32{
		models.Left:  {0, 1, 1, 2, 3, 3, 0, 2},
		models.Right: {3, 3, 2, 2, 1, 1, 0, 0},
	})
	tk := &fakeToolkit{}
	e := newEngine(t, tk, &fakeTemplates{})
	ctx := context.Background()
	want := atlas.WithUnknown(testRegions)

	for _, h := range models.Hemispheres {
		plan, err := NewPlan(a, h)
		require.NoError(t, err)
		std, err := e.RunStandard(ctx, plan, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, models.StateFsAverageAnnot, std.Node.State)

		native, err := e.RunNative(ctx, plan, std, NativeTarget{SubjectsDir: "/fs", Subject: "sub-01"}, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, models.StateFsNativeAnnot, native.Node.State)
		assert.Equal(t, models.SpaceFsNative, native.Node.Space)

		out, err := annot.Read(native.Path)
		require.NoError(t, err)
		assert.Len(t, out.Vertices, 4)
		assert.Equal(t, len(want), len(out.Regions))
		assert.Equal(t, want.Names(), out.Regions.Names())
		assert.True(t, out.Regions.Equal(std.Regions))
	}
	assert.Equal(t, []string{"native-sub-01-L", "native-sub-01-R"}, tk.calls)
}

// Scenario B: a volumetric MNI atlas is sampled nearest-voxel, so the
// surface only carries values of the volume.
func TestScenarioVolumetricMNI(t *testing.T) {
	dir := t.TempDir()
	dims := [3]int{4, 4, 4}
	values := make([]float32, 64)
	for k := 0; k < 4; k++ {
		for j := 0; j < 4; j++ {
			for i := 0; i < 4; i++ {
				v := float32(1)
				if i >= 2 {
					v = 2
				}
				if k == 3 {
					v = 0
				}
				values[i+4*(j+4*k)] = v
			}
		}
	}
	volume := filepath.Join(dir, "atlas-Schaefer_space-MNI152NLin6Asym_dseg.nii")
	writeVolume(t, volume, dims, values, 10, -15)

	mid := filepath.Join(dir, "midthickness.surf.gii")
	writeSurface(t, mid, [][3]float64{
		{-14, -3, -12}, {-6, 4, 0}, {3, 0, 2}, {16, 12, -8}, {1, 1, 16}, {90, 0, 0}, {-0.4, 7.1, 4.9},
	})

	a := &models.Atlas{
		Name:    "Schaefer",
		Image:   volume,
		Format:  models.FormatVolumetric,
		Space:   models.SpaceMNI152NLin6Asym,
		Regions: testRegions,
	}
	e := newEngine(t, &fakeToolkit{}, &fakeTemplates{midthickness: mid})
	plan, err := NewPlan(a, models.Left)
	require.NoError(t, err)
	std, err := e.RunStandard(context.Background(), plan, t.TempDir())
	require.NoError(t, err)

	out, err := annot.Read(std.Path)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 2, 2, 0, 0, 1}, out.Vertices)
	for _, v := range std.LabelValues() {
		assert.Contains(t, []int32{0, 1, 2}, v)
	}
	assert.Equal(t, atlas.WithUnknown(testRegions).Names(), out.Regions.Names())
}

func TestCiftiFsLRResampledToFsaverage(t *testing.T) {
	dir := t.TempDir()
	fsLR := filepath.Join(dir, "fsLR.surf.gii")
	fsavg := filepath.Join(dir, "fsaverage.surf.gii")
	writeSurface(t, fsLR, [][3]float64{{100, 0, 0}, {-100, 0, 0}, {0, 100, 0}, {0, -100, 0}})
	writeSurface(t, fsavg, [][3]float64{{90, 10, 0}, {-95, 5, 0}, {5, 99, 0}, {0, -90, 10}, {70, 70, 0}, {-80, -20, 0}})

	tk := &fakeToolkit{cifti: map[models.Hemisphere][]int32{models.Right: {1, 2, 3, 0}}}
	e := newEngine(t, tk, &fakeTemplates{fsLR: fsLR, fsaverage: fsavg})
	a := &models.Atlas{
		Name:    "Gordon",
		Image:   filepath.Join(dir, "atlas-Gordon_space-fsLR_den-32k_dseg.dlabel.nii"),
		Format:  models.FormatDenseCifti,
		Space:   models.SpaceFsLR,
		Density: "32k",
		Regions: testRegions,
	}
	plan, err := NewPlan(a, models.Right)
	require.NoError(t, err)
	std, err := e.RunStandard(context.Background(), plan, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"separate-R"}, tk.calls)

	out, err := annot.Read(std.Path)
	require.NoError(t, err)
	// (70,70) is equidistant from +x and +y; the tree may return either
	assert.Equal(t, []int32{1, 2, 3, 0}, out.Vertices[:4])
	assert.Contains(t, []int32{1, 3}, out.Vertices[4])
	assert.Equal(t, int32(2), out.Vertices[5])
}

func TestLabelIntegrityViolations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// a separated hemisphere holding a value the labels file does not know
	tk := &fakeToolkit{cifti: map[models.Hemisphere][]int32{models.Left: {1, 2, 99}}}
	e := newEngine(t, tk, &fakeTemplates{})
	a := &models.Atlas{
		Name: "Bad", Image: filepath.Join(dir, "bad.dlabel.nii"),
		Format: models.FormatDenseCifti, Space: models.SpaceFsAverage, Regions: testRegions,
	}
	plan, err := NewPlan(a, models.Left)
	require.NoError(t, err)
	_, err = e.RunStandard(ctx, plan, t.TempDir())
	var li *errors.LabelIntegrity
	require.True(t, errors.As(err, &li))
	assert.Equal(t, "separate-cifti", li.Step)
	assert.Contains(t, li.Reason, "99")

	// a native mapping that loses a region
	g := giftiAtlas(t, models.SpaceFsAverage, map[models.Hemisphere][]int32{
		models.Left: {1, 2, 3}, models.Right: {1, 2, 3},
	})
	tk = &fakeToolkit{native: func(in *annot.Annotation) *annot.Annotation {
		return &annot.Annotation{Vertices: []int32{1}, Regions: in.Regions[:2]}
	}}
	e = newEngine(t, tk, &fakeTemplates{})
	plan, err = NewPlan(g, models.Left)
	require.NoError(t, err)
	std, err := e.RunStandard(ctx, plan, t.TempDir())
	require.NoError(t, err)
	_, err = e.RunNative(ctx, plan, std, NativeTarget{Subject: "sub-01"}, t.TempDir())
	require.True(t, errors.As(err, &li))
	assert.Equal(t, "project-native", li.Step)
	assert.True(t, errors.IsSpaceTransform(err))
}

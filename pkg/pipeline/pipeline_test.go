package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/annot"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/config"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/gifti"
	"smripostlinc/pkg/parcellation"
	"smripostlinc/pkg/transform"
)

var regionNames = []string{"Visual", "Motor", "Default"}

// noTemplates fails every lookup; fsaverage GIFTI atlases never need one.
type noTemplates struct{}

func (noTemplates) FsaverageSphere(context.Context, models.Hemisphere, string) (string, error) {
	return "", errors.New("no templates")
}

func (noTemplates) FsLRSphere(context.Context, models.Hemisphere, string) (string, error) {
	return "", errors.New("no templates")
}

func (noTemplates) MNIMidthickness(context.Context, models.Hemisphere, string) (string, error) {
	return "", errors.New("no templates")
}

// copyToolkit maps annotations onto the subject unchanged. Like
// mri_surf2surf it reads the registration through SUBJECTS_DIR.
type copyToolkit struct {
	mu    sync.Mutex
	calls []string
}

func (c *copyToolkit) SeparateCifti(context.Context, string, string, models.Hemisphere, string) error {
	return errors.New("unexpected CIFTI atlas")
}

func (c *copyToolkit) ProjectNative(_ context.Context, _ string, target transform.NativeTarget, h models.Hemisphere, in, out string) error {
	c.mu.Lock()
	c.calls = append(c.calls, target.Subject+"/"+h.String())
	c.mu.Unlock()
	reg := filepath.Join(target.SubjectsDir, target.Subject, "surf", h.FreeSurfer()+".sphere.reg")
	if _, err := os.Stat(reg); err != nil {
		return err
	}
	a, err := annot.Read(in)
	if err != nil {
		return err
	}
	return annot.Write(out, a)
}

// cannedStats writes tables whose redundant columns agree, unless
// vertexSkew is set.
type cannedStats struct {
	vertexSkew int
}

func (s *cannedStats) SegStats(_ context.Context, _, _ string, _ models.Hemisphere, _ string, _ freesurfer.MeasureFile, summary string) error {
	var b strings.Builder
	b.WriteString("# Title Segmentation Statistics\n# ColHeaders Index SegId NVertices Area_mm2 StructName Mean StdDev Min Max Range\n")
	for i, name := range regionNames {
		fmt.Fprintf(&b, "%d %d %d %.4f %s 2.5 0.4 1.0 4.0 3.0\n", i+1, i+1, 100*(i+1), 50.5*float64(i+1), name)
	}
	return os.WriteFile(summary, []byte(b.String()), 0644)
}

func (s *cannedStats) AnatomicalStats(_ context.Context, _, _ string, _ models.Hemisphere, annotPath, table string) error {
	if _, err := os.Stat(annotPath); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# ColHeaders StructName NumVert SurfArea GrayVol ThickAvg ThickStd MeanCurv GausCurv FoldInd CurvInd\n")
	for i, name := range regionNames {
		fmt.Fprintf(&b, "%s %d %.2f 900 2.5 0.4 0.1 0.02 5 0.4\n", name, 100*(i+1)+s.vertexSkew, 50.5*float64(i+1))
	}
	return os.WriteFile(table, []byte(b.String()), 0644)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeDataset(t *testing.T, root, datasetType string, files ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, bids.WriteDescription(root, &bids.Description{Name: filepath.Base(root), BIDSVersion: "1.9.0", DatasetType: datasetType}))
	for _, f := range files {
		writeFile(t, filepath.Join(root, f), "")
	}
}

// fixture lays out a raw dataset with two subjects, their preprocessed
// derivatives, an fsaverage GIFTI atlas and a FreeSurfer directory holding
// only sub-01.
func fixture(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	writeDataset(t, filepath.Join(root, "bids"), bids.DatasetRaw,
		"sub-01/anat/sub-01_T1w.nii.gz", "sub-02/anat/sub-02_T1w.nii.gz")
	writeDataset(t, filepath.Join(root, "smriprep"), bids.DatasetDerivative,
		"sub-01/anat/sub-01_desc-preproc_T1w.nii.gz", "sub-02/anat/sub-02_desc-preproc_T1w.nii.gz")

	atlases := filepath.Join(root, "atlases")
	writeDataset(t, atlases, bids.DatasetAtlas)
	writeFile(t, filepath.Join(atlases, "atlas-Glasser", "atlas-Glasser_dseg.tsv"),
		"index\tlabel\n1\tVisual\n2\tMotor\n3\tDefault\n")
	for h, values := range map[string][]int32{"L": {0, 1, 1, 2, 3, 3}, "R": {3, 2, 2, 1, 0, 1}} {
		path := filepath.Join(atlases, "atlas-Glasser", "atlas-Glasser_hemi-"+h+"_space-fsaverage_den-164k_dseg.label.gii")
		require.NoError(t, gifti.Write(path, gifti.NewLabelImage(values, nil), gifti.ASCII))
	}

	fs := filepath.Join(root, "freesurfer")
	for _, hemi := range []string{"lh", "rh"} {
		for _, f := range []string{"sphere.reg", "white", "thickness"} {
			writeFile(t, filepath.Join(fs, "sub-01", "surf", hemi+"."+f), "surface")
		}
	}

	cfg := config.DefaultConfig()
	cfg.Execution.InputDir = filepath.Join(root, "bids")
	cfg.Execution.OutputDir = filepath.Join(root, "out")
	cfg.Execution.WorkDir = filepath.Join(root, "work")
	cfg.Execution.FreeSurferDir = fs
	cfg.Execution.FreeSurferHome = ""
	cfg.Execution.TemplatesDir = ""
	cfg.Execution.Derivatives = []config.DatasetRef{{Key: "smriprep", Path: filepath.Join(root, "smriprep")}}
	cfg.Execution.AtlasDatasets = []config.DatasetRef{{Key: "atlaspack", Path: atlases}}
	cfg.Execution.Atlases = []string{"Glasser", "Nowhere"}
	cfg.Workflow.Measures = []string{"thickness", "sulc"}
	cfg.Resources.NProcs = 2
	cfg.Resources.RegistrationWait = 5 * time.Second
	return cfg
}

func newDriver(t *testing.T, cfg *config.Config, stats *cannedStats, tk *copyToolkit) *Driver {
	t.Helper()
	ctx, err := config.Build(cfg)
	require.NoError(t, err)
	d, err := NewDriver(Params{
		Config:    ctx,
		Toolkit:   tk,
		Templates: noTemplates{},
		Stats:     func(string) parcellation.StatsTools { return stats },
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return d
}

func TestProcess(t *testing.T) {
	cfg := fixture(t)
	tk := &copyToolkit{}
	summary, err := newDriver(t, cfg, &cannedStats{}, tk).Process(context.Background())
	require.NoError(t, err)

	out := cfg.Execution.OutputDir
	anat := filepath.Join(out, "sub-01", "anat")
	for _, name := range []string{
		"sub-01_hemi-L_space-fsnative_seg-Glasser_dseg.annot",
		"sub-01_hemi-R_space-fsnative_seg-Glasser_dseg.annot",
		"sub-01_hemi-L_space-fsnative_seg-Glasser_stat-freesurfer_morph.tsv",
		"sub-01_hemi-L_space-fsnative_seg-Glasser_stat-thickness_morph.tsv",
		"sub-01_hemi-R_space-fsnative_seg-Glasser_stat-thickness_morph.tsv",
		"sub-01_hemi-R_space-fsnative_seg-Glasser_stat-thickness_morph.json",
	} {
		assert.FileExists(t, filepath.Join(anat, name))
	}
	assert.FileExists(t, filepath.Join(out, "atlases", "atlas-Glasser", "atlas-Glasser_dseg.tsv"))
	assert.FileExists(t, filepath.Join(out, "atlases", "atlas-Glasser", "atlas-Glasser_hemi-L_space-fsaverage_den-164k_dseg.annot"))
	assert.FileExists(t, filepath.Join(out, "dataset_description.json"))
	assert.FileExists(t, filepath.Join(out, "logs", "CITATION.md"))
	// sulc is absent from the subject, so no table is attempted
	assert.NoFileExists(t, filepath.Join(anat, "sub-01_hemi-L_space-fsnative_seg-Glasser_stat-sulc_morph.tsv"))

	// the standard stage ran once per hemisphere, the native stage once per subject hemisphere
	assert.ElementsMatch(t, []string{"sub-01/L", "sub-01/R"}, tk.calls)

	// redundant columns are gone and rows are labelled
	f, err := os.Open(filepath.Join(anat, "sub-01_hemi-L_space-fsnative_seg-Glasser_stat-thickness_morph.tsv"))
	require.NoError(t, err)
	defer f.Close()
	table, err := parcellation.ReadTSV(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"atlas", "hemisphere"}, table.Columns[:2])
	assert.False(t, table.Has("NumVert"))
	assert.False(t, table.Has("SurfArea"))
	assert.Len(t, table.Rows, 3)

	var sidecar map[string]any
	data, err := os.ReadFile(filepath.Join(anat, "sub-01_hemi-R_space-fsnative_seg-Glasser_stat-thickness_morph.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &sidecar))
	assert.Len(t, sidecar["Sources"], 2)

	// the FreeSurfer source tree is untouched
	_, err = os.Stat(filepath.Join(cfg.Execution.FreeSurferDir, "sub-01", "label"))
	assert.True(t, os.IsNotExist(err))

	// sub-02 has no FreeSurfer data and fails alone
	assert.Equal(t, []string{"01"}, summary.Subjects())
	assert.Equal(t, 4, summary.Outputs("01"))
	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "02", failures[0].Subject)
	assert.True(t, errors.IsMissingData(failures[0].Err))
	assert.Equal(t, []string{"Nowhere"}, summary.Unresolved)

	logs, err := filepath.Glob(filepath.Join(out, "sub-01", "log", "*", config.DumpName))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestProcessReconciliationFailureIsPerTable(t *testing.T) {
	cfg := fixture(t)
	cfg.Execution.Participants = []string{"01"}
	summary, err := newDriver(t, cfg, &cannedStats{vertexSkew: 1}, &copyToolkit{}).Process(context.Background())
	require.NoError(t, err)

	failures := summary.Failures()
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.Equal(t, "thickness", f.Table)
		assert.True(t, errors.IsReconciliation(f.Err), "%v", f.Err)
	}
	// baselines and annotations are still written
	assert.Equal(t, 2, summary.Outputs("01"))
	assert.FileExists(t, filepath.Join(cfg.Execution.OutputDir, "sub-01", "anat",
		"sub-01_hemi-L_space-fsnative_seg-Glasser_stat-freesurfer_morph.tsv"))
}

func TestProcessConfigurationErrors(t *testing.T) {
	cfg := fixture(t)
	cfg.Execution.Participants = []string{"03"}
	_, err := newDriver(t, cfg, &cannedStats{}, &copyToolkit{}).Process(context.Background())
	assert.True(t, errors.IsConfiguration(err), "%v", err)

	cfg = fixture(t)
	cfg.Execution.Atlases = []string{"Nowhere"}
	_, err = newDriver(t, cfg, &cannedStats{}, &copyToolkit{}).Process(context.Background())
	assert.True(t, errors.IsConfiguration(err), "%v", err)
}

func TestProcessWaitsForLateRegistration(t *testing.T) {
	cfg := fixture(t)
	cfg.Execution.Participants = []string{"01"}
	reg := filepath.Join(cfg.Execution.FreeSurferDir, "sub-01", "surf", "rh.sphere.reg")
	require.NoError(t, os.Remove(reg))
	go func() {
		time.Sleep(300 * time.Millisecond)
		os.WriteFile(reg, []byte("surface"), 0644)
	}()

	summary, err := newDriver(t, cfg, &cannedStats{}, &copyToolkit{}).Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Failures())
	assert.FileExists(t, filepath.Join(cfg.Execution.OutputDir, "sub-01", "anat",
		"sub-01_hemi-R_space-fsnative_seg-Glasser_dseg.annot"))
}

func TestProcessSubjectWithoutAnatomy(t *testing.T) {
	cfg := fixture(t)
	writeFile(t, filepath.Join(cfg.Execution.InputDir, "sub-03", "func", "sub-03_task-rest_bold.nii.gz"), "")
	for _, hemi := range []string{"lh", "rh"} {
		for _, f := range []string{"sphere.reg", "white", "thickness"} {
			writeFile(t, filepath.Join(cfg.Execution.FreeSurferDir, "sub-03", "surf", hemi+"."+f), "surface")
		}
	}
	cfg.Execution.Participants = []string{"01", "03"}

	tk := &copyToolkit{}
	summary, err := newDriver(t, cfg, &cannedStats{}, tk).Process(context.Background())
	require.NoError(t, err)

	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "03", failures[0].Subject)
	var missing *errors.MissingSubjectData
	require.True(t, errors.As(failures[0].Err, &missing), "%v", failures[0].Err)
	assert.Contains(t, missing.What, "no anatomical images")
	assert.Equal(t, []string{"01"}, summary.Subjects())
	assert.ElementsMatch(t, []string{"sub-01/L", "sub-01/R"}, tk.calls)
}

func TestProcessMergesDerivativesDatasets(t *testing.T) {
	cfg := fixture(t)
	cfg.Execution.Participants = []string{"01"}
	first := cfg.Execution.Derivatives[0].Path
	writeFile(t, filepath.Join(first, "sub-01", "anat", "sub-01_dseg.nii.gz"), "")
	second := filepath.Join(filepath.Dir(first), "fastsurfer")
	writeDataset(t, second, bids.DatasetDerivative, "sub-01/anat/sub-01_desc-preproc_T1w.nii.gz")
	cfg.Execution.Derivatives = append(cfg.Execution.Derivatives, config.DatasetRef{Key: "fastsurfer", Path: second})

	summary, err := newDriver(t, cfg, &cannedStats{}, &copyToolkit{}).Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Failures())

	data, err := os.ReadFile(filepath.Join(cfg.Execution.OutputDir, "sub-01", "log", summary.RunID, "sub-01_T1w_derivatives.yaml"))
	require.NoError(t, err)
	var cache map[string]any
	require.NoError(t, yaml.Unmarshal(data, &cache))
	// the later dataset wins where both have a match
	assert.Equal(t, filepath.Join(second, "sub-01", "anat", "sub-01_desc-preproc_T1w.nii.gz"), cache["anat_preproc"])
	assert.Equal(t, filepath.Join(first, "sub-01", "anat", "sub-01_dseg.nii.gz"), cache["anat_dseg"])
	assert.Equal(t, filepath.Join(cfg.Execution.InputDir, "sub-01", "anat", "sub-01_T1w.nii.gz"), cache["t1w"])
	assert.Contains(t, cache, "anat_mask")
	assert.Nil(t, cache["anat_mask"])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smripostlinc/pkg/errors"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Execution.InputDir = filepath.Join(root, "bids")
	cfg.Execution.OutputDir = filepath.Join(root, "out")
	cfg.Execution.FreeSurferDir = filepath.Join(root, "freesurfer")
	cfg.Execution.Derivatives = []DatasetRef{{Key: "smriprep", Path: filepath.Join(root, "smriprep")}}
	cfg.Execution.AtlasDatasets = []DatasetRef{{Key: "atlaspack", Path: filepath.Join(root, "atlases")}}
	cfg.Execution.Atlases = []string{"Gordon", "Schaefer100"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.GreaterOrEqual(t, cfg.Resources.NProcs, 1)
	assert.Equal(t, 1, cfg.Resources.OMPThreads)
	assert.Equal(t, 0.01, cfg.Parcellation.AreaTolerance)
	assert.Equal(t, "164k", cfg.Workflow.FsAverageDensity)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smripost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
execution:
  outputDir: /data/out
  atlases: [Gordon]
resources:
  nprocs: 3
  taskTimeout: 45m
parcellation:
  areaTolerance: 0.5
`), 0644))

	t.Setenv("SMRIPOST_RESOURCES_NPROCS", "5")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringSlice("atlases", nil, "")
	fs.Float64("area-tolerance", 0, "")
	require.NoError(t, fs.Parse([]string{"--atlases", "Glasser,Gordon"}))

	cfg, err := LoadConfig(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "/data/out", cfg.Execution.OutputDir)
	assert.Equal(t, []string{"Glasser", "Gordon"}, cfg.Execution.Atlases)
	assert.Equal(t, 5, cfg.Resources.NProcs)
	assert.Equal(t, 45*time.Minute, cfg.Resources.TaskTimeout)
	// unset flags do not shadow the file
	assert.Equal(t, 0.5, cfg.Parcellation.AreaTolerance)
	assert.Equal(t, 30*time.Minute, cfg.Resources.RegistrationWait)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Workflow.FsAverageDensity, cfg.Workflow.FsAverageDensity)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig(t)
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Execution.Atlases, loaded.Execution.Atlases)
	assert.Equal(t, cfg.Execution.Derivatives, loaded.Execution.Derivatives)
	assert.Equal(t, cfg.Resources.TaskTimeout, loaded.Resources.TaskTimeout)
}

func TestBuildValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output", func(c *Config) { c.Execution.OutputDir = "" }},
		{"no atlases", func(c *Config) { c.Execution.Atlases = nil }},
		{"no derivatives", func(c *Config) { c.Execution.Derivatives = nil }},
		{"unknown space", func(c *Config) { c.Workflow.OutputSpaces = []string{"Talairach"} }},
		{"bad space modifier", func(c *Config) { c.Workflow.OutputSpaces = []string{"MNI152NLin6Asym:res"} }},
		{"unknown measure", func(c *Config) { c.Workflow.Measures = []string{"myelin"} }},
		{"negative tolerance", func(c *Config) { c.Parcellation.AreaTolerance = -1 }},
		{"duplicate key", func(c *Config) { c.Execution.AtlasDatasets[0].Key = "smriprep" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			_, err := Build(cfg)
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "%v", err)
		})
	}
}

func TestContextIsReadOnly(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workflow.OutputSpaces = []string{"MNI152NLin6Asym:res-2"}
	cfg.Execution.Participants = []string{"sub-01", "02"}
	ctx, err := Build(cfg)
	require.NoError(t, err)

	cfg.Execution.Atlases[0] = "changed"
	exec := ctx.Execution()
	exec.Atlases[1] = "changed"
	assert.Equal(t, []string{"Gordon", "Schaefer100"}, ctx.Execution().Atlases)

	assert.Equal(t, []string{"01", "02"}, ctx.Participants())
	require.Len(t, ctx.Spaces(), 1)
	assert.Equal(t, "2", ctx.Spaces()[0].Spec["res"])
	assert.Equal(t, cfg.Execution.AtlasDatasets[0].Path, ctx.DatasetLinks()["atlaspack"])
	assert.Len(t, ctx.Measures(), 5)
	assert.NotEmpty(t, ctx.RunID())
}

func TestReconcileRules(t *testing.T) {
	cfg := validConfig(t)
	cfg.Parcellation.AreaTolerance = 0.25
	cfg.Parcellation.VertexTolerance = 1
	ctx, err := Build(cfg)
	require.NoError(t, err)
	for _, r := range ctx.ReconcileRules() {
		switch r.Duplicate {
		case "NumVert":
			assert.Equal(t, 1.0, r.Tolerance)
		case "SurfArea":
			assert.Equal(t, 0.25, r.Tolerance)
		}
	}
}

func TestDump(t *testing.T) {
	ctx, err := Build(validConfig(t))
	require.NoError(t, err)

	path, err := ctx.Dump("sub-01")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ctx.Execution().OutputDir, "sub-01", "log", ctx.RunID(), DumpName), path)

	var decoded map[string]any
	_, err = toml.DecodeFile(path, &decoded)
	require.NoError(t, err)
	assert.Equal(t, ctx.RunID(), decoded["run_uuid"])
	assert.Equal(t, "sub-01", decoded["subject"])
	exec, ok := decoded["execution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"Gordon", "Schaefer100"}, exec["atlases"])
}

func TestParseDatasetRefs(t *testing.T) {
	refs, err := ParseDatasetRefs([]string{"atlaspack=/data/atlases", "/data/more-atlases/"})
	require.NoError(t, err)
	assert.Equal(t, []DatasetRef{
		{Key: "atlaspack", Path: "/data/atlases"},
		{Key: "more-atlases", Path: "/data/more-atlases/"},
	}, refs)

	_, err = ParseDatasetRefs([]string{"a=/x", "a=/y"})
	assert.True(t, errors.IsConfiguration(err))
	_, err = ParseDatasetRefs([]string{"=/x"})
	assert.Error(t, err)
}

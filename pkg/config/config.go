// Package config provides configuration loading and management for smripost.
// It handles loading configuration from YAML files, SMRIPOST_ environment
// variables and command-line flags, and provides default values.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"smripostlinc/pkg/errors"
)

// EnvPrefix is the prefix of environment overrides, as in
// SMRIPOST_RESOURCES_NPROCS=4.
const EnvPrefix = "SMRIPOST"

// DatasetRef is a named dataset given on the command line as key=path.
type DatasetRef struct {
	Key  string `yaml:"key" mapstructure:"key" toml:"key"`
	Path string `yaml:"path" mapstructure:"path" toml:"path"`
}

// Execution holds the inputs and outputs of a run.
type Execution struct {
	// InputDir is the raw BIDS dataset
	InputDir string `yaml:"inputDir" mapstructure:"inputDir" toml:"input_dir"`
	// OutputDir receives the derivatives dataset
	OutputDir string `yaml:"outputDir" mapstructure:"outputDir" toml:"output_dir"`
	// WorkDir holds intermediate results and fetched datasets
	WorkDir string `yaml:"workDir" mapstructure:"workDir" toml:"work_dir"`
	// Derivatives lists preprocessed datasets; the first one is queried
	Derivatives []DatasetRef `yaml:"derivatives" mapstructure:"derivatives" toml:"derivatives"`
	// AtlasDatasets are searched in order; paths may be URLs
	AtlasDatasets []DatasetRef `yaml:"atlasDatasets" mapstructure:"atlasDatasets" toml:"atlas_datasets"`
	Atlases       []string     `yaml:"atlases" mapstructure:"atlases" toml:"atlases"`
	// Participants restricts the run; empty processes every subject
	Participants []string `yaml:"participants" mapstructure:"participants" toml:"participants"`
	// FreeSurferDir holds the reconstructed subjects
	FreeSurferDir  string `yaml:"freesurferDir" mapstructure:"freesurferDir" toml:"freesurfer_dir"`
	FreeSurferHome string `yaml:"freesurferHome" mapstructure:"freesurferHome" toml:"freesurfer_home"`
	// TemplatesDir is a TemplateFlow-style tree of surface templates
	TemplatesDir    string `yaml:"templatesDir" mapstructure:"templatesDir" toml:"templates_dir"`
	BIDSDatabaseDir string `yaml:"bidsDatabaseDir" mapstructure:"bidsDatabaseDir" toml:"bids_database_dir"`
	Reindex         bool   `yaml:"reindex" mapstructure:"reindex" toml:"reindex"`
	// QuerySpec replaces the embedded query specification
	QuerySpec string `yaml:"querySpec" mapstructure:"querySpec" toml:"query_spec"`
}

// Workflow holds the processing choices.
type Workflow struct {
	// OutputSpaces are spatial references such as "MNI152NLin6Asym:res-2"
	OutputSpaces []string `yaml:"outputSpaces" mapstructure:"outputSpaces" toml:"output_spaces"`
	// Measures are morphometric maps to summarise; empty selects all
	Measures      []string `yaml:"measures" mapstructure:"measures" toml:"measures"`
	AllowMultiple bool     `yaml:"allowMultiple" mapstructure:"allowMultiple" toml:"allow_multiple"`
	// FsAverageDensity is the template density annotations are built on
	FsAverageDensity string `yaml:"fsaverageDensity" mapstructure:"fsaverageDensity" toml:"fsaverage_density"`
}

// Resources bounds the run.
type Resources struct {
	// NProcs is the number of concurrent tasks
	NProcs int `yaml:"nprocs" mapstructure:"nprocs" toml:"nprocs"`
	// OMPThreads is handed to each external tool
	OMPThreads int `yaml:"ompThreads" mapstructure:"ompThreads" toml:"omp_threads"`
	// TaskTimeout bounds each external tool call; zero disables it
	TaskTimeout time.Duration `yaml:"taskTimeout" mapstructure:"taskTimeout" toml:"task_timeout"`
	// RegistrationWait bounds the wait for FreeSurfer registration files
	RegistrationWait time.Duration `yaml:"registrationWait" mapstructure:"registrationWait" toml:"registration_wait"`
}

// Parcellation holds the reconciliation tolerances.
type Parcellation struct {
	// VertexTolerance bounds |NVertices - NumVert|
	VertexTolerance float64 `yaml:"vertexTolerance" mapstructure:"vertexTolerance" toml:"vertex_tolerance"`
	// AreaTolerance bounds |Area_mm2 - SurfArea| in mm²
	AreaTolerance float64 `yaml:"areaTolerance" mapstructure:"areaTolerance" toml:"area_tolerance"`
}

// Output controls logging.
type Output struct {
	// Verbosity counts -v flags; negative values are quieter
	Verbosity int  `yaml:"verbosity" mapstructure:"verbosity" toml:"verbosity"`
	LogJSON   bool `yaml:"logJSON" mapstructure:"logJSON" toml:"log_json"`
}

// Config represents the run configuration loaded from YAML
type Config struct {
	Execution    Execution    `yaml:"execution" mapstructure:"execution" toml:"execution"`
	Workflow     Workflow     `yaml:"workflow" mapstructure:"workflow" toml:"workflow"`
	Resources    Resources    `yaml:"resources" mapstructure:"resources" toml:"resources"`
	Parcellation Parcellation `yaml:"parcellation" mapstructure:"parcellation" toml:"parcellation"`
	Output       Output       `yaml:"output" mapstructure:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Execution.FreeSurferHome = os.Getenv("FREESURFER_HOME")
	cfg.Execution.TemplatesDir = os.Getenv("TEMPLATEFLOW_HOME")

	cfg.Workflow.FsAverageDensity = "164k"

	cfg.Resources.NProcs = cpuCount()
	cfg.Resources.OMPThreads = 1
	cfg.Resources.TaskTimeout = 2 * time.Hour
	cfg.Resources.RegistrationWait = 30 * time.Minute

	cfg.Parcellation.VertexTolerance = 0
	cfg.Parcellation.AreaTolerance = 0.01

	return cfg
}

// cpuCount is the number of logical CPUs, or 1 when it cannot be read.
func cpuCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// setDefaults mirrors DefaultConfig onto v so env variables and flags can
// override every key.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("execution.inputDir", d.Execution.InputDir)
	v.SetDefault("execution.outputDir", d.Execution.OutputDir)
	v.SetDefault("execution.workDir", d.Execution.WorkDir)
	v.SetDefault("execution.atlases", d.Execution.Atlases)
	v.SetDefault("execution.participants", d.Execution.Participants)
	v.SetDefault("execution.freesurferDir", d.Execution.FreeSurferDir)
	v.SetDefault("execution.freesurferHome", d.Execution.FreeSurferHome)
	v.SetDefault("execution.templatesDir", d.Execution.TemplatesDir)
	v.SetDefault("execution.bidsDatabaseDir", d.Execution.BIDSDatabaseDir)
	v.SetDefault("execution.reindex", d.Execution.Reindex)
	v.SetDefault("execution.querySpec", d.Execution.QuerySpec)
	v.SetDefault("workflow.outputSpaces", d.Workflow.OutputSpaces)
	v.SetDefault("workflow.measures", d.Workflow.Measures)
	v.SetDefault("workflow.allowMultiple", d.Workflow.AllowMultiple)
	v.SetDefault("workflow.fsaverageDensity", d.Workflow.FsAverageDensity)
	v.SetDefault("resources.nprocs", d.Resources.NProcs)
	v.SetDefault("resources.ompThreads", d.Resources.OMPThreads)
	v.SetDefault("resources.taskTimeout", d.Resources.TaskTimeout)
	v.SetDefault("resources.registrationWait", d.Resources.RegistrationWait)
	v.SetDefault("parcellation.vertexTolerance", d.Parcellation.VertexTolerance)
	v.SetDefault("parcellation.areaTolerance", d.Parcellation.AreaTolerance)
	v.SetDefault("output.verbosity", d.Output.Verbosity)
	v.SetDefault("output.logJSON", d.Output.LogJSON)
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"output-dir":        "execution.outputDir",
	"work-dir":          "execution.workDir",
	"atlases":           "execution.atlases",
	"participant-label": "execution.participants",
	"fs-subjects-dir":   "execution.freesurferDir",
	"templates-dir":     "execution.templatesDir",
	"bids-database-dir": "execution.bidsDatabaseDir",
	"reindex":           "execution.reindex",
	"query-spec":        "execution.querySpec",
	"output-spaces":     "workflow.outputSpaces",
	"measures":          "workflow.measures",
	"allow-multiple":    "workflow.allowMultiple",
	"nprocs":            "resources.nprocs",
	"omp-nthreads":      "resources.ompThreads",
	"task-timeout":      "resources.taskTimeout",
	"area-tolerance":    "parcellation.areaTolerance",
	"verbose":           "output.verbosity",
	"log-json":          "output.logJSON",
}

// LoadConfig loads configuration from a YAML file, SMRIPOST_ environment
// variables and the flags of fs that were set, in increasing precedence.
// A missing file yields the defaults; fs may be nil.
func LoadConfig(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "reading config file %s", configPath), errors.ErrConfiguration)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "checking config file %s", configPath)
		}
	}

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag --%s", name)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding configuration"), errors.ErrConfiguration)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// ParseDatasetRefs parses "key=path" arguments. A bare path takes its
// directory name as key.
func ParseDatasetRefs(args []string) ([]DatasetRef, error) {
	refs := make([]DatasetRef, 0, len(args))
	seen := map[string]bool{}
	for _, arg := range args {
		key, path, ok := strings.Cut(arg, "=")
		if !ok {
			path, key = arg, filepath.Base(filepath.Clean(arg))
		}
		if key == "" || path == "" {
			return nil, errors.Mark(errors.Newf("malformed dataset %q, want key=path", arg), errors.ErrConfiguration)
		}
		if seen[key] {
			return nil, errors.Mark(errors.Newf("dataset key %q given twice", key), errors.ErrConfiguration)
		}
		seen[key] = true
		refs = append(refs, DatasetRef{Key: key, Path: path})
	}
	return refs, nil
}

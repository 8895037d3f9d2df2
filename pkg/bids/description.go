package bids

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// Dataset types
const (
	DatasetRaw        = "raw"
	DatasetDerivative = "derivative"
	DatasetAtlas      = "atlas"
)

// DescriptionFile is the dataset-level descriptor filename.
const DescriptionFile = "dataset_description.json"

// Container records how a pipeline was packaged.
type Container struct {
	Type string `json:"Type,omitempty"`
	Tag  string `json:"Tag,omitempty"`
	URI  string `json:"URI,omitempty"`
}

// GeneratedBy is one entry of a dataset's provenance chain.
type GeneratedBy struct {
	Name        string     `json:"Name"`
	Version     string     `json:"Version,omitempty"`
	Description string     `json:"Description,omitempty"`
	CodeURL     string     `json:"CodeURL,omitempty"`
	Container   *Container `json:"Container,omitempty"`
}

// Description is the content of dataset_description.json.
type Description struct {
	Name             string            `json:"Name"`
	BIDSVersion      string            `json:"BIDSVersion"`
	DatasetType      string            `json:"DatasetType,omitempty"`
	License          string            `json:"License,omitempty"`
	HowToAcknowledge string            `json:"HowToAcknowledge,omitempty"`
	GeneratedBy      []GeneratedBy     `json:"GeneratedBy,omitempty"`
	DatasetLinks     map[string]string `json:"DatasetLinks,omitempty"`
}

// ReadDescription loads root/dataset_description.json.
func ReadDescription(root string) (*Description, error) {
	path := filepath.Join(root, DescriptionFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &errors.DatasetDescriptionMissing{Path: path}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parsing %s", path), errors.ErrConfiguration)
	}
	return &desc, nil
}

// WriteDescription writes desc to root/dataset_description.json.
func WriteDescription(root string, desc *Description) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(err, "creating dataset root")
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding dataset description")
	}
	return writeFileAtomic(filepath.Join(root, DescriptionFile), append(data, '\n'), 0644)
}

// PipelineInfo identifies the tool writing a derivatives dataset.
type PipelineInfo struct {
	Name        string
	Version     string
	CodeURL     string
	Description string
	// EnvPrefix names the environment variables carrying container info:
	// <prefix>_DOCKER_TAG and <prefix>_SINGULARITY_URL.
	EnvPrefix string
}

// DerivativeDescriptionOptions configures WriteDerivativeDescription.
type DerivativeDescriptionOptions struct {
	Pipeline PipelineInfo
	// DatasetLinks maps short dataset keys to paths or URLs
	DatasetLinks map[string]string
	Logger       *zap.SugaredLogger
}

// templateFlowURL replaces a local TemplateFlow home in DatasetLinks.
const templateFlowURL = "https://github.com/templateflow/templateflow"

// WriteDerivativeDescription writes the output dataset's descriptor. The
// GeneratedBy chain starts with this pipeline followed by the input
// dataset's entries. An existing descriptor written by a different version
// is replaced with a warning.
func WriteDerivativeDescription(inputDir, outputDir string, opts DerivativeDescriptionOptions) (*Description, error) {
	log := logger.OrGlobal(opts.Logger)
	p := opts.Pipeline

	entry := GeneratedBy{
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
		CodeURL:     p.CodeURL,
	}
	if p.EnvPrefix != "" {
		if tag := os.Getenv(p.EnvPrefix + "_DOCKER_TAG"); tag != "" {
			entry.Container = &Container{Type: "docker", Tag: tag}
		} else if uri := os.Getenv(p.EnvPrefix + "_SINGULARITY_URL"); uri != "" {
			entry.Container = &Container{Type: "singularity", URI: uri}
		}
	}

	desc := &Description{
		Name:             p.Name + " - Anatomical Postprocessing Outputs",
		BIDSVersion:      "1.9.0dev",
		DatasetType:      DatasetDerivative,
		HowToAcknowledge: "Include the generated boilerplate in the methods section.",
		GeneratedBy:      []GeneratedBy{entry},
	}

	if inputDir != "" {
		in, err := ReadDescription(inputDir)
		if err == nil {
			desc.GeneratedBy = append(desc.GeneratedBy, in.GeneratedBy...)
		} else if !errors.HasType(err, (*errors.DatasetDescriptionMissing)(nil)) {
			return nil, err
		}
	}

	if len(opts.DatasetLinks) > 0 {
		desc.DatasetLinks = map[string]string{}
		for k, v := range opts.DatasetLinks {
			if k == "templateflow" {
				v = templateFlowURL
			}
			desc.DatasetLinks[k] = v
		}
	}

	if prev, err := ReadDescription(outputDir); err == nil {
		checkPreviousVersion(prev, p, log)
	}

	if err := WriteDescription(outputDir, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func checkPreviousVersion(prev *Description, p PipelineInfo, log *zap.SugaredLogger) {
	var prevVersion string
	for _, g := range prev.GeneratedBy {
		if g.Name == p.Name {
			prevVersion = g.Version
			break
		}
	}
	if prevVersion == "" || prevVersion == p.Version {
		return
	}
	cur, errCur := semver.NewVersion(p.Version)
	old, errOld := semver.NewVersion(prevVersion)
	if errCur != nil || errOld != nil {
		log.Warnw("Output directory was written by a different version", "previous", prevVersion, "current", p.Version)
		return
	}
	if cur.Major() != old.Major() || cur.Minor() != old.Minor() {
		log.Warnw("Output directory was written by an incompatible version; outputs may be mixed",
			"previous", prevVersion, "current", p.Version)
		return
	}
	log.Infow("Output directory was written by an earlier patch release", "previous", prevVersion, "current", p.Version)
}

// IgnorePatterns are written to the output's .bidsignore.
var IgnorePatterns = []string{
	"*.html",
	"logs/",
	"figures/",
	"*_xfm.*",
	"*.surf.gii",
	"*_boldref.nii.gz",
	"*_bold.func.gii",
	"*_mixing.tsv",
	"*_timeseries.tsv",
	"*.annot",
}

// WriteBidsignore writes root/.bidsignore with IgnorePatterns.
func WriteBidsignore(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(err, "creating dataset root")
	}
	content := strings.Join(IgnorePatterns, "\n") + "\n"
	return writeFileAtomic(filepath.Join(root, ".bidsignore"), []byte(content), 0644)
}

// ignoreRules holds .bidsignore patterns split into directory and file rules.
type ignoreRules struct {
	dirs  []string
	files []string
}

func readBidsignore(root string) ignoreRules {
	var rules ignoreRules
	data, err := os.ReadFile(filepath.Join(root, ".bidsignore"))
	if err != nil {
		return rules
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "/") {
			rules.dirs = append(rules.dirs, strings.TrimSuffix(strings.TrimPrefix(line, "/"), "/"))
		} else {
			rules.files = append(rules.files, line)
		}
	}
	return rules
}

func (r ignoreRules) matchDir(name string) bool {
	return matchAny(r.dirs, name)
}

func (r ignoreRules) matchFile(name string) bool {
	return matchAny(r.files, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

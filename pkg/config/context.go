package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"smripostlinc/pkg/derivatives"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/parcellation"
)

// DumpName is the file name of the per-subject run configuration.
const DumpName = "smripost.toml"

// knownOutputSpaces are the standard spaces outputs may be requested in.
var knownOutputSpaces = []string{
	"MNI152NLin6Asym", "MNI152NLin2009cAsym", "MNIInfant", "fsaverage", "fsLR", "fsnative",
}

// Context is the validated, read-only view of a run's configuration. It is
// built once and handed to every entry point.
type Context struct {
	cfg     Config
	runID   string
	started time.Time
	spaces  []derivatives.SpatialReference
	links   map[string]string
}

// Build validates cfg and freezes it into a Context. Relative paths are
// made absolute.
func Build(cfg *Config) (*Context, error) {
	c := *cfg
	c.Execution.Derivatives = slices.Clone(cfg.Execution.Derivatives)
	c.Execution.AtlasDatasets = slices.Clone(cfg.Execution.AtlasDatasets)
	c.Execution.Atlases = slices.Clone(cfg.Execution.Atlases)
	c.Workflow.OutputSpaces = slices.Clone(cfg.Workflow.OutputSpaces)
	c.Workflow.Measures = slices.Clone(cfg.Workflow.Measures)

	invalid := func(format string, args ...any) error {
		return errors.Mark(errors.Newf(format, args...), errors.ErrConfiguration)
	}

	if c.Execution.InputDir == "" {
		return nil, invalid("no input dataset given")
	}
	if c.Execution.OutputDir == "" {
		return nil, invalid("no output directory given")
	}
	if len(c.Execution.Atlases) == 0 {
		return nil, errors.WithHint(invalid("no atlases requested"), "pass --atlases with at least one atlas name")
	}
	if len(c.Execution.Derivatives) == 0 {
		return nil, invalid("no preprocessed derivatives dataset given")
	}
	if c.Execution.FreeSurferDir == "" {
		return nil, invalid("no FreeSurfer subjects directory given")
	}
	if c.Resources.NProcs < 1 {
		c.Resources.NProcs = 1
	}
	if c.Resources.OMPThreads < 1 {
		c.Resources.OMPThreads = 1
	}
	if c.Parcellation.VertexTolerance < 0 || c.Parcellation.AreaTolerance < 0 {
		return nil, invalid("reconciliation tolerances must not be negative")
	}
	if _, err := freesurfer.LookupMeasures(c.Workflow.Measures); err != nil {
		return nil, err
	}

	abs := func(p *string) error {
		if *p == "" || strings.Contains(*p, "://") {
			return nil
		}
		a, err := filepath.Abs(*p)
		if err != nil {
			return errors.Wrapf(err, "resolving %s", *p)
		}
		*p = a
		return nil
	}
	paths := []*string{
		&c.Execution.InputDir, &c.Execution.OutputDir, &c.Execution.WorkDir,
		&c.Execution.FreeSurferDir, &c.Execution.TemplatesDir, &c.Execution.BIDSDatabaseDir,
		&c.Execution.QuerySpec,
	}
	for i := range c.Execution.Derivatives {
		paths = append(paths, &c.Execution.Derivatives[i].Path)
	}
	for i := range c.Execution.AtlasDatasets {
		paths = append(paths, &c.Execution.AtlasDatasets[i].Path)
	}
	for _, p := range paths {
		if err := abs(p); err != nil {
			return nil, err
		}
	}
	if c.Execution.WorkDir == "" {
		c.Execution.WorkDir = filepath.Join(c.Execution.OutputDir, "..", "work")
	}

	ctx := &Context{cfg: c, runID: uuid.New().String(), started: time.Now()}

	for _, s := range c.Workflow.OutputSpaces {
		ref, err := derivatives.ParseSpatialReference(s)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(knownOutputSpaces, ref.Space) {
			return nil, errors.WithHintf(invalid("unknown output space %q", ref.Space),
				"known spaces: %s", strings.Join(knownOutputSpaces, ", "))
		}
		ctx.spaces = append(ctx.spaces, ref)
	}

	ctx.links = map[string]string{}
	for _, d := range c.Execution.Derivatives {
		ctx.links[d.Key] = d.Path
	}
	for _, d := range c.Execution.AtlasDatasets {
		if _, dup := ctx.links[d.Key]; dup {
			return nil, invalid("dataset key %q is used twice", d.Key)
		}
		ctx.links[d.Key] = d.Path
	}
	if c.Execution.TemplatesDir != "" {
		ctx.links["templateflow"] = c.Execution.TemplatesDir
	}
	return ctx, nil
}

// RunID identifies this run in log directories.
func (c *Context) RunID() string { return c.runID }

// Started is when the context was built.
func (c *Context) Started() time.Time { return c.started }

// Execution returns a copy of the execution section.
func (c *Context) Execution() Execution {
	e := c.cfg.Execution
	e.Derivatives = slices.Clone(e.Derivatives)
	e.AtlasDatasets = slices.Clone(e.AtlasDatasets)
	e.Atlases = slices.Clone(e.Atlases)
	e.Participants = slices.Clone(e.Participants)
	return e
}

// Workflow returns a copy of the workflow section.
func (c *Context) Workflow() Workflow {
	w := c.cfg.Workflow
	w.OutputSpaces = slices.Clone(w.OutputSpaces)
	w.Measures = slices.Clone(w.Measures)
	return w
}

// Resources returns the resources section.
func (c *Context) Resources() Resources { return c.cfg.Resources }

// Output returns the logging section.
func (c *Context) Output() Output { return c.cfg.Output }

// Participants are the requested subject labels without the "sub-" prefix.
func (c *Context) Participants() []string {
	out := make([]string, 0, len(c.cfg.Execution.Participants))
	for _, p := range c.cfg.Execution.Participants {
		out = append(out, strings.TrimPrefix(p, "sub-"))
	}
	return out
}

// Spaces are the parsed output spaces; nil when none were requested.
func (c *Context) Spaces() []derivatives.SpatialReference {
	return slices.Clone(c.spaces)
}

// DatasetLinks maps every dataset key to its root.
func (c *Context) DatasetLinks() map[string]string {
	out := make(map[string]string, len(c.links))
	for k, v := range c.links {
		out[k] = v
	}
	return out
}

// Measures resolves the requested morphometric measures.
func (c *Context) Measures() []freesurfer.Measure {
	m, _ := freesurfer.LookupMeasures(c.cfg.Workflow.Measures)
	return m
}

// ReconcileRules returns the column reconciliation rules with the
// configured tolerances.
func (c *Context) ReconcileRules() []parcellation.Rule {
	rules := slices.Clone(parcellation.DefaultRules)
	for i := range rules {
		switch rules[i].Duplicate {
		case "NumVert":
			rules[i].Tolerance = c.cfg.Parcellation.VertexTolerance
		case "SurfArea":
			rules[i].Tolerance = c.cfg.Parcellation.AreaTolerance
		}
	}
	return rules
}

// LogDir is the per-subject log directory of this run.
func (c *Context) LogDir(subject string) string {
	return filepath.Join(c.cfg.Execution.OutputDir, "sub-"+strings.TrimPrefix(subject, "sub-"), "log", c.runID)
}

// dump is the serialised form of a run.
type dump struct {
	RunID   string    `toml:"run_uuid"`
	Started time.Time `toml:"started"`
	Subject string    `toml:"subject"`
	Config
}

// Dump writes the configuration to the subject's log directory and returns
// the file path.
func (c *Context) Dump(subject string) (string, error) {
	dir := c.LogDir(subject)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating log directory %s", dir)
	}
	data, err := toml.Marshal(dump{RunID: c.runID, Started: c.started, Subject: subject, Config: c.cfg})
	if err != nil {
		return "", errors.Wrap(err, "encoding run configuration")
	}
	path := filepath.Join(dir, DumpName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing %s", path)
	}
	return path, nil
}

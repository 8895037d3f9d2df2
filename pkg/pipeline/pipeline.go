// Package pipeline drives a run: it resolves the atlases once, then maps
// each atlas onto every subject's surfaces and summarises the subject's
// morphometry per region.
//
// Subjects run concurrently. Every leaf task (one transform stage, one
// statistics table) holds a slot of a shared semaphore sized by the
// configured number of processes, and the fsaverage stage of each atlas
// hemisphere is computed once and shared by all subjects.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/atlas"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/config"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/logger"
	"smripostlinc/pkg/parcellation"
	"smripostlinc/pkg/queryspec"
	"smripostlinc/pkg/report"
	"smripostlinc/pkg/resample"
	"smripostlinc/pkg/runner"
	"smripostlinc/pkg/transform"
)

// Version is stamped into the output dataset descriptor.
var Version = "0.1.0"

// Pipeline identifies this tool in dataset descriptors.
var Pipeline = bids.PipelineInfo{
	Name:        "smripost",
	Version:     Version,
	CodeURL:     "https://github.com/smripostlinc/smripost",
	Description: "Atlas parcellation of FreeSurfer morphometry",
	EnvPrefix:   config.EnvPrefix,
}

// StatsFactory returns the statistics tools bound to a subjects directory.
type StatsFactory func(subjectsDir string) parcellation.StatsTools

// Params holds the collaborators of a Driver. Nil collaborators are
// replaced by the external-tool implementations.
type Params struct {
	Config *config.Context
	// Toolkit runs wb_command and mri_surf2surf
	Toolkit transform.Toolkit
	// Templates resolve template surfaces; defaults to the templates dir
	Templates transform.TemplateSource
	// Stats runs mri_segstats and mris_anatomical_stats
	Stats  StatsFactory
	Logger *zap.SugaredLogger
}

// Driver runs the pipeline for one configuration.
type Driver struct {
	cfg       *config.Context
	toolkit   transform.Toolkit
	templates transform.TemplateSource
	stats     StatsFactory
	log       *zap.SugaredLogger

	raw     *bids.Layout
	derivs  []derivativesDataset
	spec    *queryspec.Spec
	catalog *atlas.Catalog
	engine  *transform.Engine
	sink    *bids.Sink
	sem     *semaphore.Weighted

	standard singleflight.Group
	stdMu    sync.Mutex
	stdDone  map[string]*standardResult

	summary *report.Summary
	closers []func() error
}

// derivativesDataset is an indexed --derivatives entry. Later entries
// override earlier ones when their caches are merged.
type derivativesDataset struct {
	key    string
	layout *bids.Layout
}

type standardResult struct {
	plan   *transform.Plan
	result *transform.Result
	err    error
}

// NewDriver wires the collaborators. Nothing is read from disk yet.
func NewDriver(p Params) (*Driver, error) {
	if p.Config == nil {
		return nil, errors.Mark(errors.New("pipeline needs a configuration"), errors.ErrConfiguration)
	}
	log := logger.OrGlobal(p.Logger)
	res := p.Config.Resources()
	r := runner.New(runner.Options{Threads: res.OMPThreads, Timeout: res.TaskTimeout, Logger: log})

	d := &Driver{
		cfg:       p.Config,
		toolkit:   p.Toolkit,
		templates: p.Templates,
		stats:     p.Stats,
		log:       log,
		sem:       semaphore.NewWeighted(int64(res.NProcs)),
		stdDone:   map[string]*standardResult{},
	}
	if d.toolkit == nil {
		d.toolkit = &transform.ExternalToolkit{Runner: r}
	}
	if d.stats == nil {
		d.stats = func(subjectsDir string) parcellation.StatsTools {
			return freesurfer.NewTools(r, subjectsDir)
		}
	}
	return d, nil
}

// Process runs the whole pipeline and returns the run summary. Errors
// that make every subject pointless, such as a configuration error, are
// returned before any subject starts; subject-level failures are recorded
// in the summary instead.
func (d *Driver) Process(ctx context.Context) (*report.Summary, error) {
	defer d.close()
	exec := d.cfg.Execution()
	d.summary = report.NewSummary(d.cfg.RunID())

	// Step 1: index the input datasets
	d.log.Infow("Indexing input datasets", "bids_dir", exec.InputDir, "derivatives", len(exec.Derivatives))
	if err := d.openDatasets(ctx); err != nil {
		return nil, err
	}

	subjects, err := d.subjects(ctx)
	if err != nil {
		return nil, err
	}

	// Step 2: resolve the atlases
	d.log.Infow("Collecting atlases", "atlases", exec.Atlases)
	if err := d.collectAtlases(ctx); err != nil {
		return nil, err
	}

	// Step 3: prepare the output dataset
	if err := d.prepareOutput(ctx); err != nil {
		return nil, err
	}

	// Step 4: process subjects
	d.log.Infow("Processing subjects", "subjects", subjects, "nprocs", d.cfg.Resources().NProcs)
	var g errgroup.Group
	done := make(chan string)
	for _, s := range subjects {
		g.Go(func() error {
			d.processSubject(ctx, s)
			done <- s
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()
	completed := 0
	for s := range done {
		completed++
		d.log.Infow("Subject finished", "subject", s,
			"progress", float64(completed)/float64(len(subjects))*100)
	}

	d.summary.Finish(time.Since(d.cfg.Started()))
	return d.summary, ctx.Err()
}

func (d *Driver) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warnw("Closing dataset index failed", "error", err)
		}
	}
	d.closers = nil
}

func (d *Driver) layoutOptions(name string) bids.LayoutOptions {
	exec := d.cfg.Execution()
	opts := bids.LayoutOptions{Reindex: exec.Reindex, Logger: d.log}
	if exec.BIDSDatabaseDir != "" {
		opts.DatabasePath = filepath.Join(exec.BIDSDatabaseDir, name+".sqlite")
	}
	return opts
}

func (d *Driver) openDatasets(ctx context.Context) error {
	exec := d.cfg.Execution()
	if exec.BIDSDatabaseDir != "" {
		if err := os.MkdirAll(exec.BIDSDatabaseDir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", exec.BIDSDatabaseDir)
		}
	}

	raw, err := bids.OpenLayout(ctx, exec.InputDir, d.layoutOptions("raw"))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "indexing input dataset"), errors.ErrConfiguration)
	}
	d.raw = raw
	d.closers = append(d.closers, raw.Close)

	for _, ref := range exec.Derivatives {
		deriv, err := bids.OpenLayout(ctx, ref.Path, d.layoutOptions("derivatives-"+ref.Key))
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "indexing derivatives %s", ref.Key), errors.ErrConfiguration)
		}
		d.derivs = append(d.derivs, derivativesDataset{key: ref.Key, layout: deriv})
		d.closers = append(d.closers, deriv.Close)
		if deriv.DatasetType() != bids.DatasetDerivative {
			d.log.Warnw("Derivatives dataset is not marked as derivative; queries will find nothing",
				"dataset", ref.Key, "type", deriv.DatasetType())
		}
	}

	if exec.QuerySpec != "" {
		d.spec, err = queryspec.LoadFile(exec.QuerySpec, bids.DefaultSchema())
	} else {
		d.spec, err = queryspec.Default(bids.DefaultSchema())
	}
	if err != nil {
		return err
	}

	if d.templates == nil {
		if exec.TemplatesDir == "" {
			return errors.WithHint(
				errors.Mark(errors.New("no templates directory"), errors.ErrConfiguration),
				"set TEMPLATEFLOW_HOME or pass --templates-dir")
		}
		tpl, err := resample.OpenTemplates(ctx, exec.TemplatesDir, d.layoutOptions("templates"))
		if err != nil {
			return errors.Mark(err, errors.ErrConfiguration)
		}
		d.templates = tpl
		d.closers = append(d.closers, tpl.Close)
	}
	d.engine, err = transform.NewEngine(transform.Options{
		Toolkit:          d.toolkit,
		Templates:        d.templates,
		FsAverageDensity: d.cfg.Workflow().FsAverageDensity,
		Logger:           d.log,
	})
	return err
}

// subjects lists the participants to process, checking requested labels
// against the input dataset.
func (d *Driver) subjects(ctx context.Context) ([]string, error) {
	all, err := d.raw.Values(ctx, "subject")
	if err != nil {
		return nil, err
	}
	requested := d.cfg.Participants()
	if len(requested) == 0 {
		if len(all) == 0 {
			return nil, errors.Mark(errors.Newf("no subjects found in %s", d.raw.Root()), errors.ErrConfiguration)
		}
		return all, nil
	}
	var missing []string
	for _, s := range requested {
		if !slices.Contains(all, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Mark(errors.Newf("participants %v not found in %s", missing, d.raw.Root()), errors.ErrConfiguration)
	}
	return requested, nil
}

func (d *Driver) collectAtlases(ctx context.Context) error {
	exec := d.cfg.Execution()
	datasets := make([]atlas.Dataset, len(exec.AtlasDatasets))
	for i, ref := range exec.AtlasDatasets {
		datasets[i] = atlas.Dataset{Key: ref.Key, Path: ref.Path}
	}
	cat, err := atlas.Collect(ctx, atlas.Options{
		Datasets:      datasets,
		Names:         exec.Atlases,
		WorkDir:       exec.WorkDir,
		LayoutOptions: d.layoutOptions("atlases"),
		Logger:        d.log,
	})
	if err != nil {
		return err
	}
	if cat.Len() == 0 {
		return errors.Mark(errors.Newf("none of the atlases %v was found", exec.Atlases), errors.ErrConfiguration)
	}
	d.catalog = cat
	d.summary.Unresolved = cat.Unresolved()
	return nil
}

// prepareOutput writes the dataset descriptor, the .bidsignore file, the
// atlas labels tables and the methods boilerplate.
func (d *Driver) prepareOutput(ctx context.Context) error {
	exec := d.cfg.Execution()
	if err := os.MkdirAll(exec.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", exec.OutputDir)
	}
	links := d.cfg.DatasetLinks()
	if _, err := bids.WriteDerivativeDescription(exec.Derivatives[0].Path, exec.OutputDir, bids.DerivativeDescriptionOptions{
		Pipeline:     Pipeline,
		DatasetLinks: links,
		Logger:       d.log,
	}); err != nil {
		return err
	}
	if err := bids.WriteBidsignore(exec.OutputDir); err != nil {
		return err
	}

	sink, err := bids.NewSink(bids.SinkOptions{
		OutputDir:    exec.OutputDir,
		Patterns:     d.spec.PathPatterns,
		DatasetLinks: links,
		Logger:       d.log,
	})
	if err != nil {
		return err
	}
	d.sink = sink

	for _, a := range d.catalog.Atlases() {
		if _, err := d.sink.Save(ctx, bids.Artifact{
			Path: a.Labels,
			Entities: bids.Entities{
				"atlas":              a.Name,
				bids.EntitySuffix:    "dseg",
				bids.EntityExtension: ".tsv",
			},
			Sources: []string{a.Labels},
		}); err != nil {
			return err
		}
	}

	text := report.DescribeAtlases(d.catalog.Atlases(), Pipeline.Name, Pipeline.Version)
	logs := filepath.Join(exec.OutputDir, "logs")
	if err := os.MkdirAll(logs, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", logs)
	}
	return os.WriteFile(filepath.Join(logs, "CITATION.md"), []byte(text), 0644)
}

// acquire takes a task slot, returning a release function.
func (d *Driver) acquire(ctx context.Context) (func(), error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.sem.Release(1) }, nil
}

// standardStage returns the fsaverage annotation of an atlas hemisphere,
// computing it at most once per run.
func (d *Driver) standardStage(ctx context.Context, a *models.Atlas, h models.Hemisphere) (*transform.Plan, *transform.Result, error) {
	key := a.Name + "/" + h.String()
	d.stdMu.Lock()
	if r, ok := d.stdDone[key]; ok {
		d.stdMu.Unlock()
		return r.plan, r.result, r.err
	}
	d.stdMu.Unlock()

	v, _, _ := d.standard.Do(key, func() (any, error) {
		r := &standardResult{}
		r.plan, r.err = transform.NewPlan(a, h)
		if r.err == nil {
			r.result, r.err = d.runStandard(ctx, r.plan)
		}
		// cancellation is not a property of the atlas; let a later caller retry
		if r.err == nil || ctx.Err() == nil {
			d.stdMu.Lock()
			d.stdDone[key] = r
			d.stdMu.Unlock()
		}
		return r, nil
	})
	r := v.(*standardResult)
	return r.plan, r.result, r.err
}

func (d *Driver) runStandard(ctx context.Context, plan *transform.Plan) (*transform.Result, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dir := filepath.Join(d.cfg.Execution().WorkDir, "atlases", plan.Atlas.Name, plan.Hemisphere.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	res, err := d.engine.RunStandard(ctx, plan, dir)
	if err != nil {
		return nil, err
	}
	if _, err := d.sink.Save(ctx, bids.Artifact{
		Path: res.Path,
		Entities: bids.Entities{
			"atlas":              plan.Atlas.Name,
			"hemi":               plan.Hemisphere.String(),
			"space":              models.SpaceFsAverage.String(),
			"den":                d.cfg.Workflow().FsAverageDensity,
			bids.EntitySuffix:    "dseg",
			bids.EntityExtension: ".annot",
		},
		Sources: []string{plan.Atlas.ImageFor(plan.Hemisphere)},
	}); err != nil {
		return nil, err
	}
	return res, nil
}

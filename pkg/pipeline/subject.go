package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/derivatives"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/parcellation"
	"smripostlinc/pkg/report"
	"smripostlinc/pkg/runner"
	"smripostlinc/pkg/transform"
)

// subjectRun is the state shared by the tasks of one subject.
type subjectRun struct {
	subject     string
	subjectDir  string
	subjectsDir string
	fsSubject   string
	workDir     string
	measures    []freesurfer.Measure
	log         *zap.SugaredLogger
}

// processSubject runs every atlas hemisphere of one subject. Failures are
// recorded in the summary; siblings carry on.
func (d *Driver) processSubject(ctx context.Context, subject string) {
	log := d.log.With("subject", subject)
	s, err := d.prepareSubject(ctx, subject, log)
	if err != nil {
		log.Errorw("Subject failed", "error", err)
		d.summary.Fail(report.Failure{Subject: subject, Err: err})
		return
	}

	var g errgroup.Group
	for _, a := range d.catalog.Atlases() {
		for _, h := range models.Hemispheres {
			g.Go(func() error {
				d.processAtlas(ctx, s, a, h)
				return nil
			})
		}
	}
	_ = g.Wait()
	d.summary.Done(subject)
}

// prepareSubject records the run configuration, collects the derivatives of
// the subject's anatomical images and mirrors its FreeSurfer directory.
func (d *Driver) prepareSubject(ctx context.Context, subject string, log *zap.SugaredLogger) (*subjectRun, error) {
	exec := d.cfg.Execution()
	if _, err := d.cfg.Dump(subject); err != nil {
		return nil, err
	}

	if err := d.collectAnatomical(ctx, subject, log); err != nil {
		return nil, err
	}

	subjectDir, err := freesurfer.FindSubjectDir(exec.FreeSurferDir, subject, "")
	if err != nil {
		return nil, err
	}
	subjectsDir := filepath.Join(exec.WorkDir, "sub-"+subject, "freesurfer")
	fsSubject, err := freesurfer.MirrorSubjectsDir(subjectDir, subjectsDir, exec.FreeSurferHome, log)
	if err != nil {
		return nil, err
	}
	log.Infow("Mirrored FreeSurfer subject", "source", subjectDir, "subjects_dir", subjectsDir)

	return &subjectRun{
		subject:     subject,
		subjectDir:  subjectDir,
		subjectsDir: subjectsDir,
		fsSubject:   fsSubject,
		workDir:     filepath.Join(exec.WorkDir, "sub-"+subject),
		measures:    d.cfg.Measures(),
		log:         log,
	}, nil
}

// collectAnatomical resolves the derivatives anchored on each anatomical
// image of the subject and records them in the subject's log directory.
func (d *Driver) collectAnatomical(ctx context.Context, subject string, log *zap.SugaredLogger) error {
	images, err := derivatives.AnatomicalImages(ctx, d.raw, d.spec, bids.NewEntitySet(bids.Entities{"subject": subject}))
	if err != nil {
		return err
	}
	for _, image := range images {
		cache, err := d.collectRun(ctx, bids.ExtractEntities(image), log.With("anat", filepath.Base(image)))
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cache)
		if err != nil {
			return errors.Wrap(err, "encoding collected derivatives")
		}
		stem, _, _ := strings.Cut(filepath.Base(image), ".")
		path := filepath.Join(d.cfg.LogDir(subject), stem+"_derivatives.yaml")
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.Warnw("Could not record collected derivatives", "path", path, "error", err)
		}
	}
	return nil
}

// collectRun resolves the raw queries for one anatomical image, then folds
// in every derivatives dataset in order.
func (d *Driver) collectRun(ctx context.Context, entities bids.EntitySet, log *zap.SugaredLogger) (*derivatives.Cache, error) {
	cache, err := derivatives.Collect(ctx, derivatives.Request{
		Raw:      d.raw,
		Entities: entities,
		Spec:     d.spec,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	for _, ds := range d.derivs {
		next, err := derivatives.Collect(ctx, derivatives.Request{
			Derivatives:   derivatives.Dataset{Layout: ds.layout},
			Entities:      entities,
			Spec:          d.spec,
			AllowMultiple: d.cfg.Workflow().AllowMultiple,
			Spaces:        d.cfg.Spaces(),
			Logger:        log.With("dataset", ds.key),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "collecting derivatives from %s", ds.key)
		}
		cache.Merge(next, log)
	}
	return cache, nil
}

// processAtlas maps one atlas hemisphere onto the subject and writes its
// parcellation tables.
func (d *Driver) processAtlas(ctx context.Context, s *subjectRun, a *models.Atlas, h models.Hemisphere) {
	log := s.log.With("atlas", a.Name, "hemi", h.String())
	fail := func(table string, err error) {
		log.Errorw("Task failed", "table", table, "error", err)
		d.summary.Fail(report.Failure{Subject: s.subject, Atlas: a.Name, Hemisphere: h.String(), Table: table, Err: err})
	}

	plan, std, err := d.standardStage(ctx, a, h)
	if err != nil {
		fail("", err)
		return
	}

	registration := freesurfer.RegistrationFiles(s.subjectDir, h)
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Resources().RegistrationWait)
	err = freesurfer.WaitForFiles(waitCtx, registration, log)
	cancel()
	if err != nil {
		fail("", errors.Mark(errors.Wrap(err, "waiting for surface registration"), errors.ErrMissingData))
		return
	}
	// the mirror was taken before the wait
	if err := freesurfer.LinkIntoMirror(s.subjectDir, s.subjectsDir, registration); err != nil {
		fail("", err)
		return
	}

	annotPath, err := d.nativeStage(ctx, s, plan, std)
	if err != nil {
		fail("", err)
		return
	}

	measures := freesurfer.AvailableMeasures(s.subjectDir, h, s.measures)
	jobs := parcellation.Jobs(a.Name, h, measures)
	adapter := parcellation.NewAdapter(d.stats(s.subjectsDir), s.fsSubject, d.cfg.ReconcileRules(), log)

	baseline, err := d.runJob(ctx, s, jobs[0], annotPath, func(dir string) (*parcellation.Table, error) {
		return adapter.Baseline(ctx, dir, jobs[0], freesurfer.AnnotPath(s.subjectsDir, s.fsSubject, h, a.Name))
	})
	if err != nil {
		fail(jobs[0].Statistic(), err)
		baseline = nil
	}

	var wg sync.WaitGroup
	for _, job := range jobs[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.runJob(ctx, s, job, annotPath, func(dir string) (*parcellation.Table, error) {
				return adapter.Measure(ctx, dir, job, baseline)
			})
			if err != nil {
				fail(job.Statistic(), err)
			}
		}()
	}
	wg.Wait()
}

// nativeStage maps the fsaverage annotation onto the subject, injects it
// into the mirrored subject and saves it. It returns the saved path.
func (d *Driver) nativeStage(ctx context.Context, s *subjectRun, plan *transform.Plan, std *transform.Result) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	dir, err := runner.TaskDir(s.workDir, plan.Atlas.Name, plan.Hemisphere.String(), "native")
	if err != nil {
		return "", err
	}
	target := transform.NativeTarget{SubjectsDir: s.subjectsDir, Subject: s.fsSubject}
	res, err := d.engine.RunNative(ctx, plan, std, target, dir)
	if err != nil {
		return "", err
	}
	if _, err := freesurfer.InjectAnnot(s.subjectsDir, s.fsSubject, plan.Hemisphere, plan.Atlas.Name, res.Path); err != nil {
		return "", err
	}
	return d.sink.Save(ctx, bids.Artifact{
		Path: res.Path,
		Entities: bids.Entities{
			"subject":            s.subject,
			"hemi":               plan.Hemisphere.String(),
			"space":              models.SpaceFsNative.String(),
			"seg":                plan.Atlas.Name,
			bids.EntitySuffix:    "dseg",
			bids.EntityExtension: ".annot",
		},
		Sources: []string{plan.Atlas.ImageFor(plan.Hemisphere)},
	})
}

// runJob runs one statistics job in its own directory and saves the table.
func (d *Driver) runJob(ctx context.Context, s *subjectRun, job parcellation.Job, annotPath string,
	run func(dir string) (*parcellation.Table, error)) (*parcellation.Table, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dir, err := runner.TaskDir(s.workDir, job.Atlas, job.Hemisphere.String(), job.Statistic())
	if err != nil {
		return nil, err
	}
	table, err := run(dir)
	if err != nil {
		return nil, err
	}

	tsv := filepath.Join(dir, job.Statistic()+".tsv")
	if err := table.WriteTSVFile(tsv); err != nil {
		return nil, err
	}
	sources := []string{annotPath}
	if job.Measure != nil {
		sources = append(sources, job.Measure.Path)
	}
	if _, err := d.sink.Save(ctx, bids.Artifact{
		Path: tsv,
		Entities: bids.Entities{
			"subject":            s.subject,
			"hemi":               job.Hemisphere.String(),
			"space":              models.SpaceFsNative.String(),
			"seg":                job.Atlas,
			"statistic":          job.Statistic(),
			bids.EntitySuffix:    "morph",
			bids.EntityExtension: ".tsv",
		},
		Sources: sources,
	}); err != nil {
		return nil, err
	}
	d.summary.Output(s.subject)
	return table, nil
}

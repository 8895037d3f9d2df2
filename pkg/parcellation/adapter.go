package parcellation

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/logger"
)

// BaselineStatistic names the full-surface table in output file names.
const BaselineStatistic = "freesurfer"

// StatsTools runs the two region statistics programs.
type StatsTools interface {
	SegStats(ctx context.Context, dir, subject string, h models.Hemisphere, atlas string, m freesurfer.MeasureFile, summary string) error
	AnatomicalStats(ctx context.Context, dir, subject string, h models.Hemisphere, annot, table string) error
}

// Job is one table to produce. A nil Measure is the baseline pass.
type Job struct {
	Atlas      string
	Hemisphere models.Hemisphere
	Measure    *freesurfer.MeasureFile
}

// Statistic is the statistic entity of the job's output.
func (j Job) Statistic() string {
	if j.Measure == nil {
		return BaselineStatistic
	}
	return j.Measure.Name
}

func (j Job) String() string {
	return fmt.Sprintf("%s/%s/%s", j.Atlas, j.Hemisphere, j.Statistic())
}

// Jobs lists the baseline job followed by one job per measure, for one
// atlas hemisphere.
func Jobs(atlas string, h models.Hemisphere, measures []freesurfer.MeasureFile) []Job {
	jobs := []Job{{Atlas: atlas, Hemisphere: h}}
	for i := range measures {
		jobs = append(jobs, Job{Atlas: atlas, Hemisphere: h, Measure: &measures[i]})
	}
	return jobs
}

// Adapter runs jobs against one mirrored subject.
type Adapter struct {
	tools   StatsTools
	subject string
	rules   []Rule
	log     *zap.SugaredLogger
}

// NewAdapter returns an Adapter. Nil rules select DefaultRules.
func NewAdapter(tools StatsTools, subject string, rules []Rule, log *zap.SugaredLogger) *Adapter {
	if rules == nil {
		rules = DefaultRules
	}
	return &Adapter{tools: tools, subject: subject, rules: rules, log: logger.OrGlobal(log)}
}

// Baseline runs the full-surface statistics for an injected annotation.
func (a *Adapter) Baseline(ctx context.Context, workDir string, job Job, annot string) (*Table, error) {
	out := filepath.Join(workDir, fmt.Sprintf("%s.%s.stats", job.Hemisphere.FreeSurfer(), job.Atlas))
	if err := a.tools.AnatomicalStats(ctx, workDir, a.subject, job.Hemisphere, annot, out); err != nil {
		return nil, err
	}
	return ParseStatsFile(out, job.Atlas, job.Hemisphere)
}

// Measure summarises one morphometric map and reconciles the redundant
// columns against the baseline table.
func (a *Adapter) Measure(ctx context.Context, workDir string, job Job, baseline *Table) (*Table, error) {
	out := filepath.Join(workDir, fmt.Sprintf("%s.%s.%s.stats", job.Hemisphere.FreeSurfer(), job.Atlas, job.Measure.Name))
	if err := a.tools.SegStats(ctx, workDir, a.subject, job.Hemisphere, job.Atlas, *job.Measure, out); err != nil {
		return nil, err
	}
	t, err := ParseStatsFile(out, job.Atlas, job.Hemisphere)
	if err != nil {
		return nil, err
	}
	if baseline != nil {
		var cols []string
		for _, c := range BaselineColumns(a.rules) {
			if baseline.Has(c) && !t.Has(c) {
				cols = append(cols, c)
			}
		}
		if err := t.Join(baseline, "StructName", cols...); err != nil {
			return nil, err
		}
	}
	if err := Reconcile(job.String(), t, a.rules); err != nil {
		return nil, err
	}
	a.log.Debugw("Parcellated measure", "job", job.String(), "regions", len(t.Rows))
	return t, nil
}

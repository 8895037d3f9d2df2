package freesurfer

import (
	"context"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/runner"
)

// Tools runs FreeSurfer binaries against one subjects directory.
type Tools struct {
	runner      *runner.Runner
	subjectsDir string
}

// NewTools returns Tools using r, with SUBJECTS_DIR set to subjectsDir.
func NewTools(r *runner.Runner, subjectsDir string) *Tools {
	return &Tools{runner: r, subjectsDir: subjectsDir}
}

// SubjectsDir returns the SUBJECTS_DIR the tools run against.
func (t *Tools) SubjectsDir() string { return t.subjectsDir }

func (t *Tools) run(ctx context.Context, dir, name string, args ...string) error {
	_, err := t.runner.Run(ctx, runner.Command{
		Name: name,
		Args: args,
		Dir:  dir,
		Env:  map[string]string{"SUBJECTS_DIR": t.subjectsDir},
	})
	return err
}

// Surf2Surf maps an annotation from sourceSubject onto targetSubject
// through their spherical registrations. Annotations are mapped vertex to
// vertex, so no label value is ever interpolated.
func (t *Tools) Surf2Surf(ctx context.Context, dir, sourceSubject, targetSubject string, h models.Hemisphere, in, out string) error {
	return t.run(ctx, dir, "mri_surf2surf",
		"--srcsubject", sourceSubject,
		"--trgsubject", targetSubject,
		"--hemi", h.FreeSurfer(),
		"--sval-annot", in,
		"--tval", out,
	)
}

// SegStats summarises a per-vertex map within each region of the atlas
// annotation injected into subject, writing a stats table to summary.
func (t *Tools) SegStats(ctx context.Context, dir, subject string, h models.Hemisphere, atlas string, m MeasureFile, summary string) error {
	args := []string{
		"--annot", subject, h.FreeSurfer(), atlas,
		"--i", m.Path,
		"--sum", summary,
	}
	return t.run(ctx, dir, "mri_segstats", append(args, m.Args...)...)
}

// AnatomicalStats runs the standard surface statistics for the atlas,
// ignoring global measures and using the symmetric thickness.
func (t *Tools) AnatomicalStats(ctx context.Context, dir, subject string, h models.Hemisphere, annot, table string) error {
	return t.run(ctx, dir, "mris_anatomical_stats",
		"-th3", "-noglobal",
		"-a", annot,
		"-f", table,
		subject, h.FreeSurfer(), "white",
	)
}

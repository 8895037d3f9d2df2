package transform

import (
	"context"
	"strings"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/freesurfer"
	"smripostlinc/pkg/runner"
)

// ExternalToolkit runs Connectome Workbench and FreeSurfer binaries.
type ExternalToolkit struct {
	Runner *runner.Runner
}

// SeparateCifti runs wb_command -cifti-separate for one cortex structure.
// Label files keep their label table; scalar files become metrics.
func (t *ExternalToolkit) SeparateCifti(ctx context.Context, workDir, cifti string, h models.Hemisphere, out string) error {
	kind := "-metric"
	if strings.HasSuffix(strings.ToLower(cifti), ".dlabel.nii") {
		kind = "-label"
	}
	_, err := t.Runner.Run(ctx, runner.Command{
		Name: "wb_command",
		Args: []string{"-cifti-separate", cifti, "COLUMN", kind, h.CiftiStructure(), out},
		Dir:  workDir,
	})
	return err
}

// ProjectNative maps the annotation with mri_surf2surf from fsaverage.
func (t *ExternalToolkit) ProjectNative(ctx context.Context, workDir string, target NativeTarget, h models.Hemisphere, in, out string) error {
	tools := freesurfer.NewTools(t.Runner, target.SubjectsDir)
	return tools.Surf2Surf(ctx, workDir, freesurfer.FsAverage, target.Subject, h, in, out)
}

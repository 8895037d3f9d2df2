package transform

import (
	"context"
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/annot"
	"smripostlinc/pkg/atlas"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/gifti"
	"smripostlinc/pkg/logger"
	"smripostlinc/pkg/resample"
)

// Default mesh densities.
const (
	FsAverageDensity = "164k"
	FsLRDensity      = "32k"
)

// NativeTarget identifies the subject an fsaverage annotation is mapped to.
type NativeTarget struct {
	// SubjectsDir must hold both the subject and fsaverage
	SubjectsDir string
	Subject     string
}

// Toolkit runs the conversions that need external software.
type Toolkit interface {
	// SeparateCifti extracts hemisphere h of a dense CIFTI file into a GIFTI
	SeparateCifti(ctx context.Context, workDir, cifti string, h models.Hemisphere, out string) error
	// ProjectNative maps an fsaverage annotation onto the target subject
	ProjectNative(ctx context.Context, workDir string, target NativeTarget, h models.Hemisphere, in, out string) error
}

// TemplateSource resolves the template surfaces used by native steps.
type TemplateSource interface {
	FsaverageSphere(ctx context.Context, h models.Hemisphere, den string) (string, error)
	FsLRSphere(ctx context.Context, h models.Hemisphere, den string) (string, error)
	MNIMidthickness(ctx context.Context, h models.Hemisphere, den string) (string, error)
}

// Options configures an Engine.
type Options struct {
	Toolkit   Toolkit
	Templates TemplateSource
	// FsAverageDensity is the target mesh of the standard stage
	FsAverageDensity string
	Logger           *zap.SugaredLogger
}

// Engine executes plans. It holds no per-atlas state and is safe for
// concurrent use.
type Engine struct {
	toolkit   Toolkit
	templates TemplateSource
	density   string
	log       *zap.SugaredLogger
}

// NewEngine returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Toolkit == nil || opts.Templates == nil {
		return nil, errors.Mark(errors.New("transform engine needs a toolkit and templates"), errors.ErrConfiguration)
	}
	density := opts.FsAverageDensity
	if density == "" {
		density = FsAverageDensity
	}
	return &Engine{
		toolkit:   opts.Toolkit,
		templates: opts.Templates,
		density:   density,
		log:       logger.OrGlobal(opts.Logger),
	}, nil
}

// Result is the artifact reached after a sequence of steps.
type Result struct {
	Atlas      *models.Atlas
	Hemisphere models.Hemisphere
	Node       Node
	Path       string
	// Labels is the set of label values in the artifact
	Labels map[int32]bool
	// Regions is the annotation's region table once one exists
	Regions models.RegionTable
}

// LabelValues returns the label values in ascending order.
func (r *Result) LabelValues() []int32 {
	return slices.Sorted(maps.Keys(r.Labels))
}

// RunStandard executes the atlas-only part of the plan and returns the
// fsaverage annotation.
func (e *Engine) RunStandard(ctx context.Context, plan *Plan, workDir string) (*Result, error) {
	start, err := Start(plan.Atlas)
	if err != nil {
		return nil, err
	}
	cur := &Result{
		Atlas:      plan.Atlas,
		Hemisphere: plan.Hemisphere,
		Node:       start,
		Path:       plan.Atlas.ImageFor(plan.Hemisphere),
	}
	return e.run(ctx, plan.Standard(), cur, workDir, NativeTarget{})
}

// RunNative maps a standard-stage result onto one subject.
func (e *Engine) RunNative(ctx context.Context, plan *Plan, std *Result, target NativeTarget, workDir string) (*Result, error) {
	return e.run(ctx, plan.Native(), std, workDir, target)
}

func (e *Engine) run(ctx context.Context, steps []Step, cur *Result, workDir string, target NativeTarget) (*Result, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step.From != cur.Node {
			return nil, errors.AssertionFailedf("step %s starts at %s but the atlas is at %s", step.Kind, step.From, cur.Node)
		}
		log := e.log.With("atlas", cur.Atlas.Name, "hemi", cur.Hemisphere.String(), "step", step.Kind.String())
		log.Debugw("Running transform step", "from", step.From.String(), "to", step.To.String())

		var next *Result
		var err error
		switch step.Kind {
		case SeparateCifti:
			next, err = e.separateCifti(ctx, cur, workDir)
		case ProjectVolume:
			next, err = e.projectVolume(ctx, cur, workDir)
		case ResampleMesh:
			next, err = e.resampleMesh(ctx, cur, workDir)
		case Discretize:
			next, err = e.discretize(cur, workDir)
		case ProjectNative:
			next, err = e.projectNative(ctx, cur, workDir, target)
		default:
			err = errors.AssertionFailedf("no implementation for step %s", step.Kind)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s: %s", cur.Atlas.Name, cur.Hemisphere.FreeSurfer(), step.Kind)
		}
		next.Atlas, next.Hemisphere, next.Node = cur.Atlas, cur.Hemisphere, step.To
		log.Infow("Transform step done", "path", next.Path, "labels", len(next.Labels))
		cur = next
	}
	return cur, nil
}

// outPath names an intermediate file after the atlas, hemisphere and node.
func outPath(workDir string, r *Result, space models.Space, ext string) string {
	name := fmt.Sprintf("%s.%s.space-%s%s", r.Hemisphere.FreeSurfer(), r.Atlas.Name, space, ext)
	return filepath.Join(workDir, name)
}

func (e *Engine) separateCifti(ctx context.Context, cur *Result, workDir string) (*Result, error) {
	ext := ".func.gii"
	if strings.HasSuffix(strings.ToLower(cur.Path), ".dlabel.nii") {
		ext = ".label.gii"
	}
	out := outPath(workDir, cur, cur.Node.Space, ext)
	if err := e.toolkit.SeparateCifti(ctx, workDir, cur.Path, cur.Hemisphere, out); err != nil {
		return nil, err
	}
	values, err := readGiftiLabels(out)
	if err != nil {
		return nil, err
	}
	allowed := indexSet(atlas.WithUnknown(cur.Atlas.Regions))
	if err := checkSubset(cur, SeparateCifti, values, allowed); err != nil {
		return nil, err
	}
	return &Result{Path: out, Labels: valueSet(values)}, nil
}

func (e *Engine) projectVolume(ctx context.Context, cur *Result, workDir string) (*Result, error) {
	vol, err := resample.ReadNIfTI(cur.Path)
	if err != nil {
		return nil, err
	}
	surfPath, err := e.templates.MNIMidthickness(ctx, cur.Hemisphere, e.density)
	if err != nil {
		return nil, err
	}
	surf, err := gifti.Read(surfPath)
	if err != nil {
		return nil, err
	}
	points, err := surf.Points()
	if err != nil {
		return nil, err
	}

	labels := resample.ProjectLabels(vol, points, 0)
	allowed := map[int32]bool{0: true}
	for _, v := range vol.Data {
		allowed[int32(math.Round(v))] = true
	}
	if err := checkSubset(cur, ProjectVolume, labels, allowed); err != nil {
		return nil, err
	}
	out := outPath(workDir, cur, models.SpaceFsAverage, ".label.gii")
	if err := writeLabelGifti(out, labels, cur.Atlas.Regions); err != nil {
		return nil, err
	}
	return &Result{Path: out, Labels: valueSet(labels)}, nil
}

func (e *Engine) resampleMesh(ctx context.Context, cur *Result, workDir string) (*Result, error) {
	values, err := readGiftiLabels(cur.Path)
	if err != nil {
		return nil, err
	}
	den := cur.Atlas.Density
	if den == "" {
		den = FsLRDensity
	}
	srcPath, err := e.templates.FsLRSphere(ctx, cur.Hemisphere, den)
	if err != nil {
		return nil, err
	}
	dstPath, err := e.templates.FsaverageSphere(ctx, cur.Hemisphere, e.density)
	if err != nil {
		return nil, err
	}
	srcPoints, err := readPoints(srcPath)
	if err != nil {
		return nil, err
	}
	dstPoints, err := readPoints(dstPath)
	if err != nil {
		return nil, err
	}
	mesh, err := resample.NewMesh(srcPoints)
	if err != nil {
		return nil, err
	}
	labels, err := resample.Labels(mesh, values, dstPoints)
	if err != nil {
		return nil, err
	}
	if err := checkSubset(cur, ResampleMesh, labels, valueSet(values)); err != nil {
		return nil, err
	}
	out := outPath(workDir, cur, models.SpaceFsAverage, ".label.gii")
	if err := writeLabelGifti(out, labels, cur.Atlas.Regions); err != nil {
		return nil, err
	}
	return &Result{Path: out, Labels: valueSet(labels)}, nil
}

func (e *Engine) discretize(cur *Result, workDir string) (*Result, error) {
	values, err := readGiftiLabels(cur.Path)
	if err != nil {
		return nil, err
	}
	regions := annot.AssignColors(atlas.WithUnknown(cur.Atlas.Regions))
	if err := checkSubset(cur, Discretize, values, indexSet(regions)); err != nil {
		return nil, err
	}
	out := filepath.Join(workDir, fmt.Sprintf("%s.%s.annot", cur.Hemisphere.FreeSurfer(), cur.Atlas.Name))
	if err := annot.Write(out, &annot.Annotation{Vertices: values, Regions: regions}); err != nil {
		return nil, err
	}
	return &Result{Path: out, Labels: valueSet(values), Regions: regions}, nil
}

func (e *Engine) projectNative(ctx context.Context, cur *Result, workDir string, target NativeTarget) (*Result, error) {
	if target.Subject == "" {
		return nil, errors.AssertionFailedf("native projection without a target subject")
	}
	out := filepath.Join(workDir, fmt.Sprintf("%s.%s.fsnative.annot", cur.Hemisphere.FreeSurfer(), cur.Atlas.Name))
	if err := e.toolkit.ProjectNative(ctx, workDir, target, cur.Hemisphere, cur.Path, out); err != nil {
		return nil, err
	}
	a, err := annot.Read(out)
	if err != nil {
		return nil, err
	}
	if !a.Regions.Equal(cur.Regions) {
		return nil, &errors.LabelIntegrity{
			Atlas:  cur.Atlas.Name,
			Step:   ProjectNative.String(),
			Reason: fmt.Sprintf("region table changed from %d to %d entries", len(cur.Regions), len(a.Regions)),
		}
	}
	allowed := maps.Clone(cur.Labels)
	allowed[annot.Unassigned] = true
	if err := checkSubset(cur, ProjectNative, a.Vertices, allowed); err != nil {
		return nil, err
	}
	return &Result{Path: out, Labels: valueSet(a.Vertices), Regions: a.Regions}, nil
}

// checkSubset fails when values holds a label outside allowed.
func checkSubset(cur *Result, kind StepKind, values []int32, allowed map[int32]bool) error {
	var extra []int32
	for v := range valueSet(values) {
		if !allowed[v] {
			extra = append(extra, v)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	slices.Sort(extra)
	return &errors.LabelIntegrity{
		Atlas:  cur.Atlas.Name,
		Step:   kind.String(),
		Reason: fmt.Sprintf("label values %v are not in the source set", extra),
	}
}

func valueSet(values []int32) map[int32]bool {
	set := make(map[int32]bool)
	for _, v := range values {
		set[v] = true
	}
	return set
}

func indexSet(table models.RegionTable) map[int32]bool {
	set := make(map[int32]bool, len(table))
	for _, r := range table {
		set[int32(r.Index)] = true
	}
	return set
}

func readGiftiLabels(path string) ([]int32, error) {
	img, err := gifti.Read(path)
	if err != nil {
		return nil, err
	}
	arr, err := img.Data()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return arr.Ints(), nil
}

func readPoints(path string) ([][3]float64, error) {
	img, err := gifti.Read(path)
	if err != nil {
		return nil, err
	}
	points, err := img.Points()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return points, nil
}

func writeLabelGifti(path string, values []int32, regions models.RegionTable) error {
	colored := annot.AssignColors(atlas.WithUnknown(regions))
	labels := make([]gifti.Label, len(colored))
	for i, r := range colored {
		labels[i] = gifti.Label{
			Key:   int32(r.Index),
			Name:  r.Name,
			Red:   float32(r.R) / 255,
			Green: float32(r.G) / 255,
			Blue:  float32(r.B) / 255,
			Alpha: 1,
		}
	}
	return gifti.Write(path, gifti.NewLabelImage(values, labels), gifti.GZipBase64Binary)
}

// Package transform turns an atlas, in whatever format and space it was
// published, into a FreeSurfer annotation on a subject's own surface.
//
// Each (atlas, hemisphere) pair walks a small state machine. A node is the
// triple (State, Format, Space) and the transition table below is the
// only place that decides which step applies next; any node it does not
// list is an unsupported atlas. Every step that touches labels maps them
// nearest-neighbour so no new label value can appear.
package transform

import (
	"fmt"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
)

// StepKind names one conversion.
type StepKind int

const (
	SeparateCifti StepKind = iota
	ProjectVolume
	ResampleMesh
	Discretize
	ProjectNative
)

func (k StepKind) String() string {
	switch k {
	case SeparateCifti:
		return "separate-cifti"
	case ProjectVolume:
		return "project-volume"
	case ResampleMesh:
		return "resample-mesh"
	case Discretize:
		return "discretize"
	case ProjectNative:
		return "project-native"
	}
	return "invalid"
}

// Node is the position of an atlas hemisphere in the state machine.
type Node struct {
	State  models.State
	Format models.Format
	Space  models.Space
}

func (n Node) String() string {
	return fmt.Sprintf("%s/%s/%s", n.State, n.Format, n.Space)
}

// Step is one transition.
type Step struct {
	Kind StepKind
	From Node
	To   Node
}

// transitions is keyed by the node a step starts from.
var transitions = map[Node]Step{}

func init() {
	add := func(kind StepKind, from, to Node) {
		transitions[from] = Step{Kind: kind, From: from, To: to}
	}
	cifti := func(space models.Space) Node {
		return Node{models.StateCiftiPackaged, models.FormatDenseCifti, space}
	}
	gifti := func(space models.Space) Node {
		return Node{models.StateGiftiSurface, models.FormatSurfaceGifti, space}
	}

	// Dense CIFTI splits into per-hemisphere GIFTIs in the same space,
	// whatever that space is; the GIFTI rows decide what follows.
	for _, space := range models.AtlasSpaces {
		add(SeparateCifti, cifti(space), gifti(space))
	}
	add(ProjectVolume,
		Node{models.StateNativeFormat, models.FormatVolumetric, models.SpaceMNI152NLin6Asym},
		gifti(models.SpaceFsAverage))
	add(ResampleMesh, gifti(models.SpaceFsLR), gifti(models.SpaceFsAverage))
	add(Discretize,
		gifti(models.SpaceFsAverage),
		Node{models.StateFsAverageAnnot, models.FormatAnnot, models.SpaceFsAverage})
	add(ProjectNative,
		Node{models.StateFsAverageAnnot, models.FormatAnnot, models.SpaceFsAverage},
		Node{models.StateFsNativeAnnot, models.FormatAnnot, models.SpaceFsNative})
}

// Start returns the node an atlas enters the state machine at.
func Start(a *models.Atlas) (Node, error) {
	var state models.State
	switch a.Format {
	case models.FormatDenseCifti:
		state = models.StateCiftiPackaged
	case models.FormatSurfaceGifti:
		state = models.StateGiftiSurface
	case models.FormatVolumetric:
		state = models.StateNativeFormat
	default:
		return Node{}, &errors.UnknownAtlasFormat{Atlas: a.Name, Path: a.Image}
	}
	return Node{State: state, Format: a.Format, Space: a.Space}, nil
}

// Plan lists the steps taking an atlas hemisphere to a native-space
// annotation.
type Plan struct {
	Atlas      *models.Atlas
	Hemisphere models.Hemisphere
	Steps      []Step
}

// NewPlan walks the transition table from the atlas's start node. Surface
// GIFTI atlases must provide both hemispheres.
func NewPlan(a *models.Atlas, h models.Hemisphere) (*Plan, error) {
	node, err := Start(a)
	if err != nil {
		return nil, err
	}
	if a.Format == models.FormatSurfaceGifti {
		for _, hemi := range models.Hemispheres {
			if _, ok := a.HemiImages[hemi]; !ok {
				return nil, &errors.MissingHemisphere{Atlas: a.Name, Hemisphere: hemi.String()}
			}
		}
	}

	p := &Plan{Atlas: a, Hemisphere: h}
	for node.State != models.StateFsNativeAnnot {
		step, ok := transitions[node]
		if !ok || len(p.Steps) > len(transitions) {
			return nil, &errors.UnsupportedAtlasSpace{
				Atlas:  a.Name,
				State:  node.State.String(),
				Format: node.Format.String(),
				Space:  node.Space.String(),
			}
		}
		p.Steps = append(p.Steps, step)
		node = step.To
	}
	return p, nil
}

// Standard returns the steps up to and including the fsaverage
// annotation. They depend only on the atlas, so subjects share them.
func (p *Plan) Standard() []Step {
	for i, s := range p.Steps {
		if s.To.State == models.StateFsAverageAnnot {
			return p.Steps[:i+1]
		}
	}
	return p.Steps
}

// Native returns the per-subject steps after the fsaverage annotation.
func (p *Plan) Native() []Step {
	return p.Steps[len(p.Standard()):]
}

// Kinds lists the step kinds in order.
func (p *Plan) Kinds() []StepKind {
	out := make([]StepKind, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Kind
	}
	return out
}

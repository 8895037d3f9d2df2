package models

import (
	"path/filepath"
	"strings"
)

// Hemisphere identifies one cortical hemisphere
type Hemisphere int

const (
	Left Hemisphere = iota
	Right
)

// Hemispheres lists both hemispheres in processing order
var Hemispheres = []Hemisphere{Left, Right}

// String returns the BIDS hemi entity value ("L" or "R")
func (h Hemisphere) String() string {
	if h == Right {
		return "R"
	}
	return "L"
}

// FreeSurfer returns the FreeSurfer file prefix ("lh" or "rh")
func (h Hemisphere) FreeSurfer() string {
	if h == Right {
		return "rh"
	}
	return "lh"
}

// CiftiStructure returns the wb_command structure name for the hemisphere
func (h Hemisphere) CiftiStructure() string {
	if h == Right {
		return "CORTEX_RIGHT"
	}
	return "CORTEX_LEFT"
}

// ParseHemisphere accepts the BIDS and FreeSurfer spellings
func ParseHemisphere(s string) (Hemisphere, bool) {
	switch strings.ToLower(s) {
	case "l", "lh", "left":
		return Left, true
	case "r", "rh", "right":
		return Right, true
	}
	return Left, false
}

// Space is a coordinate system an atlas or derivative is defined in
type Space int

const (
	SpaceUnknown Space = iota
	SpaceFsLR
	SpaceFsAverage
	SpaceMNI152NLin6Asym
	SpaceFsNative
)

var spaceNames = map[Space]string{
	SpaceFsLR:            "fsLR",
	SpaceFsAverage:       "fsaverage",
	SpaceMNI152NLin6Asym: "MNI152NLin6Asym",
	SpaceFsNative:        "fsnative",
}

func (s Space) String() string {
	if name, ok := spaceNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSpace maps a BIDS space label to a Space
func ParseSpace(s string) Space {
	for space, name := range spaceNames {
		if name == s {
			return space
		}
	}
	return SpaceUnknown
}

// AtlasSpaces are the spaces atlas discovery accepts
var AtlasSpaces = []Space{SpaceFsAverage, SpaceFsLR, SpaceMNI152NLin6Asym}

// Format is the storage format of an atlas image
type Format int

const (
	FormatUnknown Format = iota
	FormatVolumetric
	FormatSurfaceGifti
	FormatDenseCifti
	// FormatAnnot is a FreeSurfer annotation produced by the transform
	// stage; atlas discovery never yields it.
	FormatAnnot
)

func (f Format) String() string {
	switch f {
	case FormatVolumetric:
		return "volumetric"
	case FormatSurfaceGifti:
		return "surface-metric-gifti"
	case FormatDenseCifti:
		return "dense-cifti"
	case FormatAnnot:
		return "annot"
	}
	return "unknown"
}

// formatExtensions is checked in order, so the compound CIFTI extensions
// must come before the plain NIfTI ones they end with.
var formatExtensions = []struct {
	ext    string
	format Format
}{
	{".dlabel.nii", FormatDenseCifti},
	{".dscalar.nii", FormatDenseCifti},
	{".label.gii", FormatSurfaceGifti},
	{".func.gii", FormatSurfaceGifti},
	{".shape.gii", FormatSurfaceGifti},
	{".nii.gz", FormatVolumetric},
	{".nii", FormatVolumetric},
}

// ClassifyFormat returns the atlas format implied by a file's extension
func ClassifyFormat(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	for _, fe := range formatExtensions {
		if strings.HasSuffix(name, fe.ext) {
			return fe.format
		}
	}
	return FormatUnknown
}

// State is a node of the atlas space-transform state machine
type State int

const (
	StateNativeFormat State = iota
	StateCiftiPackaged
	StateGiftiSurface
	StateFsAverageAnnot
	StateFsNativeAnnot
)

func (s State) String() string {
	switch s {
	case StateNativeFormat:
		return "native-format"
	case StateCiftiPackaged:
		return "cifti-packaged"
	case StateGiftiSurface:
		return "gifti-surface"
	case StateFsAverageAnnot:
		return "fsaverage-annot"
	case StateFsNativeAnnot:
		return "fsnative-annot"
	}
	return "invalid"
}

// Atlas is one resolved entry of the atlas catalog. It is built once per run
// and only read afterwards.
type Atlas struct {
	// Name is the requested atlas name (the BIDS atlas entity)
	Name string

	// Dataset is the key of the atlas dataset the image was found in
	Dataset string

	// Image is the atlas image. For surface GIFTI atlases it is the left
	// hemisphere file and HemiImages holds both.
	Image string

	// HemiImages holds one file per hemisphere for surface GIFTI atlases
	HemiImages map[Hemisphere]string

	// Labels is the companion labels table (.tsv)
	Labels string

	// Metadata is the parsed companion sidecar; empty when none was found
	Metadata map[string]any

	// Space is the coordinate system the image is defined in
	Space Space

	// Density is the mesh density entity (e.g. "32k"), when present
	Density string

	// Format is derived from the image extension
	Format Format

	// Regions is the region table read from Labels
	Regions RegionTable
}

// ImageFor returns the image holding data for hemisphere h
func (a *Atlas) ImageFor(h Hemisphere) string {
	if img, ok := a.HemiImages[h]; ok {
		return img
	}
	return a.Image
}

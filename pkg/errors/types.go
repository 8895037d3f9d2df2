package errors

import (
	"fmt"
	"strings"
)

// DatasetDescriptionMissing is returned when a dataset root has no
// dataset_description.json.
type DatasetDescriptionMissing struct {
	Path string
}

func (e *DatasetDescriptionMissing) Error() string {
	return fmt.Sprintf("dataset description not found: %s", e.Path)
}

func (e *DatasetDescriptionMissing) Is(target error) bool { return target == ErrConfiguration }

// AmbiguousDerivative is returned when a query that expects a single file
// matched several.
type AmbiguousDerivative struct {
	Query   string
	Matches []string
}

func (e *AmbiguousDerivative) Error() string {
	return fmt.Sprintf("multiple files found for %s: %s", e.Query, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousDerivative) Is(target error) bool { return target == ErrAmbiguity }

// MissingSpaceTransform names the requested output spaces for which neither
// resampled outputs nor transforms exist.
type MissingSpaceTransform struct {
	Spaces []string
}

func (e *MissingSpaceTransform) Error() string {
	return fmt.Sprintf("transforms to the following requested spaces not found: %s", strings.Join(e.Spaces, ", "))
}

func (e *MissingSpaceTransform) Is(target error) bool { return target == ErrMissingData }

// DuplicateAtlas is returned when one atlas name resolves in several datasets.
type DuplicateAtlas struct {
	Atlas    string
	Datasets []string
}

func (e *DuplicateAtlas) Error() string {
	return fmt.Sprintf("multiple datasets contain the same atlas %q: %s", e.Atlas, strings.Join(e.Datasets, ", "))
}

func (e *DuplicateAtlas) Is(target error) bool { return target == ErrConfiguration }

// MissingLabelsFile is returned when an atlas image has no companion labels table.
type MissingLabelsFile struct {
	Atlas string
	Image string
}

func (e *MissingLabelsFile) Error() string {
	return fmt.Sprintf("no labels file found for atlas %q (%s)", e.Atlas, e.Image)
}

func (e *MissingLabelsFile) Is(target error) bool { return target == ErrConfiguration }

// MalformedLabelsFile is returned when a labels table lacks required columns
// or holds rows that cannot be parsed.
type MalformedLabelsFile struct {
	Atlas  string
	Path   string
	Reason string
}

func (e *MalformedLabelsFile) Error() string {
	return fmt.Sprintf("malformed labels file for atlas %q (%s): %s", e.Atlas, e.Path, e.Reason)
}

func (e *MalformedLabelsFile) Is(target error) bool { return target == ErrConfiguration }

// UnknownAtlasFormat is returned when an atlas image extension is not in the
// format table and the atlas is actually used.
type UnknownAtlasFormat struct {
	Atlas string
	Path  string
}

func (e *UnknownAtlasFormat) Error() string {
	return fmt.Sprintf("unknown format for atlas %q: %s", e.Atlas, e.Path)
}

func (e *UnknownAtlasFormat) Is(target error) bool { return target == ErrConfiguration }

// UnsupportedAtlasSpace is returned when no transition exists for an atlas's
// current state, format and space.
type UnsupportedAtlasSpace struct {
	Atlas  string
	State  string
	Format string
	Space  string
}

func (e *UnsupportedAtlasSpace) Error() string {
	return fmt.Sprintf("unsupported atlas %q: no transition from state %s for %s data in space %s",
		e.Atlas, e.State, e.Format, e.Space)
}

func (e *UnsupportedAtlasSpace) Is(target error) bool { return target == ErrSpaceTransform }

// MissingHemisphere is returned when a surface atlas is supplied for only one
// hemisphere.
type MissingHemisphere struct {
	Atlas      string
	Hemisphere string
}

func (e *MissingHemisphere) Error() string {
	return fmt.Sprintf("atlas %q has no image for hemisphere %s", e.Atlas, e.Hemisphere)
}

func (e *MissingHemisphere) Is(target error) bool { return target == ErrSpaceTransform }

// LabelIntegrity is returned when a transform step produced label values or a
// region table that differ from its input.
type LabelIntegrity struct {
	Atlas  string
	Step   string
	Reason string
}

func (e *LabelIntegrity) Error() string {
	return fmt.Sprintf("atlas %q: step %s broke label integrity: %s", e.Atlas, e.Step, e.Reason)
}

func (e *LabelIntegrity) Is(target error) bool { return target == ErrSpaceTransform }

// ReconciliationError is returned when two redundant columns disagree beyond
// tolerance.
type ReconciliationError struct {
	Table     string
	Reference string
	Duplicate string
	Row       string
	Want      float64
	Got       float64
	Tolerance float64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: column %s (%g) and %s (%g) disagree for %s beyond tolerance %g",
		e.Table, e.Reference, e.Want, e.Duplicate, e.Got, e.Row, e.Tolerance)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// MissingSubjectData wraps a per-subject missing input, such as an absent
// FreeSurfer directory.
type MissingSubjectData struct {
	Subject string
	What    string
}

func (e *MissingSubjectData) Error() string {
	return fmt.Sprintf("sub-%s: %s", e.Subject, e.What)
}

func (e *MissingSubjectData) Is(target error) bool { return target == ErrMissingData }

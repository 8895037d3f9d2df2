package freesurfer

import (
	"os"
	"path/filepath"
	"slices"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
)

// Measure is a per-vertex morphometric map summarised per region.
type Measure struct {
	// Name becomes the statistic entity of the output table
	Name string
	// File is the name below surf/ without the hemisphere prefix
	File string
	// Args are extra mri_segstats flags for this measure
	Args []string
}

// DefaultMeasures are the maps recon-all (and -localGI) leave in surf/.
var DefaultMeasures = []Measure{
	{Name: "thickness", File: "thickness"},
	{Name: "curv", File: "curv"},
	{Name: "sulc", File: "sulc"},
	{Name: "lgi", File: "pial_lgi"},
	{Name: "gwr", File: "w-g.pct.mgh", Args: []string{"--snr"}},
}

// LookupMeasures selects measures by name, keeping the requested order.
func LookupMeasures(names []string) ([]Measure, error) {
	if len(names) == 0 {
		return slices.Clone(DefaultMeasures), nil
	}
	var out []Measure
	for _, n := range names {
		i := slices.IndexFunc(DefaultMeasures, func(m Measure) bool { return m.Name == n })
		if i < 0 {
			return nil, errors.Mark(errors.Newf("unknown morphometric measure %q", n), errors.ErrConfiguration)
		}
		out = append(out, DefaultMeasures[i])
	}
	return out, nil
}

// MeasureFile is a measure found on disk for one hemisphere.
type MeasureFile struct {
	Measure
	Hemisphere models.Hemisphere
	Path       string
}

// AvailableMeasures probes subjectDir/surf for each measure. Missing maps
// are skipped; not every subject has every optional map.
func AvailableMeasures(subjectDir string, h models.Hemisphere, measures []Measure) []MeasureFile {
	var out []MeasureFile
	for _, m := range measures {
		path := filepath.Join(subjectDir, "surf", h.FreeSurfer()+"."+m.File)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		out = append(out, MeasureFile{Measure: m, Hemisphere: h, Path: path})
	}
	return out
}

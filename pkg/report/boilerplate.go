// Package report writes the human-readable parts of a run: the methods
// boilerplate describing the atlases and the end-of-run summary.
package report

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"smripostlinc/internal/models"
)

// atlasDescriptions cite the atlases with a known reference.
var atlasDescriptions = []struct{ name, text string }{
	{"Glasser", "the Glasser atlas [@Glasser_2016]"},
	{"Gordon", "the Gordon atlas [@Gordon_2014]"},
	{"Tian", "the Tian subcortical atlas [@tian2020topographic]"},
	{"HCP", "the HCP CIFTI subcortical atlas [@glasser2013minimal]"},
	{"MIDB", "the MIDB precision brain atlas derived from ABCD data and thresholded at 75% probability [@hermosillo2022precision]"},
	{"MyersLabonte", "the Myers-Labonte infant atlas thresholded at 50% probability [@myers2023functional]"},
}

var fourS = regexp.MustCompile(`^4S(\d+)Parcels$`)

// ListToString joins items as prose: "a", "a and b", "a, b, and c".
func ListToString(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}

// DescribeAtlasNames builds the sentence fragment naming the atlases. The
// 4S resolutions are grouped into one entry.
func DescribeAtlasNames(names []string) string {
	var parts, described, parcels []string
	for _, n := range names {
		if m := fourS.FindStringSubmatch(n); m != nil {
			parcels = append(parcels, m[1])
			described = append(described, n)
		}
	}
	if len(parcels) > 0 {
		parts = append(parts, fmt.Sprintf(
			"the Schaefer Supplemented with Subcortical Structures (4S) atlas "+
				"[@Schaefer_2017;@pauli2018high;@king2019functional;@najdenovska2018vivo;@glasser2013minimal] "+
				"at %d different resolutions (%s parcels)", len(parcels), ListToString(parcels)))
	}
	for _, d := range atlasDescriptions {
		if slices.Contains(names, d.name) {
			parts = append(parts, d.text)
			described = append(described, d.name)
		}
	}
	for _, n := range names {
		if !slices.Contains(described, n) {
			parts = append(parts, fmt.Sprintf("the %s atlas", n))
		}
	}
	return ListToString(parts)
}

// DescribeAtlases returns the methods boilerplate of a run.
func DescribeAtlases(atlases []*models.Atlas, pipeline, version string) string {
	names := make([]string, len(atlases))
	for i, a := range atlases {
		names[i] = a.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Results included in this manuscript come from postprocessing performed using *%s* %s.\n\n", pipeline, version)
	b.WriteString("#### Segmentations\n\n")
	fmt.Fprintf(&b, "The following atlases were used in the workflow: %s.\n", DescribeAtlasNames(names))
	b.WriteString("Each atlas was brought onto the *fsaverage* surface, discretized into a FreeSurfer ")
	b.WriteString("annotation and projected onto each subject's native surface with `mri_surf2surf`. ")
	b.WriteString("Surface morphometry was summarized per region with `mri_segstats` and ")
	b.WriteString("`mris_anatomical_stats`.\n")
	return b.String()
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFormat(t *testing.T) {
	cases := map[string]Format{
		"atlas-Gordon_space-fsLR_den-32k_dseg.dlabel.nii":            FormatDenseCifti,
		"atlas-Gordon_space-fsLR_den-32k_dseg.dscalar.nii":           FormatDenseCifti,
		"atlas-Glasser_hemi-L_space-fsaverage_dseg.label.gii":        FormatSurfaceGifti,
		"atlas-Glasser_hemi-R_space-fsaverage_dseg.func.gii":         FormatSurfaceGifti,
		"atlas-Glasser_hemi-R_space-fsaverage_dseg.shape.gii":        FormatSurfaceGifti,
		"/x/atlas-Tian_space-MNI152NLin6Asym_res-01_dseg.nii.gz":     FormatVolumetric,
		"atlas-Tian_space-MNI152NLin6Asym_res-01_dseg.nii":           FormatVolumetric,
		"atlas-Tian_space-MNI152NLin6Asym_res-01_dseg.mgz":           FormatUnknown,
		"atlas-Glasser_hemi-L_space-fsaverage_midthickness.surf.gii": FormatUnknown,
	}
	for path, want := range cases {
		assert.Equal(t, want, ClassifyFormat(path), path)
	}
}

func TestSpaceRoundTrip(t *testing.T) {
	for _, s := range []Space{SpaceFsLR, SpaceFsAverage, SpaceMNI152NLin6Asym, SpaceFsNative} {
		assert.Equal(t, s, ParseSpace(s.String()))
	}
	assert.Equal(t, SpaceUnknown, ParseSpace("MNI152NLin2009cAsym"))
}

func TestHemisphere(t *testing.T) {
	h, ok := ParseHemisphere("rh")
	assert.True(t, ok)
	assert.Equal(t, Right, h)
	assert.Equal(t, "R", h.String())
	assert.Equal(t, "rh", h.FreeSurfer())
	assert.Equal(t, "CORTEX_LEFT", Left.CiftiStructure())

	_, ok = ParseHemisphere("both")
	assert.False(t, ok)
}

func TestAtlasImageFor(t *testing.T) {
	a := &Atlas{Image: "both.dlabel.nii"}
	assert.Equal(t, "both.dlabel.nii", a.ImageFor(Right))

	a.HemiImages = map[Hemisphere]string{Left: "l.label.gii", Right: "r.label.gii"}
	assert.Equal(t, "r.label.gii", a.ImageFor(Right))
}

func TestRegionTableEqual(t *testing.T) {
	a := RegionTable{{Index: 0, Name: "Unknown"}, {Index: 1, Name: "V1", R: 10}}
	b := RegionTable{{Index: 0, Name: "Unknown"}, {Index: 1, Name: "V1", R: 10}}
	assert.True(t, a.Equal(b))
	b[1].R = 11
	assert.False(t, a.Equal(b))
	assert.Equal(t, []string{"Unknown", "V1"}, a.Names())
	assert.True(t, a.IndexSet()[1])
}

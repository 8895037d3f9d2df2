package gifti

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelImageEncodings(t *testing.T) {
	labels := []Label{{Key: 0, Name: "???"}, {Key: 3, Name: "V1", Red: 1, Alpha: 1}}
	values := []int32{0, 3, 3, 0, -1}
	for _, enc := range []string{ASCII, Base64Binary, GZipBase64Binary} {
		t.Run(enc, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lh.label.gii")
			require.NoError(t, Write(path, NewLabelImage(values, labels), enc))

			img, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, labels, img.Labels)
			arr, err := img.Data()
			require.NoError(t, err)
			assert.Equal(t, IntentLabel, arr.Intent)
			assert.Equal(t, Int32, arr.DataType)
			assert.Equal(t, values, arr.Ints())
		})
	}
}

func TestDecodeMetricASCII(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<GIFTI Version="1.0" NumberOfDataArrays="1">
  <MetaData><MD><Name><![CDATA[AnatomicalStructurePrimary]]></Name><Value><![CDATA[CortexLeft]]></Value></MD></MetaData>
  <DataArray Intent="NIFTI_INTENT_NONE" DataType="NIFTI_TYPE_FLOAT32" ArrayIndexingOrder="RowMajorOrder"
             Dimensionality="1" Dim0="4" Encoding="ASCII" Endian="LittleEndian" ExternalFileName="" ExternalFileOffset="">
    <Data>1.0 2.0000001 2.9999 0</Data>
  </DataArray>
</GIFTI>`
	img, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "CortexLeft", img.Meta["AnatomicalStructurePrimary"])
	arr, err := img.Data()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 0}, arr.Ints())

	_, err = Decode([]byte(`<GIFTI><DataArray DataType="NIFTI_TYPE_FLOAT64" Dimensionality="1" Dim0="1" Encoding="ASCII"><Data>1</Data></DataArray></GIFTI>`))
	assert.Error(t, err)
	_, err = Decode([]byte(`<GIFTI><DataArray DataType="NIFTI_TYPE_INT32" Dimensionality="1" Dim0="2" Encoding="ASCII"><Data>1</Data></DataArray></GIFTI>`))
	assert.Error(t, err)
}

func TestSurfaceImage(t *testing.T) {
	points := [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1.5}}
	faces := [][3]int32{{0, 1, 2}, {0, 2, 3}}
	path := filepath.Join(t.TempDir(), "sphere.surf.gii")
	require.NoError(t, Write(path, NewSurfaceImage(points, faces), GZipBase64Binary))

	img, err := Read(path)
	require.NoError(t, err)
	gotPoints, err := img.Points()
	require.NoError(t, err)
	assert.Equal(t, points, gotPoints)
	gotFaces, err := img.Faces()
	require.NoError(t, err)
	assert.Equal(t, faces, gotFaces)

	_, err = img.Data()
	assert.Error(t, err)
}

package resample

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"smripostlinc/pkg/errors"
)

// niftiHeader is the NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

const niftiHeaderSize = 348

// NIfTI datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
)

// Volume is a 3-D image with its voxel-to-world affine.
type Volume struct {
	Dims   [3]int
	Data   []float64
	Affine *mat.Dense
	inv    *mat.Dense
}

// NewVolume wraps data (x fastest) with a 4x4 voxel-to-world affine.
func NewVolume(dims [3]int, data []float64, affine *mat.Dense) (*Volume, error) {
	if len(data) != dims[0]*dims[1]*dims[2] {
		return nil, errors.Newf("volume of shape %v needs %d values, got %d", dims, dims[0]*dims[1]*dims[2], len(data))
	}
	var inv mat.Dense
	if err := inv.Inverse(affine); err != nil {
		return nil, errors.Wrap(err, "volume affine is singular")
	}
	return &Volume{Dims: dims, Data: data, Affine: affine, inv: &inv}, nil
}

// ReadNIfTI loads a single-file NIfTI-1 volume (.nii or .nii.gz). Only the
// first 3-D frame is read; scaling is applied.
func ReadNIfTI(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "decompressing %s", path)
		}
		defer gz.Close()
		r = gz
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	vol, err := decodeNIfTI(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return vol, nil
}

func decodeNIfTI(raw []byte) (*Volume, error) {
	if len(raw) < niftiHeaderSize {
		return nil, errors.New("file is shorter than a NIfTI-1 header")
	}
	var h niftiHeader
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, err
	}
	if h.SizeofHdr != niftiHeaderSize {
		order = binary.BigEndian
		h = niftiHeader{}
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, err
		}
		if h.SizeofHdr != niftiHeaderSize {
			return nil, errors.New("not a NIfTI-1 file")
		}
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, errors.New("only single-file NIfTI-1 images are supported")
	}
	if h.Dim[0] < 3 {
		return nil, errors.Newf("image has %d dimensions, want at least 3", h.Dim[0])
	}

	dims := [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
	n := dims[0] * dims[1] * dims[2]
	offset := int(h.VoxOffset)
	if offset < niftiHeaderSize+4 {
		offset = niftiHeaderSize + 4
	}
	size := int(h.Bitpix) / 8
	if size == 0 || offset+n*size > len(raw) {
		return nil, errors.Newf("image data is truncated: need %d bytes after offset %d", n*size, offset)
	}

	data := make([]float64, n)
	buf := raw[offset:]
	for i := range data {
		b := buf[i*size:]
		switch h.Datatype {
		case dtUint8:
			data[i] = float64(b[0])
		case dtInt8:
			data[i] = float64(int8(b[0]))
		case dtInt16:
			data[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			data[i] = float64(order.Uint16(b))
		case dtInt32:
			data[i] = float64(int32(order.Uint32(b)))
		case dtFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			data[i] = math.Float64frombits(order.Uint64(b))
		default:
			return nil, errors.Newf("unsupported NIfTI datatype %d", h.Datatype)
		}
	}
	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		for i := range data {
			data[i] = float64(h.SclSlope)*data[i] + float64(h.SclInter)
		}
	}
	return NewVolume(dims, data, headerAffine(h))
}

// headerAffine prefers the sform, then the qform, then pixdim scaling.
func headerAffine(h niftiHeader) *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	a.Set(3, 3, 1)
	switch {
	case h.SformCode > 0:
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(h.SrowX[j]))
			a.Set(1, j, float64(h.SrowY[j]))
			a.Set(2, j, float64(h.SrowZ[j]))
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		aa := math.Sqrt(math.Max(0, 1-(b*b+c*c+d*d)))
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		rot := [3][3]float64{
			{aa*aa + b*b - c*c - d*d, 2 * (b*c - aa*d), 2 * (b*d + aa*c)},
			{2 * (b*c + aa*d), aa*aa + c*c - b*b - d*d, 2 * (c*d - aa*b)},
			{2 * (b*d - aa*c), 2 * (c*d + aa*b), aa*aa + d*d - b*b - c*c},
		}
		scale := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3]) * qfac}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.Set(i, j, rot[i][j]*scale[j])
			}
		}
		a.Set(0, 3, float64(h.QoffsetX))
		a.Set(1, 3, float64(h.QoffsetY))
		a.Set(2, 3, float64(h.QoffsetZ))
	default:
		for i := 0; i < 3; i++ {
			s := float64(h.Pixdim[i+1])
			if s == 0 {
				s = 1
			}
			a.Set(i, i, s)
		}
	}
	return a
}

// Voxel returns the voxel nearest to world coordinate p, and false when p
// falls outside the volume.
func (v *Volume) Voxel(p [3]float64) ([3]int, bool) {
	world := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	var vox mat.VecDense
	vox.MulVec(v.inv, world)
	var ijk [3]int
	for i := 0; i < 3; i++ {
		ijk[i] = int(math.Round(vox.AtVec(i)))
		if ijk[i] < 0 || ijk[i] >= v.Dims[i] {
			return ijk, false
		}
	}
	return ijk, true
}

// At returns the value at voxel ijk.
func (v *Volume) At(ijk [3]int) float64 {
	return v.Data[ijk[0]+v.Dims[0]*(ijk[1]+v.Dims[1]*ijk[2])]
}

// ProjectLabels samples a label volume at each surface vertex using the
// nearest voxel. Vertices outside the volume get background.
func ProjectLabels(v *Volume, points [][3]float64, background int32) []int32 {
	out := make([]int32, len(points))
	for i, p := range points {
		ijk, ok := v.Voxel(p)
		if !ok {
			out[i] = background
			continue
		}
		out[i] = int32(math.Round(v.At(ijk)))
	}
	return out
}

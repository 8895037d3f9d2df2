// Package gifti reads and writes GIFTI surface files: label, metric and
// geometry (pointset/triangle) arrays with ASCII, Base64Binary and
// GZipBase64Binary encodings.
package gifti

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"smripostlinc/pkg/errors"
)

// Intents
const (
	IntentNone     = "NIFTI_INTENT_NONE"
	IntentLabel    = "NIFTI_INTENT_LABEL"
	IntentShape    = "NIFTI_INTENT_SHAPE"
	IntentPointSet = "NIFTI_INTENT_POINTSET"
	IntentTriangle = "NIFTI_INTENT_TRIANGLE"
)

// DataType is the element type of a data array.
type DataType string

const (
	Uint8   DataType = "NIFTI_TYPE_UINT8"
	Int32   DataType = "NIFTI_TYPE_INT32"
	Float32 DataType = "NIFTI_TYPE_FLOAT32"
)

func (d DataType) size() int {
	if d == Uint8 {
		return 1
	}
	return 4
}

// Encodings
const (
	ASCII            = "ASCII"
	Base64Binary     = "Base64Binary"
	GZipBase64Binary = "GZipBase64Binary"
)

// Label is one entry of the label table.
type Label struct {
	Key                     int32
	Name                    string
	Red, Green, Blue, Alpha float32
}

// DataArray holds one array. Values are kept as float64, which represents
// every supported element type exactly.
type DataArray struct {
	Intent   string
	DataType DataType
	Dims     []int
	Meta     map[string]string
	Values   []float64
}

// Ints returns the values rounded to the nearest integer.
func (a *DataArray) Ints() []int32 {
	out := make([]int32, len(a.Values))
	for i, v := range a.Values {
		out[i] = int32(math.Round(v))
	}
	return out
}

// Image is a GIFTI file.
type Image struct {
	Meta   map[string]string
	Labels []Label
	Arrays []*DataArray
}

// NewLabelImage builds a single label array image.
func NewLabelImage(values []int32, labels []Label) *Image {
	arr := &DataArray{Intent: IntentLabel, DataType: Int32, Dims: []int{len(values)}, Values: make([]float64, len(values))}
	for i, v := range values {
		arr.Values[i] = float64(v)
	}
	return &Image{Labels: labels, Arrays: []*DataArray{arr}}
}

// NewMetricImage builds a single float array image.
func NewMetricImage(values []float32) *Image {
	arr := &DataArray{Intent: IntentShape, DataType: Float32, Dims: []int{len(values)}, Values: make([]float64, len(values))}
	for i, v := range values {
		arr.Values[i] = float64(v)
	}
	return &Image{Arrays: []*DataArray{arr}}
}

// NewSurfaceImage builds a pointset and triangle image.
func NewSurfaceImage(points [][3]float64, faces [][3]int32) *Image {
	pts := &DataArray{Intent: IntentPointSet, DataType: Float32, Dims: []int{len(points), 3}}
	for _, p := range points {
		pts.Values = append(pts.Values, float64(float32(p[0])), float64(float32(p[1])), float64(float32(p[2])))
	}
	tri := &DataArray{Intent: IntentTriangle, DataType: Int32, Dims: []int{len(faces), 3}}
	for _, f := range faces {
		tri.Values = append(tri.Values, float64(f[0]), float64(f[1]), float64(f[2]))
	}
	return &Image{Arrays: []*DataArray{pts, tri}}
}

// Array returns the first array with the given intent.
func (img *Image) Array(intent string) (*DataArray, bool) {
	for _, a := range img.Arrays {
		if a.Intent == intent {
			return a, true
		}
	}
	return nil, false
}

// Data returns the first data array, whatever its intent.
func (img *Image) Data() (*DataArray, error) {
	for _, a := range img.Arrays {
		if a.Intent != IntentPointSet && a.Intent != IntentTriangle {
			return a, nil
		}
	}
	return nil, errors.New("gifti image holds no data array")
}

// Points returns the vertex coordinates of a surface image.
func (img *Image) Points() ([][3]float64, error) {
	a, ok := img.Array(IntentPointSet)
	if !ok {
		return nil, errors.New("gifti image holds no pointset")
	}
	if len(a.Dims) != 2 || a.Dims[1] != 3 {
		return nil, errors.Newf("pointset has shape %v, want (n, 3)", a.Dims)
	}
	out := make([][3]float64, a.Dims[0])
	for i := range out {
		copy(out[i][:], a.Values[3*i:3*i+3])
	}
	return out, nil
}

// Faces returns the triangles of a surface image.
func (img *Image) Faces() ([][3]int32, error) {
	a, ok := img.Array(IntentTriangle)
	if !ok {
		return nil, errors.New("gifti image holds no triangles")
	}
	ints := a.Ints()
	out := make([][3]int32, len(ints)/3)
	for i := range out {
		copy(out[i][:], ints[3*i:3*i+3])
	}
	return out, nil
}

// xml schema

type xmlMeta struct {
	MD []struct {
		Name  string `xml:"Name"`
		Value string `xml:"Value"`
	} `xml:"MD"`
}

type xmlLabel struct {
	Key   int32   `xml:"Key,attr"`
	Red   float32 `xml:"Red,attr"`
	Green float32 `xml:"Green,attr"`
	Blue  float32 `xml:"Blue,attr"`
	Alpha float32 `xml:"Alpha,attr"`
	Name  string  `xml:",chardata"`
}

type xmlArray struct {
	Intent             string   `xml:"Intent,attr"`
	DataType           string   `xml:"DataType,attr"`
	ArrayIndexingOrder string   `xml:"ArrayIndexingOrder,attr"`
	Dimensionality     int      `xml:"Dimensionality,attr"`
	Dim0               int      `xml:"Dim0,attr"`
	Dim1               int      `xml:"Dim1,attr,omitempty"`
	Encoding           string   `xml:"Encoding,attr"`
	Endian             string   `xml:"Endian,attr"`
	ExternalFileName   string   `xml:"ExternalFileName,attr"`
	ExternalFileOffset string   `xml:"ExternalFileOffset,attr"`
	Meta               *xmlMeta `xml:"MetaData"`
	Data               string   `xml:"Data"`
}

type xmlGifti struct {
	XMLName    xml.Name   `xml:"GIFTI"`
	Version    string     `xml:"Version,attr"`
	NumArrays  int        `xml:"NumberOfDataArrays,attr"`
	Meta       *xmlMeta   `xml:"MetaData"`
	LabelTable []xmlLabel `xml:"LabelTable>Label"`
	Arrays     []xmlArray `xml:"DataArray"`
}

func metaMap(m *xmlMeta) map[string]string {
	out := map[string]string{}
	if m == nil {
		return out
	}
	for _, md := range m.MD {
		out[strings.TrimSpace(md.Name)] = strings.TrimSpace(md.Value)
	}
	return out
}

// Read parses a GIFTI file.
func Read(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return img, nil
}

// Decode parses GIFTI XML.
func Decode(data []byte) (*Image, error) {
	var doc xmlGifti
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	img := &Image{Meta: metaMap(doc.Meta)}
	for _, l := range doc.LabelTable {
		img.Labels = append(img.Labels, Label{
			Key: l.Key, Name: strings.TrimSpace(l.Name),
			Red: l.Red, Green: l.Green, Blue: l.Blue, Alpha: l.Alpha,
		})
	}
	for i, xa := range doc.Arrays {
		arr, err := decodeArray(xa)
		if err != nil {
			return nil, errors.Wrapf(err, "data array %d", i)
		}
		img.Arrays = append(img.Arrays, arr)
	}
	return img, nil
}

func decodeArray(xa xmlArray) (*DataArray, error) {
	if xa.ExternalFileName != "" {
		return nil, errors.New("external data files are not supported")
	}
	if xa.ArrayIndexingOrder == "ColumnMajorOrder" && xa.Dimensionality > 1 {
		return nil, errors.New("column-major arrays are not supported")
	}
	arr := &DataArray{Intent: xa.Intent, DataType: DataType(xa.DataType), Meta: metaMap(xa.Meta)}
	arr.Dims = []int{xa.Dim0}
	if xa.Dimensionality > 1 {
		arr.Dims = append(arr.Dims, xa.Dim1)
	}
	n := 1
	for _, d := range arr.Dims {
		n *= d
	}

	switch arr.DataType {
	case Uint8, Int32, Float32:
	default:
		return nil, errors.Newf("unsupported data type %s", xa.DataType)
	}

	switch xa.Encoding {
	case ASCII:
		fields := strings.Fields(xa.Data)
		if len(fields) != n {
			return nil, errors.Newf("got %d values, want %d", len(fields), n)
		}
		arr.Values = make([]float64, n)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "value %d", i)
			}
			arr.Values[i] = v
		}
		return arr, nil
	case Base64Binary, GZipBase64Binary:
	default:
		return nil, errors.Newf("unsupported encoding %s", xa.Encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(xa.Data), ""))
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64")
	}
	if xa.Encoding == GZipBase64Binary {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "opening compressed data")
		}
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, errors.Wrap(err, "decompressing data")
		}
	}
	if len(raw) != n*arr.DataType.size() {
		return nil, errors.Newf("got %d bytes, want %d", len(raw), n*arr.DataType.size())
	}

	var order binary.ByteOrder = binary.LittleEndian
	if xa.Endian == "BigEndian" {
		order = binary.BigEndian
	}
	arr.Values = make([]float64, n)
	for i := range arr.Values {
		switch arr.DataType {
		case Uint8:
			arr.Values[i] = float64(raw[i])
		case Int32:
			arr.Values[i] = float64(int32(order.Uint32(raw[4*i:])))
		case Float32:
			arr.Values[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	}
	return arr, nil
}

// Write stores img at path with the given data encoding.
func Write(path string, img *Image, encoding string) error {
	data, err := Encode(img, encoding)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

func toXMLMeta(m map[string]string) *xmlMeta {
	out := &xmlMeta{}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out.MD = append(out.MD, struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		}{k, m[k]})
	}
	return out
}

// Encode renders img as GIFTI XML.
func Encode(img *Image, encoding string) ([]byte, error) {
	doc := xmlGifti{Version: "1.0", NumArrays: len(img.Arrays), Meta: toXMLMeta(img.Meta)}
	for _, l := range img.Labels {
		doc.LabelTable = append(doc.LabelTable, xmlLabel{
			Key: l.Key, Name: l.Name, Red: l.Red, Green: l.Green, Blue: l.Blue, Alpha: l.Alpha,
		})
	}
	for i, arr := range img.Arrays {
		xa, err := encodeArray(arr, encoding)
		if err != nil {
			return nil, errors.Wrapf(err, "data array %d", i)
		}
		doc.Arrays = append(doc.Arrays, xa)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<!DOCTYPE GIFTI SYSTEM "http://www.nitrc.org/frs/download.php/115/gifti.dtd">` + "\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "encoding gifti")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeArray(arr *DataArray, encoding string) (xmlArray, error) {
	xa := xmlArray{
		Intent:             arr.Intent,
		DataType:           string(arr.DataType),
		ArrayIndexingOrder: "RowMajorOrder",
		Dimensionality:     len(arr.Dims),
		Encoding:           encoding,
		Endian:             "LittleEndian",
		Meta:               toXMLMeta(arr.Meta),
	}
	if len(arr.Dims) > 0 {
		xa.Dim0 = arr.Dims[0]
	}
	if len(arr.Dims) > 1 {
		xa.Dim1 = arr.Dims[1]
	}

	if encoding == ASCII {
		parts := make([]string, len(arr.Values))
		for i, v := range arr.Values {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		xa.Data = strings.Join(parts, " ")
		return xa, nil
	}

	raw := make([]byte, len(arr.Values)*arr.DataType.size())
	for i, v := range arr.Values {
		switch arr.DataType {
		case Uint8:
			raw[i] = uint8(v)
		case Int32:
			binary.LittleEndian.PutUint32(raw[4*i:], uint32(int32(v)))
		case Float32:
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		default:
			return xa, errors.Newf("unsupported data type %s", arr.DataType)
		}
	}
	switch encoding {
	case GZipBase64Binary:
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(raw); err != nil {
			return xa, err
		}
		if err := zw.Close(); err != nil {
			return xa, err
		}
		raw = zbuf.Bytes()
	case Base64Binary:
	default:
		return xa, errors.Newf("unsupported encoding %s", encoding)
	}
	xa.Data = base64.StdEncoding.EncodeToString(raw)
	return xa, nil
}

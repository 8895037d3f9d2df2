// Package annot reads and writes FreeSurfer surface annotation files.
//
// An annotation assigns every vertex a region through its color: the value
// stored per vertex is R + G<<8 + B<<16 of the region's entry in the
// embedded color table, so colors must be unique within a table.
package annot

import (
	"bufio"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"os"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
)

// Unassigned marks a vertex that belongs to no region. The file format has
// no separate marker: such vertices are stored with value 0, which reads
// back as Unassigned only when no region has color value 0. Region 0 of
// AssignColors is black, so with it in the table they read back as region 0.
const Unassigned int32 = -1

const (
	ctabVersion  = -2
	ctabFilename = "NOFILE"
	maxChannel   = 155
	colorSeed    = 0x5eed
)

// Annotation is a per-vertex region assignment plus its region table.
// Vertices hold region indices (models.Region.Index) or Unassigned.
type Annotation struct {
	Vertices []int32
	Regions  models.RegionTable
}

// ColorValue is the annotation value FreeSurfer stores for r.
func ColorValue(r models.Region) int32 {
	return int32(r.R) | int32(r.G)<<8 | int32(r.B)<<16
}

type rgb [3]uint8

// AssignColors returns a copy of table where every region has a unique
// color. Region 0 is black and transparent. Colors present in the table
// are kept when they do not collide; the rest are drawn from a fixed-seed
// generator, so the result depends only on the table.
func AssignColors(table models.RegionTable) models.RegionTable {
	out := make(models.RegionTable, len(table))
	copy(out, table)

	used := map[rgb]bool{{0, 0, 0}: true}
	pending := make([]int, 0, len(out))
	for i := range out {
		r := &out[i]
		if r.Index == 0 {
			r.R, r.G, r.B, r.T = 0, 0, 0, 0
			continue
		}
		c := rgb{r.R, r.G, r.B}
		if used[c] {
			pending = append(pending, i)
			continue
		}
		used[c] = true
		r.T = 0
	}

	rng := rand.New(rand.NewPCG(colorSeed, uint64(len(table))))
	for _, i := range pending {
		var c rgb
		for {
			c = rgb{uint8(rng.IntN(maxChannel)), uint8(rng.IntN(maxChannel)), uint8(rng.IntN(maxChannel))}
			if !used[c] {
				break
			}
		}
		used[c] = true
		out[i].R, out[i].G, out[i].B, out[i].T = c[0], c[1], c[2], 0
	}
	return out
}

// Validate checks that colors are unique and every vertex refers to a
// region of the table.
func (a *Annotation) Validate() error {
	byColor := map[int32]string{}
	indices := a.Regions.IndexSet()
	for _, r := range a.Regions {
		v := ColorValue(r)
		if prev, dup := byColor[v]; dup {
			return errors.Newf("regions %q and %q share color %d", prev, r.Name, v)
		}
		byColor[v] = r.Name
	}
	for i, v := range a.Vertices {
		if v != Unassigned && !indices[int(v)] {
			return errors.Newf("vertex %d has label %d, which is not in the region table", i, v)
		}
	}
	return nil
}

// Write stores a at path.
func Write(path string, a *Annotation) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := Encode(f, a); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// Encode writes the annotation in FreeSurfer's big-endian format with a
// version -2 color table. Unassigned vertices are written as value 0; see
// Unassigned for how they decode.
func Encode(w io.Writer, a *Annotation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	put := func(v int32) error { return binary.Write(bw, binary.BigEndian, v) }
	putString := func(s string) error {
		if err := put(int32(len(s) + 1)); err != nil {
			return err
		}
		_, err := bw.WriteString(s + "\x00")
		return err
	}

	colors := map[int32]int32{}
	maxIndex := int32(0)
	for _, r := range a.Regions {
		colors[int32(r.Index)] = ColorValue(r)
		maxIndex = max(maxIndex, int32(r.Index))
	}

	if err := put(int32(len(a.Vertices))); err != nil {
		return err
	}
	for i, v := range a.Vertices {
		value := int32(0)
		if v != Unassigned {
			value = colors[v]
		}
		if err := put(int32(i)); err != nil {
			return err
		}
		if err := put(value); err != nil {
			return err
		}
	}

	for _, v := range []int32{1, ctabVersion, maxIndex + 1} {
		if err := put(v); err != nil {
			return err
		}
	}
	if err := putString(ctabFilename); err != nil {
		return err
	}
	if err := put(int32(len(a.Regions))); err != nil {
		return err
	}
	for _, r := range a.Regions {
		if err := put(int32(r.Index)); err != nil {
			return err
		}
		if err := putString(r.Name); err != nil {
			return err
		}
		for _, c := range []uint8{r.R, r.G, r.B, r.T} {
			if err := put(int32(c)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Read loads an annotation file.
func Read(path string) (*Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	a, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return a, nil
}

// Decode parses an annotation with a version -2 color table. Vertices
// whose value matches no table entry are Unassigned.
func Decode(r io.Reader) (*Annotation, error) {
	get := func() (int32, error) {
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	}
	getString := func() (string, error) {
		n, err := get()
		if err != nil {
			return "", err
		}
		if n < 0 || n > 1<<20 {
			return "", errors.Newf("bad string length %d", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for len(buf) > 0 && buf[len(buf)-1] == 0 {
			buf = buf[:len(buf)-1]
		}
		return string(buf), nil
	}

	vnum, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "reading vertex count")
	}
	if vnum < 0 {
		return nil, errors.Newf("bad vertex count %d", vnum)
	}
	values := make([]int32, vnum)
	for i := int32(0); i < vnum; i++ {
		idx, err := get()
		if err != nil {
			return nil, err
		}
		v, err := get()
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= vnum {
			return nil, errors.Newf("vertex index %d out of range", idx)
		}
		values[idx] = v
	}

	tag, err := get()
	if err != nil || tag != 1 {
		return nil, errors.New("annotation has no color table")
	}
	version, err := get()
	if err != nil {
		return nil, err
	}
	if version != ctabVersion {
		return nil, errors.Newf("unsupported color table version %d", version)
	}
	if _, err := get(); err != nil { // max structure index
		return nil, err
	}
	if _, err := getString(); err != nil {
		return nil, err
	}
	n, err := get()
	if err != nil {
		return nil, err
	}

	a := &Annotation{Vertices: make([]int32, vnum)}
	byColor := map[int32]int32{}
	for i := int32(0); i < n; i++ {
		idx, err := get()
		if err != nil {
			return nil, err
		}
		name, err := getString()
		if err != nil {
			return nil, err
		}
		var c [4]int32
		for j := range c {
			if c[j], err = get(); err != nil {
				return nil, err
			}
		}
		region := models.Region{Index: int(idx), Name: name, R: uint8(c[0]), G: uint8(c[1]), B: uint8(c[2]), T: uint8(c[3])}
		a.Regions = append(a.Regions, region)
		byColor[ColorValue(region)] = idx
	}
	for i, v := range values {
		if idx, ok := byColor[v]; ok {
			a.Vertices[i] = idx
		} else {
			a.Vertices[i] = Unassigned
		}
	}
	return a, nil
}

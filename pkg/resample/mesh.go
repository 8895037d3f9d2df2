// Package resample maps discrete label data between surface meshes and from
// volumes onto meshes. Every mapping is nearest-neighbour: label values are
// copied, never blended, so the output only holds values of the input.
package resample

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"smripostlinc/pkg/errors"
)

// Vertex is a mesh vertex with its index in the mesh.
type Vertex struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p Vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Vertex)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Vertex) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two vertices
func (p Vertex) Distance(c kdtree.Comparable) float64 {
	q := c.(Vertex)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Vertices is a collection of Vertex that satisfies kdtree.Interface
type Vertices []Vertex

func (p Vertices) Index(i int) kdtree.Comparable         { return p[i] }
func (p Vertices) Len() int                              { return len(p) }
func (p Vertices) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Vertices) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(vertexPlane{Vertices: p, Dim: d}, kdtree.MedianOfRandoms(vertexPlane{Vertices: p, Dim: d}, 100))
}

// vertexPlane implements sort.Interface and kdtree.SortSlicer for Vertices
type vertexPlane struct {
	Vertices
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Vertices[i].X < p.Vertices[j].X
	case 1:
		return p.Vertices[i].Y < p.Vertices[j].Y
	case 2:
		return p.Vertices[i].Z < p.Vertices[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{Vertices: p.Vertices[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.Vertices[i], p.Vertices[j] = p.Vertices[j], p.Vertices[i]
}

// Mesh indexes the vertices of a surface for nearest-vertex lookups.
type Mesh struct {
	n    int
	tree *kdtree.Tree
}

// NewMesh builds the index over points.
func NewMesh(points [][3]float64) (*Mesh, error) {
	if len(points) == 0 {
		return nil, errors.New("mesh has no vertices")
	}
	verts := make(Vertices, len(points))
	for i, p := range points {
		verts[i] = Vertex{X: p[0], Y: p[1], Z: p[2], Index: i}
	}
	return &Mesh{n: len(points), tree: kdtree.New(verts, true)}, nil
}

// Len returns the number of vertices.
func (m *Mesh) Len() int { return m.n }

// Nearest returns the index of the vertex closest to p.
func (m *Mesh) Nearest(p [3]float64) int {
	got, _ := m.tree.Nearest(Vertex{X: p[0], Y: p[1], Z: p[2]})
	return got.(Vertex).Index
}

// Labels copies per-vertex labels from a source mesh onto target points:
// each target vertex takes the label of its nearest source vertex. Both
// meshes must live in the same coordinate frame, e.g. registered spheres.
func Labels(source *Mesh, labels []int32, target [][3]float64) ([]int32, error) {
	if len(labels) != source.Len() {
		return nil, errors.Newf("source mesh has %d vertices but %d labels", source.Len(), len(labels))
	}
	out := make([]int32, len(target))
	for i, p := range target {
		out[i] = labels[source.Nearest(p)]
	}
	return out, nil
}

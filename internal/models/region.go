package models

// Region is one named entry of an atlas region table
type Region struct {
	// Index is the integer label value of the region in the atlas image
	Index int

	// Name is the region name from the labels table
	Name string

	// Color is the RGBA display color; T is FreeSurfer's transparency byte
	R, G, B, T uint8
}

// RegionTable is an ordered list of regions. Region 0 is "Unknown".
type RegionTable []Region

// Names returns the region names in table order
func (rt RegionTable) Names() []string {
	names := make([]string, len(rt))
	for i, r := range rt {
		names[i] = r.Name
	}
	return names
}

// IndexSet returns the set of label values the table defines
func (rt RegionTable) IndexSet() map[int]bool {
	set := make(map[int]bool, len(rt))
	for _, r := range rt {
		set[r.Index] = true
	}
	return set
}

// Equal reports whether two tables hold the same regions, names and colors
// in the same order.
func (rt RegionTable) Equal(other RegionTable) bool {
	if len(rt) != len(other) {
		return false
	}
	for i := range rt {
		if rt[i] != other[i] {
			return false
		}
	}
	return true
}

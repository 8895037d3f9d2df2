package bids

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Entities holds the parsed attributes of a single file.
type Entities map[string]string

// Clone returns a copy of e.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Parse extracts the entities of one path. It returns false when a
// filename segment breaks the "<key>-<value>_..._<suffix>.<ext>" grammar.
// Keys outside the schema are skipped.
func (s *Schema) Parse(path string) (Entities, bool) {
	base := filepath.Base(path)
	if base == "" || strings.HasPrefix(base, ".") {
		return nil, false
	}

	stem, ext := splitExtension(base)
	segments := strings.Split(stem, "_")
	if len(segments) < 2 {
		return nil, false
	}

	ents := Entities{}
	for _, seg := range segments[:len(segments)-1] {
		key, value, ok := strings.Cut(seg, "-")
		if !ok || key == "" || value == "" || strings.Contains(value, "-") {
			return nil, false
		}
		if e, known := s.byKey[key]; known {
			ents[e.Name] = s.Normalize(e.Name, value)
		}
	}

	suffix := segments[len(segments)-1]
	if suffix == "" || strings.Contains(suffix, "-") {
		return nil, false
	}
	ents[EntitySuffix] = suffix
	if ext != "" {
		ents[EntityExtension] = ext
	}
	if dir := filepath.Base(filepath.Dir(path)); slices.Contains(datatypes, dir) {
		ents[EntityDatatype] = dir
	}
	return ents, true
}

// splitExtension splits at the first dot so compound extensions such as
// ".nii.gz" and ".dlabel.nii" stay whole.
func splitExtension(base string) (string, string) {
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i], base[i:]
	}
	return base, ""
}

// Value is the value of one attribute in an EntitySet: a scalar when it holds
// a single element, otherwise the sorted distinct candidates.
type Value []string

// IsScalar reports whether the value has exactly one element.
func (v Value) IsScalar() bool { return len(v) == 1 }

func (v Value) String() string {
	if v.IsScalar() {
		return v[0]
	}
	return fmt.Sprintf("[%s]", strings.Join(v, " "))
}

// EntitySet is an ordered mapping from attribute name to Value. Keys keep
// the order in which they were first observed.
type EntitySet struct {
	order  []string
	values map[string]Value
}

// NewEntitySet builds a set of scalar values, ordered by the schema.
func NewEntitySet(ents Entities) EntitySet {
	return DefaultSchema().ExtractFrom([]Entities{ents})
}

// ExtractEntities parses paths with the default schema and merges their
// entities.
func ExtractEntities(paths ...string) EntitySet {
	return DefaultSchema().ExtractEntities(paths...)
}

// ExtractEntities parses each path and merges the results. Attributes on
// which all parsed paths agree become scalars; otherwise the value is the
// sorted list of distinct observed values. Unparseable paths contribute
// nothing.
func (s *Schema) ExtractEntities(paths ...string) EntitySet {
	parsed := make([]Entities, 0, len(paths))
	for _, p := range paths {
		if ents, ok := s.Parse(p); ok {
			parsed = append(parsed, ents)
		}
	}
	return s.ExtractFrom(parsed)
}

// ExtractFrom merges already parsed entities.
func (s *Schema) ExtractFrom(parsed []Entities) EntitySet {
	set := EntitySet{values: map[string]Value{}}
	seen := map[string]map[string]bool{}
	for _, ents := range parsed {
		for _, name := range s.orderedNames(ents) {
			if _, ok := seen[name]; !ok {
				seen[name] = map[string]bool{}
				set.order = append(set.order, name)
			}
			seen[name][ents[name]] = true
		}
	}
	for _, name := range set.order {
		vals := make(Value, 0, len(seen[name]))
		for v := range seen[name] {
			vals = append(vals, v)
		}
		slices.SortFunc(vals, func(a, b string) int {
			switch {
			case s.Less(name, a, b):
				return -1
			case s.Less(name, b, a):
				return 1
			}
			return 0
		})
		set.values[name] = vals
	}
	return set
}

// orderedNames lists the attributes of ents in filename order followed by
// datatype, suffix and extension.
func (s *Schema) orderedNames(ents Entities) []string {
	names := make([]string, 0, len(ents))
	for _, e := range s.entities {
		if _, ok := ents[e.Name]; ok {
			names = append(names, e.Name)
		}
	}
	for _, name := range []string{EntityDatatype, EntitySuffix, EntityExtension} {
		if _, ok := ents[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Keys returns the attribute names in order.
func (es EntitySet) Keys() []string {
	return slices.Clone(es.order)
}

// Len returns the number of attributes.
func (es EntitySet) Len() int { return len(es.order) }

// Get returns the value of an attribute.
func (es EntitySet) Get(name string) (Value, bool) {
	v, ok := es.values[name]
	return v, ok
}

// Scalar returns the attribute's value when it is a scalar.
func (es EntitySet) Scalar(name string) (string, bool) {
	v, ok := es.values[name]
	if !ok || !v.IsScalar() {
		return "", false
	}
	return v[0], true
}

// Without returns a copy of the set minus the named attributes.
func (es EntitySet) Without(names ...string) EntitySet {
	out := EntitySet{values: map[string]Value{}}
	for _, k := range es.order {
		if slices.Contains(names, k) {
			continue
		}
		out.order = append(out.order, k)
		out.values[k] = es.values[k]
	}
	return out
}

func (es EntitySet) String() string {
	parts := make([]string, 0, len(es.order))
	for _, k := range es.order {
		parts = append(parts, fmt.Sprintf("%s=%s", k, es.values[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

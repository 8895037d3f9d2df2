// Package bids indexes BIDS datasets and writes BIDS derivatives.
//
// The package covers the naming grammar (entities), a sqlite-backed file
// index with one-of filter semantics, dataset descriptors, BIDS URIs and the
// derivatives sink that lays out output files from path patterns.
package bids

import (
	"slices"
	"strconv"

	"smripostlinc/pkg/errors"
)

// Entity describes one attribute of the naming vocabulary.
type Entity struct {
	// Name is the long attribute name used in queries and path patterns
	Name string
	// Key is the filename key, as in "<key>-<value>"
	Key string
	// Integer entities compare numerically ("01" == "1")
	Integer bool
}

// Datatype, suffix and extension are derived from the path rather than a
// key-value segment.
const (
	EntityDatatype  = "datatype"
	EntitySuffix    = "suffix"
	EntityExtension = "extension"
)

// Schema is the fixed, extensible vocabulary shared by the layout index, the
// query specification and the sink.
type Schema struct {
	entities []Entity
	byName   map[string]Entity
	byKey    map[string]Entity
}

// defaultEntities follows the order BIDS prescribes for filename segments,
// extended with the derivative entities this pipeline writes.
var defaultEntities = []Entity{
	{Name: "subject", Key: "sub"},
	{Name: "session", Key: "ses"},
	{Name: "sample", Key: "sample"},
	{Name: "task", Key: "task"},
	{Name: "tracksys", Key: "tracksys"},
	{Name: "acquisition", Key: "acq"},
	{Name: "nucleus", Key: "nuc"},
	{Name: "volume", Key: "voi"},
	{Name: "ceagent", Key: "ce"},
	{Name: "tracer", Key: "trc"},
	{Name: "stain", Key: "stain"},
	{Name: "reconstruction", Key: "rec"},
	{Name: "direction", Key: "dir"},
	{Name: "run", Key: "run", Integer: true},
	{Name: "modality", Key: "mod"},
	{Name: "echo", Key: "echo", Integer: true},
	{Name: "flip", Key: "flip", Integer: true},
	{Name: "inv", Key: "inv", Integer: true},
	{Name: "mt", Key: "mt"},
	{Name: "part", Key: "part"},
	{Name: "processing", Key: "proc"},
	{Name: "hemi", Key: "hemi"},
	{Name: "space", Key: "space"},
	{Name: "cohort", Key: "cohort"},
	{Name: "split", Key: "split", Integer: true},
	{Name: "recording", Key: "recording"},
	{Name: "chunk", Key: "chunk", Integer: true},
	{Name: "atlas", Key: "atlas"},
	{Name: "roi", Key: "roi"},
	{Name: "seg", Key: "seg"},
	{Name: "from", Key: "from"},
	{Name: "to", Key: "to"},
	{Name: "mode", Key: "mode"},
	{Name: "res", Key: "res"},
	{Name: "den", Key: "den"},
	{Name: "label", Key: "label"},
	{Name: "statistic", Key: "stat"},
	{Name: "desc", Key: "desc"},
}

// datatypes are the directory names recognised as the datatype entity.
var datatypes = []string{
	"anat", "beh", "dwi", "eeg", "fmap", "func", "ieeg", "meg", "micr", "motion", "nirs", "perf", "pet",
}

// DefaultSchema returns the standard vocabulary.
func DefaultSchema() *Schema {
	return NewSchema(defaultEntities...)
}

// NewSchema builds a schema from entities in filename order.
func NewSchema(entities ...Entity) *Schema {
	s := &Schema{
		byName: make(map[string]Entity, len(entities)),
		byKey:  make(map[string]Entity, len(entities)),
	}
	for _, e := range entities {
		s.add(e)
	}
	return s
}

func (s *Schema) add(e Entity) {
	if _, ok := s.byName[e.Name]; ok {
		return
	}
	s.entities = append(s.entities, e)
	s.byName[e.Name] = e
	s.byKey[e.Key] = e
}

// Extend returns a copy of the schema with extra entities appended.
func (s *Schema) Extend(entities ...Entity) *Schema {
	out := NewSchema(s.entities...)
	for _, e := range entities {
		out.add(e)
	}
	return out
}

// Entities returns the vocabulary in filename order.
func (s *Schema) Entities() []Entity {
	return slices.Clone(s.entities)
}

// ByKey looks up an entity by its filename key.
func (s *Schema) ByKey(key string) (Entity, bool) {
	e, ok := s.byKey[key]
	return e, ok
}

// Has reports whether name is a known attribute, including the derived
// datatype, suffix and extension.
func (s *Schema) Has(name string) bool {
	switch name {
	case EntityDatatype, EntitySuffix, EntityExtension:
		return true
	}
	_, ok := s.byName[name]
	return ok
}

// Validate rejects attribute names outside the vocabulary.
func (s *Schema) Validate(names ...string) error {
	var unknown []string
	for _, n := range names {
		if !s.Has(n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return errors.Mark(errors.Newf("unknown entities: %v", unknown), errors.ErrConfiguration)
	}
	return nil
}

// Normalize canonicalises a value of entity name. Integer entities lose
// their zero padding so "01" and "1" index and compare equal.
func (s *Schema) Normalize(name, value string) string {
	e, ok := s.byName[name]
	if !ok || !e.Integer {
		return value
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return value
	}
	return strconv.Itoa(n)
}

// Less orders two values of entity name, numerically for integer entities.
func (s *Schema) Less(name, a, b string) bool {
	if e, ok := s.byName[name]; ok && e.Integer {
		na, errA := strconv.Atoi(a)
		nb, errB := strconv.Atoi(b)
		if errA == nil && errB == nil {
			return na < nb
		}
	}
	return a < b
}

// Package queryspec loads the declarative derivative queries.
//
// A specification names each query once, tags it with a category, a
// cardinality policy and the dataset it runs against, and gives a filter
// predicate over the BIDS vocabulary. Specifications are validated when
// loaded so unknown attributes and duplicate names fail before any subject
// is processed.
package queryspec

import (
	"bytes"
	_ "embed"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/errors"
)

//go:embed default.yaml
var defaultSpec []byte

// Query groups
const (
	GroupDerivatives = "derivatives"
	GroupTransforms  = "transforms"
)

// Category decides how session context is applied and how ambiguity degrades.
type Category int

const (
	// Standard queries inherit the full entity context
	Standard Category = iota
	// Anatomical queries accept the session or no session, and pick the
	// first of several matches with a warning
	Anatomical
)

func (c Category) String() string {
	if c == Anatomical {
		return "anatomical"
	}
	return "standard"
}

// Cardinality is the policy for several matches.
type Cardinality int

const (
	// Auto follows the category and the caller's allow-multiple setting
	Auto Cardinality = iota
	// First always keeps the first match in path order
	First
	// All always returns every match
	All
)

func (c Cardinality) String() string {
	switch c {
	case First:
		return "first"
	case All:
		return "all"
	}
	return "auto"
}

// Source selects the dataset a query runs against.
type Source int

const (
	FromDerivatives Source = iota
	FromRaw
)

func (s Source) String() string {
	if s == FromRaw {
		return "raw"
	}
	return "derivative"
}

// Query is one named, validated query descriptor.
type Query struct {
	Name        string
	Group       string
	Category    Category
	Cardinality Cardinality
	Source      Source
	Predicate   bids.Filters
}

// OutputSpaces names the queries used to look for outputs already resampled
// into requested standard spaces, and the result keys they populate.
type OutputSpaces struct {
	Image        string `yaml:"image"`
	Mask         string `yaml:"mask"`
	Transform    string `yaml:"transform"`
	ImageKey     string `yaml:"imageKey"`
	MaskKey      string `yaml:"maskKey"`
	TransformKey string `yaml:"transformKey"`
}

// Spec is a loaded query specification.
type Spec struct {
	Derivatives  []Query
	Transforms   []Query
	OutputSpaces OutputSpaces
	PathPatterns []string
}

type rawSpec struct {
	Queries struct {
		Derivatives yaml.Node `yaml:"derivatives"`
		Transforms  yaml.Node `yaml:"transforms"`
	} `yaml:"queries"`
	OutputSpaces OutputSpaces `yaml:"outputSpaces"`
	PathPatterns []string     `yaml:"pathPatterns"`
}

var queryKeys = []string{"category", "cardinality", "source", "filters"}

// Default returns the embedded specification.
func Default(schema *bids.Schema) (*Spec, error) {
	return Parse(defaultSpec, schema)
}

// LoadFile reads and validates a specification from a YAML file.
func LoadFile(path string, schema *bids.Schema) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading query spec %s", path), errors.ErrConfiguration)
	}
	spec, err := Parse(data, schema)
	if err != nil {
		return nil, errors.Wrapf(err, "query spec %s", path)
	}
	return spec, nil
}

// Parse decodes and validates a specification.
func Parse(data []byte, schema *bids.Schema) (*Spec, error) {
	if schema == nil {
		schema = bids.DefaultSchema()
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawSpec
	if err := dec.Decode(&raw); err != nil {
		return nil, configError(errors.Wrap(err, "decoding query spec"))
	}

	spec := &Spec{OutputSpaces: raw.OutputSpaces, PathPatterns: raw.PathPatterns}
	var err error
	if spec.Derivatives, err = decodeGroup(&raw.Queries.Derivatives, GroupDerivatives); err != nil {
		return nil, err
	}
	if spec.Transforms, err = decodeGroup(&raw.Queries.Transforms, GroupTransforms); err != nil {
		return nil, err
	}
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}
	return spec, nil
}

func configError(err error) error {
	return errors.Mark(err, errors.ErrConfiguration)
}

func decodeGroup(node *yaml.Node, group string) ([]Query, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, configError(errors.Newf("queries.%s must be a mapping (line %d)", group, node.Line))
	}
	var out []Query
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		q, err := decodeQuery(name, group, node.Content[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func decodeQuery(name, group string, node *yaml.Node) (Query, error) {
	q := Query{Name: name, Group: group, Predicate: bids.Filters{}}
	if node.Kind != yaml.MappingNode {
		return q, configError(errors.Newf("query %q must be a mapping (line %d)", name, node.Line))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if !slices.Contains(queryKeys, key) {
			return q, configError(errors.Newf("query %q: unknown field %q (line %d)", name, key, node.Content[i].Line))
		}
		var err error
		switch key {
		case "category":
			q.Category, err = parseCategory(val.Value)
		case "cardinality":
			q.Cardinality, err = parseCardinality(val.Value)
		case "source":
			q.Source, err = parseSource(val.Value)
		case "filters":
			q.Predicate, err = decodeFilters(val)
		}
		if err != nil {
			return q, configError(errors.Wrapf(err, "query %q", name))
		}
	}
	return q, nil
}

func parseCategory(s string) (Category, error) {
	switch s {
	case "", "standard":
		return Standard, nil
	case "anatomical":
		return Anatomical, nil
	}
	return Standard, errors.Newf("unknown category %q", s)
}

func parseCardinality(s string) (Cardinality, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "first":
		return First, nil
	case "all":
		return All, nil
	}
	return Auto, errors.Newf("unknown cardinality %q", s)
}

func parseSource(s string) (Source, error) {
	switch s {
	case "", "derivative", "derivatives":
		return FromDerivatives, nil
	case "raw":
		return FromRaw, nil
	}
	return FromDerivatives, errors.Newf("unknown source %q", s)
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func decodeFilters(node *yaml.Node) (bids.Filters, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errors.Newf("filters must be a mapping (line %d)", node.Line)
	}
	filters := bids.Filters{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		attr, val := node.Content[i].Value, node.Content[i+1]
		m, err := decodeMatch(val)
		if err != nil {
			return nil, errors.Wrapf(err, "filter %q", attr)
		}
		filters[attr] = m
	}
	return filters, nil
}

func decodeMatch(node *yaml.Node) (bids.Match, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch {
		case isNull(node):
			return bids.Absent(), nil
		case node.Value == "*":
			return bids.Present(), nil
		}
		return bids.Is(node.Value), nil
	case yaml.SequenceNode:
		var m bids.Match
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return m, errors.Newf("list items must be scalars (line %d)", item.Line)
			}
			if isNull(item) {
				m.Absent = true
				continue
			}
			m.Values = append(m.Values, item.Value)
		}
		return m, nil
	}
	return bids.Match{}, errors.Newf("unsupported filter value (line %d)", node.Line)
}

// Validate checks names, attributes and cross references.
func (s *Spec) Validate(schema *bids.Schema) error {
	seen := map[string]string{}
	for _, q := range s.Queries() {
		if prev, dup := seen[q.Name]; dup {
			return configError(errors.Newf("query name %q appears in both %s and %s", q.Name, prev, q.Group))
		}
		seen[q.Name] = q.Group
		if len(q.Predicate) == 0 {
			return configError(errors.Newf("query %q has no filters", q.Name))
		}
		attrs := make([]string, 0, len(q.Predicate))
		for attr := range q.Predicate {
			attrs = append(attrs, attr)
		}
		if err := schema.Validate(attrs...); err != nil {
			return errors.Wrapf(err, "query %q", q.Name)
		}
	}

	spaces := s.OutputSpaces
	for _, ref := range []struct{ field, name, group string }{
		{"image", spaces.Image, GroupDerivatives},
		{"mask", spaces.Mask, GroupDerivatives},
		{"transform", spaces.Transform, GroupTransforms},
	} {
		if ref.name == "" {
			continue
		}
		if seen[ref.name] != ref.group {
			return configError(errors.Newf("outputSpaces.%s refers to %q, which is not a %s query", ref.field, ref.name, ref.group))
		}
	}
	for _, key := range []string{spaces.ImageKey, spaces.MaskKey, spaces.TransformKey} {
		if _, clash := seen[key]; clash && key != "" {
			return configError(errors.Newf("outputSpaces key %q collides with a query name", key))
		}
	}

	for _, p := range s.PathPatterns {
		parsed, err := bids.ParsePathPattern(p)
		if err != nil {
			return configError(err)
		}
		if err := schema.Validate(parsed.Names()...); err != nil {
			return errors.Wrapf(err, "path pattern %q", p)
		}
	}
	return nil
}

// Queries returns the derivatives group followed by the transforms group.
func (s *Spec) Queries() []Query {
	out := make([]Query, 0, len(s.Derivatives)+len(s.Transforms))
	out = append(out, s.Derivatives...)
	return append(out, s.Transforms...)
}

// Lookup finds a query by name.
func (s *Spec) Lookup(name string) (Query, bool) {
	for _, q := range s.Queries() {
		if q.Name == name {
			return q, true
		}
	}
	return Query{}, false
}

// ResultKeys lists every key a resolved cache carries: all query names plus
// the output-space keys when spaces are requested.
func (s *Spec) ResultKeys(withSpaces bool) []string {
	var keys []string
	for _, q := range s.Queries() {
		keys = append(keys, q.Name)
	}
	if withSpaces {
		for _, k := range []string{s.OutputSpaces.ImageKey, s.OutputSpaces.MaskKey, s.OutputSpaces.TransformKey} {
			if k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

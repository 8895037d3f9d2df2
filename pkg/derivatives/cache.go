package derivatives

import (
	"slices"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Cache is the result of resolving a query specification: one entry per
// configured key. A key is always present; an absent entry holds no paths.
type Cache struct {
	keys   []string
	values map[string][]string
	multi  map[string]bool
}

// NewCache returns a cache holding every key with no value.
func NewCache(keys ...string) *Cache {
	c := &Cache{values: map[string][]string{}, multi: map[string]bool{}}
	for _, k := range keys {
		c.ensure(k)
	}
	return c
}

func (c *Cache) ensure(key string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
		c.values[key] = nil
	}
}

// SetPath stores a single path.
func (c *Cache) SetPath(key, path string) {
	c.ensure(key)
	c.values[key] = []string{path}
	c.multi[key] = false
}

// SetPaths stores a list. Elements may be "" for positions with no match,
// as in per-space results.
func (c *Cache) SetPaths(key string, paths []string) {
	c.ensure(key)
	c.values[key] = slices.Clone(paths)
	c.multi[key] = true
}

// Keys returns every key in insertion order.
func (c *Cache) Keys() []string { return slices.Clone(c.keys) }

// Has reports whether key is part of the cache, whatever its value.
func (c *Cache) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Absent reports whether key resolved to nothing.
func (c *Cache) Absent(key string) bool {
	return len(c.values[key]) == 0
}

// IsList reports whether key holds a list rather than a single path.
func (c *Cache) IsList(key string) bool { return c.multi[key] }

// Path returns the single path of key, or the first element of a list.
func (c *Cache) Path(key string) string {
	if v := c.values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Paths returns every path of key.
func (c *Cache) Paths(key string) []string {
	return slices.Clone(c.values[key])
}

// Merge folds other into c. Keys only in other are added, and a non-empty
// value of other replaces whatever c holds for that key. Empty values of
// other never clear c.
func (c *Cache) Merge(other *Cache, log *zap.SugaredLogger) {
	for _, k := range other.keys {
		incoming := other.values[k]
		c.ensure(k)
		if len(incoming) == 0 {
			continue
		}
		if len(c.values[k]) > 0 && log != nil {
			log.Infow("Updating cache entry", "key", k, "from", c.values[k], "to", incoming)
		}
		c.values[k] = slices.Clone(incoming)
		c.multi[k] = other.multi[k]
	}
}

// MarshalYAML renders the cache for the run log: absent keys as null,
// single paths as strings and lists as sequences.
func (c *Cache) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range c.keys {
		var val yaml.Node
		switch v := c.values[k]; {
		case len(v) == 0:
			val = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
		case !c.multi[k]:
			val = yaml.Node{Kind: yaml.ScalarNode, Value: v[0]}
		default:
			val = yaml.Node{Kind: yaml.SequenceNode}
			for _, p := range v {
				val.Content = append(val.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: p})
			}
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &val)
	}
	return node, nil
}

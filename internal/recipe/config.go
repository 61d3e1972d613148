package recipe

import (
	"maps"
	"regexp"
	"slices"
)

var refPattern = regexp.MustCompile(`\$\{(\w[\w.]*?\w)\}`)

// Configuration is the slave's property bag: machine, processor, os,
// family and version plus "<package>.<key>" entries.
type Configuration struct {
	props map[string]string
}

// NewConfiguration copies props into a Configuration.
func NewConfiguration(props map[string]string) *Configuration {
	c := &Configuration{props: map[string]string{}}
	maps.Copy(c.props, props)
	return c
}

// Get returns a property, or "".
func (c *Configuration) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.props[key]
}

// Lookup returns a property and whether it is set.
func (c *Configuration) Lookup(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.props[key]
	return v, ok
}

// Set stores a property.
func (c *Configuration) Set(key, value string) {
	c.props[key] = value
}

// Keys returns the property names in sorted order.
func (c *Configuration) Keys() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.props))
}

// Properties returns a copy of every property.
func (c *Configuration) Properties() map[string]string {
	if c == nil {
		return map[string]string{}
	}
	return maps.Clone(c.props)
}

// Interpolate replaces ${name} references with configuration properties,
// falling back to vars. Unknown references are left untouched.
func (c *Configuration) Interpolate(text string, vars map[string]string) string {
	return refPattern.ReplaceAllStringFunc(text, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := c.Lookup(name); ok {
			return v
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}

package slave

import (
	"encoding/xml"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/pkg/protocol"
)

// Config is the slave's identity and the properties it advertises.
type Config struct {
	Name       string
	Properties *recipe.Configuration
}

// overrides maps the [machine] and [os] keys of the configuration file
// onto core property names.
var overrides = map[string]string{
	"machine.name":      "",
	"machine.processor": "processor",
	"machine.machine":   "machine",
	"os.name":           "os",
	"os.family":         "family",
	"os.version":        "version",
}

// LoadConfig detects the host's properties and applies the INI file at
// path on top. Sections other than [machine] and [os] describe installed
// packages; their keys become "<section>.<key>" properties.
func LoadConfig(path string) (*Config, error) {
	h := detectHost()
	cfg := &Config{
		Name: h.name,
		Properties: recipe.NewConfiguration(map[string]string{
			"machine":   h.machine,
			"processor": h.processor,
			"os":        h.os,
			"family":    h.family,
			"version":   h.version,
		}),
	}
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "failed to read slave configuration")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to parse slave configuration %s", path)
	}

	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if prop, ok := overrides[key]; ok {
			if prop == "" {
				cfg.Name = value
			} else {
				cfg.Properties.Set(prop, value)
			}
			continue
		}
		if strings.HasPrefix(key, "machine.") || strings.HasPrefix(key, "os.") || !strings.Contains(key, ".") {
			continue
		}
		cfg.Properties.Set(key, value)
	}
	return cfg, nil
}

// Greeting is the document posted to request a build.
func (c *Config) Greeting() *protocol.Slave {
	props := c.Properties
	s := &protocol.Slave{
		Name:     c.Name,
		Version:  strconv.Itoa(protocol.Version),
		Platform: protocol.Platform{Processor: props.Get("processor"), Machine: props.Get("machine")},
		OS:       protocol.OS{Family: props.Get("family"), Version: props.Get("version"), Name: props.Get("os")},
	}

	packages := map[string][]xml.Attr{}
	for _, key := range props.Keys() {
		name, attr, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		packages[name] = append(packages[name], xml.Attr{Name: xml.Name{Local: attr}, Value: props.Get(key)})
	}
	for _, name := range lo.Keys(packages) {
		s.Packages = append(s.Packages, protocol.Package{Name: name, Attrs: packages[name]})
	}
	slices.SortFunc(s.Packages, func(a, b protocol.Package) int { return strings.Compare(a.Name, b.Name) })
	return s
}

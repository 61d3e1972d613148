package recipe

import (
	"path/filepath"
	"strings"

	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// Kind classifies items emitted by commands.
type Kind string

const (
	KindLog    Kind = "log"
	KindReport Kind = "report"
	KindError  Kind = "error"
	KindAttach Kind = "attach"
)

// Item is one entry of a context's output buffer.
type Item struct {
	Kind      Kind
	Category  string
	Generator string
	Messages  []protocol.Message
	Report    *xmlio.Element
	Message   string
	File      AttachedFile
}

// AttachedFile names a file to upload with the step result.
type AttachedFile struct {
	Path        string
	Description string
	Resource    string
}

// Context is the environment one recipe runs in.
type Context struct {
	Basedir string
	Vars    map[string]string
	Config  *Configuration

	generator string
	output    []Item
}

// NewContext returns a context rooted at basedir.
func NewContext(basedir string, cfg *Configuration, vars map[string]string) *Context {
	if cfg == nil {
		cfg = NewConfiguration(nil)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	return &Context{Basedir: basedir, Vars: vars, Config: cfg}
}

// ExpandBasedir interpolates a build directory pattern such as
// "build_${config}_${build}" and joins it to workdir.
func ExpandBasedir(workdir, pattern string, cfg *Configuration, vars map[string]string) string {
	dir := cfg.Interpolate(pattern, vars)
	return filepath.Join(workdir, filepath.FromSlash(dir))
}

// Resolve joins path elements onto the base directory. Absolute paths
// are returned unchanged.
func (c *Context) Resolve(parts ...string) string {
	p := filepath.FromSlash(filepath.Join(parts...))
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Basedir, p)
}

// Interpolate expands ${name} references in text.
func (c *Context) Interpolate(text string) string {
	return c.Config.Interpolate(text, c.Vars)
}

// Generator is the command currently running.
func (c *Context) Generator() string {
	return c.generator
}

// Log appends log messages from the current command.
func (c *Context) Log(msgs ...protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	c.output = append(c.output, Item{Kind: KindLog, Generator: c.generator, Messages: msgs})
}

// Logf appends a single log message.
func (c *Context) Logf(level, text string) {
	c.Log(protocol.Message{Level: level, Text: text})
}

// Report appends a report document for category. The element's children
// are the report items.
func (c *Context) Report(category string, report *xmlio.Element) {
	c.output = append(c.output, Item{Kind: KindReport, Category: category, Generator: c.generator, Report: report})
}

// Error records a build error, failing the current step.
func (c *Context) Error(msg string) {
	c.output = append(c.output, Item{Kind: KindError, Generator: c.generator, Message: strings.TrimSpace(msg)})
}

// Attach schedules a file for upload. resource is "build" or "config".
func (c *Context) Attach(file, description, resource string) {
	if resource == "" {
		resource = "build"
	}
	c.output = append(c.output, Item{
		Kind:      KindAttach,
		Generator: c.generator,
		File:      AttachedFile{Path: c.Resolve(file), Description: description, Resource: resource},
	})
}

// Output returns and clears the output buffer.
func (c *Context) Output() []Item {
	out := c.output
	c.output = nil
	return out
}

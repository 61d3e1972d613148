package recipe

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// NamespaceBase prefixes the namespace URIs of the bundled command
// modules, e.g. NamespaceBase+"sh#".
const NamespaceBase = "http://bitten.edgewall.org/tools/"

// ErrBuild matches errors by which commands declare the build failed.
var ErrBuild = errors.New("build error")

// BuildError is a command failure recorded verbatim as a step error.
type BuildError struct {
	Msg string
}

func (e *BuildError) Error() string { return e.Msg }

func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// Buildf returns a BuildError with a formatted message.
func Buildf(format string, args ...interface{}) error {
	return &BuildError{Msg: fmt.Sprintf(format, args...)}
}

// Call is one invocation of a command.
type Call struct {
	Name xml.Name
	Args Args
	Elem *xmlio.Element
}

// Command runs a recipe command.
type Command func(ctx context.Context, c *Context, call *Call) error

// Registry maps (namespace, local name) to commands.
type Registry struct {
	commands map[xml.Name]Command
}

// NewRegistry returns a registry holding the core commands.
func NewRegistry() *Registry {
	r := &Registry{commands: map[xml.Name]Command{}}
	registerCore(r)
	return r
}

// Register adds or replaces a command.
func (r *Registry) Register(namespace, name string, cmd Command) {
	r.commands[xml.Name{Space: namespace, Local: name}] = cmd
}

// Lookup returns the command for an element name.
func (r *Registry) Lookup(name xml.Name) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Check rejects recipes that use unregistered commands.
func (r *Registry) Check(rc *Recipe) error {
	for _, step := range rc.Steps {
		for _, elem := range step.Commands {
			if elem.Name.Space == "" && elem.Name.Local == ElemReports {
				for _, child := range elem.Children {
					if _, ok := r.Lookup(child.Name); !ok {
						return invalid("step %q: unknown command %s", step.ID, generator(child.Name))
					}
				}
				continue
			}
			if _, ok := r.Lookup(elem.Name); !ok {
				return invalid("step %q: unknown command %s", step.ID, generator(elem.Name))
			}
		}
	}
	return nil
}

func generator(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + name.Local
}

// Args are interpolated command attributes.
type Args map[string]string

// String returns an argument, or def when it is missing or empty.
func (a Args) String(key, def string) string {
	if v := a[key]; v != "" {
		return v
	}
	return def
}

// Required returns an argument or a build error naming it.
func (a Args) Required(key string) (string, error) {
	if v := strings.TrimSpace(a[key]); v != "" {
		return v, nil
	}
	return "", Buildf("missing required attribute %q", key)
}

// Bool interprets yes/true/on/1 as true.
func (a Args) Bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(a[key])) {
	case "":
		return def
	case "yes", "true", "on", "1":
		return true
	default:
		return false
	}
}

// Int parses an integer argument.
func (a Args) Int(key string, def int) (int, error) {
	v := strings.TrimSpace(a[key])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, Buildf("attribute %q must be an integer, got %q", key, v)
	}
	return n, nil
}

// Duration parses a timeout given in (possibly fractional) seconds.
func (a Args) Duration(key string) (time.Duration, error) {
	v := strings.TrimSpace(a[key])
	if v == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, Buildf("attribute %q must be a number of seconds, got %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Fields splits a whitespace separated argument.
func (a Args) Fields(key string) []string {
	return strings.Fields(a[key])
}

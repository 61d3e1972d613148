// Package recipe parses build recipes and executes their steps.
package recipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// ErrInvalid marks a structurally invalid recipe.
var ErrInvalid = errors.New("invalid recipe")

// OnError says what a failed step means for the build.
type OnError string

const (
	// Fail stops the build and marks it failed.
	Fail OnError = "fail"
	// Continue keeps going but the build still fails.
	Continue OnError = "continue"
	// Ignore keeps going and does not affect the build status.
	Ignore OnError = "ignore"
)

// Core element names. Core elements carry no namespace.
const (
	ElemBuild   = "build"
	ElemStep    = "step"
	ElemReports = "reports"
	ElemAttach  = "attach"
)

// Step is one recipe step.
type Step struct {
	ID          string
	Description string
	OnError     OnError
	Commands    []*xmlio.Element
}

// Recipe is a parsed and validated recipe document.
type Recipe struct {
	Root  *xmlio.Element
	Steps []*Step
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Parse decodes and validates a recipe document.
func Parse(data []byte) (*Recipe, error) {
	root, err := xmlio.Parse(data)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return New(root)
}

// New validates root and returns the recipe it describes.
func New(root *xmlio.Element) (*Recipe, error) {
	if root.Name.Local != ElemBuild {
		return nil, invalid("root element must be <build>, not <%s>", root.Name.Local)
	}

	onerrorDefault := Fail
	if v, ok := root.LookupAttr("onerror"); ok {
		if !validOnError(v) {
			return nil, invalid("unsupported onerror value %q", v)
		}
		onerrorDefault = OnError(v)
	}

	r := &Recipe{Root: root}
	seen := map[string]bool{}
	for _, elem := range root.Children {
		if elem.Name.Local != ElemStep {
			return nil, invalid("<build> may only contain <step> elements, found <%s>", elem.Name.Local)
		}

		id := strings.TrimSpace(elem.Attr("id"))
		if id == "" {
			return nil, invalid("step without id")
		}
		if seen[id] {
			return nil, invalid("duplicate step id %q", id)
		}
		seen[id] = true

		if len(elem.Children) == 0 {
			return nil, invalid("step %q has no commands", id)
		}
		for _, cmd := range elem.Children {
			if len(cmd.Children) > 0 && !isGrouping(cmd) {
				return nil, invalid("command <%s> in step %q must not have child elements", cmd.Name.Local, id)
			}
		}

		onerror := onerrorDefault
		if v, ok := elem.LookupAttr("onerror"); ok {
			if !validOnError(v) {
				return nil, invalid("step %q: unsupported onerror value %q", id, v)
			}
			onerror = OnError(v)
		}

		r.Steps = append(r.Steps, &Step{
			ID:          id,
			Description: elem.Attr("description"),
			OnError:     onerror,
			Commands:    elem.Children,
		})
	}

	if len(r.Steps) == 0 {
		return nil, invalid("recipe contains no steps")
	}
	return r, nil
}

func validOnError(v string) bool {
	switch OnError(v) {
	case Fail, Continue, Ignore:
		return true
	}
	return false
}

func isGrouping(e *xmlio.Element) bool {
	return e.Name.Space == "" && (e.Name.Local == ElemReports || e.Name.Local == ElemAttach)
}

// Step returns the step with the given id, or nil.
func (r *Recipe) Step(id string) *Step {
	if i := r.Index(id); i >= 0 {
		return r.Steps[i]
	}
	return nil
}

// Index returns the position of step id, or -1.
func (r *Recipe) Index(id string) int {
	for i, s := range r.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Vars returns the root attributes, which the master fills with build
// details such as config, build, revision and platform.
func (r *Recipe) Vars() map[string]string {
	vars := make(map[string]string, len(r.Root.Attrs))
	for _, a := range r.Root.Attrs {
		vars[a.Name.Local] = a.Value
	}
	return vars
}

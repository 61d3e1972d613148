package recipe

import (
	"context"
	"os"

	"github.com/bitten-ci/bitten/pkg/xmlio"
)

func registerCore(r *Registry) {
	r.Register("", "report", coreReport)
	r.Register("", ElemAttach, coreAttach)
}

// coreReport loads a report document from a file. The children of its
// root element become the report items.
func coreReport(_ context.Context, c *Context, call *Call) error {
	category, err := call.Args.Required("category")
	if err != nil {
		return err
	}
	file, err := call.Args.Required("file")
	if err != nil {
		return err
	}

	f, err := os.Open(c.Resolve(file))
	if err != nil {
		return Buildf("failed to read %s report: %v", category, err)
	}
	defer f.Close()

	doc, err := xmlio.Decode(f)
	if err != nil {
		return Buildf("failed to parse %s report %s: %v", category, file, err)
	}
	c.Report(category, doc)
	return nil
}

// coreAttach uploads a file with the step result. Files are named either
// by the element's own attributes or by nested <file> elements.
func coreAttach(_ context.Context, c *Context, call *Call) error {
	files := call.Elem.ChildrenNamed("file")
	if len(files) == 0 {
		file, err := call.Args.Required("file")
		if err != nil {
			return err
		}
		c.Attach(file, call.Args["description"], call.Args["resource"])
		return nil
	}

	for _, f := range files {
		name := c.Interpolate(f.Attr("file"))
		if name == "" {
			name = c.Interpolate(f.Attr("filename"))
		}
		if name == "" {
			return Buildf("attached file without a name")
		}
		resource := f.Attr("resource")
		if resource == "" {
			resource = call.Args["resource"]
		}
		c.Attach(name, c.Interpolate(f.Attr("description")), resource)
	}
	return nil
}
